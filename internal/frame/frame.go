// Package frame implements the binary wire format that multiplexes many
// upstream response lifecycles onto one append-only byte log.
//
// A frame is a 9-byte header followed by a payload. The header is one type
// byte ('S', 'D', 'C', 'A' or 'E'), a 4-byte big-endian response ID and a
// 4-byte big-endian payload length. Per response ID, exactly one Start frame
// precedes any Data frames, and exactly one terminal frame (Complete, Abort
// or Error) ends the sequence. Frames for different response IDs may
// interleave freely.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
)

// Type is the single-byte frame type code.
type Type byte

const (
	// TypeStart opens a response; payload is JSON {status, headers}.
	TypeStart Type = 'S'
	// TypeData carries raw response body bytes.
	TypeData Type = 'D'
	// TypeComplete terminates a response cleanly; empty payload.
	TypeComplete Type = 'C'
	// TypeAbort terminates a response on caller request; empty payload.
	TypeAbort Type = 'A'
	// TypeError terminates a response with a failure; payload is JSON
	// {message, code}, or raw text from writers that predate the JSON form.
	TypeError Type = 'E'
)

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 9

// MaxPayloadSize bounds a single frame's declared payload length. A header
// claiming more than this is treated as corrupt rather than buffered.
const MaxPayloadSize = 16 << 20

// Frame is one decoded wire unit.
type Frame struct {
	Type       Type
	ResponseID uint32
	Payload    []byte
}

// StartPayload is the JSON payload of a Start frame.
type StartPayload struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers"`
}

// ErrorPayload is the JSON payload of an Error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DecodeError reports a malformed frame stream. Any DecodeError is fatal and
// non-resynchronizable: the byte log is length-prefixed with no frame
// delimiters, so a bad header leaves no way to find the next frame boundary.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "frame: " + e.Reason
}

func (t Type) valid() bool {
	switch t {
	case TypeStart, TypeData, TypeComplete, TypeAbort, TypeError:
		return true
	}
	return false
}

// Terminal reports whether the type ends a response lifecycle.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeAbort || t == TypeError
}

func (t Type) String() string {
	if t.valid() {
		return string(byte(t))
	}
	return fmt.Sprintf("0x%02x", byte(t))
}

// Append serializes the frame onto dst and returns the extended slice.
func (f Frame) Append(dst []byte) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[1:5], f.ResponseID)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...)
}

// Encode serializes the frame into a fresh byte slice.
func (f Frame) Encode() []byte {
	return f.Append(make([]byte, 0, HeaderSize+len(f.Payload)))
}

// Decode reads one frame from the front of buf. It returns the frame and the
// number of bytes consumed. If buf does not yet hold a complete frame it
// returns (Frame{}, 0, nil) so the caller can wait for more bytes. A
// malformed header returns a *DecodeError.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}
	t := Type(buf[0])
	if !t.valid() {
		return Frame{}, 0, &DecodeError{Reason: fmt.Sprintf("unknown frame type %s", t)}
	}
	id := binary.BigEndian.Uint32(buf[1:5])
	size := binary.BigEndian.Uint32(buf[5:9])
	if size > MaxPayloadSize {
		return Frame{}, 0, &DecodeError{Reason: fmt.Sprintf("payload length %d exceeds limit", size)}
	}
	total := HeaderSize + int(size)
	if len(buf) < total {
		return Frame{}, 0, nil
	}
	payload := make([]byte, size)
	copy(payload, buf[HeaderSize:total])
	return Frame{Type: t, ResponseID: id, Payload: payload}, total, nil
}

// Start builds a Start frame for the given upstream status and headers.
func Start(responseID uint32, status int, headers http.Header) (Frame, error) {
	p, err := json.Marshal(StartPayload{Status: status, Headers: headers})
	if err != nil {
		return Frame{}, fmt.Errorf("frame: marshal start payload: %w", err)
	}
	return Frame{Type: TypeStart, ResponseID: responseID, Payload: p}, nil
}

// Data builds a Data frame carrying body bytes.
func Data(responseID uint32, p []byte) Frame {
	return Frame{Type: TypeData, ResponseID: responseID, Payload: p}
}

// Complete builds the clean terminal frame.
func Complete(responseID uint32) Frame {
	return Frame{Type: TypeComplete, ResponseID: responseID}
}

// Abort builds the caller-requested terminal frame.
func Abort(responseID uint32) Frame {
	return Frame{Type: TypeAbort, ResponseID: responseID}
}

// Error builds the failure terminal frame.
func Error(responseID uint32, code, message string) Frame {
	p, _ := json.Marshal(ErrorPayload{Message: message, Code: code})
	return Frame{Type: TypeError, ResponseID: responseID, Payload: p}
}

// ParseStart decodes a Start frame payload.
func (f Frame) ParseStart() (StartPayload, error) {
	var p StartPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return StartPayload{}, &DecodeError{Reason: "malformed start payload: " + err.Error()}
	}
	return p, nil
}

// ParseError decodes an Error frame payload. Payloads that are not valid
// JSON are taken as the raw error text.
func (f Frame) ParseError() ErrorPayload {
	var p ErrorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.Message == "" && p.Code == "" {
		return ErrorPayload{Message: string(f.Payload)}
	}
	return p
}
