// Package demux reconstructs logical responses from an interleaved frame
// byte stream. One Demuxer serves one stream connection: the read loop feeds
// it raw bytes in arbitrary chunks, and consumers receive per-response-ID
// Response objects whose bodies fill as Data frames arrive.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"stream-proxy-go/internal/frame"
)

// DefaultMaxBuffer is the shared byte budget across undecoded input and all
// unconsumed response bodies.
const DefaultMaxBuffer = 4 << 20

// ErrClosed is returned to waiters and readers after Close.
var ErrClosed = errors.New("demux: closed")

// ErrBufferOverflow means the shared buffer budget was exceeded. It is fatal
// for the whole demuxer: memory safety is chosen over keeping the session.
var ErrBufferOverflow = errors.New("demux: buffer limit exceeded")

// ErrAborted is the body error of a response terminated by an Abort frame.
var ErrAborted = errors.New("response aborted by remote")

// ResponseError is the body error of a response terminated by an Error
// frame.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream response failed: %s (%s)", e.Message, e.Code)
	}
	return "upstream response failed: " + e.Message
}

// Demuxer turns an arbitrarily-chunked frame byte stream into Responses.
// All methods are safe for concurrent use.
type Demuxer struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxBuffer int
	buffered  int // undecoded bytes + queued unread body bytes
	buf       []byte

	responses    map[uint32]*Response // every response seen, terminal ones retained
	order        []*Response          // publication order for Responses()
	highestStart uint32
	waiters      map[uint32][]chan waitResult

	err    error // terminal demuxer error, nil while healthy
	closed bool
}

type waitResult struct {
	r   *Response
	err error
}

// New creates a Demuxer. maxBuffer bounds the shared byte budget; zero or
// negative selects DefaultMaxBuffer.
func New(maxBuffer int) *Demuxer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	d := &Demuxer{
		maxBuffer: maxBuffer,
		responses: make(map[uint32]*Response),
		waiters:   make(map[uint32][]chan waitResult),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Feed consumes the next chunk of stream bytes, decoding every complete
// frame and retaining any trailing partial frame. A returned error means the
// demuxer is terminal; all responses and waiters have been failed.
func (d *Demuxer) Feed(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	if d.closed {
		return ErrClosed
	}

	d.buf = append(d.buf, p...)
	d.buffered += len(p)

	for {
		f, n, err := frame.Decode(d.buf)
		if err != nil {
			d.failLocked(err)
			return err
		}
		if n == 0 {
			break
		}
		d.buf = d.buf[n:]
		d.buffered -= n
		if err := d.dispatchLocked(f); err != nil {
			d.failLocked(err)
			return err
		}
	}

	if d.buffered > d.maxBuffer {
		d.failLocked(ErrBufferOverflow)
		return ErrBufferOverflow
	}
	return nil
}

// dispatchLocked applies one decoded frame to the response map.
//
// Frames for IDs at or below the highest Start seen whose response is
// already terminal are dropped: offset replay after resumption re-delivers
// old frames and must be harmless. Frames for IDs above any Start seen, and
// a second Start for a known ID, indicate a broken writer and are fatal.
func (d *Demuxer) dispatchLocked(f frame.Frame) error {
	switch f.Type {
	case frame.TypeStart:
		if f.ResponseID <= d.highestStart {
			if _, ok := d.responses[f.ResponseID]; ok {
				// Replay of a Start we already consumed.
				return nil
			}
			return &frame.DecodeError{Reason: fmt.Sprintf("start frame reuses response ID %d", f.ResponseID)}
		}
		p, err := f.ParseStart()
		if err != nil {
			return err
		}
		d.highestStart = f.ResponseID
		r := &Response{
			ID:     f.ResponseID,
			Status: p.Status,
			Header: http.Header(p.Headers),
			d:      d,
		}
		d.responses[f.ResponseID] = r
		d.order = append(d.order, r)
		d.resolveWaitersLocked(f.ResponseID, waitResult{r: r})
		d.cond.Broadcast()
		return nil

	case frame.TypeData:
		r, err := d.lookupLocked(f)
		if r == nil {
			return err
		}
		if r.closed {
			// Reader gave up on this body; don't queue against the budget.
			return nil
		}
		r.chunks = append(r.chunks, f.Payload)
		r.queued += len(f.Payload)
		d.buffered += len(f.Payload)
		d.cond.Broadcast()
		return nil

	case frame.TypeComplete:
		r, err := d.lookupLocked(f)
		if r == nil {
			return err
		}
		r.finishLocked(io.EOF)
		return nil

	case frame.TypeAbort:
		r, err := d.lookupLocked(f)
		if r == nil {
			return err
		}
		r.finishLocked(ErrAborted)
		return nil

	case frame.TypeError:
		r, err := d.lookupLocked(f)
		if r == nil {
			return err
		}
		p := f.ParseError()
		r.finishLocked(&ResponseError{Code: p.Code, Message: p.Message})
		return nil
	}
	return &frame.DecodeError{Reason: fmt.Sprintf("unknown frame type %s", f.Type)}
}

// lookupLocked resolves the response a Data or terminal frame targets.
// (nil, nil) means drop the frame as benign replay.
func (d *Demuxer) lookupLocked(f frame.Frame) (*Response, error) {
	if f.ResponseID > d.highestStart {
		return nil, &frame.DecodeError{Reason: fmt.Sprintf("%s frame for response %d before its start", f.Type, f.ResponseID)}
	}
	r, ok := d.responses[f.ResponseID]
	if !ok || r.done {
		return nil, nil
	}
	return r, nil
}

func (d *Demuxer) resolveWaitersLocked(id uint32, res waitResult) {
	for _, ch := range d.waiters[id] {
		ch <- res
	}
	delete(d.waiters, id)
}

// WaitForResponse blocks until the Start frame for id has been seen and
// returns its Response; terminal responses are retained, so a late waiter
// still resolves. It fails once the demuxer is terminal or ctx is done.
func (d *Demuxer) WaitForResponse(ctx context.Context, id uint32) (*Response, error) {
	d.mu.Lock()
	if r, ok := d.responses[id]; ok {
		d.mu.Unlock()
		return r, nil
	}
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan waitResult, 1)
	d.waiters[id] = append(d.waiters[id], ch)
	d.mu.Unlock()

	select {
	case res := <-ch:
		return res.r, res.err
	case <-ctx.Done():
		d.mu.Lock()
		d.removeWaiterLocked(id, ch)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (d *Demuxer) removeWaiterLocked(id uint32, ch chan waitResult) {
	ws := d.waiters[id]
	for i, w := range ws {
		if w == ch {
			d.waiters[id] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// Responses returns a channel yielding every response in Start order,
// including those published before the call. The channel closes once the
// demuxer is terminal and all published responses have been delivered. The
// caller must drain it.
func (d *Demuxer) Responses() <-chan *Response {
	ch := make(chan *Response)
	go func() {
		defer close(ch)
		i := 0
		d.mu.Lock()
		for {
			for i < len(d.order) {
				r := d.order[i]
				i++
				d.mu.Unlock()
				ch <- r
				d.mu.Lock()
			}
			if d.closed || d.err != nil {
				break
			}
			d.cond.Wait()
		}
		d.mu.Unlock()
	}()
	return ch
}

// Err returns the terminal demuxer error, or nil while the demuxer is
// healthy or was closed cleanly.
func (d *Demuxer) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close enters terminal state deterministically: in-flight response bodies
// and pending waiters fail with ErrClosed, Responses channels drain and
// close. Idempotent.
func (d *Demuxer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.err != nil {
		return
	}
	d.closed = true
	d.terminateLocked(ErrClosed)
}

// Fail enters terminal state with err: in-flight response bodies and all
// waiters observe err. Used by the read loop for non-renewable errors.
func (d *Demuxer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.err != nil {
		return
	}
	d.failLocked(err)
}

func (d *Demuxer) failLocked(err error) {
	d.err = err
	d.terminateLocked(err)
}

func (d *Demuxer) terminateLocked(err error) {
	for _, r := range d.responses {
		if !r.done {
			r.finishLocked(err)
		}
	}
	for id, ws := range d.waiters {
		for _, ch := range ws {
			ch <- waitResult{err: err}
		}
		delete(d.waiters, id)
	}
	d.cond.Broadcast()
}
