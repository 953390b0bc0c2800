// Package sign issues and verifies the time-limited, HMAC-signed capability
// URLs that authorize read, append and abort operations on one stream.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"stream-proxy-go/internal/protocol"
)

// ErrSignatureInvalid means the signature does not verify. This failure is
// non-renewable: the caller holds a token that was never valid.
var ErrSignatureInvalid = errors.New("stream signature invalid")

// ExpiredError means the signature verifies but the token is past its
// expiry. It carries the stream ID so a client can reconnect and resume
// without re-deriving its identity.
type ExpiredError struct {
	StreamID  string
	ExpiresAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("stream signature expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Signer computes and checks HMAC-SHA256 capability signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// New creates a Signer from the shared secret.
func New(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// NewWithClock creates a Signer with an injected clock for tests.
func NewWithClock(secret []byte, now func() time.Time) *Signer {
	return &Signer{secret: secret, now: now}
}

// Sign returns the hex signature over the canonical (streamID, expiresAt)
// encoding. Expiry is truncated to whole seconds so the signed value matches
// the expires query parameter exactly.
func (s *Signer) Sign(streamID string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(streamID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a token. It returns nil for a valid unexpired token,
// ErrSignatureInvalid for a bad signature, and *ExpiredError for a token
// whose signature verifies but whose expiry has passed. Signature comparison
// is constant time; the signature is always checked before expiry so an
// attacker cannot distinguish expired from forged without a valid secret.
func (s *Signer) Verify(streamID string, expiresAt time.Time, signature string) error {
	want := s.Sign(streamID, expiresAt)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	if !s.now().Before(expiresAt) {
		return &ExpiredError{StreamID: streamID, ExpiresAt: expiresAt}
	}
	return nil
}

// SignedURL returns base with expires and signature query parameters
// appended, granting access to streamID until now+ttl. Any prior capability
// parameters on base are replaced.
func (s *Signer) SignedURL(base *url.URL, streamID string, ttl time.Duration) string {
	expiresAt := s.now().Add(ttl).Truncate(time.Second)
	u := *base
	q := u.Query()
	q.Set(protocol.ParamExpires, strconv.FormatInt(expiresAt.Unix(), 10))
	q.Set(protocol.ParamSignature, s.Sign(streamID, expiresAt))
	u.RawQuery = q.Encode()
	return u.String()
}

// VerifyQuery validates the expires and signature parameters of a request
// against streamID. A missing or non-numeric expires parameter is treated as
// an invalid signature rather than a distinct error class.
func (s *Signer) VerifyQuery(streamID string, q url.Values) error {
	expStr := q.Get(protocol.ParamExpires)
	sig := q.Get(protocol.ParamSignature)
	if expStr == "" || sig == "" {
		return ErrSignatureInvalid
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	return s.Verify(streamID, time.Unix(exp, 0), sig)
}
