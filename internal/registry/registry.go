// Package registry tracks per-process stream state: the response-ID counter
// and the cancel functions of in-flight upstream calls.
//
// The Registry interface deliberately exposes only lookup, insert and remove
// so a horizontally scaled deployment can later swap in distributed
// coordination without touching the framing or forwarding logic.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry is the lookup surface over active streams.
type Registry interface {
	// Lookup returns the stream state for id, or false if absent.
	Lookup(id string) (*Stream, bool)
	// Insert creates and registers state for id. If id is already present
	// the existing state is returned and created is false.
	Insert(id string) (s *Stream, created bool)
	// Remove drops the stream state. The log entries are unaffected; only
	// the in-memory view is forgotten.
	Remove(id string)
}

// Stream is the mutable per-stream server state. Response-ID allocation is
// the only cross-request shared state; everything else about a response is
// an independent append sequence.
type Stream struct {
	ID string

	mu       sync.Mutex
	lastID   uint32
	inFlight map[uint32]context.CancelFunc
}

// NextResponseID allocates the next response ID for the stream. IDs start at
// 1, increase strictly, and are never reused.
func (s *Stream) NextResponseID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID
}

// Track registers the cancel function for an in-flight response.
func (s *Stream) Track(responseID uint32, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[responseID] = cancel
}

// Untrack forgets a response once it reaches a terminal state.
func (s *Stream) Untrack(responseID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, responseID)
}

// Abort cancels one in-flight response. With responseID zero it targets the
// latest allocated ID. It reports whether a cancellation was issued; aborting
// an absent or already-terminal response is a harmless no-op, keeping the
// operation idempotent.
func (s *Stream) Abort(responseID uint32) bool {
	s.mu.Lock()
	if responseID == 0 {
		responseID = s.lastID
	}
	cancel, ok := s.inFlight[responseID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// LastResponseID returns the most recently allocated response ID.
func (s *Stream) LastResponseID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Memory is the single-process Registry implementation.
type Memory struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewMemory creates an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*Stream)}
}

// Lookup implements Registry.
func (m *Memory) Lookup(id string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// Insert implements Registry.
func (m *Memory) Insert(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s, false
	}
	s := &Stream{ID: id, inFlight: make(map[uint32]context.CancelFunc)}
	m.streams[id] = s
	return s, true
}

// Remove implements Registry.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, id)
}

// NewStreamID returns a fresh opaque stream identifier.
func NewStreamID() string {
	return uuid.NewString()
}
