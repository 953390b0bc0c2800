// Package storage is the client side of the append-only log collaborator.
// The proxy treats the log service as a black box: it writes opaque frame
// bytes and reads them back by offset, optionally tailing via long-poll.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound means the stream does not exist in the log service.
var ErrNotFound = errors.New("storage: stream not found")

// ReadOptions select what portion of a stream to read and whether to wait
// for new bytes.
type ReadOptions struct {
	// Offset is the byte position to read from. -1 replays from the start.
	Offset int64
	// LongPoll makes the read wait, up to the server's bounded timeout,
	// when no bytes past Offset exist yet.
	LongPoll bool
	// Cursor is the opaque cursor echoed from a previous read, used by the
	// log service for request collapsing.
	Cursor string
}

// ReadResult is one read's worth of stream bytes plus resume metadata.
type ReadResult struct {
	Data       []byte
	NextOffset int64
	UpToDate   bool
	Cursor     string
}

// Store is the append-only log collaborator interface.
type Store interface {
	// Create makes the stream exist. Creating an existing stream is not an
	// error (idempotent PUT).
	Create(ctx context.Context, id string) error
	// Append adds data to the stream and returns the offset past the new
	// bytes.
	Append(ctx context.Context, id string, data []byte) (nextOffset int64, err error)
	// Read returns bytes from the given offset per opts.
	Read(ctx context.Context, id string, opts ReadOptions) (*ReadResult, error)
	// Delete removes the stream and its bytes.
	Delete(ctx context.Context, id string) error
}
