package demux

import "io"

// Response is one logical upstream response reconstructed from frames. The
// body is push-driven: Read blocks until Data frames arrive or the response
// reaches a terminal state.
type Response struct {
	ID     uint32
	Status int
	Header map[string][]string

	d *Demuxer

	// Guarded by d.mu.
	chunks  [][]byte
	queued  int
	done    bool
	termErr error // io.EOF on Complete, ErrAborted, *ResponseError, or a demuxer error
	closed  bool  // reader gave up; discard further data
}

// finishLocked marks the response terminal. Queued body bytes stay readable;
// the terminal error is observed after they are drained.
func (r *Response) finishLocked(err error) {
	r.done = true
	r.termErr = err
	r.d.cond.Broadcast()
}

// Read implements io.Reader over the streamed body. After the last Data
// frame is consumed it returns io.EOF for a completed response, ErrAborted
// for an aborted one, or a *ResponseError / demuxer error otherwise.
func (r *Response) Read(p []byte) (int, error) {
	d := r.d
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if r.closed {
			return 0, ErrClosed
		}
		if len(r.chunks) > 0 {
			n := copy(p, r.chunks[0])
			if n == len(r.chunks[0]) {
				r.chunks = r.chunks[1:]
			} else {
				r.chunks[0] = r.chunks[0][n:]
			}
			r.queued -= n
			d.buffered -= n
			return n, nil
		}
		if r.done {
			return 0, r.termErr
		}
		d.cond.Wait()
	}
}

// Close releases any unread body bytes back to the shared budget and stops
// further delivery to this response. It never fails the demuxer.
func (r *Response) Close() error {
	d := r.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	d.buffered -= r.queued
	r.queued = 0
	r.chunks = nil
	return nil
}

// Err returns the terminal body error once the response is done: io.EOF for
// a clean completion, ErrAborted, a *ResponseError, or the demuxer's own
// failure. It returns nil while the response is still streaming.
func (r *Response) Err() error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if !r.done {
		return nil
	}
	return r.termErr
}

// Done reports whether the response has reached a terminal state.
func (r *Response) Done() bool {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.done
}

// Completed reports whether the response terminated cleanly.
func (r *Response) Completed() bool {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	return r.done && r.termErr == io.EOF
}
