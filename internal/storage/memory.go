package storage

import (
	"context"
	"sync"
	"time"
)

// defaultPollWait bounds how long a long-poll read waits for new bytes
// before returning an empty up-to-date result.
const defaultPollWait = 20 * time.Second

// MemoryStore is an in-process Store. It backs tests and the standalone
// deployment mode where no external log service is configured.
type MemoryStore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	logs     map[string][]byte
	pollWait time.Duration
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		logs:     make(map[string][]byte),
		pollWait: defaultPollWait,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetPollWait overrides the long-poll wait bound. Tests use short waits.
func (m *MemoryStore) SetPollWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollWait = d
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[id]; !ok {
		m.logs[id] = nil
	}
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, id string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[id]
	if !ok {
		return 0, ErrNotFound
	}
	m.logs[id] = append(log, data...)
	m.cond.Broadcast()
	return int64(len(m.logs[id])), nil
}

// Read implements Store. Long-poll reads wake on append, context
// cancellation, or the poll wait bound.
func (m *MemoryStore) Read(ctx context.Context, id string, opts ReadOptions) (*ReadResult, error) {
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[id]
	if !ok {
		return nil, ErrNotFound
	}

	if opts.LongPoll && int64(len(log)) <= offset {
		deadline := time.Now().Add(m.pollWait)
		stop := context.AfterFunc(ctx, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		defer stop()

		// Wake the cond periodically so the wait bound holds without a
		// broadcast.
		ticker := time.AfterFunc(m.pollWait, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		defer ticker.Stop()

		for int64(len(m.logs[id])) <= offset && time.Now().Before(deadline) && ctx.Err() == nil {
			m.cond.Wait()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log = m.logs[id]
	}

	if offset > int64(len(log)) {
		offset = int64(len(log))
	}
	data := make([]byte, len(log[offset:]))
	copy(data, log[offset:])

	return &ReadResult{
		Data:       data,
		NextOffset: int64(len(log)),
		UpToDate:   true,
	}, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, id)
	m.cond.Broadcast()
	return nil
}
