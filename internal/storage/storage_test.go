package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLogService is a minimal in-memory log service speaking the HTTP API.
type fakeLogService struct {
	mu   sync.Mutex
	logs map[string][]byte
}

func (f *fakeLogService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/"):]
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		if _, ok := f.logs[id]; ok {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.logs[id] = nil
		w.WriteHeader(http.StatusCreated)

	case http.MethodPost:
		log, ok := f.logs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.logs[id] = append(log, body...)
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(len(f.logs[id])))
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		log, ok := f.logs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
		if offset < 0 {
			offset = 0
		}
		if offset > int64(len(log)) {
			offset = int64(len(log))
		}
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(len(log)))
		w.Header().Set("Stream-Up-To-Date", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(log[offset:])

	case http.MethodDelete:
		delete(f.logs, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestHTTPStoreRoundTrip(t *testing.T) {
	svc := &fakeLogService{logs: make(map[string][]byte)}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	store, err := NewHTTPStore(HTTPStoreConfig{BaseURL: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPStore: %v", err)
	}

	ctx := context.Background()
	if err := store.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Idempotent: creating again hits the 409 path.
	if err := store.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create twice: %v", err)
	}

	next, err := store.Append(ctx, "s1", []byte("hello "))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if next != 6 {
		t.Errorf("next offset = %d, want 6", next)
	}
	if _, err := store.Append(ctx, "s1", []byte("world")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res, err := store.Read(ctx, "s1", ReadOptions{Offset: -1})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(res.Data, []byte("hello world")) {
		t.Errorf("Read data = %q, want %q", res.Data, "hello world")
	}
	if res.NextOffset != 11 || !res.UpToDate {
		t.Errorf("Read meta = (%d, %v), want (11, true)", res.NextOffset, res.UpToDate)
	}

	res, err = store.Read(ctx, "s1", ReadOptions{Offset: 6})
	if err != nil {
		t.Fatalf("Read from offset: %v", err)
	}
	if !bytes.Equal(res.Data, []byte("world")) {
		t.Errorf("Read from offset = %q, want %q", res.Data, "world")
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Read(ctx, "s1", ReadOptions{Offset: -1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after delete = %v, want ErrNotFound", err)
	}
	if _, err := store.Append(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Append to missing = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Append(ctx, "s1", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Append before Create = %v, want ErrNotFound", err)
	}

	if err := store.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	next, err := store.Append(ctx, "s1", []byte("abc"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if next != 3 {
		t.Errorf("next offset = %d, want 3", next)
	}

	res, err := store.Read(ctx, "s1", ReadOptions{Offset: 1})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(res.Data) != "bc" || res.NextOffset != 3 {
		t.Errorf("Read = (%q, %d), want (bc, 3)", res.Data, res.NextOffset)
	}
}

func TestMemoryStoreLongPollWakesOnAppend(t *testing.T) {
	store := NewMemoryStore()
	store.SetPollWait(5 * time.Second)
	ctx := context.Background()
	if err := store.Create(ctx, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	type result struct {
		res *ReadResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := store.Read(ctx, "s1", ReadOptions{Offset: 0, LongPoll: true})
		done <- result{res, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := store.Append(ctx, "s1", []byte("wake")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Read: %v", r.err)
		}
		if string(r.res.Data) != "wake" {
			t.Errorf("Read data = %q, want %q", r.res.Data, "wake")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll read did not wake on append")
	}
}

func TestMemoryStoreLongPollCancel(t *testing.T) {
	store := NewMemoryStore()
	store.SetPollWait(5 * time.Second)
	if err := store.Create(context.Background(), "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Read(ctx, "s1", ReadOptions{Offset: 0, LongPoll: true})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Read = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll read did not observe cancellation")
	}
}
