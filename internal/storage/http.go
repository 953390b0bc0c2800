package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stream-proxy-go/internal/protocol"
)

// HTTPStore talks to a remote log service over its HTTP API: PUT to create,
// POST to append, GET with offset/live query parameters to read.
type HTTPStore struct {
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPStoreConfig configures an HTTPStore.
type HTTPStoreConfig struct {
	// BaseURL is the log service root; stream IDs are appended as one path
	// segment.
	BaseURL string
	// ReadTimeout bounds a single read call, long-poll wait included.
	ReadTimeout time.Duration
	// IdleConnections sizes the connection pool.
	IdleConnections int
}

// NewHTTPStore creates an HTTPStore with connection pooling.
func NewHTTPStore(cfg HTTPStoreConfig, logger *slog.Logger) (*HTTPStore, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse base url: %w", err)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.IdleConnections <= 0 {
		cfg.IdleConnections = 100
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.IdleConnections,
		MaxIdleConnsPerHost: cfg.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPStore{
		base: base,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.ReadTimeout,
		},
		logger: logger.With("component", "storage_client"),
	}, nil
}

func (s *HTTPStore) streamURL(id string) string {
	u := *s.base
	u.Path, _ = url.JoinPath(u.Path, id)
	return u.String()
}

// Create implements Store via an idempotent PUT.
func (s *HTTPStore) Create(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.streamURL(id), http.NoBody)
	if err != nil {
		return fmt.Errorf("storage: build create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage: create: %w", err)
	}
	defer drain(resp.Body)

	// 409 means the stream already exists; create is idempotent.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("storage: create: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Append implements Store via POST; the next offset comes back in a header.
func (s *HTTPStore) Append(ctx context.Context, id string, data []byte) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.streamURL(id), bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("storage: build append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("storage: append: %w", err)
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, ErrNotFound
	case resp.StatusCode >= 300:
		return 0, fmt.Errorf("storage: append: unexpected status %d", resp.StatusCode)
	}

	next, err := strconv.ParseInt(resp.Header.Get(protocol.HeaderNextOffset), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("storage: append: bad %s header: %w", protocol.HeaderNextOffset, err)
	}
	return next, nil
}

// Read implements Store. With opts.LongPoll the call blocks server-side
// until bytes past the offset exist or the bounded wait elapses.
func (s *HTTPStore) Read(ctx context.Context, id string, opts ReadOptions) (*ReadResult, error) {
	u, err := url.Parse(s.streamURL(id))
	if err != nil {
		return nil, fmt.Errorf("storage: parse stream url: %w", err)
	}
	q := u.Query()
	q.Set(protocol.ParamOffset, strconv.FormatInt(opts.Offset, 10))
	if opts.LongPoll {
		q.Set(protocol.ParamLive, protocol.LiveLongPoll)
	}
	if opts.Cursor != "" {
		q.Set(protocol.ParamCursor, opts.Cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("storage: build read request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage: read: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("storage: read: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read body: %w", err)
	}

	res := &ReadResult{
		Data:     data,
		UpToDate: resp.Header.Get(protocol.HeaderUpToDate) == "true",
		Cursor:   resp.Header.Get(protocol.HeaderCursor),
	}
	if v := resp.Header.Get(protocol.HeaderNextOffset); v != "" {
		res.NextOffset, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("storage: read: bad %s header: %w", protocol.HeaderNextOffset, err)
		}
	}
	return res, nil
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.streamURL(id), http.NoBody)
	if err != nil {
		return fmt.Errorf("storage: build delete request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("storage: delete: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
