package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"stream-proxy-go/internal/demux"
	"stream-proxy-go/internal/protocol"
)

// DefaultPollBackoff is the pause between long-poll reads once the session
// has caught up with the stream.
const DefaultPollBackoff = 75 * time.Millisecond

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("client: session closed")

// ProxyError is a non-2xx proxy response decoded from the JSON error
// envelope.
type ProxyError struct {
	Status   int
	Code     string
	Message  string
	StreamID string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy: %d %s: %s", e.Status, e.Code, e.Message)
}

// Renewable reports whether the failure can be cured by reconnecting with a
// fresh capability URL.
func (e *ProxyError) Renewable() bool {
	return e.Code == protocol.CodeSignatureExpired
}

// SessionConfig configures a durable session.
type SessionConfig struct {
	// ProxyURL is the base URL of the stream proxy.
	ProxyURL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Mappings persists requestId mappings for resumable fetches. Optional.
	Mappings MappingStore
	// MaxBuffer bounds the demuxer's shared buffer. Zero means the default.
	MaxBuffer int
	// PollBackoff overrides DefaultPollBackoff. Zero means the default.
	PollBackoff time.Duration
	Logger      *slog.Logger
}

// Session binds the client to one stream and multiplexes concurrent fetches
// over it. A single read loop feeds the demuxer; fetch callers wait on their
// assigned response IDs.
type Session struct {
	proxyURL   string
	httpClient *http.Client
	mappings   MappingStore
	backoff    time.Duration
	logger     *slog.Logger

	d *demux.Demuxer

	ctx    context.Context
	cancel context.CancelFunc

	mu          chan struct{} // semaphore; held across connect round trips
	streamID    string
	streamURL   string
	offset      int64
	loopRunning bool
	closed      bool
}

// NewSession creates a session. No network traffic happens until Connect or
// the first Fetch.
func NewSession(cfg SessionConfig) *Session {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	maxBuffer := cfg.MaxBuffer
	if maxBuffer == 0 {
		maxBuffer = demux.DefaultMaxBuffer
	}
	backoff := cfg.PollBackoff
	if backoff == 0 {
		backoff = DefaultPollBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		proxyURL:   cfg.ProxyURL,
		httpClient: hc,
		mappings:   cfg.Mappings,
		backoff:    backoff,
		logger:     logger.With("component", "session"),
		d:          demux.New(maxBuffer),
		ctx:        ctx,
		cancel:     cancel,
		mu:         make(chan struct{}, 1),
		offset:     -1,
	}
	return s
}

// lock acquires the session semaphore, honoring ctx cancellation. Using a
// channel instead of sync.Mutex lets connect hold the lock across a network
// round trip while concurrent callers remain cancellable; it is also what
// collapses concurrent Connect calls onto one in-flight attempt.
func (s *Session) lock(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) unlock() { <-s.mu }

// StreamID returns the stream this session is bound to, or "" before the
// first connect.
func (s *Session) StreamID() string {
	if err := s.lock(context.Background()); err != nil {
		return ""
	}
	defer s.unlock()
	return s.streamID
}

// Connect establishes the session, or refreshes its capability URL when
// already established. Concurrent callers collapse onto one in-flight
// attempt: whoever acquires the lock performs the round trip, the rest
// observe the refreshed state.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}

	var req *http.Request
	var err error
	if s.streamURL == "" {
		u := s.proxyURL + "/streams?" + protocol.ParamAction + "=" + protocol.ActionConnect
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	} else {
		u := s.streamURL + "&" + protocol.ParamAction + "=" + protocol.ActionConnect
		req, err = http.NewRequestWithContext(ctx, http.MethodPatch, u, http.NoBody)
	}
	if err != nil {
		return fmt.Errorf("client: build connect request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeProxyError(resp)
	}
	io.Copy(io.Discard, resp.Body)

	s.streamID = resp.Header.Get(protocol.HeaderStreamID)
	s.streamURL = resp.Header.Get("Location")
	if v := resp.Header.Get(protocol.HeaderNextOffset); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			s.offset = n
		}
	}
	s.logger.Debug("session connected", "stream_id", s.streamID, "offset", s.offset)
	return nil
}

// FetchOptions modify a single Fetch call.
type FetchOptions struct {
	// Method is the upstream HTTP method. Defaults to GET.
	Method string
	// Header entries are forwarded to the proxy alongside the upstream URL.
	// Use Upstream-Authorization to authenticate against the upstream.
	Header http.Header
	// Body is the upstream request body. Nil for no body.
	Body io.Reader
	// RequestID, when set and a MappingStore is configured, makes the fetch
	// resumable: a repeat call with the same ID waits on the already issued
	// response instead of re-invoking the upstream.
	RequestID string
}

// Fetch issues one upstream call through the session's stream and returns
// the demultiplexed response. Concurrent Fetch calls are safe; each gets a
// distinct response ID. Cancelling ctx abandons only this caller's wait.
func (s *Session) Fetch(ctx context.Context, upstreamURL string, opts FetchOptions) (*demux.Response, error) {
	if opts.RequestID != "" && s.mappings != nil {
		if m, err := s.mappings.Get(opts.RequestID); err == nil {
			if err := s.ensureLoop(ctx); err != nil {
				return nil, err
			}
			return s.d.WaitForResponse(ctx, m.ResponseID)
		}
	}

	id, err := s.issue(ctx, upstreamURL, opts)
	if err != nil {
		return nil, err
	}
	if opts.RequestID != "" && s.mappings != nil {
		if err := s.lock(ctx); err != nil {
			return nil, err
		}
		m := Mapping{StreamURL: s.streamURL, ResponseID: id}
		s.unlock()
		if err := s.mappings.Set(opts.RequestID, m); err != nil {
			s.logger.Warn("persist request mapping failed", "request_id", opts.RequestID, "err", err)
		}
	}
	return s.d.WaitForResponse(ctx, id)
}

// issue POSTs the upstream request to the proxy and returns the assigned
// response ID. The session's capability URL and offset are updated under the
// lock; the read loop is started if it is not running yet.
func (s *Session) issue(ctx context.Context, upstreamURL string, opts FetchOptions) (uint32, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.proxyURL+"/streams", opts.Body)
	if err != nil {
		return 0, fmt.Errorf("client: build fetch request: %w", err)
	}
	for k, vs := range opts.Header {
		req.Header[k] = vs
	}
	req.Header.Set(protocol.HeaderUpstreamURL, upstreamURL)
	req.Header.Set(protocol.HeaderUpstreamMethod, method)
	if s.streamURL != "" {
		req.Header.Set(protocol.HeaderUseStreamURL, s.streamURL)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, decodeProxyError(resp)
	}
	io.Copy(io.Discard, resp.Body)

	id64, err := strconv.ParseUint(resp.Header.Get(protocol.HeaderStreamResponseID), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("client: parse response id: %w", err)
	}

	s.streamID = resp.Header.Get(protocol.HeaderStreamID)
	if loc := resp.Header.Get("Location"); loc != "" {
		s.streamURL = loc
	}
	s.startLoopLocked()

	return uint32(id64), nil
}

// Abort cancels an in-flight response. responseID 0 targets the latest
// response on the stream. Abort is idempotent.
func (s *Session) Abort(ctx context.Context, responseID uint32) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	streamURL := s.streamURL
	s.unlock()
	if streamURL == "" {
		return errors.New("client: session not connected")
	}

	u := streamURL + "&" + protocol.ParamAction + "=" + protocol.ActionAbort
	if responseID != 0 {
		u += "&" + protocol.ParamResponse + "=" + strconv.FormatUint(uint64(responseID), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("client: build abort request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: abort: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeProxyError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Responses exposes every response demultiplexed on this session, in Start
// order. The channel closes when the session terminates.
func (s *Session) Responses() <-chan *demux.Response {
	return s.d.Responses()
}

// Close terminates the read loop and the demuxer. Pending waiters are
// rejected.
func (s *Session) Close() {
	if err := s.lock(context.Background()); err == nil {
		s.closed = true
		s.unlock()
	}
	s.cancel()
	s.d.Close()
}

// ensureLoop makes sure the read loop is running; used on the resumption
// path, where no issuing POST starts it.
func (s *Session) ensureLoop(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.streamURL == "" {
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
	}
	s.startLoopLocked()
	return nil
}

func (s *Session) startLoopLocked() {
	if s.loopRunning {
		return
	}
	s.loopRunning = true
	go s.readLoop()
}

// readLoop is the single background reader: long-poll from the current
// offset, feed the demuxer, advance. An expired capability URL triggers a
// reconnect that preserves the offset; any other failure is terminal for
// the session.
func (s *Session) readLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}

		if err := s.lock(s.ctx); err != nil {
			return
		}
		streamURL := s.streamURL
		offset := s.offset
		s.unlock()

		data, next, upToDate, err := s.readOnce(streamURL, offset)
		if err != nil {
			var pe *ProxyError
			if errors.As(err, &pe) && pe.Renewable() {
				s.logger.Debug("capability expired; reconnecting", "stream_id", pe.StreamID)
				if cerr := s.Connect(s.ctx); cerr != nil {
					s.d.Fail(fmt.Errorf("client: reconnect: %w", cerr))
					return
				}
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.d.Fail(err)
			return
		}

		if len(data) > 0 {
			if err := s.d.Feed(data); err != nil {
				return
			}
		}

		if err := s.lock(s.ctx); err != nil {
			return
		}
		s.offset = next
		s.unlock()

		if upToDate {
			select {
			case <-time.After(s.backoff):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// readOnce performs one long-poll read against the signed stream URL.
func (s *Session) readOnce(streamURL string, offset int64) ([]byte, int64, bool, error) {
	u := streamURL +
		"&" + protocol.ParamOffset + "=" + strconv.FormatInt(offset, 10) +
		"&" + protocol.ParamLive + "=" + url.QueryEscape(protocol.LiveLongPoll)
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, 0, false, fmt.Errorf("client: build read request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, false, fmt.Errorf("client: read: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, false, decodeProxyError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, false, fmt.Errorf("client: read body: %w", err)
	}
	next, err := strconv.ParseInt(resp.Header.Get(protocol.HeaderNextOffset), 10, 64)
	if err != nil {
		return nil, 0, false, fmt.Errorf("client: parse next offset: %w", err)
	}
	upToDate := resp.Header.Get(protocol.HeaderUpToDate) == "true"
	return data, next, upToDate, nil
}

// decodeProxyError turns a non-2xx proxy response into a *ProxyError.
func decodeProxyError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb protocol.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Code == "" {
		return &ProxyError{
			Status:  resp.StatusCode,
			Code:    "UNEXPECTED_STATUS",
			Message: string(body),
		}
	}
	return &ProxyError{
		Status:   resp.StatusCode,
		Code:     eb.Error.Code,
		Message:  eb.Error.Message,
		StreamID: eb.Error.StreamID,
	}
}
