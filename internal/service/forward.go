// Package service implements the forwarding state machine: it executes the
// proxied upstream call and serializes its lifecycle into frames appended to
// the stream's log.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"stream-proxy-go/internal/client"
	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/frame"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/protocol"
	"stream-proxy-go/internal/registry"
	"stream-proxy-go/internal/storage"
)

// pumpChunkSize is the upstream body read size per Data frame.
const pumpChunkSize = 32 * 1024

// hopByHopHeaders are never forwarded upstream.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const userAgent = "stream-proxy-go/1.0"

// StartInfo describes the upstream response at the moment its Start frame
// was appended.
type StartInfo struct {
	UpstreamStatus int
	ContentType    string
}

// Forwarder validates and executes upstream calls, encoding each response
// lifecycle into the stream log.
type Forwarder struct {
	client  *client.UpstreamClient
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	allowed map[string]bool
}

// NewForwarder creates a Forwarder. The metrics parameter is optional.
func NewForwarder(c *client.UpstreamClient, store storage.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	allowed := make(map[string]bool, len(cfg.Upstream.AllowedHosts))
	for _, h := range cfg.Upstream.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return &Forwarder{
		client:  c,
		store:   store,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
		allowed: allowed,
	}
}

// Forward executes one upstream call as response responseID on str.
//
// It returns once the Start frame is appended; Data and the terminal frame
// are pumped by a background task whose lifetime is bound to the cancel
// function tracked on str, not to the caller's request. Failures before any
// frame is appended come back as *Error; after the Start frame, failures
// become in-band Error frames so already-connected readers observe them.
func (f *Forwarder) Forward(str *registry.Stream, responseID uint32, req *model.ForwardRequest) (*StartInfo, error) {
	target, err := f.validateURL(req.URL)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	header := buildUpstreamHeader(req.Header)

	// The pump outlives the create/append request: a disconnected creator
	// must not kill the upstream call. Cancellation happens only via abort.
	upCtx, cancel := context.WithCancel(context.WithoutCancel(req.Ctx))
	str.Track(responseID, cancel)

	resp, err := f.client.DoStream(upCtx, method, target.String(), header, req.Body)
	if err != nil {
		str.Untrack(responseID)
		cancel()
		if errors.Is(err, client.ErrRedirect) {
			return nil, &Error{
				Status:  http.StatusBadRequest,
				Code:    protocol.CodeRedirectNotAllowed,
				Message: "upstream attempted a redirect",
				err:     err,
			}
		}
		return nil, &Error{
			Status:  http.StatusBadGateway,
			Code:    protocol.CodeUpstreamError,
			Message: "upstream connection failed",
			err:     err,
		}
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		// Redirect defense also covers 3xx responses the client does not
		// auto-follow (e.g. no Location header).
		f.discard(resp.Body)
		str.Untrack(responseID)
		cancel()
		return nil, &Error{
			Status:         http.StatusBadRequest,
			Code:           protocol.CodeRedirectNotAllowed,
			Message:        "upstream returned a redirect",
			UpstreamStatus: resp.StatusCode,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.discard(resp.Body)
		str.Untrack(responseID)
		cancel()
		return nil, &Error{
			Status:         http.StatusBadGateway,
			Code:           protocol.CodeUpstreamError,
			Message:        "upstream returned an error status",
			UpstreamStatus: resp.StatusCode,
		}
	}

	startFrame, err := frame.Start(responseID, resp.StatusCode, resp.Header)
	if err != nil {
		f.discard(resp.Body)
		str.Untrack(responseID)
		cancel()
		return nil, &Error{Status: http.StatusBadGateway, Code: protocol.CodeStorageError, Message: "encode start frame", err: err}
	}
	if err := f.append(upCtx, str.ID, startFrame); err != nil {
		f.discard(resp.Body)
		str.Untrack(responseID)
		cancel()
		return nil, &Error{Status: http.StatusBadGateway, Code: protocol.CodeStorageError, Message: "append start frame", err: err}
	}
	if f.metrics != nil {
		f.metrics.ResponsesStarted.Inc()
	}

	go f.pump(upCtx, str, responseID, resp.Body, cancel)

	return &StartInfo{
		UpstreamStatus: resp.StatusCode,
		ContentType:    resp.Header.Get("Content-Type"),
	}, nil
}

// pump streams the upstream body into Data frames and appends the terminal
// frame. It runs until the body ends, the append fails, or upCtx is canceled
// by a targeted abort.
func (f *Forwarder) pump(upCtx context.Context, str *registry.Stream, responseID uint32, body io.ReadCloser, cancel context.CancelFunc) {
	defer func() { _ = body.Close() }()
	defer cancel()
	defer str.Untrack(responseID)

	// Terminal frames are appended even after an abort canceled upCtx.
	appendCtx := context.WithoutCancel(upCtx)

	buf := make([]byte, pumpChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := f.append(appendCtx, str.ID, frame.Data(responseID, buf[:n])); err != nil {
				f.logger.Error("append data frame",
					"stream_id", str.ID,
					"response_id", responseID,
					"err", err,
				)
				f.finish(appendCtx, str.ID, frame.Error(responseID, protocol.CodeStorageError, "log append failed"), "errored")
				return
			}
		}
		if readErr == nil {
			continue
		}

		switch {
		case readErr == io.EOF:
			f.finish(appendCtx, str.ID, frame.Complete(responseID), "complete")
		case upCtx.Err() != nil:
			f.finish(appendCtx, str.ID, frame.Abort(responseID), "aborted")
		default:
			f.logger.Error("upstream body read",
				"stream_id", str.ID,
				"response_id", responseID,
				"err", readErr,
			)
			f.finish(appendCtx, str.ID, frame.Error(responseID, protocol.CodeUpstreamError, readErr.Error()), "errored")
		}
		return
	}
}

// finish appends the terminal frame and records the outcome.
func (f *Forwarder) finish(ctx context.Context, streamID string, terminal frame.Frame, state string) {
	if err := f.append(ctx, streamID, terminal); err != nil {
		f.logger.Error("append terminal frame",
			"stream_id", streamID,
			"frame_type", terminal.Type.String(),
			"err", err,
		)
		return
	}
	if f.metrics != nil {
		f.metrics.ResponsesFinished.WithLabelValues(state).Inc()
	}
	f.logger.Debug("response finished",
		"stream_id", streamID,
		"response_id", terminal.ResponseID,
		"state", state,
	)
}

func (f *Forwarder) append(ctx context.Context, streamID string, fr frame.Frame) error {
	wire := fr.Encode()
	if _, err := f.store.Append(ctx, streamID, wire); err != nil {
		return err
	}
	if f.metrics != nil {
		f.metrics.FramesAppended.WithLabelValues(fr.Type.String()).Inc()
		f.metrics.FrameBytes.Add(float64(len(wire)))
	}
	return nil
}

// validateURL rejects malformed or non-allowlisted upstream URLs before any
// connection attempt is made.
func (f *Forwarder) validateURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    protocol.CodeUpstreamURLInvalid,
			Message: "missing " + protocol.HeaderUpstreamURL + " header",
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    protocol.CodeUpstreamURLInvalid,
			Message: "upstream URL is not an absolute http(s) URL",
		}
	}
	if !f.allowed[strings.ToLower(u.Hostname())] {
		return nil, &Error{
			Status:  http.StatusForbidden,
			Code:    protocol.CodeUpstreamForbidden,
			Message: "upstream host is not in the allowlist",
		}
	}
	return u, nil
}

// buildUpstreamHeader filters the inbound headers for forwarding: protocol
// and hop-by-hop headers are stripped, and the caller's
// Upstream-Authorization becomes the upstream Authorization.
func buildUpstreamHeader(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), "Upstream-") || key == protocol.HeaderUseStreamURL || key == protocol.HeaderSignedURLTTL {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Authorization")
	dst.Del("Host")
	dst.Del("Content-Length")
	if auth := src.Get(protocol.HeaderUpstreamAuth); auth != "" {
		dst.Set("Authorization", auth)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (f *Forwarder) discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
