package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"stream-proxy-go/internal/demux"
)

// Fetcher performs single-shot durable fetches: each call gets its own
// stream, and a repeated call with the same RequestID resumes the original
// response from the log instead of re-invoking the upstream.
type Fetcher struct {
	// ProxyURL is the base URL of the stream proxy.
	ProxyURL string
	// Mappings persists requestId → stream mappings across calls (and, with
	// a durable store, across restarts). Required for resumption.
	Mappings MappingStore
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// PollBackoff overrides the session default. Zero means the default.
	PollBackoff time.Duration
	Logger      *slog.Logger
}

// FetchResult is a demultiplexed response plus the session that carries it.
// Close releases both.
type FetchResult struct {
	*demux.Response
	session *Session
}

func (r *FetchResult) Close() error {
	r.Response.Close()
	r.session.Close()
	return nil
}

// Fetch issues the upstream call, or resumes a previous one when
// opts.RequestID has a stored mapping. A stale mapping (stream gone,
// signature no longer renewable) is discarded and the call falls back to a
// fresh request.
func (f *Fetcher) Fetch(ctx context.Context, upstreamURL string, opts FetchOptions) (*FetchResult, error) {
	if opts.RequestID != "" && f.Mappings != nil {
		if m, err := f.Mappings.Get(opts.RequestID); err == nil {
			res, rerr := f.resume(ctx, m)
			if rerr == nil {
				return res, nil
			}
			if ctx.Err() != nil {
				return nil, rerr
			}
			f.logger().Debug("resume failed; issuing fresh request",
				"request_id", opts.RequestID,
				"err", rerr,
			)
			f.Mappings.Delete(opts.RequestID)
		}
	}
	return f.fresh(ctx, upstreamURL, opts)
}

// fresh creates a new stream, issues the upstream call on it, and records
// the mapping for later resumption.
func (f *Fetcher) fresh(ctx context.Context, upstreamURL string, opts FetchOptions) (*FetchResult, error) {
	s := f.newSession()
	id, err := s.issue(ctx, upstreamURL, opts)
	if err != nil {
		s.Close()
		return nil, err
	}

	if opts.RequestID != "" && f.Mappings != nil {
		m := Mapping{StreamURL: s.streamURL, ResponseID: id}
		if err := f.Mappings.Set(opts.RequestID, m); err != nil {
			f.logger().Warn("persist request mapping failed", "request_id", opts.RequestID, "err", err)
		}
	}

	resp, err := s.d.WaitForResponse(ctx, id)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &FetchResult{Response: resp, session: s}, nil
}

// resume replays the mapped stream from the start and waits for the stored
// response ID.
func (f *Fetcher) resume(ctx context.Context, m Mapping) (*FetchResult, error) {
	s := f.newSession()
	s.streamURL = m.StreamURL
	if err := s.ensureLoop(ctx); err != nil {
		s.Close()
		return nil, err
	}
	resp, err := s.d.WaitForResponse(ctx, m.ResponseID)
	if err != nil {
		s.Close()
		return nil, err
	}
	return &FetchResult{Response: resp, session: s}, nil
}

func (f *Fetcher) newSession() *Session {
	return NewSession(SessionConfig{
		ProxyURL:    f.ProxyURL,
		HTTPClient:  f.HTTPClient,
		PollBackoff: f.PollBackoff,
		Logger:      f.Logger,
	})
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Discard drains and closes a response body, returning its terminal error.
// io.EOF from a clean completion is reported as nil.
func Discard(r *demux.Response) error {
	buf := make([]byte, 32<<10)
	for {
		_, err := r.Read(buf)
		if err != nil {
			r.Close()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
