// Package model defines shared types for the stream proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ForwardRequest describes one upstream call extracted from a create/append
// request's Upstream-* headers.
type ForwardRequest struct {
	Ctx    context.Context
	URL    string
	Method string
	Header http.Header
	Body   io.ReadCloser
}

// UpstreamResponse is the raw upstream response handed to the frame encoder.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
