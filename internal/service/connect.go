package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/protocol"
)

// ConnectResult is the connect-handler collaborator's answer: arbitrary
// history payload plus an optional resume offset.
type ConnectResult struct {
	ContentType string
	Body        []byte
	// Offset is the collaborator's suggested read offset, empty if absent.
	Offset string
}

// Connector forwards session bootstrap requests to the external
// connect-handler collaborator for authorization and history
// materialization.
type Connector struct {
	handlerURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewConnector creates a Connector. With no handler_url configured, Connect
// reports the action unavailable.
func NewConnector(cfg *config.Config, logger *slog.Logger) *Connector {
	return &Connector{
		handlerURL: cfg.Connect.HandlerURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Connect.TimeoutSeconds) * time.Second,
		},
		logger: logger.With("component", "connector"),
	}
}

// Connect calls the collaborator with a Stream-Id header carrying streamID.
// The inbound request body is passed through so the collaborator can receive
// application credentials. A non-2xx answer means the session was refused.
func (c *Connector) Connect(ctx context.Context, streamID string, body io.Reader, contentType string) (*ConnectResult, error) {
	if c.handlerURL == "" {
		return nil, &Error{
			Status:  http.StatusNotImplemented,
			Code:    protocol.CodeConnectRejected,
			Message: "no connect handler configured",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.handlerURL, body)
	if err != nil {
		return nil, &Error{Status: http.StatusBadGateway, Code: protocol.CodeConnectRejected, Message: "build connect request", err: err}
	}
	req.Header.Set(protocol.HeaderStreamID, streamID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{
			Status:  http.StatusBadGateway,
			Code:    protocol.CodeConnectRejected,
			Message: "connect handler unreachable",
			err:     err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Status: http.StatusBadGateway, Code: protocol.CodeConnectRejected, Message: "read connect response", err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("connect handler refused session",
			"stream_id", streamID,
			"status", resp.StatusCode,
		)
		return nil, &Error{
			Status:  http.StatusUnauthorized,
			Code:    protocol.CodeConnectRejected,
			Message: fmt.Sprintf("connect handler returned %d", resp.StatusCode),
		}
	}

	return &ConnectResult{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        payload,
		Offset:      resp.Header.Get(protocol.HeaderNextOffset),
	}, nil
}
