// Package middleware provides Echo middleware for logging and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/protocol"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// When a handler set stream correlation headers on the response, the stream
// and response IDs are included in the log record.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if id := res.Header().Get(protocol.HeaderStreamID); id != "" {
				attrs = append(attrs, "stream_id", id)
			}
			if id := res.Header().Get(protocol.HeaderStreamResponseID); id != "" {
				attrs = append(attrs, "response_id", id)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
