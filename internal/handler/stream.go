package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/metrics"
	"stream-proxy-go/internal/model"
	"stream-proxy-go/internal/protocol"
	"stream-proxy-go/internal/registry"
	"stream-proxy-go/internal/service"
	"stream-proxy-go/internal/sign"
	"stream-proxy-go/internal/storage"
)

// StreamHandler serves stream creation, appends, reads and actions.
type StreamHandler struct {
	cfg       *config.Config
	signer    *sign.Signer
	registry  registry.Registry
	store     storage.Store
	forwarder *service.Forwarder
	connector *service.Connector
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewStreamHandler creates a StreamHandler. The metrics parameter is
// optional.
func NewStreamHandler(cfg *config.Config, signer *sign.Signer, reg registry.Registry, store storage.Store, fwd *service.Forwarder, conn *service.Connector, logger *slog.Logger, m *metrics.Metrics) *StreamHandler {
	return &StreamHandler{
		cfg:       cfg,
		signer:    signer,
		registry:  reg,
		store:     store,
		forwarder: fwd,
		connector: conn,
		logger:    logger.With("component", "stream_handler"),
		metrics:   m,
	}
}

// CreateOrAppend handles POST /streams: without Use-Stream-URL it creates a
// fresh stream and forwards response 1 (201); with it, it appends the next
// response to the referenced stream (200). An action=connect query instead
// bootstraps a session on a brand new stream.
func (h *StreamHandler) CreateOrAppend(c echo.Context) error {
	if c.QueryParam(protocol.ParamAction) == protocol.ActionConnect {
		return h.connect(c, "")
	}

	req := c.Request()

	var (
		str     *registry.Stream
		created bool
	)
	if useURL := req.Header.Get(protocol.HeaderUseStreamURL); useURL != "" {
		streamID, err := h.authorizeStreamURL(useURL)
		if err != nil {
			return h.mapError(c, err)
		}
		str, created, err = h.materialize(req.Context(), streamID)
		if err != nil {
			return h.mapError(c, err)
		}
	} else {
		var err error
		str, created, err = h.materialize(req.Context(), registry.NewStreamID())
		if err != nil {
			return h.mapError(c, err)
		}
	}

	responseID := str.NextResponseID()

	info, err := h.forwarder.Forward(str, responseID, &model.ForwardRequest{
		Ctx:    req.Context(),
		URL:    req.Header.Get(protocol.HeaderUpstreamURL),
		Method: req.Header.Get(protocol.HeaderUpstreamMethod),
		Header: req.Header,
		Body:   req.Body,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	h.logger.Info("forwarding started",
		"stream_id", str.ID,
		"response_id", responseID,
		"upstream_status", info.UpstreamStatus,
	)

	res := c.Response()
	res.Header().Set(protocol.HeaderStreamID, str.ID)
	res.Header().Set(protocol.HeaderStreamResponseID, strconv.FormatUint(uint64(responseID), 10))
	res.Header().Set(protocol.HeaderUpstreamStatus, strconv.Itoa(info.UpstreamStatus))
	if info.ContentType != "" {
		res.Header().Set(protocol.HeaderUpstreamContentType, info.ContentType)
	}
	res.Header().Set("Location", h.capabilityURL(c, str.ID))

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]any{
		"streamId":   str.ID,
		"responseId": responseID,
		"url":        res.Header().Get("Location"),
	})
}

// Action handles POST/PATCH /streams/:id?action=abort|connect.
func (h *StreamHandler) Action(c echo.Context) error {
	streamID := c.Param("id")

	switch c.QueryParam(protocol.ParamAction) {
	case protocol.ActionAbort:
		return h.abort(c, streamID)
	case protocol.ActionConnect:
		return h.connect(c, streamID)
	default:
		return c.JSON(http.StatusBadRequest, protocol.ErrorBody{Error: protocol.ErrorDetail{
			Code:    "UNKNOWN_ACTION",
			Message: "action must be abort or connect",
		}})
	}
}

// abort cancels one in-flight response: the target from the response query
// parameter, or the latest when unspecified. 204 regardless of whether
// anything was still running.
func (h *StreamHandler) abort(c echo.Context, streamID string) error {
	if err := h.signer.VerifyQuery(streamID, c.QueryParams()); err != nil {
		return h.mapError(c, err)
	}

	var responseID uint32
	if v := c.QueryParam(protocol.ParamResponse); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return c.JSON(http.StatusBadRequest, protocol.ErrorBody{Error: protocol.ErrorDetail{
				Code:    "BAD_RESPONSE_ID",
				Message: "response must be a positive integer",
			}})
		}
		responseID = uint32(n)
	}

	if str, ok := h.registry.Lookup(streamID); ok {
		canceled := str.Abort(responseID)
		h.logger.Info("abort requested",
			"stream_id", streamID,
			"response_id", responseID,
			"canceled", canceled,
		)
	}
	return c.NoContent(http.StatusNoContent)
}

// connect bootstraps a session. With an empty streamID a fresh stream is
// created; otherwise the capability on the existing stream URL is checked,
// accepting expired-but-authentic signatures since reconnection after expiry
// is exactly what this path exists for. The response carries the
// collaborator's payload and a fresh capability URL, and no frame-protocol
// headers.
func (h *StreamHandler) connect(c echo.Context, streamID string) error {
	req := c.Request()

	if streamID == "" {
		streamID = registry.NewStreamID()
	} else {
		var expired *sign.ExpiredError
		if err := h.signer.VerifyQuery(streamID, c.QueryParams()); err != nil && !errors.As(err, &expired) {
			return h.mapError(c, err)
		}
	}

	if _, _, err := h.materialize(req.Context(), streamID); err != nil {
		return h.mapError(c, err)
	}

	result, err := h.connector.Connect(req.Context(), streamID, req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		return h.mapError(c, err)
	}

	res := c.Response()
	res.Header().Set(protocol.HeaderStreamID, streamID)
	res.Header().Set("Location", h.capabilityURL(c, streamID))
	if result.Offset != "" {
		res.Header().Set(protocol.HeaderNextOffset, result.Offset)
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}
	return c.Blob(http.StatusOK, contentType, result.Body)
}

// materialize ensures the stream exists in the registry and the log store.
func (h *StreamHandler) materialize(ctx context.Context, streamID string) (*registry.Stream, bool, error) {
	str, created := h.registry.Insert(streamID)
	if created {
		if err := h.store.Create(ctx, streamID); err != nil {
			h.registry.Remove(streamID)
			return nil, false, &storageError{err: err}
		}
		if h.metrics != nil {
			h.metrics.StreamsCreated.Inc()
		}
		h.logger.Debug("stream created", "stream_id", streamID)
	}
	return str, created, nil
}

// authorizeStreamURL validates a caller-supplied Use-Stream-URL and returns
// the stream ID it names.
func (h *StreamHandler) authorizeStreamURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", sign.ErrSignatureInvalid
	}
	streamID := path.Base(u.Path)
	if streamID == "" || streamID == "." || streamID == "/" {
		return "", sign.ErrSignatureInvalid
	}
	if err := h.signer.VerifyQuery(streamID, u.Query()); err != nil {
		return "", err
	}
	return streamID, nil
}

// capabilityURL mints a fresh signed stream URL rooted at the inbound
// request's scheme and host. The TTL comes from Stream-Signed-URL-TTL
// (seconds), clamped to the configured maximum.
func (h *StreamHandler) capabilityURL(c echo.Context, streamID string) string {
	ttl := h.cfg.Signing.DefaultTTL()
	if v := c.Request().Header.Get(protocol.HeaderSignedURLTTL); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
			if limit := h.cfg.Signing.MaxTTL(); ttl > limit {
				ttl = limit
			}
		}
	}

	base := &url.URL{
		Scheme: c.Scheme(),
		Host:   c.Request().Host,
		Path:   "/streams/" + streamID,
	}
	return h.signer.SignedURL(base, streamID, ttl)
}

// storageError wraps a log-store failure for uniform 502 mapping.
type storageError struct {
	err error
}

func (e *storageError) Error() string { return "storage: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// mapError translates failures into the JSON error envelope.
func (h *StreamHandler) mapError(c echo.Context, err error) error {
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		h.logger.Warn("request failed",
			"code", svcErr.Code,
			"err", err,
			"path", c.Request().URL.Path,
		)
		if svcErr.UpstreamStatus != 0 {
			c.Response().Header().Set(protocol.HeaderUpstreamStatus, strconv.Itoa(svcErr.UpstreamStatus))
		}
		return c.JSON(svcErr.Status, protocol.ErrorBody{Error: protocol.ErrorDetail{
			Code:    svcErr.Code,
			Message: svcErr.Message,
		}})
	}

	var expired *sign.ExpiredError
	if errors.As(err, &expired) {
		return c.JSON(http.StatusUnauthorized, protocol.ErrorBody{Error: protocol.ErrorDetail{
			Code:     protocol.CodeSignatureExpired,
			Message:  "stream capability expired",
			StreamID: expired.StreamID,
		}})
	}
	if errors.Is(err, sign.ErrSignatureInvalid) {
		return c.JSON(http.StatusUnauthorized, protocol.ErrorBody{Error: protocol.ErrorDetail{
			Code:    protocol.CodeSignatureInvalid,
			Message: "stream capability signature invalid",
		}})
	}

	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, protocol.ErrorBody{Error: protocol.ErrorDetail{
			Code:    protocol.CodeStorageError,
			Message: "stream not found",
		}})
	}

	var stErr *storageError
	if errors.As(err, &stErr) || errors.Is(err, context.DeadlineExceeded) {
		h.logger.Error("storage failure",
			"err", err,
			"path", c.Request().URL.Path,
		)
		return c.JSON(http.StatusBadGateway, protocol.ErrorBody{Error: protocol.ErrorDetail{
			Code:    protocol.CodeStorageError,
			Message: "log storage unavailable",
		}})
	}

	h.logger.Error("request failed",
		"err", err,
		"path", c.Request().URL.Path,
	)
	return c.JSON(http.StatusBadGateway, protocol.ErrorBody{Error: protocol.ErrorDetail{
		Code:    protocol.CodeUpstreamError,
		Message: "request failed",
	}})
}
