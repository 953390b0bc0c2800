package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/protocol"
	"stream-proxy-go/internal/storage"
)

// Read handles GET /streams/:id. The capability signature is checked first;
// then the read proxies the log store per the offset/live/cursor query
// parameters. offset=-1 replays from the start of the log.
func (h *StreamHandler) Read(c echo.Context) error {
	streamID := c.Param("id")
	if err := h.signer.VerifyQuery(streamID, c.QueryParams()); err != nil {
		return h.mapError(c, err)
	}

	offset := int64(-1)
	if v := c.QueryParam(protocol.ParamOffset); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < -1 {
			return c.JSON(http.StatusBadRequest, protocol.ErrorBody{Error: protocol.ErrorDetail{
				Code:    "BAD_OFFSET",
				Message: "offset must be -1 or a non-negative integer",
			}})
		}
		offset = n
	}

	switch c.QueryParam(protocol.ParamLive) {
	case protocol.LiveSSE:
		return h.readSSE(c, streamID, offset)
	case protocol.LiveLongPoll:
		return h.readOnce(c, streamID, offset, true)
	default:
		return h.readOnce(c, streamID, offset, false)
	}
}

// readOnce performs one catch-up or long-poll read and returns the raw
// frame bytes with resume metadata in headers.
func (h *StreamHandler) readOnce(c echo.Context, streamID string, offset int64, longPoll bool) error {
	result, err := h.store.Read(c.Request().Context(), streamID, storage.ReadOptions{
		Offset:   offset,
		LongPoll: longPoll,
		Cursor:   c.QueryParam(protocol.ParamCursor),
	})
	if err != nil {
		return h.mapError(c, err)
	}

	res := c.Response()
	res.Header().Set(protocol.HeaderNextOffset, strconv.FormatInt(result.NextOffset, 10))
	res.Header().Set(protocol.HeaderUpToDate, strconv.FormatBool(result.UpToDate))
	if result.Cursor != "" {
		res.Header().Set(protocol.HeaderCursor, result.Cursor)
	}
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, result.Data)
}

// sseControl is the payload of event: control lines, carrying resume
// metadata independent of the data channel.
type sseControl struct {
	StreamNextOffset int64  `json:"streamNextOffset"`
	StreamCursor     string `json:"streamCursor,omitempty"`
}

// readSSE tails the stream over Server-Sent Events. Frame bytes are binary,
// so each batch is base64-encoded into a data: line; the
// stream-sse-data-encoding header tells clients to decode. The loop runs
// until the client disconnects or the store fails.
func (h *StreamHandler) readSSE(c echo.Context, streamID string, offset int64) error {
	req := c.Request()
	res := c.Response()

	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-store")
	res.Header().Set(protocol.HeaderSSEDataEncoding, "base64")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	cursor := c.QueryParam(protocol.ParamCursor)
	for {
		result, err := h.store.Read(req.Context(), streamID, storage.ReadOptions{
			Offset:   offset,
			LongPoll: true,
			Cursor:   cursor,
		})
		if err != nil {
			// Headers are gone; the client notices the closed stream and
			// reconnects from its last control offset.
			h.logger.Debug("sse read ended",
				"stream_id", streamID,
				"err", err,
			)
			return nil
		}

		if len(result.Data) > 0 {
			if _, err := fmt.Fprintf(res, "data: %s\n\n", base64.StdEncoding.EncodeToString(result.Data)); err != nil {
				return nil
			}
		}

		control, _ := json.Marshal(sseControl{
			StreamNextOffset: result.NextOffset,
			StreamCursor:     result.Cursor,
		})
		if _, err := fmt.Fprintf(res, "event: control\ndata: %s\n\n", control); err != nil {
			return nil
		}
		res.Flush()

		offset = result.NextOffset
		cursor = result.Cursor
	}
}
