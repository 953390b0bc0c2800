// Package protocol defines the HTTP surface of the stream proxy: header and
// query parameter names, error codes, and the JSON error body shape shared by
// the server handlers and the client SDK.
package protocol

// Request headers understood by the create/append endpoint.
const (
	HeaderUpstreamURL    = "Upstream-URL"
	HeaderUpstreamMethod = "Upstream-Method"
	HeaderUpstreamAuth   = "Upstream-Authorization"
	HeaderUseStreamURL   = "Use-Stream-URL"
	HeaderSignedURLTTL   = "Stream-Signed-URL-TTL"
)

// Response headers set by the proxy.
const (
	HeaderStreamID            = "Stream-Id"
	HeaderStreamResponseID    = "Stream-Response-Id"
	HeaderUpstreamContentType = "Upstream-Content-Type"
	HeaderUpstreamStatus      = "Upstream-Status"
	HeaderNextOffset          = "Stream-Next-Offset"
	HeaderUpToDate            = "Stream-Up-To-Date"
	HeaderCursor              = "Stream-Cursor"
	HeaderSSEDataEncoding     = "stream-sse-data-encoding"
)

// Query parameters on stream URLs.
const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
	ParamOffset    = "offset"
	ParamLive      = "live"
	ParamCursor    = "cursor"
	ParamAction    = "action"
	ParamResponse  = "response"
)

// Live read modes.
const (
	LiveLongPoll = "long-poll"
	LiveSSE      = "sse"
)

// Stream URL actions.
const (
	ActionAbort   = "abort"
	ActionConnect = "connect"
)

// Error codes returned in JSON error bodies.
const (
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeSignatureExpired   = "SIGNATURE_EXPIRED"
	CodeUpstreamURLInvalid = "UPSTREAM_URL_INVALID"
	CodeUpstreamForbidden  = "UPSTREAM_URL_FORBIDDEN"
	CodeRedirectNotAllowed = "REDIRECT_NOT_ALLOWED"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeStorageError       = "STORAGE_ERROR"
	CodeConnectRejected    = "CONNECT_REJECTED"
)

// ErrorBody is the JSON error envelope on non-2xx proxy responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and, for renewable
// authorization failures, the stream ID so a client can reconnect without
// re-deriving its identity.
type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	StreamID string `json:"streamId,omitempty"`
}
