package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/client"
	"stream-proxy-go/internal/config"
	"stream-proxy-go/internal/frame"
	"stream-proxy-go/internal/protocol"
	"stream-proxy-go/internal/registry"
	"stream-proxy-go/internal/service"
	"stream-proxy-go/internal/sign"
	"stream-proxy-go/internal/storage"
)

const testSecret = "0123456789abcdef"

type env struct {
	e      *echo.Echo
	store  *storage.MemoryStore
	signer *sign.Signer
}

func newEnv(t *testing.T, allowedHosts []string, connectURL string) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Signing: config.SigningConfig{
			Secret:            testSecret,
			DefaultTTLSeconds: 600,
			MaxTTLSeconds:     3600,
		},
		Upstream: config.UpstreamConfig{
			AllowedHosts:    allowedHosts,
			TimeoutSeconds:  10,
			IdleConnections: 4,
		},
		Connect: config.ConnectConfig{HandlerURL: connectURL, TimeoutSeconds: 5},
	}

	store := storage.NewMemoryStore()
	store.SetPollWait(100 * time.Millisecond)
	signer := sign.New([]byte(testSecret))
	reg := registry.NewMemory()
	uc := client.NewUpstreamClient(cfg, logger, nil)
	fwd := service.NewForwarder(uc, store, cfg, logger, nil)
	conn := service.NewConnector(cfg, logger)

	e := echo.New()
	RegisterRoutes(e,
		NewStreamHandler(cfg, signer, reg, store, fwd, conn, logger, nil),
		NewHealthHandler(cfg, "test"))

	return &env{e: e, store: store, signer: signer}
}

func hostsOf(t *testing.T, srv *httptest.Server) []string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream URL: %v", err)
	}
	return []string{u.Hostname()}
}

// do runs one request through the echo stack.
func (v *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	v.e.ServeHTTP(rec, req)
	return rec
}

// issue POSTs an upstream request through the proxy and fails the test on a
// non-2xx answer.
func (v *env) issue(t *testing.T, upstreamURL, useStreamURL string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/streams", http.NoBody)
	req.Header.Set(protocol.HeaderUpstreamURL, upstreamURL)
	req.Header.Set(protocol.HeaderUpstreamMethod, http.MethodGet)
	if useStreamURL != "" {
		req.Header.Set(protocol.HeaderUseStreamURL, useStreamURL)
	}
	rec := v.do(req)
	if rec.Code < 200 || rec.Code > 299 {
		t.Fatalf("issue: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return rec
}

// readTarget rewrites an absolute capability URL into a request target.
func readTarget(t *testing.T, capabilityURL string, extraQuery string) string {
	t.Helper()
	u, err := url.Parse(capabilityURL)
	if err != nil {
		t.Fatalf("parse capability URL %q: %v", capabilityURL, err)
	}
	target := u.Path + "?" + u.RawQuery
	if extraQuery != "" {
		target += "&" + extraQuery
	}
	return target
}

func decodeFrames(t *testing.T, data []byte) []frame.Frame {
	t.Helper()
	var frames []frame.Frame
	for len(data) > 0 {
		f, n, err := frame.Decode(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if n == 0 {
			t.Fatalf("trailing partial frame of %d bytes", len(data))
		}
		frames = append(frames, f)
		data = data[n:]
	}
	return frames
}

// readUntilTerminals reads the stream via the HTTP surface until want
// responses have terminal frames.
func (v *env) readUntilTerminals(t *testing.T, capabilityURL string, want int) []frame.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := v.do(httptest.NewRequest(http.MethodGet, readTarget(t, capabilityURL, "offset=-1"), http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("read: status = %d, body = %s", rec.Code, rec.Body.String())
		}
		frames := decodeFrames(t, rec.Body.Bytes())
		n := 0
		for _, f := range frames {
			if f.Type.Terminal() {
				n++
			}
		}
		if n >= want {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d terminal frames", want)
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) protocol.ErrorDetail {
	t.Helper()
	var eb protocol.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return eb.Error
}

func TestCreateAppendRead(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("body-" + r.URL.Path[1:]))
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")

	rec1 := v.issue(t, upstream.URL+"/one", "")
	if rec1.Code != http.StatusCreated {
		t.Errorf("create: status = %d, want 201", rec1.Code)
	}
	if got := rec1.Header().Get(protocol.HeaderStreamResponseID); got != "1" {
		t.Errorf("create: Stream-Response-Id = %q, want 1", got)
	}
	if got := rec1.Header().Get(protocol.HeaderUpstreamStatus); got != "200" {
		t.Errorf("create: Upstream-Status = %q, want 200", got)
	}
	streamID := rec1.Header().Get(protocol.HeaderStreamID)
	if streamID == "" {
		t.Fatal("create: missing Stream-Id header")
	}
	capURL := rec1.Header().Get("Location")
	if capURL == "" {
		t.Fatal("create: missing Location header")
	}

	var body struct {
		StreamID   string `json:"streamId"`
		ResponseID uint32 `json:"responseId"`
		URL        string `json:"url"`
	}
	if err := json.Unmarshal(rec1.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode create body: %v", err)
	}
	if body.StreamID != streamID || body.ResponseID != 1 || body.URL != capURL {
		t.Errorf("create body = %+v", body)
	}

	rec2 := v.issue(t, upstream.URL+"/two", capURL)
	if rec2.Code != http.StatusOK {
		t.Errorf("append: status = %d, want 200", rec2.Code)
	}
	if got := rec2.Header().Get(protocol.HeaderStreamResponseID); got != "2" {
		t.Errorf("append: Stream-Response-Id = %q, want 2", got)
	}
	if got := rec2.Header().Get(protocol.HeaderStreamID); got != streamID {
		t.Errorf("append: Stream-Id = %q, want %q", got, streamID)
	}

	frames := v.readUntilTerminals(t, capURL, 2)

	// Per response: S, then D frames, then the terminal. Responses may
	// interleave, so track order per ID.
	seen := map[uint32][]frame.Type{}
	for _, f := range frames {
		seen[f.ResponseID] = append(seen[f.ResponseID], f.Type)
	}
	for id := uint32(1); id <= 2; id++ {
		seq := seen[id]
		if len(seq) < 2 || seq[0] != frame.TypeStart || seq[len(seq)-1] != frame.TypeComplete {
			t.Errorf("response %d sequence = %v", id, seq)
		}
		for _, typ := range seq[1 : len(seq)-1] {
			if typ != frame.TypeData {
				t.Errorf("response %d has stray %s frame mid-sequence", id, typ)
			}
		}
	}

	var got1, got2 []byte
	for _, f := range frames {
		if f.Type == frame.TypeData {
			if f.ResponseID == 1 {
				got1 = append(got1, f.Payload...)
			} else {
				got2 = append(got2, f.Payload...)
			}
		}
	}
	if string(got1) != "body-one" || string(got2) != "body-two" {
		t.Errorf("bodies = %q, %q", got1, got2)
	}
}

func TestCreateClampsRequestedTTL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")

	req := httptest.NewRequest(http.MethodPost, "/streams", http.NoBody)
	req.Header.Set(protocol.HeaderUpstreamURL, upstream.URL)
	req.Header.Set(protocol.HeaderSignedURLTTL, "99999999")
	rec := v.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	exp, err := strconv.ParseInt(u.Query().Get(protocol.ParamExpires), 10, 64)
	if err != nil {
		t.Fatalf("parse expires: %v", err)
	}
	if max := time.Now().Add(3600*time.Second + time.Minute).Unix(); exp > max {
		t.Errorf("expires = %d, beyond the configured maximum TTL", exp)
	}
}

func TestAppendRedirectRejectedWithoutFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "http://internal.example/", http.StatusFound)
			return
		}
		w.Write([]byte("plain"))
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")

	rec1 := v.issue(t, upstream.URL+"/ok", "")
	capURL := rec1.Header().Get("Location")
	v.readUntilTerminals(t, capURL, 1)

	req := httptest.NewRequest(http.MethodPost, "/streams", http.NoBody)
	req.Header.Set(protocol.HeaderUpstreamURL, upstream.URL+"/redirect")
	req.Header.Set(protocol.HeaderUseStreamURL, capURL)
	rec2 := v.do(req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec2.Code)
	}
	if detail := decodeError(t, rec2); detail.Code != protocol.CodeRedirectNotAllowed {
		t.Errorf("code = %q, want %q", detail.Code, protocol.CodeRedirectNotAllowed)
	}

	// The rejected attempt must leave no trace in the log: still exactly one
	// Start frame, from the first response.
	frames := v.readUntilTerminals(t, capURL, 1)
	for _, f := range frames {
		if f.ResponseID != 1 {
			t.Errorf("unexpected frame for response %d after rejected append", f.ResponseID)
		}
	}
}

func TestReadExpiredSignature(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")
	rec := v.issue(t, upstream.URL, "")
	streamID := rec.Header().Get(protocol.HeaderStreamID)

	// An authentically signed URL whose expiry has already passed.
	expired := time.Now().Add(-time.Hour).Truncate(time.Second)
	target := "/streams/" + streamID +
		"?" + protocol.ParamExpires + "=" + strconv.FormatInt(expired.Unix(), 10) +
		"&" + protocol.ParamSignature + "=" + v.signer.Sign(streamID, expired)

	got := v.do(httptest.NewRequest(http.MethodGet, target, http.NoBody))
	if got.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got.Code)
	}
	detail := decodeError(t, got)
	if detail.Code != protocol.CodeSignatureExpired {
		t.Errorf("code = %q, want %q", detail.Code, protocol.CodeSignatureExpired)
	}
	if detail.StreamID != streamID {
		t.Errorf("streamId = %q, want %q", detail.StreamID, streamID)
	}
}

func TestReadForgedSignature(t *testing.T) {
	v := newEnv(t, []string{"allowed.example"}, "")

	exp := time.Now().Add(time.Hour).Unix()
	target := "/streams/some-stream?" + protocol.ParamExpires + "=" + strconv.FormatInt(exp, 10) +
		"&" + protocol.ParamSignature + "=deadbeef"

	rec := v.do(httptest.NewRequest(http.MethodGet, target, http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Code != protocol.CodeSignatureInvalid {
		t.Errorf("code = %q, want %q", detail.Code, protocol.CodeSignatureInvalid)
	}
	if detail.StreamID != "" {
		t.Errorf("forged signature must not leak a streamId, got %q", detail.StreamID)
	}
}

func TestTargetedAbortAction(t *testing.T) {
	slowStarted := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("partial"))
			w.(http.Flusher).Flush()
			close(slowStarted)
			<-r.Context().Done()
			return
		}
		w.Write([]byte("fast-body"))
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")

	rec1 := v.issue(t, upstream.URL+"/slow", "")
	capURL := rec1.Header().Get("Location")
	<-slowStarted

	v.issue(t, upstream.URL+"/fast", capURL)

	abortTarget := readTarget(t, capURL, protocol.ParamAction+"="+protocol.ActionAbort+"&"+protocol.ParamResponse+"=1")
	recAbort := v.do(httptest.NewRequest(http.MethodPatch, abortTarget, http.NoBody))
	if recAbort.Code != http.StatusNoContent {
		t.Fatalf("abort: status = %d, want 204", recAbort.Code)
	}

	frames := v.readUntilTerminals(t, capURL, 2)
	terminals := map[uint32]frame.Type{}
	for _, f := range frames {
		if f.Type.Terminal() {
			terminals[f.ResponseID] = f.Type
		}
	}
	if terminals[1] != frame.TypeAbort {
		t.Errorf("response 1 terminal = %s, want A", terminals[1])
	}
	if terminals[2] != frame.TypeComplete {
		t.Errorf("response 2 terminal = %s, want C", terminals[2])
	}

	// Aborting again is a no-op, still 204.
	recAgain := v.do(httptest.NewRequest(http.MethodPatch, abortTarget, http.NoBody))
	if recAgain.Code != http.StatusNoContent {
		t.Errorf("repeat abort: status = %d, want 204", recAgain.Code)
	}
}

func TestUnknownAction(t *testing.T) {
	v := newEnv(t, []string{"allowed.example"}, "")
	rec := v.do(httptest.NewRequest(http.MethodPatch, "/streams/abc?action=defragment", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "UNKNOWN_ACTION" {
		t.Errorf("code = %q, want UNKNOWN_ACTION", detail.Code)
	}
}

func TestConnectBootstrap(t *testing.T) {
	var gotStreamID string
	connectHandler := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStreamID = r.Header.Get(protocol.HeaderStreamID)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(protocol.HeaderNextOffset, "42")
		w.Write([]byte(`{"history":["a","b"]}`))
	}))
	defer connectHandler.Close()

	v := newEnv(t, []string{"allowed.example"}, connectHandler.URL)

	rec := v.do(httptest.NewRequest(http.MethodPost, "/streams?action=connect", strings.NewReader(`{"token":"t"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	streamID := rec.Header().Get(protocol.HeaderStreamID)
	if streamID == "" || streamID != gotStreamID {
		t.Errorf("Stream-Id = %q, handler saw %q", streamID, gotStreamID)
	}
	if rec.Header().Get("Location") == "" {
		t.Error("missing Location header")
	}
	if got := rec.Header().Get(protocol.HeaderNextOffset); got != "42" {
		t.Errorf("Stream-Next-Offset = %q, want 42", got)
	}
	// The bootstrap path carries no frame-protocol response metadata.
	if got := rec.Header().Get(protocol.HeaderStreamResponseID); got != "" {
		t.Errorf("unexpected Stream-Response-Id %q on connect", got)
	}
	if rec.Body.String() != `{"history":["a","b"]}` {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Reconnecting with the minted (still valid) capability URL works too.
	capURL := rec.Header().Get("Location")
	target := readTarget(t, capURL, protocol.ParamAction+"="+protocol.ActionConnect)
	rec2 := v.do(httptest.NewRequest(http.MethodPatch, target, http.NoBody))
	if rec2.Code != http.StatusOK {
		t.Fatalf("reconnect: status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	if got := rec2.Header().Get(protocol.HeaderStreamID); got != streamID {
		t.Errorf("reconnect Stream-Id = %q, want %q", got, streamID)
	}
}

func TestConnectWithExpiredCapability(t *testing.T) {
	connectHandler := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("welcome back"))
	}))
	defer connectHandler.Close()

	v := newEnv(t, []string{"allowed.example"}, connectHandler.URL)

	// Expired-but-authentic: accepted, that is what reconnection is for.
	expired := time.Now().Add(-time.Hour).Truncate(time.Second)
	target := "/streams/old-stream?" + protocol.ParamAction + "=" + protocol.ActionConnect +
		"&" + protocol.ParamExpires + "=" + strconv.FormatInt(expired.Unix(), 10) +
		"&" + protocol.ParamSignature + "=" + v.signer.Sign("old-stream", expired)
	rec := v.do(httptest.NewRequest(http.MethodPatch, target, http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("expired reconnect: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Forged: rejected outright.
	forged := "/streams/old-stream?" + protocol.ParamAction + "=" + protocol.ActionConnect +
		"&" + protocol.ParamExpires + "=" + strconv.FormatInt(expired.Unix(), 10) +
		"&" + protocol.ParamSignature + "=deadbeef"
	rec2 := v.do(httptest.NewRequest(http.MethodPatch, forged, http.NoBody))
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("forged reconnect: status = %d, want 401", rec2.Code)
	}
}

func TestConnectRejectedWithoutHandler(t *testing.T) {
	v := newEnv(t, []string{"allowed.example"}, "")
	rec := v.do(httptest.NewRequest(http.MethodPost, "/streams?action=connect", http.NoBody))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != protocol.CodeConnectRejected {
		t.Errorf("code = %q, want %q", detail.Code, protocol.CodeConnectRejected)
	}
}

func TestUpstreamErrorSurfacesRealStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")

	req := httptest.NewRequest(http.MethodPost, "/streams", http.NoBody)
	req.Header.Set(protocol.HeaderUpstreamURL, upstream.URL)
	rec := v.do(req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if got := rec.Header().Get(protocol.HeaderUpstreamStatus); got != "418" {
		t.Errorf("Upstream-Status = %q, want 418", got)
	}
	if detail := decodeError(t, rec); detail.Code != protocol.CodeUpstreamError {
		t.Errorf("code = %q, want %q", detail.Code, protocol.CodeUpstreamError)
	}
}

func TestReadSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("sse-payload"))
	}))
	defer upstream.Close()

	v := newEnv(t, hostsOf(t, upstream), "")
	rec1 := v.issue(t, upstream.URL, "")
	capURL := rec1.Header().Get("Location")
	v.readUntilTerminals(t, capURL, 1)

	req := httptest.NewRequest(http.MethodGet, readTarget(t, capURL, "offset=-1&live=sse"), http.NoBody)
	ctx, cancel := context.WithTimeout(req.Context(), 400*time.Millisecond)
	defer cancel()
	rec := v.do(req.WithContext(ctx))

	if got := rec.Header().Get(protocol.HeaderSSEDataEncoding); got != "base64" {
		t.Errorf("stream-sse-data-encoding = %q, want base64", got)
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}

	// data: lines directly after an event: control line carry JSON resume
	// metadata; all other data: lines carry base64 frame bytes.
	var raw []byte
	sawControl := false
	inControl := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		switch {
		case line == "event: control":
			sawControl = true
			inControl = true
		case strings.HasPrefix(line, "data: "):
			if inControl {
				var ctl struct {
					StreamNextOffset int64 `json:"streamNextOffset"`
				}
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ctl); err != nil {
					t.Errorf("bad control payload %q: %v", line, err)
				} else if ctl.StreamNextOffset <= 0 {
					t.Errorf("control streamNextOffset = %d, want > 0", ctl.StreamNextOffset)
				}
				inControl = false
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "data: "))
			if err != nil {
				t.Fatalf("bad base64 data line %q: %v", line, err)
			}
			raw = append(raw, chunk...)
		case line == "":
		default:
			inControl = false
		}
	}
	if !sawControl {
		t.Error("no control event seen")
	}

	frames := decodeFrames(t, raw)
	if len(frames) < 3 {
		t.Fatalf("decoded %d frames from SSE data, want at least 3", len(frames))
	}
	if frames[0].Type != frame.TypeStart {
		t.Errorf("first frame = %s, want S", frames[0].Type)
	}
	if last := frames[len(frames)-1]; last.Type != frame.TypeComplete {
		t.Errorf("last frame = %s, want C", last.Type)
	}
}

func TestHealthEndpoints(t *testing.T) {
	v := newEnv(t, []string{"allowed.example"}, "")

	rec := v.do(httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d", rec.Code)
	}

	rec = v.do(httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if body["storage"] != "memory" {
		t.Errorf("storage = %v, want memory", body["storage"])
	}
}
