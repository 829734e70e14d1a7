package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-pod-gateway/authz"
	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/internal/logctx"
	"github.com/ggoodman/mcp-pod-gateway/mcp"
	"github.com/ggoodman/mcp-pod-gateway/session"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	// RoutePattern is the path every session endpoint is served under.
	RoutePattern = "/{namespace}/{template}/mcp"

	DefaultMaxBodyBytes = 4 << 20
)

// Sessions is the session manager as seen by the HTTP surface.
type Sessions interface {
	CreateSession(ctx context.Context, target session.Target, req authz.Request) (string, error)
	InitializeSession(ctx context.Context, target session.Target, id string, msg jsonrpc.Message) (jsonrpc.Message, error)
	HasSession(ctx context.Context, target session.Target, id string, req authz.Request) (bool, error)
	CloseSession(ctx context.Context, target session.Target, id string, req authz.Request) error
	CreateStream(ctx context.Context, target session.Target, id string, msg jsonrpc.Message) (*session.Stream, error)
	CreateStandaloneStream(ctx context.Context, target session.Target, id string) (*session.Stream, error)
	Resume(ctx context.Context, target session.Target, id string, lastEventID string) (*session.Stream, error)
	AcceptMessage(ctx context.Context, target session.Target, id string, msg jsonrpc.Message) error
}

var _ Sessions = (*session.Manager)(nil)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAudience sets the audience bearer tokens must have been issued for.
func WithAudience(aud string) Option {
	return func(h *Handler) { h.audience = aud }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// omits the attribute.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithMaxBodyBytes caps the size of a POSTed message.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler serves the MCP streamable HTTP transport for every Template at
// /{namespace}/{template}/mcp and a liveness probe at /healthz.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	sessions Sessions
	audience string
	realm    string
	maxBody  int64
}

// lockedWriteFlusher serializes writes and flushes and refuses to write once
// ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler.
func New(sessions Sessions, opts ...Option) *Handler {
	h := &Handler{sessions: sessions, maxBody: DefaultMaxBodyBytes}
	for _, o := range opts {
		o(h)
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RoutePattern, h.handlePostMCP)
	mux.HandleFunc("GET "+RoutePattern, h.handleGetMCP)
	mux.HandleFunc("DELETE "+RoutePattern, h.handleDeleteMCP)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func targetOf(r *http.Request) session.Target {
	return session.Target{Namespace: r.PathValue("namespace"), Template: r.PathValue("template")}
}

// handlePostMCP carries client messages. Without a session header the body
// must be an initialize request, which provisions a new session.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	target := targetOf(r)
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	authReq, ok := h.authRequest(ctx, r, w)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	msg, err := jsonrpc.Decode(raw)
	if errors.Is(err, jsonrpc.ErrBatch) {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	kind := msg.Kind()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(kind)})
	isInitialize := kind == jsonrpc.KindRequest && msg.Method == string(mcp.InitializeMethod)

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		if !isInitialize {
			writeJSONError(w, http.StatusNotFound, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		h.initialize(ctx, w, target, authReq, msg, raw, start)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Namespace: target.Namespace, Template: target.Template})
	if !h.checkSession(ctx, w, target, sessID, authReq) {
		return
	}

	if isInitialize {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	if kind != jsonrpc.KindRequest {
		if err := h.sessions.AcceptMessage(ctx, target, sessID, raw); err != nil {
			h.writeSessionError(ctx, w, authReq, err)
			h.log.ErrorContext(ctx, "message.forward.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "message.forward.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	stream, err := h.sessions.CreateStream(ctx, target, sessID, raw)
	if err != nil {
		h.writeSessionError(ctx, w, authReq, err)
		h.log.ErrorContext(ctx, "rpc.forward.fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	wf, ok := h.startSSE(ctx, w)
	if !ok {
		return
	}
	err = h.pipe(ctx, wf, stream)
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "rpc.forward.ok", slog.Duration("dur", time.Since(start)))
	case ctx.Err() != nil:
		h.log.InfoContext(ctx, "rpc.stream.abandoned")
	default:
		// Headers are committed; answer the request in-band so the client is
		// not left waiting.
		h.log.ErrorContext(ctx, "rpc.stream.fail", slog.String("err", err.Error()))
		resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "session stream failed", map[string]string{"sessionId": sessID, "cause": err.Error()})
		if b, mErr := json.Marshal(resp); mErr == nil {
			_ = writeSSEEvent(wf, "", b)
		}
	}
}

func (h *Handler) initialize(ctx context.Context, w http.ResponseWriter, target session.Target, authReq authz.Request, msg *jsonrpc.AnyMessage, raw jsonrpc.Message, start time.Time) {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(msg.Params, &initReq); err != nil || initReq.ProtocolVersion == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail")
		return
	}

	sessID, err := h.sessions.CreateSession(ctx, target, authReq)
	if err != nil {
		h.writeSessionError(ctx, w, authReq, err)
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Namespace: target.Namespace, Template: target.Template})

	resp, err := h.sessions.InitializeSession(ctx, target, sessID, raw)
	if err != nil {
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		if cerr := h.sessions.CloseSession(context.WithoutCancel(ctx), target, sessID, authReq); cerr != nil {
			h.log.WarnContext(ctx, "session.cleanup.fail", slog.String("err", cerr.Error()))
		}
		h.writeSessionError(ctx, w, authReq, err)
		return
	}

	if m, err := jsonrpc.Decode(resp); err == nil && m.Error == nil {
		var res mcp.InitializeResult
		if json.Unmarshal(m.Result, &res) == nil && res.ProtocolVersion != "" {
			w.Header().Set(mcpProtocolVersionHeader, res.ProtocolVersion)
		}
	}
	w.Header().Set(mcpSessionIDHeader, sessID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(resp, '\n')); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP opens the session's standalone stream. A Last-Event-ID header
// resumes it, though nothing emitted while the client was away is replayed.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	target := targetOf(r)

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		return
	}

	authReq, ok := h.authRequest(ctx, r, w)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Namespace: target.Namespace, Template: target.Template})
	if !h.checkSession(ctx, w, target, sessID, authReq) {
		return
	}

	var (
		stream *session.Stream
		err    error
	)
	if lastEventID := r.Header.Get(lastEventIDHeader); lastEventID != "" {
		stream, err = h.sessions.Resume(ctx, target, sessID, lastEventID)
	} else {
		stream, err = h.sessions.CreateStandaloneStream(ctx, target, sessID)
	}
	if err != nil {
		h.writeSessionError(ctx, w, authReq, err)
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	defer stream.Close()

	wf, ok := h.startSSE(ctx, w)
	if !ok {
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")
	if err := h.pipe(ctx, wf, stream); err != nil && ctx.Err() == nil {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates a session and its Pod.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	target := targetOf(r)
	h.log.InfoContext(ctx, "http.delete.start")

	authReq, ok := h.authRequest(ctx, r, w)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Namespace: target.Namespace, Template: target.Template})

	if err := h.sessions.CloseSession(ctx, target, sessID, authReq); err != nil {
		h.writeSessionError(ctx, w, authReq, err)
		h.log.InfoContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authRequest extracts the caller's bearer token. A missing Authorization
// header is not an error here: anonymous Templates need none and the gate
// rejects bound ones. A malformed header is rejected outright.
func (h *Handler) authRequest(ctx context.Context, r *http.Request, w http.ResponseWriter) (authz.Request, bool) {
	req := authz.Request{Audience: h.audience}
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		return req, true
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return req, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return req, false
	}
	req.Token = tok
	return req, true
}

// checkSession writes the rejection and returns false unless id is a live
// session of target that the caller may use.
func (h *Handler) checkSession(ctx context.Context, w http.ResponseWriter, target session.Target, id string, authReq authz.Request) bool {
	ok, err := h.sessions.HasSession(ctx, target, id, authReq)
	if err != nil {
		h.writeSessionError(ctx, w, authReq, err)
		h.log.InfoContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return false
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return false
	}
	return true
}

// writeSessionError maps session and authorization errors to HTTP statuses.
func (h *Handler) writeSessionError(ctx context.Context, w http.ResponseWriter, authReq authz.Request, err error) {
	switch {
	case ctx.Err() != nil:
		// The client is gone.
	case errors.Is(err, authz.ErrUnauthorized):
		if authReq.Token == "" {
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": "token does not grant access to this template"}))
		writeJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrTemplateNotFound):
		writeJSONError(w, http.StatusNotFound, "template not found")
	case errors.Is(err, session.ErrConfiguration):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrTransport):
		writeJSONError(w, http.StatusBadGateway, "session transport failed")
	case errors.Is(err, session.ErrProvisioning):
		writeJSONError(w, http.StatusInternalServerError, "session provisioning failed")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) startSSE(ctx context.Context, w http.ResponseWriter) (*lockedWriteFlusher, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return nil, false
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()
	return wf, true
}

// pipe writes every message from stream as an SSE event until the stream
// completes.
func (h *Handler) pipe(ctx context.Context, wf *lockedWriteFlusher, stream *session.Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := writeSSEEvent(wf, strconv.FormatUint(ev.Seq, 10), ev.Value); err != nil {
			return err
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.Uint64("seq", ev.Seq))
	}
}

// writeSSEEvent writes one Server-Sent Event carrying payload and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
