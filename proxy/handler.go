package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/internal/logctx"
	"github.com/ggoodman/mcp-pod-gateway/session"
)

const (
	// SessionMetaKey is the _meta entry carrying the session token.
	SessionMetaKey = "mcp-pod-gateway/session"
	// NamespaceMetaKey is the optional _meta entry naming the session's
	// namespace.
	NamespaceMetaKey = "mcp-pod-gateway/namespace"

	DefaultTouchInterval = 60 * time.Second
)

// ErrSessionEnded is returned by Serve when the bound session's relay exits.
var ErrSessionEnded = errors.New("proxy: session ended")

// Sessions is the slice of the session manager a proxy connection needs.
type Sessions interface {
	CreateStream(ctx context.Context, target session.Target, id string, msg jsonrpc.Message) (*session.Stream, error)
	CreateStandaloneStream(ctx context.Context, target session.Target, id string) (*session.Stream, error)
	AcceptMessage(ctx context.Context, target session.Target, id string, msg jsonrpc.Message) error
	Touch(ctx context.Context, target session.Target, id string) error
}

var _ Sessions = (*session.Manager)(nil)

// Handler serves a single connection.
type Handler struct {
	sessions Sessions
	r        io.Reader
	w        io.Writer
	log      *slog.Logger
	now      func() time.Time

	namespace     string
	touchInterval time.Duration

	// Owned by the Serve goroutine.
	target session.Target
	id     string
	bound  bool

	wmu sync.Mutex

	touchMu   sync.Mutex
	lastTouch time.Time

	ended chan struct{}
}

// NewHandler constructs a Handler reading os.Stdin and writing os.Stdout
// unless overridden with WithIO.
func NewHandler(sessions Sessions, opts ...Option) *Handler {
	h := &Handler{
		sessions:      sessions,
		r:             os.Stdin,
		w:             os.Stdout,
		now:           time.Now,
		touchInterval: DefaultTouchInterval,
		ended:         make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

// Serve runs the connection until the reader is exhausted, ctx is canceled
// or the bound session ends. It is safe to call at most once per Handler.
// When the reader is also an io.Closer it is closed on the way out so that a
// blocked read is released.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if c, ok := h.r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	br := bufio.NewReaderSize(h.r, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			h.dispatch(ctx, &wg, cancel, jsonrpc.Message(line))
		}
		if err != nil {
			select {
			case <-h.ended:
				return ErrSessionEnded
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc, raw jsonrpc.Message) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		h.log.DebugContext(ctx, "proxy.decode.fail", slog.String("err", err.Error()))
		h.writeError(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
		return
	}
	kind := msg.Kind()

	if !h.bound && kind != jsonrpc.KindResponse {
		h.bind(ctx, wg, cancel, msg)
	}
	if !h.bound {
		if kind == jsonrpc.KindRequest {
			h.writeError(msg.ID, jsonrpc.ErrorCodeMethodNotFound,
				fmt.Sprintf("no session bound: set params._meta[%q] on the first message", SessionMetaKey), nil)
			return
		}
		h.log.DebugContext(ctx, "proxy.unbound.drop", slog.String("kind", string(kind)))
		return
	}

	target, id := h.target, h.id
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(kind)})
	if kind != jsonrpc.KindRequest {
		if err := h.sessions.AcceptMessage(ctx, target, id, raw); err != nil {
			h.log.WarnContext(ctx, "proxy.forward.fail", slog.String("err", err.Error()))
			return
		}
		h.maybeTouch(ctx, target, id)
		return
	}

	// Requests reach the Pod in read order; only the wait for each response
	// runs concurrently.
	s, err := h.sessions.CreateStream(ctx, target, id, raw)
	if err != nil {
		h.forwardFailed(ctx, id, msg.ID, err)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.forward(ctx, target, id, msg.ID, s)
	}()
}

// bind attaches the connection to the session named in msg, if any, and
// starts pumping the session's server-initiated traffic back.
func (h *Handler) bind(ctx context.Context, wg *sync.WaitGroup, cancel context.CancelFunc, msg *jsonrpc.AnyMessage) {
	id, ok := msg.MetaString(SessionMetaKey)
	if !ok {
		return
	}
	ns, ok := msg.MetaString(NamespaceMetaKey)
	if !ok {
		ns = h.namespace
	}
	if ns == "" {
		h.log.WarnContext(ctx, "proxy.bind.fail", slog.String("session", id), slog.String("err", "no namespace"))
		return
	}

	h.target = session.Target{Namespace: ns}
	h.id = id
	h.bound = true
	h.log.InfoContext(ctx, "proxy.bind.ok", slog.String("session", id), slog.String("namespace", ns))

	// Subscribe before any request is forwarded so nothing the Pod emits in
	// response is missed.
	s, err := h.sessions.CreateStandaloneStream(ctx, h.target, id)
	if err != nil {
		h.log.WarnContext(ctx, "proxy.pump.fail", slog.String("session", id), slog.String("err", err.Error()))
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pump(ctx, cancel, s, id)
	}()
}

// pump copies server-initiated requests and notifications to the
// connection until the session or the connection ends.
func (h *Handler) pump(ctx context.Context, cancel context.CancelFunc, s *session.Stream, id string) {
	defer s.Close()
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			h.log.InfoContext(ctx, "proxy.session.ended", slog.String("session", id))
			close(h.ended)
			cancel()
			return
		}
		if err != nil {
			return
		}
		if err := h.writeRaw(ev.Value); err != nil {
			h.log.DebugContext(ctx, "proxy.write.fail", slog.String("err", err.Error()))
			cancel()
			return
		}
	}
}

func (h *Handler) forward(ctx context.Context, target session.Target, id string, reqID *jsonrpc.RequestID, s *session.Stream) {
	resp, err := awaitResponse(ctx, s)
	if err != nil {
		h.forwardFailed(ctx, id, reqID, err)
		return
	}
	if err := h.writeRaw(resp); err != nil {
		h.log.DebugContext(ctx, "proxy.write.fail", slog.String("err", err.Error()))
		return
	}
	h.maybeTouch(ctx, target, id)
}

func (h *Handler) forwardFailed(ctx context.Context, id string, reqID *jsonrpc.RequestID, err error) {
	if ctx.Err() != nil {
		return
	}
	h.log.WarnContext(ctx, "proxy.forward.fail", slog.String("err", err.Error()))
	h.writeError(reqID, jsonrpc.ErrorCodeInternalError, "forwarding to session failed", map[string]string{
		"sessionId": id,
		"cause":     err.Error(),
	})
}

// awaitResponse returns the Pod's response on s. Other traffic on the request
// stream is left to the pump, which sees the same messages.
func awaitResponse(ctx context.Context, s *session.Stream) (jsonrpc.Message, error) {
	defer s.Close()
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil, errors.New("stream ended without a response")
		}
		if err != nil {
			return nil, err
		}
		m, err := jsonrpc.Decode(ev.Value)
		if err == nil && m.Kind() == jsonrpc.KindResponse {
			return ev.Value, nil
		}
	}
}

func (h *Handler) maybeTouch(ctx context.Context, target session.Target, id string) {
	now := h.now()
	h.touchMu.Lock()
	if !h.lastTouch.IsZero() && now.Sub(h.lastTouch) <= h.touchInterval {
		h.touchMu.Unlock()
		return
	}
	h.lastTouch = now
	h.touchMu.Unlock()

	if err := h.sessions.Touch(ctx, target, id); err != nil {
		h.log.WarnContext(ctx, "proxy.touch.fail", slog.String("session", id), slog.String("err", err.Error()))
	}
}

func (h *Handler) writeError(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string, data any) {
	out, err := jsonrpc.Encode(jsonrpc.NewErrorResponse(id, code, message, data))
	if err != nil {
		h.log.Error("proxy.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.writeRaw(out); err != nil {
		h.log.Debug("proxy.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeRaw(msg jsonrpc.Message) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	buf := make([]byte, 0, len(msg)+1)
	buf = append(append(buf, msg...), '\n')
	_, err := h.w.Write(buf)
	return err
}
