package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/ggoodman/mcp-pod-gateway/internal/logctx"
)

// Server accepts connections and serves each with its own Handler.
type Server struct {
	sessions Sessions
	opts     []Option
	log      *slog.Logger
}

// NewServer creates a Server. opts apply to every connection's Handler;
// WithIO is overridden by the connection itself.
func NewServer(sessions Sessions, log *slog.Logger, opts ...Option) *Server {
	return &Server{sessions: sessions, opts: opts, log: logctx.Wrap(log)}
}

// Serve accepts connections from ln until ctx is canceled or ln fails. It
// closes ln and waits for open connections to finish before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RemoteAddr: conn.RemoteAddr().String()})

	opts := append([]Option{WithLogger(s.log)}, s.opts...)
	opts = append(opts, WithIO(conn, conn))
	h := NewHandler(s.sessions, opts...)

	s.log.DebugContext(ctx, "proxy.conn.open")
	err := h.Serve(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrSessionEnded):
		s.log.DebugContext(ctx, "proxy.conn.close")
	default:
		s.log.WarnContext(ctx, "proxy.conn.error", slog.String("err", err.Error()))
	}
}
