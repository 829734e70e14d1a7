package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ggoodman/mcp-pod-gateway/internal/broadcast"
	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/transport"
)

// Stream is a session's outbound message stream as seen by one client
// connection.
//
// A request stream (from CreateStream) carries server-initiated requests and
// notifications followed by exactly one response, the one correlated with
// the request that opened it, and then ends with io.EOF. Responses to other
// requests are skipped. A standalone stream never carries responses and ends
// only when the session's relay does.
type Stream struct {
	sub       *transport.Subscription
	want      *jsonrpc.RequestID
	lagBudget int
	lags      int
	done      bool
}

// Next returns the next message for the client. It returns io.EOF once the
// stream is complete. A request stream whose relay exits before the response
// arrives fails with ErrTransport.
func (s *Stream) Next(ctx context.Context) (transport.Event, error) {
	if s.done {
		return transport.Event{}, io.EOF
	}
	for {
		ev, err := s.sub.Next(ctx)
		var lag *broadcast.LaggedError
		switch {
		case errors.As(err, &lag):
			if s.want == nil {
				continue
			}
			s.lags++
			if s.lags > s.lagBudget {
				s.finish()
				return transport.Event{}, fmt.Errorf("%w: %w: response to %s may have been dropped", ErrTransport, transport.ErrLagged, s.want)
			}
			continue
		case errors.Is(err, transport.ErrClosed):
			s.finish()
			if s.want != nil {
				return transport.Event{}, fmt.Errorf("%w: session ended before response to %s", ErrTransport, s.want)
			}
			return transport.Event{}, io.EOF
		case err != nil:
			return transport.Event{}, err
		}

		m, err := jsonrpc.Decode(ev.Value)
		if err != nil {
			continue
		}
		if m.Kind() != jsonrpc.KindResponse {
			return ev, nil
		}
		if s.want != nil && m.ID.Equal(s.want) {
			s.finish()
			return ev, nil
		}
	}
}

// Close releases the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.finish()
}

func (s *Stream) finish() {
	if !s.done {
		s.done = true
		s.sub.Close()
	}
}
