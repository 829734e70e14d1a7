// Package transport relays newline-delimited JSON-RPC between a session Pod's
// stdio and any number of in-process consumers.
//
// Each Transport owns one relay goroutine. Messages sent with Send reach the
// Pod in FIFO order. Every line the Pod writes is fanned out to all current
// subscribers; a subscriber that falls behind loses its oldest messages and is
// told how many it missed, but never slows the relay or its peers.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/internal/broadcast"
	"github.com/ggoodman/mcp-pod-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
)

var (
	// ErrPodNotFound means the session Pod does not exist.
	ErrPodNotFound = errors.New("transport: pod not found")
	// ErrPodTerminated means the session Pod finished or is being deleted.
	ErrPodTerminated = errors.New("transport: pod terminated")
	// ErrNotRunning means the Pod did not reach Running within the poll
	// budget.
	ErrNotRunning = errors.New("transport: pod not running")
	// ErrAttach means the stdio attach could not be established.
	ErrAttach = errors.New("transport: attach failed")
	// ErrClosed is returned once the relay has exited.
	ErrClosed = errors.New("transport: closed")
	// ErrLagged is returned by a synchronous receive that missed more
	// messages than its lag budget allows.
	ErrLagged = errors.New("transport: receiver lagged")
)

// Event is one message from the Pod with its position in the session's
// output sequence.
type Event = broadcast.Event[jsonrpc.Message]

// Transport is a live stdio attachment to one session Pod.
type Transport struct {
	id        string
	namespace string
	template  string

	client kubernetes.Interface
	conn   io.ReadWriteCloser
	log    *slog.Logger
	now    func() time.Time

	idleTimeout        time.Duration
	heartbeatInterval  time.Duration
	touchInterval      time.Duration
	subscriberCapacity int
	lagBudget          int
	maxLineBytes       int

	outbound chan jsonrpc.Message
	inbound  chan jsonrpc.Message
	bcast    *broadcast.Broadcaster[jsonrpc.Message]

	lastActivity  atomic.Int64
	lastTouch     atomic.Int64
	touchInflight atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newTransport(d *Dialer, pod *corev1.Pod, conn io.ReadWriteCloser) *Transport {
	t := &Transport{
		id:                 pod.Name,
		namespace:          pod.Namespace,
		template:           pod.Labels[kube.TemplateLabel],
		client:             d.client,
		conn:               conn,
		log:                d.log,
		now:                d.now,
		idleTimeout:        d.idleTimeout,
		heartbeatInterval:  d.heartbeatInterval,
		touchInterval:      d.touchInterval,
		subscriberCapacity: d.subscriberCapacity,
		lagBudget:          d.lagBudget,
		maxLineBytes:       d.maxLineBytes,
		outbound:           make(chan jsonrpc.Message, d.queueSize),
		inbound:            make(chan jsonrpc.Message, d.queueSize),
		bcast:              broadcast.New[jsonrpc.Message](),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
	t.lastActivity.Store(t.now().UnixNano())
	return t
}

// ID returns the session id, which is also the Pod name.
func (t *Transport) ID() string { return t.id }

// Namespace returns the Pod's namespace.
func (t *Transport) Namespace() string { return t.namespace }

// Template returns the name of the Template the Pod was rendered from.
func (t *Transport) Template() string { return t.template }

// Done is closed once the relay has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }

// LastActivity returns when traffic last crossed the relay.
func (t *Transport) LastActivity() time.Time {
	return time.Unix(0, t.lastActivity.Load())
}

// Send queues msg for the Pod. The message is re-encoded without insignificant
// whitespace so that it occupies exactly one line.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return fmt.Errorf("transport: invalid message: %w", err)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.outbound <- jsonrpc.Message(buf.Bytes()):
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a view of every message the Pod writes from now on.
func (t *Transport) Subscribe() (*Subscription, error) {
	sub, err := t.bcast.Subscribe(t.subscriberCapacity)
	if err != nil {
		return nil, ErrClosed
	}
	return &Subscription{sub: sub, lagBudget: t.lagBudget}, nil
}

// Subscribers returns the number of live subscriptions.
func (t *Transport) Subscribers() int { return t.bcast.Len() }

// Request sends a request and waits for the response carrying the same id.
func (t *Transport) Request(ctx context.Context, msg jsonrpc.Message) (jsonrpc.Message, error) {
	req, err := jsonrpc.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid request: %w", err)
	}
	if req.Kind() != jsonrpc.KindRequest {
		return nil, fmt.Errorf("transport: %s has no id to correlate", req.Kind())
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if err := t.Send(ctx, msg); err != nil {
		return nil, err
	}
	return sub.Await(ctx, func(m *jsonrpc.AnyMessage) bool {
		return m.Kind() == jsonrpc.KindResponse && m.ID.Equal(req.ID)
	})
}

// Touch stamps the Pod's last-access annotation now.
func (t *Transport) Touch(ctx context.Context) error {
	now := t.now()
	if err := kube.PatchLastAccess(ctx, t.client, t.namespace, t.id, now); err != nil {
		return err
	}
	t.lastTouch.Store(now.UnixNano())
	return nil
}

// Close detaches from the Pod. The relay exits and subscribers observe
// end-of-stream. Close does not delete the Pod.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return t.conn.Close()
}

// start launches the reader and relay goroutines. onExit runs first when the
// relay stops.
func (t *Transport) start(onExit func()) {
	t.startOnce.Do(func() {
		go t.read()
		go t.relay(onExit)
	})
}

func (t *Transport) read() {
	defer close(t.inbound)
	br := bufio.NewReaderSize(t.conn, 64<<10)
	for {
		line, n, err := readLine(br, t.maxLineBytes)
		if n > t.maxLineBytes {
			t.log.Warn("transport.read.oversize", slog.String("session", t.id), slog.Int("bytes", n), slog.Int("limit", t.maxLineBytes))
		} else if line = bytes.TrimSpace(line); len(line) > 0 {
			if json.Valid(line) {
				select {
				case t.inbound <- jsonrpc.Message(line):
				case <-t.stop:
					return
				}
			} else {
				t.log.Warn("transport.read.invalid", slog.String("session", t.id), slog.Int("bytes", len(line)))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug("transport.read.error", slog.String("session", t.id), slog.String("err", err.Error()))
			}
			return
		}
	}
}

// readLine returns the next line and its length n, delimiter included. A
// line longer than limit is consumed without being buffered and returned as
// nil.
func readLine(br *bufio.Reader, limit int) ([]byte, int, error) {
	var line []byte
	n := 0
	for {
		frag, err := br.ReadSlice('\n')
		n += len(frag)
		if n <= limit {
			line = append(line, frag...)
		} else {
			line = nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, n, err
		}
	}
}

func (t *Transport) relay(onExit func()) {
	reason := "eof"
	defer func() {
		if onExit != nil {
			onExit()
		}
		t.stopOnce.Do(func() { close(t.stop) })
		_ = t.conn.Close()
		t.bcast.Close()
		close(t.done)
		t.log.Info("transport.relay.exit", slog.String("session", t.id), slog.String("namespace", t.namespace), slog.String("reason", reason))
	}()

	idle := time.NewTimer(t.idleTimeout)
	defer idle.Stop()
	heartbeat := time.NewTicker(t.heartbeatInterval)
	defer heartbeat.Stop()

	active := func() {
		t.lastActivity.Store(t.now().UnixNano())
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(t.idleTimeout)
	}

	t.maybeTouch()
	for {
		select {
		case msg, ok := <-t.inbound:
			if !ok {
				return
			}
			t.bcast.Publish(msg)
			active()
		case msg := <-t.outbound:
			if _, err := t.conn.Write(append(msg, '\n')); err != nil {
				reason = "write: " + err.Error()
				return
			}
			active()
		case <-idle.C:
			reason = "idle"
			return
		case <-heartbeat.C:
		case <-t.stop:
			reason = "closed"
			return
		}
		t.maybeTouch()
	}
}

// maybeTouch refreshes the last-access annotation in the background at most
// once per touch interval.
func (t *Transport) maybeTouch() {
	now := t.now()
	if now.Sub(time.Unix(0, t.lastTouch.Load())) < t.touchInterval {
		return
	}
	if !t.touchInflight.CompareAndSwap(false, true) {
		return
	}
	t.lastTouch.Store(now.UnixNano())
	go func() {
		defer t.touchInflight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := kube.PatchLastAccess(ctx, t.client, t.namespace, t.id, now); err != nil {
			t.log.Warn("transport.touch.fail", slog.String("session", t.id), slog.String("err", err.Error()))
		}
	}()
}

// Subscription is one consumer's view of a Transport's output.
type Subscription struct {
	sub       *broadcast.Subscription[jsonrpc.Message]
	lagBudget int
}

// Next returns the next message. A *broadcast.LaggedError reports a gap;
// the call after it continues with the next retained message. ErrClosed
// marks the end of the stream.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	ev, err := s.sub.Recv(ctx)
	if errors.Is(err, broadcast.ErrClosed) {
		return Event{}, ErrClosed
	}
	return ev, err
}

// Await returns the first message accepted by match, tolerating up to the
// lag budget of gap notifications.
func (s *Subscription) Await(ctx context.Context, match func(*jsonrpc.AnyMessage) bool) (jsonrpc.Message, error) {
	lags := 0
	for {
		ev, err := s.Next(ctx)
		var lag *broadcast.LaggedError
		if errors.As(err, &lag) {
			lags++
			if lags > s.lagBudget {
				return nil, fmt.Errorf("%w: %d gaps", ErrLagged, lags)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := jsonrpc.Decode(ev.Value)
		if err != nil {
			continue
		}
		if match(m) {
			return ev.Value, nil
		}
	}
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.sub.Close()
}
