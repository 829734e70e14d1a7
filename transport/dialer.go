package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/internal/logctx"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	DefaultPollAttempts       = 60
	DefaultPollInterval       = 500 * time.Millisecond
	DefaultIdleTimeout        = 10 * time.Minute
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultTouchInterval      = 5 * time.Second
	DefaultQueueSize          = 64
	DefaultSubscriberCapacity = 64
	DefaultLagBudget          = 3
	DefaultMaxLineBytes       = 4 << 20
)

// Dialer establishes Transports to session Pods.
type Dialer struct {
	client   kubernetes.Interface
	attacher kube.Attacher
	log      *slog.Logger
	now      func() time.Time

	pollAttempts       int
	pollInterval       time.Duration
	idleTimeout        time.Duration
	heartbeatInterval  time.Duration
	touchInterval      time.Duration
	queueSize          int
	subscriberCapacity int
	lagBudget          int
	maxLineBytes       int
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the logger for dialing and every Transport it creates.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// WithPolling sets how many times and how often the Pod is polled for the
// Running phase before giving up.
func WithPolling(attempts int, interval time.Duration) Option {
	return func(d *Dialer) {
		if attempts > 0 {
			d.pollAttempts = attempts
		}
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithIdleTimeout sets how long a relay may go without traffic before it
// exits.
func WithIdleTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.idleTimeout = t
		}
	}
}

// WithHeartbeat sets the relay's wake-up period. Heartbeats refresh the
// last-access annotation but do not count as traffic.
func WithHeartbeat(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.heartbeatInterval = t
		}
	}
}

// WithTouchInterval sets the minimum spacing between last-access patches
// issued by the relay.
func WithTouchInterval(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.touchInterval = t
		}
	}
}

// WithSubscriberCapacity sets the per-subscriber buffer size.
func WithSubscriberCapacity(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.subscriberCapacity = n
		}
	}
}

// WithLagBudget sets how many lag notifications a synchronous receive
// tolerates before failing.
func WithLagBudget(n int) Option {
	return func(d *Dialer) {
		if n >= 0 {
			d.lagBudget = n
		}
	}
}

// WithMaxLineBytes caps the length of a line read from the Pod. Longer lines
// are discarded.
func WithMaxLineBytes(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.maxLineBytes = n
		}
	}
}

// WithClock overrides the time source used for last-access stamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dialer) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDialer creates a Dialer.
func NewDialer(client kubernetes.Interface, attacher kube.Attacher, opts ...Option) *Dialer {
	d := &Dialer{
		client:             client,
		attacher:           attacher,
		now:                time.Now,
		pollAttempts:       DefaultPollAttempts,
		pollInterval:       DefaultPollInterval,
		idleTimeout:        DefaultIdleTimeout,
		heartbeatInterval:  DefaultHeartbeatInterval,
		touchInterval:      DefaultTouchInterval,
		queueSize:          DefaultQueueSize,
		subscriberCapacity: DefaultSubscriberCapacity,
		lagBudget:          DefaultLagBudget,
		maxLineBytes:       DefaultMaxLineBytes,
	}
	for _, o := range opts {
		o(d)
	}
	d.log = logctx.Wrap(d.log)
	return d
}

// Dial waits for the session Pod to run and attaches to its stdio. The
// returned Transport's relay is not running yet; Registry.GetOrCreate starts
// it.
func (d *Dialer) Dial(ctx context.Context, namespace, id string) (*Transport, error) {
	pod, err := d.waitRunning(ctx, namespace, id)
	if err != nil {
		return nil, err
	}

	conn, err := d.attacher.Attach(ctx, namespace, id, kube.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrAttach, namespace, id, err)
	}

	d.log.DebugContext(ctx, "transport.attach.ok", slog.String("namespace", namespace), slog.String("pod", id))
	return newTransport(d, pod, conn), nil
}

func (d *Dialer) waitRunning(ctx context.Context, namespace, id string) (*corev1.Pod, error) {
	var phase corev1.PodPhase
	for attempt := 0; attempt < d.pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.pollInterval):
			}
		}

		pod, err := d.client.CoreV1().Pods(namespace).Get(ctx, id, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrPodNotFound, namespace, id)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.DebugContext(ctx, "transport.poll.error", slog.String("pod", id), slog.String("err", err.Error()))
			continue
		}
		// Only Pods the gateway provisioned are ever attached to or annotated.
		if pod.Labels[kube.ManagedByLabel] != kube.ManagedByValue {
			return nil, fmt.Errorf("%w: %s/%s is not a session pod", ErrPodNotFound, namespace, id)
		}
		if pod.DeletionTimestamp != nil {
			return nil, fmt.Errorf("%w: %s/%s is terminating", ErrPodTerminated, namespace, id)
		}

		phase = pod.Status.Phase
		switch phase {
		case corev1.PodRunning:
			return pod, nil
		case corev1.PodSucceeded, corev1.PodFailed:
			return nil, fmt.Errorf("%w: %s/%s phase %s", ErrPodTerminated, namespace, id, phase)
		}
	}
	return nil, fmt.Errorf("%w: %s/%s still %q after %d attempts", ErrNotRunning, namespace, id, phase, d.pollAttempts)
}
