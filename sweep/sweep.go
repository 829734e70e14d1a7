// Package sweep deletes session Pods that no live relay is looking after.
//
// A relay refreshes its Pod's last-access annotation every few seconds, so a
// Pod whose stamp has gone stale, or that never got one, has been abandoned:
// its gateway process exited or lost the attach. Fresh Pods get a grace
// period so that a session being created is not mistaken for an orphan.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-pod-gateway/internal/kube"
	"github.com/ggoodman/mcp-pod-gateway/internal/logctx"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultPageSize   = 100
	DefaultGrace      = time.Minute
	DefaultStaleAfter = 15 * time.Second
)

// State is the sweeper's current phase.
type State int32

const (
	Idle State = iota
	Scanning
	Deleting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Deleting:
		return "deleting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Verdict is the outcome of classifying one Pod.
type Verdict int

const (
	Keep Verdict = iota
	Orphan
)

func (v Verdict) String() string {
	if v == Orphan {
		return "orphan"
	}
	return "keep"
}

// Classify decides whether pod is an orphan at now. Pods younger than grace
// are kept. Otherwise a missing or unparsable last-access stamp, or one older
// than stale, marks the Pod as an orphan.
func Classify(pod *corev1.Pod, now time.Time, grace, stale time.Duration) (Verdict, string) {
	if now.Sub(pod.CreationTimestamp.Time) < grace {
		return Keep, "young"
	}
	v, ok := pod.Annotations[kube.LastAccessAnnotation]
	if !ok {
		return Orphan, "no last-access"
	}
	ts, err := kube.ParseLastAccess(v)
	if err != nil {
		return Orphan, "unparsable last-access"
	}
	if now.Sub(ts) > stale {
		return Orphan, "stale"
	}
	return Keep, "fresh"
}

// Result summarizes one sweep pass.
type Result struct {
	Scanned int
	Orphans int
	Deleted int
	Failed  int
}

// Sweeper periodically deletes orphaned session Pods across all namespaces.
type Sweeper struct {
	client kubernetes.Interface
	log    *slog.Logger
	now    func() time.Time

	interval time.Duration
	pageSize int64
	grace    time.Duration
	stale    time.Duration

	state atomic.Int32
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithPageSize(n int64) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithThresholds sets the creation grace period and the age after which a
// last-access stamp counts as stale.
func WithThresholds(grace, stale time.Duration) Option {
	return func(s *Sweeper) {
		if grace >= 0 {
			s.grace = grace
		}
		if stale > 0 {
			s.stale = stale
		}
	}
}

// New creates a Sweeper.
func New(client kubernetes.Interface, opts ...Option) *Sweeper {
	s := &Sweeper{
		client:   client,
		now:      time.Now,
		interval: DefaultInterval,
		pageSize: DefaultPageSize,
		grace:    DefaultGrace,
		stale:    DefaultStaleAfter,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// State reports what the sweeper is doing right now.
func (s *Sweeper) State() State { return State(s.state.Load()) }

// Run sweeps once per interval until ctx is done. Errors from a pass are
// logged and the next pass proceeds as usual.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "sweep.pass.fail", slog.String("err", err.Error()))
		}
	}
}

// Sweep runs one pass: it lists every gateway Pod page by page, then deletes
// the orphans. A failed listing aborts the pass before anything is deleted;
// failed deletes are logged and counted but do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	defer s.state.Store(int32(Idle))
	s.state.Store(int32(Scanning))

	var res Result
	now := s.now()
	orphans := make(map[string][]string)

	opts := metav1.ListOptions{LabelSelector: kube.ManagedSelector(), Limit: s.pageSize}
	for {
		list, err := s.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, opts)
		if err != nil {
			return res, fmt.Errorf("sweep: list pods: %w", err)
		}
		for i := range list.Items {
			pod := &list.Items[i]
			res.Scanned++
			if pod.DeletionTimestamp != nil {
				continue
			}
			verdict, reason := Classify(pod, now, s.grace, s.stale)
			if verdict == Orphan {
				res.Orphans++
				orphans[pod.Namespace] = append(orphans[pod.Namespace], pod.Name)
				s.log.DebugContext(ctx, "sweep.orphan", slog.String("namespace", pod.Namespace), slog.String("pod", pod.Name), slog.String("reason", reason))
			}
		}
		if list.Continue == "" {
			break
		}
		opts.Continue = list.Continue
	}

	if res.Orphans == 0 {
		return res, nil
	}

	s.state.Store(int32(Deleting))
	namespaces := make([]string, 0, len(orphans))
	for ns := range orphans {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	for _, ns := range namespaces {
		pods := s.client.CoreV1().Pods(ns)
		for _, name := range orphans[ns] {
			err := pods.Delete(ctx, name, metav1.DeleteOptions{})
			switch {
			case err == nil:
				res.Deleted++
			case apierrors.IsNotFound(err):
			default:
				res.Failed++
				s.log.WarnContext(ctx, "sweep.delete.fail", slog.String("namespace", ns), slog.String("pod", name), slog.String("err", err.Error()))
			}
		}
	}

	s.log.InfoContext(ctx, "sweep.pass.ok", slog.Int("scanned", res.Scanned), slog.Int("orphans", res.Orphans), slog.Int("deleted", res.Deleted), slog.Int("failed", res.Failed))
	return res, nil
}
