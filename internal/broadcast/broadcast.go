// Package broadcast provides an in-memory fan-out primitive with bounded,
// per-subscriber buffers. A slow subscriber never blocks the publisher or its
// peers: when its buffer is full the oldest pending value is dropped and the
// subscriber is told how many values it missed on its next receive.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the per-subscriber buffer size used when Subscribe is
// called with a non-positive capacity.
const DefaultCapacity = 64

// ErrClosed is returned by Recv once the broadcaster has been closed and the
// subscriber's buffer is drained, or by Subscribe on a closed broadcaster.
var ErrClosed = errors.New("broadcast: closed")

// LaggedError reports that a subscriber fell behind and Skipped values were
// discarded before the next value it will receive.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("broadcast: subscriber lagged, %d value(s) skipped", e.Skipped)
}

// Event is a published value stamped with its position in the broadcaster's
// sequence. Sequence numbers start at 1 and are never reused.
type Event[T any] struct {
	Seq   uint64
	Value T
}

// Broadcaster fans out published values to every live subscriber.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	seq    uint64
	closed bool
}

// New creates an open broadcaster with no subscribers.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscriber that sees every value published after this
// call returns. Values published earlier are not replayed.
func (b *Broadcaster[T]) Subscribe(capacity int) (*Subscription[T], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Subscription[T]{
		b:      b,
		buf:    make([]Event[T], capacity),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers v to every current subscriber without blocking. It
// returns the sequence number assigned to v, or 0 when the broadcaster is
// closed.
func (b *Broadcaster[T]) Publish(v T) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.seq++
	ev := Event[T]{Seq: b.seq, Value: v}
	// push never blocks, so holding the lock keeps delivery in sequence order.
	for s := range b.subs {
		s.push(ev)
	}
	return ev.Seq
}

// Close marks the broadcaster closed. Subscribers drain what they already
// hold and then observe ErrClosed. Close is idempotent.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.markClosed()
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Closed reports whether Close has been called.
func (b *Broadcaster[T]) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a single subscriber's bounded view of a Broadcaster. It is
// safe to call Recv from one goroutine while Close is called from another.
type Subscription[T any] struct {
	b *Broadcaster[T]

	mu      sync.Mutex
	buf     []Event[T]
	head    int
	n       int
	skipped uint64
	closed  bool
	notify  chan struct{}
}

func (s *Subscription[T]) push(ev Event[T]) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.n == len(s.buf) {
		// Full: drop the oldest.
		s.buf[s.head] = Event[T]{}
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.skipped++
	}
	s.buf[(s.head+s.n)%len(s.buf)] = ev
	s.n++
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until a value is available, the subscription is closed or ctx
// is done. When values were dropped since the last call it returns a
// *LaggedError first; the following call returns the next retained value.
func (s *Subscription[T]) Recv(ctx context.Context) (Event[T], error) {
	for {
		s.mu.Lock()
		if s.skipped > 0 {
			lag := &LaggedError{Skipped: s.skipped}
			s.skipped = 0
			s.mu.Unlock()
			return Event[T]{}, lag
		}
		if s.n > 0 {
			ev := s.buf[s.head]
			s.buf[s.head] = Event[T]{}
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event[T]{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event[T]{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from its broadcaster and discards anything
// still buffered. Subsequent Recv calls return ErrClosed.
func (s *Subscription[T]) Close() {
	s.b.remove(s)
	s.mu.Lock()
	s.closed = true
	s.n = 0
	s.skipped = 0
	s.mu.Unlock()
	s.wake()
}
