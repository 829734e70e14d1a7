package transport

import (
	"context"
	"sync"
)

// DialFunc establishes a Transport for a registry entry.
type DialFunc func(ctx context.Context) (*Transport, error)

// Registry maps session ids to their live Transport. At most one Transport
// per id is ever constructed at a time: the first caller for an id inserts a
// pending entry and dials, later callers wait for that outcome.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	ready chan struct{}
	t     *Transport
	err   error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Get returns the live Transport for id, if any. Entries still being dialed
// are not reported.
func (r *Registry) Get(id string) (*Transport, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || isDone(e.t) {
		return nil, false
	}
	return e.t, true
}

// GetOrCreate returns the Transport for id, dialing it when none exists. A
// failed dial is reported to every caller waiting on it and leaves no entry
// behind. The relay of a new Transport is started once it is registered.
//
// The dial is detached from ctx: a caller that gives up stops waiting, but
// the dial runs on for the others and stays bounded by the dialer's own poll
// and attach budgets.
func (r *Registry) GetOrCreate(ctx context.Context, id string, dial DialFunc) (*Transport, error) {
	for {
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()

		if !ok {
			r.mu.Lock()
			e, ok = r.entries[id]
			if !ok {
				e = &entry{ready: make(chan struct{})}
				r.entries[id] = e
			}
			r.mu.Unlock()
			if !ok {
				go r.create(context.WithoutCancel(ctx), id, e, dial)
			}
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if !isDone(e.t) {
			return e.t, nil
		}
		// The relay exited between registration and now; its entry is pruned
		// or about to be.
		r.prune(id, e.t)
	}
}

func (r *Registry) create(ctx context.Context, id string, e *entry, dial DialFunc) {
	t, err := dial(ctx)
	if err != nil {
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		return
	}
	e.t = t
	close(e.ready)
	t.start(func() { r.prune(id, t) })
}

// Remove drops the entry for id and returns its Transport, if one was live.
// The Transport itself is left running; it exits when the Pod goes away.
func (r *Registry) Remove(id string) (*Transport, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.t, e.t != nil
	default:
		return nil, false
	}
}

// prune removes id only while it still maps to t.
func (r *Registry) prune(id string, t *Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	select {
	case <-e.ready:
	default:
		return
	}
	if e.t == t {
		delete(r.entries, id)
	}
}

// Len returns the number of entries, pending ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll detaches every live Transport and waits for their relays to exit
// or ctx to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	var live []*Transport
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.t != nil {
				live = append(live, e.t)
			}
		default:
		}
	}
	r.mu.RUnlock()

	for _, t := range live {
		_ = t.Close()
	}
	for _, t := range live {
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isDone(t *Transport) bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
