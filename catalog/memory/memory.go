// Package memory provides an in-process catalog.Store. Records are held in
// encoded form so callers never share mutable state with the store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-pod-gateway/catalog"
)

// Store implements catalog.Store in memory.
type Store struct {
	mu      sync.RWMutex
	records map[catalog.Ref][]byte
}

var _ catalog.Store = (*Store)(nil)

// New creates an empty store, optionally seeded with records.
func New(records ...catalog.Record) (*Store, error) {
	s := &Store{records: make(map[catalog.Ref][]byte)}
	for _, r := range records {
		if err := s.Put(context.Background(), r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get implements catalog.Source.
func (s *Store) Get(ctx context.Context, ref catalog.Ref) (catalog.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.records[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", catalog.ErrNotFound, ref)
	}
	return catalog.Decode(data)
}

// Put validates and stores r, replacing any record with the same Ref.
func (s *Store) Put(ctx context.Context, r catalog.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := catalog.Encode(r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Ref(), err)
	}
	s.mu.Lock()
	s.records[r.Ref()] = data
	s.mu.Unlock()
	return nil
}

// Delete removes the record at ref. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, ref catalog.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, ref)
	s.mu.Unlock()
	return nil
}

// Replace swaps the whole content of the store atomically.
func (s *Store) Replace(records []catalog.Record) error {
	next := make(map[catalog.Ref][]byte, len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		data, err := catalog.Encode(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.Ref(), err)
		}
		next[r.Ref()] = data
	}
	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
