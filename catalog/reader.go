package catalog

import (
	"context"
	"fmt"
)

// Reader exposes typed, namespace-scoped lookups over a Source.
type Reader struct {
	src Source
}

// NewReader wraps src.
func NewReader(src Source) *Reader {
	return &Reader{src: src}
}

// GetTemplate returns the named Template.
func (r *Reader) GetTemplate(ctx context.Context, namespace, name string) (*Template, error) {
	return get[*Template](ctx, r.src, Ref{Kind: KindTemplate, Namespace: namespace, Name: name})
}

// GetResourceLimit returns the named ResourceLimit.
func (r *Reader) GetResourceLimit(ctx context.Context, namespace, name string) (*ResourceLimit, error) {
	return get[*ResourceLimit](ctx, r.src, Ref{Kind: KindResourceLimit, Namespace: namespace, Name: name})
}

// GetSecret returns the named Secret.
func (r *Reader) GetSecret(ctx context.Context, namespace, name string) (*Secret, error) {
	return get[*Secret](ctx, r.src, Ref{Kind: KindSecret, Namespace: namespace, Name: name})
}

// GetAuthorization returns the named Authorization.
func (r *Reader) GetAuthorization(ctx context.Context, namespace, name string) (*Authorization, error) {
	return get[*Authorization](ctx, r.src, Ref{Kind: KindAuthorization, Namespace: namespace, Name: name})
}

func get[R Record](ctx context.Context, src Source, ref Ref) (R, error) {
	var zero R
	rec, err := src.Get(ctx, ref)
	if err != nil {
		return zero, err
	}
	typed, ok := rec.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s resolved to %T", ErrInvalidRecord, ref, rec)
	}
	return typed, nil
}
