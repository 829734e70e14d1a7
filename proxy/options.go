package proxy

import (
	"io"
	"log/slog"
	"time"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithDefaultNamespace sets the namespace used when a binding message names
// only the session.
func WithDefaultNamespace(ns string) Option {
	return func(h *Handler) { h.namespace = ns }
}

// WithTouchInterval sets the minimum spacing between last-access refreshes
// issued after successful forwards.
func WithTouchInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.touchInterval = d
		}
	}
}

// WithClock overrides the time source used for touch spacing.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}
