// Package ratelimit caps how many requests a (client address, user) pair may
// make in a fixed time window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultLimit  = 60
	DefaultWindow = 60 * time.Second
)

// ErrLimitExceeded is returned by Check when the caller used up its window.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// WindowStore holds the per-key window counters. Take records one request
// for key and reports whether it fits under limit for the window beginning at
// the key's first request.
type WindowStore interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)
}

// Limiter applies a fixed-window policy on top of a WindowStore.
type Limiter struct {
	store  WindowStore
	limit  int
	window time.Duration
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(l *Limiter) {
		l.limit = n
	}
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		l.window = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New builds a Limiter. A nil store falls back to a MemoryStore.
func New(store WindowStore, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:  store,
		limit:  DefaultLimit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one request from address/userID and reports whether it is
// within the limit.
func (l *Limiter) Allow(ctx context.Context, address, userID string) (bool, error) {
	ok, err := l.store.Take(ctx, windowKey(address, userID), l.limit, l.window, l.now())
	if err != nil {
		return false, fmt.Errorf("rate limit store: %w", err)
	}
	return ok, nil
}

// Check is Allow expressed as an error: ErrLimitExceeded when denied.
func (l *Limiter) Check(ctx context.Context, address, userID string) error {
	ok, err := l.Allow(ctx, address, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d requests per %s", ErrLimitExceeded, l.limit, l.window)
	}
	return nil
}

func windowKey(address, userID string) string {
	return address + "|" + userID
}
