// Package ratelimit provides a fixed-window request counter keyed by caller
// identity.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Limiter counts requests per identity inside fixed windows. When a window
// elapses the counter resets lazily on the next request; there is no
// background sweeper for live keys.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New builds a limiter allowing limit requests per window for each identity.
func New(limit int, window time.Duration, opts ...Option) (*Limiter, error) {
	if limit <= 0 {
		return nil, errors.New("ratelimit: limit must be positive")
	}
	if window <= 0 {
		return nil, errors.New("ratelimit: window must be positive")
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow records one request for identity. When the request exceeds the window
// budget it returns false along with the time remaining until the window
// rolls over.
func (l *Limiter) Allow(identity string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[identity]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[identity] = &bucket{count: 1, windowStart: now}
		return true, 0
	}
	if b.count >= l.limit {
		return false, b.windowStart.Add(l.window).Sub(now)
	}
	b.count++
	return true, 0
}

// Remaining reports the unused budget for identity in the current window.
func (l *Limiter) Remaining(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok || l.now().Sub(b.windowStart) >= l.window {
		return l.limit
	}
	if b.count >= l.limit {
		return 0
	}
	return l.limit - b.count
}

// PurgeStale drops buckets whose window has fully elapsed. Callers run it on
// a timer to keep the map from growing with one-shot identities.
func (l *Limiter) PurgeStale() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for identity, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, identity)
			removed++
		}
	}
	return removed
}
