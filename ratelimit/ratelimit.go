// Package ratelimit implements a sliding-window rate limiter over the
// shared coordination store. Counts live in fixed buckets of one window
// each; the admission estimate weights the previous bucket by the share of
// the current bucket that has not yet elapsed, approximating a true
// sliding window with two counters per identity. Bucket boundaries derive
// from wall clock divided by the window, so instances with skewed clocks
// still agree on bucket identity.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-coord/kv"
)

type config struct {
	now    func() time.Time
	logger logger.Logger
}

// Option configures a Limiter.
type Option func(*config)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogger allows overriding the default logger (which is nil)
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// Limiter admits or rejects requests per identity. It keeps no state of
// its own — counters are safe under concurrent increments because the
// store increments atomically.
type Limiter struct {
	store kv.Store
	cfg   config
}

// New returns a Limiter backed by the given store.
func New(store kv.Store, opts ...Option) *Limiter {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Limiter{store: store, cfg: cfg}
}

func key(identity string, bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", identity, bucket)
}

// Allow reports whether identity may make another request under limit
// requests per window. The current bucket is incremented unconditionally
// so rejected traffic still shows up in the counters; the decision is made
// on the estimate that already includes this request. Store failures
// surface so the caller can choose a fail-open or fail-closed policy.
func (l *Limiter) Allow(ctx context.Context, identity string, limit int64, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	nowNs := l.cfg.now().UnixNano()
	windowNs := window.Nanoseconds()
	bucket := nowNs / windowNs
	elapsed := float64(nowNs%windowNs) / float64(windowNs)

	// Buckets live two windows so the previous bucket is still readable
	// for the whole of the current one.
	current, err := l.store.IncrementAndExpire(ctx, key(identity, bucket), 2*window)
	if err != nil {
		return false, fmt.Errorf("ratelimit: failed to count %s: %w", identity, err)
	}

	var previous int64
	if data, found, err := l.store.Get(ctx, key(identity, bucket-1)); err != nil {
		return false, fmt.Errorf("ratelimit: failed to read previous window for %s: %w", identity, err)
	} else if found {
		previous, err = strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return false, fmt.Errorf("ratelimit: corrupt counter for %s: %w", identity, err)
		}
	}

	estimate := float64(previous)*(1-elapsed) + float64(current)
	allowed := estimate <= float64(limit)
	if !allowed && l.cfg.logger != nil {
		l.cfg.logger.Debug("rate limit exceeded for %s (estimate %.1f, limit %d)", identity, estimate, limit)
	}
	return allowed, nil
}
