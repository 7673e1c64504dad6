// Package coord composes the rate limiter, the distributed lock, and the
// cache into one guarded write flow: admit, lock, run the critical
// section, invalidate derived cache entries, release. It is the building
// block for check-then-write use cases such as "create the account only if
// the email is unused".
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-coord/cache"
	"github.com/agentuity/go-coord/kv"
	"github.com/agentuity/go-coord/lock"
	"github.com/agentuity/go-coord/ratelimit"
)

// ErrRateLimited indicates the identity exhausted its request budget.
// Retryable by the caller once enough of the window has elapsed; not a
// fault.
var ErrRateLimited = errors.New("coord: rate limited")

// Defaults for the guarded write flow.
const (
	DefaultLeaseDuration      = 5 * time.Second
	DefaultMaxWait            = 5 * time.Second
	DefaultRateLimitThreshold = 10
	DefaultRateLimitWindow    = time.Second
)

type config struct {
	lease      time.Duration
	maxWait    time.Duration
	limit      int64
	window     time.Duration
	failClosed bool
	logger     logger.Logger
}

// Option configures a Coordinator.
type Option func(*config)

func defaultConfig() config {
	return config{
		lease:   DefaultLeaseDuration,
		maxWait: DefaultMaxWait,
		limit:   DefaultRateLimitThreshold,
		window:  DefaultRateLimitWindow,
	}
}

// WithLease sets the lock lease duration for guarded writes. A holder that
// dies keeps others out for at most this long.
func WithLease(d time.Duration) Option {
	return func(c *config) { c.lease = d }
}

// WithMaxWait bounds how long a guarded write waits to acquire its lock
// before giving up with lock.ErrTimeout.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithRateLimit sets the admission budget: at most limit requests per
// identity per window.
func WithRateLimit(limit int64, window time.Duration) Option {
	return func(c *config) {
		c.limit = limit
		c.window = window
	}
}

// WithFailClosed rejects writes when the store cannot answer the
// admission check. The default is fail-open: an unreachable store skips
// admission (the lock step still requires the store, so writes never
// proceed fully unguarded).
func WithFailClosed() Option {
	return func(c *config) { c.failClosed = true }
}

// WithLogger allows overriding the default logger (which is nil)
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WriteRequest identifies one guarded write.
type WriteRequest struct {
	// Identity is the rate-limit subject, e.g. a client IP or account key.
	Identity string
	// Resource identifies the critical section, e.g. a normalized email.
	Resource string
	// InvalidateKeys lists every cache entry the write makes stale. They
	// are dropped only after the critical section commits.
	InvalidateKeys []string
}

// Coordinator runs guarded writes. It holds no in-process locks; all
// mutual exclusion and accounting is delegated to the shared store through
// the composed components.
type Coordinator struct {
	limiter *ratelimit.Limiter
	locker  *lock.Locker
	cache   *cache.Cache
	cfg     config
}

// New returns a Coordinator over the given components.
func New(limiter *ratelimit.Limiter, locker *lock.Locker, c *cache.Cache, opts ...Option) *Coordinator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{limiter: limiter, locker: locker, cache: c, cfg: cfg}
}

func (c *Coordinator) logWarn(msg string, args ...interface{}) {
	if c.cfg.logger != nil {
		c.cfg.logger.Warn(msg, args...)
	}
}

func (c *Coordinator) logError(msg string, args ...interface{}) {
	if c.cfg.logger != nil {
		c.cfg.logger.Error(msg, args...)
	}
}

// Write runs fn under the full guard: rate-limit admission, then the
// distributed lock for req.Resource, then cache invalidation once fn
// commits. The lock is released on every exit path. Any failure before or
// inside fn short-circuits the remaining steps except the release.
//
// fn receives the lock handle so it can thread the fencing token into the
// repository write; a repository that spots a stale token returns
// lock.ErrStaleFencingToken, which surfaces unchanged.
func (c *Coordinator) Write(ctx context.Context, req WriteRequest, fn func(ctx context.Context, h *lock.Handle) error) error {
	allowed, err := c.limiter.Allow(ctx, req.Identity, c.cfg.limit, c.cfg.window)
	if err != nil {
		if !errors.Is(err, kv.ErrUnavailable) || c.cfg.failClosed {
			return err
		}
		// Fail-open: skip admission. The lock acquisition below still
		// requires the store, so an unguarded write cannot slip through.
		c.logWarn("admission check for %s skipped, store unavailable: %s", req.Identity, err)
		allowed = true
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrRateLimited, req.Identity)
	}

	return c.locker.Do(ctx, req.Resource, c.cfg.lease, c.cfg.maxWait, func(ctx context.Context, h *lock.Handle) error {
		if err := fn(ctx, h); err != nil {
			return err
		}
		// The write is committed; only now may the derived entries be
		// dropped (invalidate-before-write would let a concurrent reader
		// repopulate pre-write data).
		if err := c.cache.Invalidate(ctx, req.InvalidateKeys...); err != nil {
			// The write itself succeeded, so this is a degradation, not
			// a failure: stale entries survive at most until their TTL.
			c.logError("failed to invalidate after write to %s: %s", req.Resource, err)
		}
		return nil
	})
}
