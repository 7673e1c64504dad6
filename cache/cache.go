package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentuity/go-coord/kv"
)

// Loader produces the authoritative value for a key on a cache miss,
// typically by reading from the backing repository.
type Loader[T any] func(ctx context.Context) (T, error)

// DefaultTTL is the default lifetime of cached entries.
const DefaultTTL = 5 * time.Minute

// DefaultFillLockTTL bounds how long a crashed fill winner can block other
// readers. Losers fall back to a direct load once their bounded retries
// are exhausted, so this only limits how long the store carries a dead
// fill marker.
const DefaultFillLockTTL = 3 * time.Second

type config struct {
	ttl               time.Duration
	fillLockTTL       time.Duration
	fillRetryInterval time.Duration
	fillMaxRetries    int
	failClosed        bool
	logger            logger.Logger
}

// Option configures a Cache.
type Option func(*config)

func defaultConfig() config {
	return config{
		ttl:               DefaultTTL,
		fillLockTTL:       DefaultFillLockTTL,
		fillRetryInterval: 25 * time.Millisecond,
		fillMaxRetries:    20,
	}
}

// WithTTL sets the default lifetime for cached entries. Defaults to
// DefaultTTL (5 minutes).
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithFillLockTTL sets the lifetime of the single-flight fill marker.
// Defaults to DefaultFillLockTTL (3 seconds).
func WithFillLockTTL(d time.Duration) Option {
	return func(c *config) { c.fillLockTTL = d }
}

// WithFillRetry sets how often and how many times a reader that lost the
// single-flight race polls for the winner's write before loading directly.
func WithFillRetry(interval time.Duration, attempts int) Option {
	return func(c *config) {
		c.fillRetryInterval = interval
		c.fillMaxRetries = attempts
	}
}

// WithFailClosed makes reads surface store outages as retryable errors
// instead of degrading to a direct loader call. The default is fail-open:
// when the store is unreachable the loader is called and its value
// returned uncached.
func WithFailClosed() Option {
	return func(c *config) { c.failClosed = true }
}

// WithLogger allows overriding the default logger (which is nil)
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// Cache is a cache-aside store over the shared coordination store. Reads
// are protected against stampedes by a single-flight fill lock held in the
// store itself, so the protection spans processes, not just goroutines.
type Cache struct {
	store kv.Store
	cfg   config
}

// New returns a Cache backed by the given store.
func New(store kv.Store, opts ...Option) *Cache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{store: store, cfg: cfg}
}

// Key builds a namespaced cache key: cache:{entityType}:{id}.
func Key(entityType, id string) string {
	return "cache:" + entityType + ":" + id
}

func fillKeyFor(key string) string {
	return "fill:" + key
}

func (c *Cache) warn(msg string, args ...interface{}) {
	if c.cfg.logger != nil {
		c.cfg.logger.Warn(msg, args...)
	}
}

// failOpen reports whether err is a store outage the cache should absorb
// by loading directly.
func (c *Cache) failOpen(err error) bool {
	return errors.Is(err, kv.ErrUnavailable) && !c.cfg.failClosed
}

// Read returns the cached value for key, or loads, caches, and returns it
// on a miss. Concurrent misses on the same key elect a single fill winner
// via the store; losers wait briefly for the winner's write and fall back
// to an uncached direct load so they never block past their retry budget
// or deadlock on a crashed winner.
func Read[T any](ctx context.Context, c *Cache, key string, loader Loader[T]) (T, error) {
	var zero T

	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		if c.failOpen(err) {
			c.warn("cache read for %s degraded to direct load: %s", key, err)
			return loader(ctx)
		}
		return zero, err
	}
	if found {
		return decode[T](data)
	}

	token := []byte(uuid.NewString())
	won, err := c.store.SetIfAbsent(ctx, fillKeyFor(key), token, c.cfg.fillLockTTL)
	if err != nil {
		if c.failOpen(err) {
			c.warn("cache fill lock for %s degraded to direct load: %s", key, err)
			return loader(ctx)
		}
		return zero, err
	}

	if won {
		return fill(ctx, c, key, token, loader)
	}
	return await(ctx, c, key, loader)
}

// fill runs the loader as the single-flight winner and publishes the
// result. The fill marker is cleared on every exit path; release uses a
// detached context so caller cancellation cannot orphan the marker until
// its TTL.
func fill[T any](ctx context.Context, c *Cache, key string, token []byte, loader Loader[T]) (T, error) {
	var zero T
	defer func() {
		rctx := context.WithoutCancel(ctx)
		if _, err := c.store.CompareAndDelete(rctx, fillKeyFor(key), token); err != nil {
			c.warn("failed to clear cache fill marker for %s: %s", key, err)
		}
	}()

	result, err := loader(ctx)
	if err != nil {
		return zero, err
	}

	data, err := msgpack.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("cache: failed to marshal value for %s: %w", key, err)
	}
	// Swallow publish errors — the caller got their value and the next
	// miss will retry the fill.
	if err := c.store.Set(ctx, key, data, c.cfg.ttl); err != nil {
		c.warn("failed to publish cache fill for %s: %s", key, err)
	}
	return result, nil
}

// await polls for the fill winner's write. After the retry budget it loads
// directly without caching.
func await[T any](ctx context.Context, c *Cache, key string, loader Loader[T]) (T, error) {
	var zero T
	for i := 0; i < c.cfg.fillMaxRetries; i++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(c.cfg.fillRetryInterval):
		}
		data, found, err := c.store.Get(ctx, key)
		if err != nil {
			if c.failOpen(err) {
				c.warn("cache wait for %s degraded to direct load: %s", key, err)
				return loader(ctx)
			}
			return zero, err
		}
		if found {
			return decode[T](data)
		}
	}
	// Winner crashed or is slow past our budget — serve uncached.
	return loader(ctx)
}

// Invalidate unconditionally removes the given keys. Callers must
// invalidate only after the underlying write is durably committed;
// invalidating first reopens a window where a concurrent reader can
// repopulate the cache with pre-write data.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("cache: failed to invalidate %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func decode[T any](data []byte) (T, error) {
	var result T
	if err := msgpack.Unmarshal(data, &result); err != nil {
		var zero T
		return zero, fmt.Errorf("cache: failed to unmarshal value: %w", err)
	}
	return result, nil
}
