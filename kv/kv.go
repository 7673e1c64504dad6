package kv

import (
	"context"
	"errors"
	"time"

	"github.com/agentuity/go-common/logger"
)

// ErrUnavailable indicates the coordination store could not be reached or
// did not answer in time. Every transport-level failure returned by a Store
// wraps this sentinel so callers can pick a fail-open or fail-closed policy
// with errors.Is.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the minimal atomic-operation surface this module needs from a
// shared key-value store. All operations are single round trips or
// store-side atomic scripts; no client-side locking is required.
type Store interface {
	// Get returns the value for key. found is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores value under key with the given TTL, replacing any
	// existing value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value under key only if the key does not already
	// exist. Returns true iff this call created the key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key unconditionally. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// IncrementAndExpire atomically increments the integer stored at key
	// and returns the new value. The TTL is applied only when this call
	// creates the key.
	IncrementAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrementAndRefresh atomically increments the integer stored at key
	// and returns the new value. The TTL is reset on every call, so the
	// key survives for as long as increments keep arriving within ttl.
	IncrementAndRefresh(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// CompareAndDelete deletes key only if its stored value equals
	// expected, as one indivisible operation. Returns true iff the key was
	// deleted.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// Close shuts down the store client.
	Close() error
}

// DefaultQueryTimeout is the per-operation timeout applied by I/O-backed
// stores. Prevents indefinite hangs on slow or unresponsive storage.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	queryTimeout time.Duration
	sweepEvery   time.Duration
	logger       logger.Logger
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		queryTimeout: DefaultQueryTimeout,
		sweepEvery:   time.Minute,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithSweepInterval sets the interval for background expired entry cleanup.
// Applies to the in-memory store. Defaults to 1 minute.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepEvery = d }
}

// WithLogger allows overriding the default logger (which is nil)
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}
