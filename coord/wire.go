package coord

import (
	"context"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/go-coord/cache"
	coordconfig "github.com/agentuity/go-coord/config"
	"github.com/agentuity/go-coord/kv"
	"github.com/agentuity/go-coord/lock"
	"github.com/agentuity/go-coord/ratelimit"
)

// Layer is a fully assembled coordination layer.
type Layer struct {
	Store       kv.Store
	Cache       *cache.Cache
	Locker      *lock.Locker
	Limiter     *ratelimit.Limiter
	Coordinator *Coordinator
}

// FromConfig connects to the store named by cfg and assembles the layer
// with the configured TTLs, lease bounds, admission budget, and
// store-unavailable policy.
func FromConfig(ctx context.Context, cfg coordconfig.Config, log logger.Logger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := kv.NewRedisFromURL(ctx, cfg.StoreConnectionString, kv.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return FromConfigWithStore(store, cfg, log), nil
}

// FromConfigWithStore assembles the layer over an existing store. The
// caller keeps ownership of the store's lifecycle.
func FromConfigWithStore(store kv.Store, cfg coordconfig.Config, log logger.Logger) *Layer {
	failClosed := cfg.StoreUnavailablePolicy == coordconfig.PolicyFailClosed

	cacheOpts := []cache.Option{cache.WithTTL(cfg.CacheTTL), cache.WithLogger(log)}
	if failClosed {
		cacheOpts = append(cacheOpts, cache.WithFailClosed())
	}
	c := cache.New(store, cacheOpts...)

	coordOpts := []Option{
		WithLease(cfg.LockLeaseDuration),
		WithMaxWait(cfg.LockMaxWait),
		WithRateLimit(cfg.RateLimitThreshold, cfg.RateLimitWindow),
		WithLogger(log),
	}
	if failClosed {
		coordOpts = append(coordOpts, WithFailClosed())
	}

	limiter := ratelimit.New(store, ratelimit.WithLogger(log))
	locker := lock.New(store, lock.WithLogger(log))
	return &Layer{
		Store:       store,
		Cache:       c,
		Locker:      locker,
		Limiter:     limiter,
		Coordinator: New(limiter, locker, c, coordOpts...),
	}
}

// Close releases the store connection.
func (l *Layer) Close() error {
	return l.Store.Close()
}
