package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Server-side scripts keep check-and-act sequences atomic without any
// client coordination.
var (
	// Deletes the key only when its value matches ARGV[1].
	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

	// Increments the key, attaching a TTL only on first creation so the
	// window of an existing counter is never extended.
	incrementAndExpireScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v`)

	// Increments the key and resets its TTL on every call, keeping the
	// counter alive while increments keep arriving within the window.
	incrementAndRefreshScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return v`)
)

type redisStore struct {
	client     *redis.Client
	ownsClient bool
	cfg        config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis. The caller owns the
// redis.Client lifecycle — Close is a no-op on the client.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

// NewRedisFromURL connects to Redis using a connection string such as
// redis://localhost:6379/0 and returns a Store that owns the resulting
// client. Close releases the connection.
func NewRedisFromURL(ctx context.Context, url string, opts ...Option) (Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: invalid redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("ping", err)
	}
	s := &redisStore{client: client, cfg: applyOptions(opts)}
	s.ownsClient = true
	return s, nil
}

// unavailable wraps both sentinels so callers can match the outage with
// errors.Is(err, ErrUnavailable) and still see the cause, including
// context cancellation, through the same chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// fail logs and wraps a transport failure.
func (s *redisStore) fail(op, key string, err error) error {
	if s.cfg.logger != nil {
		s.cfg.logger.Warn("store %s failed for %s: %s", op, key, err)
	}
	return unavailable(op, err)
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail("get", key, err)
	}
	return data, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Set(qctx, key, value, ttl).Err(); err != nil {
		return s.fail("set", key, err)
	}
	return nil
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	created, err := s.client.SetNX(qctx, key, value, ttl).Result()
	if err != nil {
		return false, s.fail("setnx", key, err)
	}
	return created, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.client.Del(qctx, key).Err(); err != nil {
		return s.fail("del", key, err)
	}
	return nil
}

func (s *redisStore) IncrementAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := incrementAndExpireScript.Run(qctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, s.fail("incr", key, err)
	}
	return n, nil
}

func (s *redisStore) IncrementAndRefresh(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := incrementAndRefreshScript.Run(qctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, s.fail("incr-refresh", key, err)
	}
	return n, nil
}

func (s *redisStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := compareAndDeleteScript.Run(qctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, s.fail("cad", key, err)
	}
	return n == 1, nil
}

// Close releases the underlying client only when this store created it
// (NewRedisFromURL). For NewRedis the caller owns the client and Close is
// a no-op.
func (s *redisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
