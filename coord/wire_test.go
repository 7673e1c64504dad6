package coord

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/go-coord/cache"
	coordconfig "github.com/agentuity/go-coord/config"
	"github.com/agentuity/go-coord/kv"
	"github.com/agentuity/go-coord/lock"
)

func TestFromConfigConnectsAndWrites(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := coordconfig.Default()
	cfg.StoreConnectionString = "redis://" + mr.Addr()

	layer, err := FromConfig(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)
	defer layer.Close()

	ctx := context.Background()
	key := cache.Key("users", "42")
	_, err = cache.Read(ctx, layer.Cache, key, func(ctx context.Context) (string, error) {
		return "v1", nil
	})
	require.NoError(t, err)

	err = layer.Coordinator.Write(ctx, WriteRequest{
		Identity:       "10.0.0.9",
		Resource:       "users:id:42",
		InvalidateKeys: []string{key},
	}, func(ctx context.Context, h *lock.Handle) error {
		assert.Equal(t, int64(1), h.FencingToken)
		return nil
	})
	require.NoError(t, err)

	_, found, err := layer.Store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFromConfigRejectsInvalidConfig(t *testing.T) {
	cfg := coordconfig.Default()
	cfg.RateLimitThreshold = -1

	_, err := FromConfig(context.Background(), cfg, logger.NewTestLogger())
	require.Error(t, err)
}

func TestFromConfigWithStoreHonorsFailClosedPolicy(t *testing.T) {
	env := newTestEnv(t)

	cfg := coordconfig.Default()
	cfg.StoreUnavailablePolicy = coordconfig.PolicyFailClosed
	cfg.LockMaxWait = 200 * time.Millisecond

	layer := FromConfigWithStore(env.store, cfg, logger.NewTestLogger())
	env.mr.Close()

	_, err := cache.Read(context.Background(), layer.Cache, cache.Key("users", "7"), func(ctx context.Context) (string, error) {
		return "direct", nil
	})
	require.ErrorIs(t, err, kv.ErrUnavailable)
}
