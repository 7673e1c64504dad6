package kv

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestInMemory(t *testing.T) Store {
	t.Helper()
	s := NewInMemory(context.Background(), WithSweepInterval(10*time.Millisecond))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInMemorySetGet(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, s.Set(ctx, "key", []byte("value"), time.Minute))
	val, found, err := s.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), val)
}

func TestInMemoryExpiry(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	assert.NoError(t, s.Set(ctx, "key", []byte("value"), 30*time.Millisecond))
	_, found, err := s.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)

	time.Sleep(50 * time.Millisecond)
	_, found, err = s.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestInMemorySetIfAbsent(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	created, err := s.SetIfAbsent(ctx, "key", []byte("a"), 30*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, created)

	created, err = s.SetIfAbsent(ctx, "key", []byte("b"), 30*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, created)

	time.Sleep(50 * time.Millisecond)
	created, err = s.SetIfAbsent(ctx, "key", []byte("b"), 30*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, created)
}

func TestInMemoryCompareAndDelete(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key", []byte("token"), time.Minute))

	deleted, err := s.CompareAndDelete(ctx, "key", []byte("wrong"))
	assert.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, "key", []byte("token"))
	assert.NoError(t, err)
	assert.True(t, deleted)

	_, found, err := s.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestInMemoryIncrementAndExpire(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	n, err := s.IncrementAndExpire(ctx, "counter", 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementAndExpire(ctx, "counter", 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	time.Sleep(60 * time.Millisecond)
	n, err = s.IncrementAndExpire(ctx, "counter", 40*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInMemoryIncrementAndRefresh(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	n, err := s.IncrementAndRefresh(ctx, "counter", 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Increments inside the window keep resetting it.
	for i := int64(2); i <= 3; i++ {
		time.Sleep(40 * time.Millisecond)
		n, err = s.IncrementAndRefresh(ctx, "counter", 60*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	time.Sleep(80 * time.Millisecond)
	n, err = s.IncrementAndRefresh(ctx, "counter", 60*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestInMemoryConcurrentSetIfAbsent(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	var wins atomic.Int64
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			created, err := s.SetIfAbsent(ctx, "key", []byte("x"), time.Minute)
			if err != nil {
				return err
			}
			if created {
				wins.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), wins.Load())
}

func TestInMemoryConcurrentIncrements(t *testing.T) {
	s := newTestInMemory(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := s.IncrementAndExpire(ctx, "counter", time.Minute)
			return err
		})
	}
	require.NoError(t, g.Wait())

	n, err := s.IncrementAndExpire(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(51), n)
}
