package user

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/agentuity/go-coord/cache"
	"github.com/agentuity/go-coord/coord"
	"github.com/agentuity/go-coord/kv"
	"github.com/agentuity/go-coord/lock"
	"github.com/agentuity/go-coord/ratelimit"
)

// countingRepository tracks how often the backing store is actually read,
// to observe cache effectiveness.
type countingRepository struct {
	Repository
	readsByID atomic.Int64
	lists     atomic.Int64
}

func (r *countingRepository) ReadByID(ctx context.Context, id string) (*User, error) {
	r.readsByID.Add(1)
	return r.Repository.ReadByID(ctx, id)
}

func (r *countingRepository) List(ctx context.Context) ([]User, error) {
	r.lists.Add(1)
	return r.Repository.List(ctx)
}

func newTestService(t *testing.T, opts ...coord.Option) (*countingRepository, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	log := logger.NewTestLogger()
	store := kv.NewRedis(client)
	c := cache.New(store, cache.WithLogger(log))
	repo := &countingRepository{Repository: NewInMemoryRepository()}
	opts = append([]coord.Option{coord.WithLogger(log)}, opts...)
	co := coord.New(ratelimit.New(store), lock.New(store, lock.WithLogger(log)), c, opts...)
	return repo, NewService(repo, c, co)
}

func TestRegisterAndGet(t *testing.T) {
	repo, svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterInput{Email: "Ana@Example.com", Name: "Ana"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "ana@example.com", u.Email)

	// First read fills the cache, the second is served from it.
	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)
	got, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, int64(1), repo.readsByID.Load())
}

func TestRegisterDuplicate(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "ana@example.com", Name: "Ana"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Email: "ANA@example.com", Name: "Imposter"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterInvalidEmail(t *testing.T) {
	_, svc := newTestService(t)
	_, err := svc.Register(context.Background(), RegisterInput{Email: "nope", Name: "X"})
	assert.Error(t, err)
}

func TestConcurrentRegistrationSameEmail(t *testing.T) {
	_, svc := newTestService(t, coord.WithLease(2*time.Second), coord.WithMaxWait(5*time.Second), coord.WithRateLimit(100, time.Second))
	ctx := context.Background()

	// Two concurrent attempts: exactly one reaches the repository write;
	// the other serializes behind the lock and observes the conflict (or
	// times out waiting).
	results := make([]error, 2)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := svc.Register(ctx, RegisterInput{Email: "race@example.com", Name: "Racer"})
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var created, conflicted int
	for _, err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrAlreadyExists), errors.Is(err, lock.ErrTimeout):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, conflicted)

	// Exactly one record exists.
	u, err := svc.GetByEmail(ctx, "race@example.com")
	require.NoError(t, err)
	assert.Equal(t, "race@example.com", u.Email)
}

func TestRegistrationRateLimited(t *testing.T) {
	_, svc := newTestService(t, coord.WithRateLimit(10, time.Second))
	ctx := context.Background()

	var rejected int
	for i := 0; i < 15; i++ {
		_, err := svc.Register(ctx, RegisterInput{
			Email:    NormalizeEmail(string(rune('a'+i)) + "@example.com"),
			Name:     "Burst",
			Identity: "203.0.113.7",
		})
		if errors.Is(err, coord.ErrRateLimited) {
			rejected++
		} else {
			require.NoError(t, err)
		}
	}
	assert.GreaterOrEqual(t, rejected, 5)
}

func TestListIsCachedAndInvalidatedByWrites(t *testing.T) {
	repo, svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Name: "A"})
	require.NoError(t, err)

	users, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	_, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), repo.lists.Load())

	// A new registration drops the cached listing.
	_, err = svc.Register(ctx, RegisterInput{Email: "b@example.com", Name: "B"})
	require.NoError(t, err)

	users, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.Equal(t, int64(2), repo.lists.Load())
}

func TestUpdateInvalidatesCachedReads(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterInput{Email: "ana@example.com", Name: "Ana"})
	require.NoError(t, err)

	// Prime the cache with the pre-update record.
	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, "Ana", got.Name)

	updated, err := svc.Update(ctx, UpdateInput{ID: u.ID, Name: "Ana Maria"})
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", updated.Name)

	// The committed write is visible immediately, not after the TTL.
	got, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", got.Name)
}

func TestUpdateMissing(t *testing.T) {
	_, svc := newTestService(t)
	_, err := svc.Update(context.Background(), UpdateInput{ID: "ghost", Name: "X"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	_, svc := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, RegisterInput{Email: "ana@example.com", Name: "Ana"})
	require.NoError(t, err)

	// Prime both lookup caches.
	_, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)
	_, err = svc.GetByEmail(ctx, u.Email)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, u.ID, ""))

	_, err = svc.Get(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetByEmail(ctx, u.Email)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, u.ID, ""), ErrNotFound)
}

func TestRepositoryRejectsStaleFencingToken(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	u := &User{ID: "1", Email: "ana@example.com", Name: "Ana"}
	require.NoError(t, repo.WriteIfAbsent(ctx, u.Email, u, 5))

	// A holder whose lease lapsed carries an older token; the write must
	// be rejected even though it arrives later in wall time.
	stale := &User{ID: "2", Email: "other@example.com", Name: "Stale"}
	err := repo.WriteIfAbsent(ctx, "ana@example.com", stale, 3)
	assert.ErrorIs(t, err, lock.ErrStaleFencingToken)

	u.Name = "Renamed"
	require.NoError(t, repo.Update(ctx, u, 6))
	assert.ErrorIs(t, repo.Update(ctx, u, 4), lock.ErrStaleFencingToken)
	assert.ErrorIs(t, repo.Delete(ctx, u.ID, 2), lock.ErrStaleFencingToken)
}
