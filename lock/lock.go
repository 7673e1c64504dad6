package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/google/uuid"

	"github.com/agentuity/go-coord/kv"
)

// ErrTimeout indicates the lock could not be acquired within maxWait.
// Retryable by the caller; not a fault.
var ErrTimeout = errors.New("lock: acquire timed out")

// ErrStaleFencingToken is returned by fencing-aware repositories when a
// write carries a fencing token lower than the last one recorded for the
// resource. It means the writer's lease expired mid-critical-section and
// another holder has acquired the lock since; the write must be rejected
// and the whole flow retried.
var ErrStaleFencingToken = errors.New("lock: stale fencing token")

// Handle is proof of a successful acquisition. Release it on every exit
// path; pass FencingToken alongside any write the lock guards so the
// repository can reject writes from an expired lease.
type Handle struct {
	Resource      string
	OwnerToken    string
	FencingToken  int64
	LeaseDeadline time.Time
}

type config struct {
	initialBackoff time.Duration
	maxBackoff     time.Duration
	fenceTTL       time.Duration
	logger         logger.Logger
}

// Option configures a Locker.
type Option func(*config)

func defaultConfig() config {
	return config{
		initialBackoff: 8 * time.Millisecond,
		maxBackoff:     250 * time.Millisecond,
		fenceTTL:       24 * time.Hour,
	}
}

// WithBackoff sets the initial and maximum retry backoff for Acquire.
// Each retry doubles the wait up to max, with jitter.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *config) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithFenceTTL sets the idle lifetime of the fencing counter. Every
// acquisition resets it, so the counter only expires after the resource
// has seen no acquisitions for this long; it must comfortably exceed the
// longest such gap, since an expired counter restarts the sequence at 1.
// Defaults to 24 hours.
func WithFenceTTL(d time.Duration) Option {
	return func(c *config) { c.fenceTTL = d }
}

// WithLogger allows overriding the default logger (which is nil)
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.logger = log }
}

// Locker provides lease-based distributed mutual exclusion. All exclusion
// is delegated to the store's atomic primitives; the Locker holds no
// in-process locks. A crashed holder's lease expires on its own, trading
// strict mutual exclusion for liveness bounded by the lease duration —
// which is why guarded writes must carry the fencing token.
type Locker struct {
	store kv.Store
	cfg   config
}

// New returns a Locker backed by the given store.
func New(store kv.Store, opts ...Option) *Locker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Locker{store: store, cfg: cfg}
}

func keyFor(resource string) string {
	return "lock:" + resource
}

func fenceKeyFor(resource string) string {
	return "fence:" + resource
}

func (l *Locker) warn(msg string, args ...interface{}) {
	if l.cfg.logger != nil {
		l.cfg.logger.Warn(msg, args...)
	}
}

// Acquire attempts to take the lock for resource, retrying with jittered
// exponential backoff until maxWait elapses or ctx is cancelled. Store
// failures always surface — a write path never proceeds without the lock.
// On success the fencing counter for the resource is incremented and the
// new value carried in the returned Handle.
func (l *Locker) Acquire(ctx context.Context, resource string, lease, maxWait time.Duration) (*Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(maxWait)
	backoff := l.cfg.initialBackoff

	for {
		created, err := l.store.SetIfAbsent(ctx, keyFor(resource), []byte(token), lease)
		if err != nil {
			return nil, fmt.Errorf("lock: failed to acquire %s: %w", resource, err)
		}
		if created {
			fence, err := l.store.IncrementAndRefresh(ctx, fenceKeyFor(resource), l.cfg.fenceTTL)
			if err != nil {
				// Without a fencing token the acquisition is unsafe to
				// hand out. Undo and surface.
				rctx := context.WithoutCancel(ctx)
				if _, rerr := l.store.CompareAndDelete(rctx, keyFor(resource), []byte(token)); rerr != nil {
					l.warn("failed to roll back lock %s after fence failure: %s", resource, rerr)
				}
				return nil, fmt.Errorf("lock: failed to fence %s: %w", resource, err)
			}
			return &Handle{
				Resource:      resource,
				OwnerToken:    token,
				FencingToken:  fence,
				LeaseDeadline: time.Now().Add(lease),
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s not acquired within %s", ErrTimeout, resource, maxWait)
		}
		wait := jitter(backoff)
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > l.cfg.maxBackoff {
			backoff = l.cfg.maxBackoff
		}
	}
}

// jitter returns a duration between 50% and 100% of d, decorrelating
// retries from concurrent contenders.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Release gives up the lock, deleting it only if the stored owner token
// still matches the handle's. Returns false when the lease already expired
// (and was possibly reacquired) — logged, not fatal, since the lease
// mechanism already protects correctness.
func (l *Locker) Release(ctx context.Context, h *Handle) (bool, error) {
	deleted, err := l.store.CompareAndDelete(ctx, keyFor(h.Resource), []byte(h.OwnerToken))
	if err != nil {
		return false, fmt.Errorf("lock: failed to release %s: %w", h.Resource, err)
	}
	if !deleted {
		l.warn("lock %s lease expired before release (fence %d)", h.Resource, h.FencingToken)
	}
	return deleted, nil
}

// Do runs fn while holding the lock for resource and releases it on every
// exit path, including panic and caller cancellation. The release uses a
// detached context so a cancelled caller still gives the lock back
// promptly instead of waiting out the lease.
func (l *Locker) Do(ctx context.Context, resource string, lease, maxWait time.Duration, fn func(ctx context.Context, h *Handle) error) error {
	h, err := l.Acquire(ctx, resource, lease, maxWait)
	if err != nil {
		return err
	}
	defer func() {
		rctx := context.WithoutCancel(ctx)
		if _, err := l.Release(rctx, h); err != nil {
			l.warn("failed to release lock %s: %s", resource, err)
		}
	}()
	return fn(ctx, h)
}
