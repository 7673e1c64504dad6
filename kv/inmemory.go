package kv

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && e.expires.Before(now)
}

type inMemoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	entries   map[string]*entry
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*inMemoryStore)(nil)

// NewInMemory returns a Store backed by an in-process map. It provides the
// same atomicity guarantees as the Redis store (within a single process)
// and is intended for tests and single-node deployments. Expired entries
// are dropped on read and swept periodically in the background.
func NewInMemory(ctx context.Context, opts ...Option) Store {
	cfg := applyOptions(opts)
	sctx, cancel := context.WithCancel(ctx)
	s := &inMemoryStore{
		ctx:     sctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
		cfg:     cfg,
	}
	if cfg.sweepEvery > 0 {
		s.waitGroup.Add(1)
		go s.sweep()
	}
	return s
}

func (s *inMemoryStore) sweep() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.mutex.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mutex.Unlock()
		}
	}
}

// lookup returns the live entry for key, dropping it if expired.
// Callers must hold the mutex.
func (s *inMemoryStore) lookup(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *inMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	val := make([]byte, len(e.value))
	copy(val, e.value)
	return val, true, nil
}

func (s *inMemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mutex.Lock()
	s.entries[key] = &entry{value: append([]byte(nil), value...), expires: expiry(ttl)}
	s.mutex.Unlock()
	return nil
}

func (s *inMemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = &entry{value: append([]byte(nil), value...), expires: expiry(ttl)}
	return true, nil
}

func (s *inMemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.entries, key)
	s.mutex.Unlock()
	return nil
}

func (s *inMemoryStore) IncrementAndExpire(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var current int64
	if e, ok := s.lookup(key); ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: value at %s is not an integer: %w", key, err)
		}
		current = n + 1
		e.value = []byte(strconv.FormatInt(current, 10))
		return current, nil
	}
	current = 1
	s.entries[key] = &entry{value: []byte("1"), expires: expiry(ttl)}
	return current, nil
}

func (s *inMemoryStore) IncrementAndRefresh(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if e, ok := s.lookup(key); ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: value at %s is not an integer: %w", key, err)
		}
		n++
		e.value = []byte(strconv.FormatInt(n, 10))
		e.expires = expiry(ttl)
		return n, nil
	}
	s.entries[key] = &entry{value: []byte("1"), expires: expiry(ttl)}
	return 1, nil
}

func (s *inMemoryStore) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Close stops the background sweeper. Safe to call more than once.
func (s *inMemoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		s.mutex.Lock()
		s.entries = make(map[string]*entry)
		s.mutex.Unlock()
	})
	return nil
}
