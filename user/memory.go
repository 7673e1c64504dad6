package user

import (
	"context"
	"sort"
	"sync"

	"github.com/agentuity/go-coord/lock"
)

type memoryRepository struct {
	mutex   sync.Mutex
	byID    map[string]User
	byEmail map[string]string
	// fences records the highest fencing token observed per resource
	// (email for inserts, id for updates and deletes).
	fences map[string]int64
}

var _ Repository = (*memoryRepository)(nil)

// NewInMemoryRepository returns a Repository backed by in-process maps.
// It honors the fencing contract and is intended for tests and
// single-node use.
func NewInMemoryRepository() Repository {
	return &memoryRepository{
		byID:    make(map[string]User),
		byEmail: make(map[string]string),
		fences:  make(map[string]int64),
	}
}

// checkFence performs the optimistic stale-holder check. Callers must hold
// the mutex. A token equal to the last recorded one is the same holder
// retrying and passes; only lower tokens are rejected.
func (r *memoryRepository) checkFence(resource string, fence int64) error {
	if fence < r.fences[resource] {
		return lock.ErrStaleFencingToken
	}
	r.fences[resource] = fence
	return nil
}

func (r *memoryRepository) ReadByID(_ context.Context, id string) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *memoryRepository) ReadByEmail(_ context.Context, email string) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id, ok := r.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := r.byID[id]
	return &u, nil
}

func (r *memoryRepository) WriteIfAbsent(_ context.Context, email string, u *User, fence int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.checkFence(email, fence); err != nil {
		return err
	}
	if _, ok := r.byEmail[email]; ok {
		return ErrAlreadyExists
	}
	r.byID[u.ID] = *u
	r.byEmail[email] = u.ID
	return nil
}

func (r *memoryRepository) Update(_ context.Context, u *User, fence int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.checkFence(u.ID, fence); err != nil {
		return err
	}
	if _, ok := r.byID[u.ID]; !ok {
		return ErrNotFound
	}
	r.byID[u.ID] = *u
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string, fence int64) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.checkFence(id, fence); err != nil {
		return err
	}
	u, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byEmail, u.Email)
	return nil
}

func (r *memoryRepository) List(_ context.Context) ([]User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	users := make([]User, 0, len(r.byID))
	for _, u := range r.byID {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}
