// Package user implements user-account operations (registration, lookup,
// listing, update, deletion) on top of the coordination layer. Reads go
// through the cache-aside store; writes run under the coordinator's full
// guard (rate limit, distributed lock keyed by the natural identifier,
// write-then-invalidate).
package user

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates no user matches the given identifier.
var ErrNotFound = errors.New("user: not found")

// ErrAlreadyExists indicates the email is already registered. This is the
// repository-conflict outcome of a lost registration race.
var ErrAlreadyExists = errors.New("user: email already registered")

// User is a user-account record. Fields are exported and tagged so the
// record survives the cache's msgpack round trip.
type User struct {
	ID        string    `msgpack:"id" json:"id"`
	Email     string    `msgpack:"email" json:"email"`
	Name      string    `msgpack:"name" json:"name"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// Repository is the durable storage of user records. Implementations
// perform the optimistic fencing check on every write: a write carrying a
// fencing token lower than the last one recorded for its resource returns
// lock.ErrStaleFencingToken, defending against a holder whose lease
// expired mid-critical-section.
type Repository interface {
	// ReadByID returns the user with the given id, or ErrNotFound.
	ReadByID(ctx context.Context, id string) (*User, error)

	// ReadByEmail returns the user with the given email, or ErrNotFound.
	ReadByEmail(ctx context.Context, email string) (*User, error)

	// WriteIfAbsent inserts u keyed by its natural key (the email).
	// Returns ErrAlreadyExists when the email is taken.
	WriteIfAbsent(ctx context.Context, email string, u *User, fence int64) error

	// Update replaces the stored record for u.ID, or returns ErrNotFound.
	Update(ctx context.Context, u *User, fence int64) error

	// Delete removes the user with the given id, or returns ErrNotFound.
	Delete(ctx context.Context, id string, fence int64) error

	// List returns all users.
	List(ctx context.Context) ([]User, error)
}
