package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentuity/go-coord/cache"
	"github.com/agentuity/go-coord/coord"
	"github.com/agentuity/go-coord/lock"
)

// listKey caches the full listing; every write invalidates it.
var listKey = cache.Key("users", "all")

func idKey(id string) string {
	return cache.Key("users", id)
}

func emailKey(email string) string {
	return cache.Key("users:email", email)
}

// registerResource is the critical-section id for creating an account:
// one normalized email, one writer.
func registerResource(email string) string {
	return "users:email:" + email
}

func userResource(id string) string {
	return "users:id:" + id
}

// NormalizeEmail lowercases and trims an email so cache keys and lock
// resources agree on the same identity regardless of input casing.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Service exposes the user-account operations. All writes run under the
// coordinator's guard; all reads go through the cache.
type Service struct {
	repo  Repository
	cache *cache.Cache
	coord *coord.Coordinator
}

// NewService wires the repository to the coordination layer.
func NewService(repo Repository, c *cache.Cache, co *coord.Coordinator) *Service {
	return &Service{repo: repo, cache: c, coord: co}
}

// RegisterInput is the payload for Register. Identity is the rate-limit
// subject (typically the client IP); when empty the normalized email is
// used.
type RegisterInput struct {
	Email    string
	Name     string
	Identity string
}

// Register creates a new account if the email is unused. Concurrent
// attempts for the same email serialize on the registration lock: exactly
// one reaches the repository write, the rest observe ErrAlreadyExists or
// lock.ErrTimeout.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("user: invalid email %q", in.Email)
	}
	identity := in.Identity
	if identity == "" {
		identity = email
	}

	now := time.Now().UTC()
	u := &User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      in.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.coord.Write(ctx, coord.WriteRequest{
		Identity:       identity,
		Resource:       registerResource(email),
		InvalidateKeys: []string{emailKey(email), listKey},
	}, func(ctx context.Context, h *lock.Handle) error {
		// Check-then-insert is safe here: the lock serializes all
		// registrations for this email, and the fencing token lets the
		// repository reject us if our lease lapsed in between.
		if _, err := s.repo.ReadByEmail(ctx, email); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.repo.WriteIfAbsent(ctx, email, u, h.FencingToken)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns the user with the given id, reading through the cache.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	u, err := cache.Read(ctx, s.cache, idKey(id), func(ctx context.Context) (User, error) {
		found, err := s.repo.ReadByID(ctx, id)
		if err != nil {
			return User{}, err
		}
		return *found, nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByEmail returns the user with the given email, reading through the
// cache.
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	u, err := cache.Read(ctx, s.cache, emailKey(email), func(ctx context.Context) (User, error) {
		found, err := s.repo.ReadByEmail(ctx, email)
		if err != nil {
			return User{}, err
		}
		return *found, nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// List returns all users, reading through the cache.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return cache.Read(ctx, s.cache, listKey, func(ctx context.Context) ([]User, error) {
		return s.repo.List(ctx)
	})
}

// UpdateInput is the payload for Update.
type UpdateInput struct {
	ID       string
	Name     string
	Identity string
}

// Update renames the user. The write locks the user id, so concurrent
// updates to the same user serialize, and every derived cache entry is
// dropped after the commit.
func (s *Service) Update(ctx context.Context, in UpdateInput) (*User, error) {
	current, err := s.repo.ReadByID(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	identity := in.Identity
	if identity == "" {
		identity = current.Email
	}

	var updated User
	err = s.coord.Write(ctx, coord.WriteRequest{
		Identity:       identity,
		Resource:       userResource(in.ID),
		InvalidateKeys: []string{idKey(in.ID), emailKey(current.Email), listKey},
	}, func(ctx context.Context, h *lock.Handle) error {
		// Re-read under the lock; the pre-lock read was only for key
		// derivation and identity defaulting.
		fresh, err := s.repo.ReadByID(ctx, in.ID)
		if err != nil {
			return err
		}
		fresh.Name = in.Name
		fresh.UpdatedAt = time.Now().UTC()
		if err := s.repo.Update(ctx, fresh, h.FencingToken); err != nil {
			return err
		}
		updated = *fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete removes the user with the given id.
func (s *Service) Delete(ctx context.Context, id, identity string) error {
	current, err := s.repo.ReadByID(ctx, id)
	if err != nil {
		return err
	}
	if identity == "" {
		identity = current.Email
	}

	return s.coord.Write(ctx, coord.WriteRequest{
		Identity:       identity,
		Resource:       userResource(id),
		InvalidateKeys: []string{idKey(id), emailKey(current.Email), listKey},
	}, func(ctx context.Context, h *lock.Handle) error {
		return s.repo.Delete(ctx, id, h.FencingToken)
	})
}
