package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/auth"
)

var _ auth.UserRepository = (*UserRepository)(nil)

// UserRepository is an in-memory user store.
type UserRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.User
}

// NewUserRepository creates a new in-memory user repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{data: make(map[string]*domain.User)}
}

// Create stores a new user. Usernames are unique.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}

	// Check for duplicate username
	for _, existing := range r.data {
		if existing.ID == u.ID || existing.Username == u.Username {
			return nil, domain.ErrAlreadyExists
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	// Clone to avoid external mutations
	r.data[u.ID] = u.Clone()
	return u.Clone(), nil
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u.Clone(), nil
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.data {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

// Update replaces an existing user.
func (r *UserRepository) Update(ctx context.Context, u *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[u.ID]; !ok {
		return nil, domain.ErrNotFound
	}
	u.UpdatedAt = time.Now()
	r.data[u.ID] = u.Clone()
	return u.Clone(), nil
}
