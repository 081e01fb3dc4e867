package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/auth"
)

var _ auth.UserRepository = (*UserRepository)(nil)

// UserRepository is an in-memory implementation of the user store.
type UserRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.User
}

// NewUserRepository creates a new in-memory user repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		data: make(map[string]*domain.User),
	}
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	for _, existing := range r.data {
		if existing.Username == user.Username || strings.EqualFold(existing.Email, user.Email) {
			return nil, domain.ErrAlreadyExists
		}
	}

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	stored := cloneUser(user)
	r.data[stored.ID] = stored

	return cloneUser(stored), nil
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneUser(user), nil
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.data {
		if user.Username == username {
			return cloneUser(user), nil
		}
	}

	return nil, domain.ErrNotFound
}

// GetByEmail retrieves a user by email, case-insensitively.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.data {
		if strings.EqualFold(user.Email, email) {
			return cloneUser(user), nil
		}
	}

	return nil, domain.ErrNotFound
}

// Update replaces a user's stored record.
func (r *UserRepository) Update(ctx context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[user.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	user.UpdatedAt = time.Now()
	stored := cloneUser(user)
	r.data[stored.ID] = stored

	return cloneUser(stored), nil
}

// UpdateLastLogin stamps the user's last login time.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	now := time.Now()
	user.LastLogin = &now
	return nil
}

func cloneUser(user *domain.User) *domain.User {
	copied := *user
	if user.LastLogin != nil {
		last := *user.LastLogin
		copied.LastLogin = &last
	}
	return &copied
}
