package memory

import (
	"context"
	"sync"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/auth"
)

var _ auth.TokenRepository = (*VerificationTokenRepository)(nil)

// VerificationTokenRepository is an in-memory store for one-time email
// verification tokens.
type VerificationTokenRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.VerificationToken
}

// NewVerificationTokenRepository creates a new in-memory token repository.
func NewVerificationTokenRepository() *VerificationTokenRepository {
	return &VerificationTokenRepository{
		data: make(map[string]*domain.VerificationToken),
	}
}

// Create stores a token.
func (r *VerificationTokenRepository) Create(ctx context.Context, token *domain.VerificationToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[token.Token]; ok {
		return domain.ErrAlreadyExists
	}

	copied := *token
	r.data[token.Token] = &copied
	return nil
}

// Get retrieves a token by its value.
func (r *VerificationTokenRepository) Get(ctx context.Context, token string) (*domain.VerificationToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.data[token]
	if !ok {
		return nil, domain.ErrNotFound
	}

	copied := *stored
	return &copied, nil
}

// Delete consumes a token.
func (r *VerificationTokenRepository) Delete(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[token]; !ok {
		return domain.ErrNotFound
	}

	delete(r.data, token)
	return nil
}
