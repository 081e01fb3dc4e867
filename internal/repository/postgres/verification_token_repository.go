package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/auth"
)

var _ auth.TokenRepository = (*VerificationTokenRepository)(nil)

// VerificationTokenRepository implements auth.TokenRepository using
// PostgreSQL.
type VerificationTokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVerificationTokenRepository creates a new PostgreSQL token repository.
func NewVerificationTokenRepository(db *DB, logger *zap.Logger) *VerificationTokenRepository {
	return &VerificationTokenRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "verification_token")),
	}
}

// Create stores a token.
func (r *VerificationTokenRepository) Create(ctx context.Context, token *domain.VerificationToken) error {
	query := `
		INSERT INTO verification_tokens (id, token, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.pool.Exec(ctx, query,
		token.ID,
		token.Token,
		token.UserID,
		token.CreatedAt,
		token.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert verification token: %w", err)
	}

	return nil
}

// Get retrieves a token by its value.
func (r *VerificationTokenRepository) Get(ctx context.Context, token string) (*domain.VerificationToken, error) {
	query := `
		SELECT id, token, user_id, created_at, expires_at
		FROM verification_tokens
		WHERE token = $1
	`

	stored := &domain.VerificationToken{}
	err := r.db.pool.QueryRow(ctx, query, token).Scan(
		&stored.ID,
		&stored.Token,
		&stored.UserID,
		&stored.CreatedAt,
		&stored.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get verification token: %w", err)
	}

	return stored, nil
}

// Delete consumes a token.
func (r *VerificationTokenRepository) Delete(ctx context.Context, token string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM verification_tokens WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete verification token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
