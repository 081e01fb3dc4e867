// Package auth provides authentication and authorization services.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/labcloud/labcloud/internal/domain"
)

// UserRepository defines the interface for user data access.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	Get(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) (*domain.User, error)
	UpdateLastLogin(ctx context.Context, id string) error
}

// TokenRepository stores one-time email verification tokens.
type TokenRepository interface {
	Create(ctx context.Context, token *domain.VerificationToken) error
	Get(ctx context.Context, token string) (*domain.VerificationToken, error)
	Delete(ctx context.Context, token string) error
}

// Mailer sends verification mail. Deployment-specific; tests use a capture
// fake and development setups log the link instead of sending.
type Mailer interface {
	SendVerification(ctx context.Context, email, token string) error
}

// SessionStore defines the interface for session storage (e.g., Redis).
type SessionStore interface {
	SetSession(ctx context.Context, sessionID string, userID string) error
	GetSession(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Service provides registration, email verification and login.
type Service struct {
	userRepo     UserRepository
	tokenRepo    TokenRepository
	mailer       Mailer
	sessionStore SessionStore
	jwtManager   *JWTManager
	verifyExpiry time.Duration
	logger       *zap.Logger
}

// NewService creates a new auth service.
func NewService(
	userRepo UserRepository,
	tokenRepo TokenRepository,
	mailer Mailer,
	jwtManager *JWTManager,
	verifyExpiry time.Duration,
	logger *zap.Logger,
) *Service {
	return &Service{
		userRepo:     userRepo,
		tokenRepo:    tokenRepo,
		mailer:       mailer,
		jwtManager:   jwtManager,
		verifyExpiry: verifyExpiry,
		logger:       logger.Named("auth-service"),
	}
}

// WithSessionStore enables server-side session tracking.
func (s *Service) WithSessionStore(store SessionStore) *Service {
	s.sessionStore = store
	return s
}

// RegisterRequest contains the fields of a signup.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
}

// Register creates a student account in unverified state and mails a
// verification token. Accounts stay unable to log in until verified.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*domain.User, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	if _, err := s.userRepo.GetByEmail(ctx, req.Email); err == nil {
		return nil, fmt.Errorf("%w: email already registered", domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hashed),
		Role:         domain.RoleStudent,
		Verified:     false,
		Enabled:      true,
		CreatedAt:    time.Now(),
	}

	created, err := s.userRepo.Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	token := &domain.VerificationToken{
		ID:        uuid.New().String(),
		Token:     randomToken(),
		UserID:    created.ID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.verifyExpiry),
	}
	if err := s.tokenRepo.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store verification token: %w", err)
	}

	if s.mailer != nil {
		if err := s.mailer.SendVerification(ctx, created.Email, token.Token); err != nil {
			s.logger.Warn("Failed to send verification mail",
				zap.String("user_id", created.ID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("User registered",
		zap.String("user_id", created.ID),
		zap.String("username", created.Username),
	)
	return created, nil
}

// VerifyEmail marks the account behind a verification token as verified and
// consumes the token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	stored, err := s.tokenRepo.Get(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: invalid verification token", domain.ErrNotFound)
		}
		return err
	}

	if stored.Expired() {
		_ = s.tokenRepo.Delete(ctx, token)
		return fmt.Errorf("%w: verification token expired", domain.ErrInvalidArgument)
	}

	user, err := s.userRepo.Get(ctx, stored.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve user: %w", err)
	}

	user.Verified = true
	user.UpdatedAt = time.Now()
	if _, err := s.userRepo.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to mark user verified: %w", err)
	}

	if err := s.tokenRepo.Delete(ctx, token); err != nil {
		s.logger.Warn("Failed to consume verification token", zap.Error(err))
	}

	s.logger.Info("Email verified", zap.String("user_id", user.ID))
	return nil
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Username string
	Password string
}

// LoginResponse contains the result of a successful login.
type LoginResponse struct {
	User      *domain.User
	Tokens    *TokenPair
	SessionID string
}

// Login authenticates a user and returns tokens. Unknown users, bad
// passwords, disabled and unverified accounts all produce the same
// ErrUnauthorized so the response leaks nothing about which it was.
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	user, err := s.userRepo.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("Login failed: user not found", zap.String("username", req.Username))
			return nil, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if !user.Enabled || !user.Verified {
		s.logger.Warn("Login failed: account not active",
			zap.String("username", req.Username),
			zap.Bool("enabled", user.Enabled),
			zap.Bool("verified", user.Verified),
		)
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("Login failed: invalid password", zap.String("username", req.Username))
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}

	tokens, err := s.jwtManager.Generate(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	sessionID := uuid.New().String()
	if s.sessionStore != nil {
		if err := s.sessionStore.SetSession(ctx, sessionID, user.ID); err != nil {
			s.logger.Warn("Failed to create session", zap.Error(err))
		}
	}

	if err := s.userRepo.UpdateLastLogin(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to update last login", zap.Error(err))
	}

	s.logger.Info("Login successful",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("role", string(user.Role)),
	)

	return &LoginResponse{
		User:      user,
		Tokens:    tokens,
		SessionID: sessionID,
	}, nil
}

// RefreshTokens generates new tokens from a refresh token.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := s.jwtManager.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refresh token", domain.ErrUnauthorized)
	}

	user, err := s.userRepo.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: user not found", domain.ErrUnauthorized)
	}

	if !user.Enabled || !user.Verified {
		return nil, fmt.Errorf("%w: account not active", domain.ErrUnauthorized)
	}

	return s.jwtManager.Generate(user)
}

// ValidateToken validates an access token and returns the claims.
func (s *Service) ValidateToken(_ context.Context, token string) (*Claims, error) {
	return s.jwtManager.Verify(token)
}

// Logout invalidates a user session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if s.sessionStore == nil {
		return nil
	}
	if err := s.sessionStore.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to delete session", zap.Error(err))
	}
	return nil
}

func validateRegistration(req *RegisterRequest) error {
	if req.Username == "" || req.Email == "" {
		return fmt.Errorf("%w: username and email are required", domain.ErrInvalidArgument)
	}
	if !strings.Contains(req.Email, "@") {
		return fmt.Errorf("%w: invalid email address", domain.ErrInvalidArgument)
	}
	if len(req.Password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", domain.ErrInvalidArgument)
	}
	return nil
}

func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
