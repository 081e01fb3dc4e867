package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
)

type mockUserRepo struct {
	users map[string]*domain.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*domain.User)}
}

func (m *mockUserRepo) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	m.users[user.ID] = user
	return user, nil
}

func (m *mockUserRepo) Get(_ context.Context, id string) (*domain.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return user, nil
}

func (m *mockUserRepo) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockUserRepo) Update(_ context.Context, user *domain.User) (*domain.User, error) {
	m.users[user.ID] = user
	return user, nil
}

func (m *mockUserRepo) UpdateLastLogin(_ context.Context, id string) error {
	user, ok := m.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	user.LastLogin = &now
	return nil
}

type mockTokenRepo struct {
	tokens map[string]*domain.VerificationToken
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{tokens: make(map[string]*domain.VerificationToken)}
}

func (m *mockTokenRepo) Create(_ context.Context, token *domain.VerificationToken) error {
	m.tokens[token.Token] = token
	return nil
}

func (m *mockTokenRepo) Get(_ context.Context, token string) (*domain.VerificationToken, error) {
	stored, ok := m.tokens[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return stored, nil
}

func (m *mockTokenRepo) Delete(_ context.Context, token string) error {
	delete(m.tokens, token)
	return nil
}

type captureMailer struct {
	email string
	token string
}

func (m *captureMailer) SendVerification(_ context.Context, email, token string) error {
	m.email = email
	m.token = token
	return nil
}

func newTestService() (*Service, *mockUserRepo, *mockTokenRepo, *captureMailer) {
	users := newMockUserRepo()
	tokens := newMockTokenRepo()
	mailer := &captureMailer{}
	manager := NewJWTManager(testAuthConfig("test-secret-key-at-least-32-bytes-long"))
	svc := NewService(users, tokens, mailer, manager, time.Hour, zap.NewNop())
	return svc, users, tokens, mailer
}

func register(t *testing.T, svc *Service) *domain.User {
	t.Helper()
	user, err := svc.Register(context.Background(), &RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return user
}

func TestRegisterCreatesUnverifiedStudent(t *testing.T) {
	svc, _, _, mailer := newTestService()

	user := register(t, svc)
	if user.Role != domain.RoleStudent {
		t.Errorf("Expected student role, got %s", user.Role)
	}
	if user.Verified {
		t.Error("New accounts must start unverified")
	}
	if user.PasswordHash == "correct-horse" {
		t.Error("Password must be hashed")
	}
	if mailer.email != "alice@example.com" || mailer.token == "" {
		t.Errorf("Expected a verification mail, got %q/%q", mailer.email, mailer.token)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	svc, _, _, _ := newTestService()
	register(t, svc)

	_, err := svc.Register(context.Background(), &RegisterRequest{
		Username: "alice2",
		Email:    "alice@example.com",
		Password: "correct-horse",
	})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Register(context.Background(), &RegisterRequest{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "short",
	})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestVerifyEmailActivatesAccount(t *testing.T) {
	svc, users, _, mailer := newTestService()
	user := register(t, svc)

	if err := svc.VerifyEmail(context.Background(), mailer.token); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	if !users.users[user.ID].Verified {
		t.Error("Expected the account marked verified")
	}

	// Tokens are single use.
	if err := svc.VerifyEmail(context.Background(), mailer.token); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on reuse, got %v", err)
	}
}

func TestVerifyEmailExpiredToken(t *testing.T) {
	svc, _, tokens, mailer := newTestService()
	register(t, svc)
	tokens.tokens[mailer.token].ExpiresAt = time.Now().Add(-time.Minute)

	err := svc.VerifyEmail(context.Background(), mailer.token)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument for expired token, got %v", err)
	}
}

func TestLoginLifecycle(t *testing.T) {
	svc, _, _, mailer := newTestService()
	register(t, svc)

	// Unverified accounts cannot log in.
	_, err := svc.Login(context.Background(), &LoginRequest{Username: "alice", Password: "correct-horse"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized before verification, got %v", err)
	}

	if err := svc.VerifyEmail(context.Background(), mailer.token); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	resp, err := svc.Login(context.Background(), &LoginRequest{Username: "alice", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if resp.Tokens.AccessToken == "" {
		t.Error("Expected an access token")
	}

	refreshed, err := svc.RefreshTokens(context.Background(), resp.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens failed: %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Error("Expected a refreshed access token")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _, _, mailer := newTestService()
	register(t, svc)
	if err := svc.VerifyEmail(context.Background(), mailer.token); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	_, err := svc.Login(context.Background(), &LoginRequest{Username: "alice", Password: "wrong"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	svc, users, _, mailer := newTestService()
	user := register(t, svc)
	if err := svc.VerifyEmail(context.Background(), mailer.token); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	users.users[user.ID].Enabled = false

	_, err := svc.Login(context.Background(), &LoginRequest{Username: "alice", Password: "correct-horse"})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}
