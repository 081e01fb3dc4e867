package auth

import (
	"testing"
	"time"

	"github.com/labcloud/labcloud/internal/config"
	"github.com/labcloud/labcloud/internal/domain"
)

func testAuthConfig(secret string) config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:     secret,
		TokenExpiry:   15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
	}
}

func testUser() *domain.User {
	return &domain.User{
		ID:       "user-123",
		Username: "alice",
		Email:    "alice@example.com",
		Role:     domain.RoleStudent,
	}
}

func TestJWTManager_Generate(t *testing.T) {
	manager := NewJWTManager(testAuthConfig("test-secret-key-at-least-32-bytes-long"))

	tokens, err := manager.Generate(testUser())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if tokens.AccessToken == "" {
		t.Error("Expected access token to be set")
	}
	if tokens.RefreshToken == "" {
		t.Error("Expected refresh token to be set")
	}
	if tokens.TokenType != "Bearer" {
		t.Errorf("Expected token type 'Bearer', got '%s'", tokens.TokenType)
	}
	if tokens.ExpiresAt.Before(time.Now()) {
		t.Error("Token should not be expired")
	}
}

func TestJWTManager_Verify_ValidToken(t *testing.T) {
	manager := NewJWTManager(testAuthConfig("test-secret-key-at-least-32-bytes-long"))

	tokens, err := manager.Generate(testUser())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	claims, err := manager.Verify(tokens.AccessToken)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if claims.UserID != "user-123" {
		t.Errorf("Expected user ID 'user-123', got '%s'", claims.UserID)
	}
	if claims.Username != "alice" {
		t.Errorf("Expected username 'alice', got '%s'", claims.Username)
	}
	if claims.Role != domain.RoleStudent {
		t.Errorf("Expected role 'student', got '%s'", claims.Role)
	}

	principal := claims.Principal()
	if principal.ID != "user-123" || principal.Role != domain.RoleStudent {
		t.Errorf("Principal does not carry the claims: %+v", principal)
	}
}

func TestJWTManager_Verify_InvalidToken(t *testing.T) {
	manager := NewJWTManager(testAuthConfig("test-secret-key-at-least-32-bytes-long"))

	if _, err := manager.Verify("invalid-token"); err == nil {
		t.Fatal("Expected error for invalid token")
	}
}

func TestJWTManager_Verify_WrongSecret(t *testing.T) {
	manager1 := NewJWTManager(testAuthConfig("secret-key-one-at-least-32-bytes"))
	manager2 := NewJWTManager(testAuthConfig("secret-key-two-at-least-32-bytes"))

	tokens, err := manager1.Generate(testUser())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if _, err := manager2.Verify(tokens.AccessToken); err == nil {
		t.Fatal("Expected error when verifying with wrong secret")
	}
}

func TestJWTManager_VerifyRefreshToken_Valid(t *testing.T) {
	manager := NewJWTManager(testAuthConfig("test-secret-key-at-least-32-bytes-long"))

	tokens, err := manager.Generate(testUser())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	userID, err := manager.VerifyRefreshToken(tokens.RefreshToken)
	if err != nil {
		t.Fatalf("VerifyRefreshToken failed: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("Expected user ID 'user-123', got '%s'", userID)
	}
}

func TestJWTManager_VerifyRefreshToken_UsingAccessToken(t *testing.T) {
	manager := NewJWTManager(testAuthConfig("test-secret-key-at-least-32-bytes-long"))

	tokens, err := manager.Generate(testUser())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if _, err := manager.VerifyRefreshToken(tokens.AccessToken); err == nil {
		t.Fatal("Expected error when using access token as refresh token")
	}
}
