// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/domain"
	"github.com/labcloud/labcloud/internal/services/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

// PrincipalKey is the context key for the authenticated principal.
const PrincipalKey ContextKey = "principal"

// Auth verifies the Bearer token on every request and attaches the
// resulting principal to the request context. Requests without a valid
// token are rejected with the uniform envelope.
type Auth struct {
	jwtManager *auth.JWTManager
	logger     *zap.Logger
}

// NewAuth creates the auth middleware.
func NewAuth(jwtManager *auth.JWTManager, logger *zap.Logger) *Auth {
	return &Auth{
		jwtManager: jwtManager,
		logger:     logger.Named("auth-middleware"),
	}
}

// Wrap returns a handler that authenticates before delegating.
func (a *Auth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Websocket clients cannot set headers from browsers; accept the
			// token as a query parameter there.
			if token := r.URL.Query().Get("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if authHeader == "" {
			a.reject(w, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			a.reject(w, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.jwtManager.Verify(tokenString)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.Error(err))
			a.reject(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), PrincipalKey, claims.Principal())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) reject(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    http.StatusUnauthorized,
		"message": message,
	})
}

// GetPrincipal extracts the authenticated principal from the context.
func GetPrincipal(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(PrincipalKey).(domain.Principal)
	return principal, ok
}

// RequireRole reports whether the principal holds one of the given roles.
func RequireRole(ctx context.Context, roles ...domain.Role) bool {
	principal, ok := GetPrincipal(ctx)
	if !ok {
		return false
	}
	for _, role := range roles {
		if principal.Role == role {
			return true
		}
	}
	return false
}
