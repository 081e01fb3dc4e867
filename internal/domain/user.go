// Package domain contains core business entities for the labcloud platform.
// This file defines user and authentication-related domain models.
package domain

import (
	"time"
)

// Role represents a user's role in the system.
type Role string

const (
	RoleSuperAdmin Role = "superadmin" // Full system access, may operate any VM
	RoleInstructor Role = "instructor" // Manages templates and course resources
	RoleStudent    Role = "student"    // Operates own VMs only
)

// User represents a user account in the system.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"` // Never expose password hash
	Role         Role       `json:"role"`
	Verified     bool       `json:"verified"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// IsSuperAdmin returns true if the user has the superadmin role.
func (u *User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin
}

// Principal is the authenticated identity attached to a request by the auth
// guard. The core consumes it as-is and performs no token parsing.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// VerificationToken is a one-time email verification token issued at
// registration.
type VerificationToken struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry.
func (t *VerificationToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}
