package auth

import "time"

// Role distinguishes the two caller populations of the fee ledger. Admins
// drive the case lifecycle; parties pay (or reclaim) their obligations. The
// decryption oracle never holds a token: its callbacks authenticate by proof.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleParty Role = "party"
)

// User is the domain representation of an authenticated user. It mirrors the
// users table and carries no JSON annotations so it can be reused by different
// presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor identifies the caller of a state-changing operation after token
// verification. Services gate their preconditions on it explicitly rather
// than reading ambient caller context.
type Actor struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the actor may invoke administrator operations.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
