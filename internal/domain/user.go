package domain

import "time"

// Role grants a permission level to a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string
	Username     string
	Role         Role
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin reports whether the user bypasses ownership checks.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// SystemUser is the identity background jobs act as.
func SystemUser() User {
	return User{ID: "system", Username: "system", Role: RoleAdmin}
}
