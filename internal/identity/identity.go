// Package identity manages users, auth sessions, businesses and
// notifications.
//
// Users are never hard-deleted. Businesses are soft-deleted by status
// flag; the only hard delete path is the database-level cascade when a
// user row is removed administratively.
//
// Store is safe for concurrent use by multiple goroutines.
package identity

import (
	"errors"
	"time"
)

// Business lifecycle states.
const (
	StatusActive       = "active"
	StatusNoncompliant = "noncompliant"
	StatusDeleted      = "deleted"
)

// ErrInvalidCredentials indicates an email/password pair that does not
// authenticate. Deliberately indistinguishable between unknown email and
// wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is a registered account.
type User struct {
	ID           int64
	Email        string
	PasswordHash string `json:"-"`
	DisplayName  string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Session is an issued auth token.
type Session struct {
	SessionID string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Business is a user-owned business profile.
type Business struct {
	BusinessID         string
	UserID             int64
	Name               string
	Status             string
	GoogleAccountEmail string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Notification is a user-facing message, optionally business-scoped.
type Notification struct {
	ID         int64
	UserID     int64
	BusinessID string
	Message    string
	IsRead     bool
	CreatedAt  time.Time
}
