// Package session defines the provider-owned session model and its KVS persistence.
package session

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned for unknown, expired or inactive sessions.
var ErrSessionNotFound = errors.New("session not found")

// Traits are the identity attributes exposed to applications.
type Traits struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Identity is the account a session belongs to.
type Identity struct {
	ID        string    `json:"id"`
	Traits    Traits    `json:"traits"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthenticationMethod records how a session was established.
type AuthenticationMethod struct {
	Method      string    `json:"method"`             // "password" or "oidc"
	Provider    string    `json:"provider,omitempty"` // social provider id
	CompletedAt time.Time `json:"completed_at"`
}

// Session is the server-held authenticated state tied to a cookie value.
// Token is the cookie/session-token value and is never serialized to clients.
type Session struct {
	ID                    string                 `json:"id"`
	Token                 string                 `json:"-"`
	Active                bool                   `json:"active"`
	Identity              Identity               `json:"identity"`
	AuthenticationMethods []AuthenticationMethod `json:"authentication_methods"`
	IssuedAt              time.Time              `json:"issued_at"`
	AuthenticatedAt       time.Time              `json:"authenticated_at"`
	ExpiresAt             time.Time              `json:"expires_at"`
}

// IsValid reports whether the session is active and unexpired.
func (s *Session) IsValid() bool {
	return s != nil && s.Active && time.Now().Before(s.ExpiresAt)
}
