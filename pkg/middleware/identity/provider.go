// Package identity is the built-in identity provider: accounts, password
// credentials, social links and the sessions issued for them.
package identity

import (
	"context"
	"errors"

	"github.com/ideamans/idgate/pkg/middleware/session"
)

var (
	ErrDuplicateEmail     = errors.New("an account with this email address already exists")
	ErrInvalidCredentials = errors.New("the provided credentials are invalid")
	ErrInvalidEmail       = errors.New("the email address is invalid")
	ErrWeakPassword       = errors.New("the password is too short")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrUnverifiedEmail    = errors.New("the social account's email address is not verified")
)

// Provider issues and verifies sessions. The proxy only depends on this
// interface; LocalProvider is the in-process implementation.
type Provider interface {
	// Register creates an identity with a password credential.
	Register(ctx context.Context, traits session.Traits, password string) (*session.Identity, error)

	// Authenticate checks an identifier (email) and password.
	Authenticate(ctx context.Context, identifier, password string) (*session.Identity, error)

	// FindOrCreateBySocial resolves the identity linked to a social account,
	// linking by email or creating a new identity when needed. Linking and
	// creating require an email the provider has verified.
	FindOrCreateBySocial(ctx context.Context, provider, subject string, traits session.Traits, emailVerified bool) (*session.Identity, error)

	// IssueSession creates an active session for identity.
	IssueSession(ctx context.Context, identity *session.Identity, method session.AuthenticationMethod) (*session.Session, error)

	// Whoami resolves a session token. Unknown tokens return session.ErrSessionNotFound.
	Whoami(ctx context.Context, token string) (*session.Session, error)

	// Revoke destroys the session. Unknown tokens are not an error.
	Revoke(ctx context.Context, token string) error
}
