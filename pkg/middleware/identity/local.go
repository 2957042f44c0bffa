package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"golang.org/x/crypto/bcrypt"
)

// Config tunes the local provider.
type Config struct {
	SessionLifespan   time.Duration // default 24h
	MinPasswordLength int           // default 8
	BcryptCost        int           // default bcrypt.DefaultCost
}

func (c Config) withDefaults() Config {
	if c.SessionLifespan <= 0 {
		c.SessionLifespan = 24 * time.Hour
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = 8
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	return c
}

type storedIdentity struct {
	Identity     session.Identity `json:"identity"`
	PasswordHash []byte           `json:"password_hash,omitempty"`
}

// LocalProvider keeps identities and sessions in KVS.
//
// Key layout in the identity store:
//
//	id:<uuid>                    identity record
//	email:<lower-case email>     identity id
//	social:<provider>:<subject>  identity id
type LocalProvider struct {
	identities kvs.Store
	sessions   kvs.Store
	cfg        Config

	// mu serializes writes that must keep the email index unique
	mu sync.Mutex

	// dummyHash is compared against when an identifier is unknown so that
	// both branches of Authenticate cost one bcrypt comparison
	dummyHash []byte
}

// NewLocalProvider creates a provider over the given stores.
func NewLocalProvider(identities, sessions kvs.Store, cfg Config) (*LocalProvider, error) {
	cfg = cfg.withDefaults()
	dummy, err := bcrypt.GenerateFromPassword([]byte("idgate-placeholder"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to prepare hasher: %w", err)
	}
	return &LocalProvider{
		identities: identities,
		sessions:   sessions,
		cfg:        cfg,
		dummyHash:  dummy,
	}, nil
}

// NormalizeEmail lower-cases and validates an email address.
func NormalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" || !strings.Contains(addr.Address, "@") {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

// Register creates an identity with a password credential.
func (p *LocalProvider) Register(ctx context.Context, traits session.Traits, password string) (*session.Identity, error) {
	email, err := NormalizeEmail(traits.Email)
	if err != nil {
		return nil, err
	}
	if len(password) < p.cfg.MinPasswordLength {
		return nil, fmt.Errorf("%w: at least %d characters are required", ErrWeakPassword, p.cfg.MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to hash password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	taken, err := p.identities.Exists(ctx, "email:"+email)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to check email: %w", err)
	}
	if taken {
		return nil, ErrDuplicateEmail
	}

	rec := storedIdentity{
		Identity: session.Identity{
			ID:        uuid.NewString(),
			Traits:    session.Traits{Email: email, Name: strings.TrimSpace(traits.Name)},
			CreatedAt: time.Now().UTC(),
		},
		PasswordHash: hash,
	}
	if err := p.save(ctx, rec); err != nil {
		return nil, err
	}
	return &rec.Identity, nil
}

// Authenticate checks an identifier (email) and password.
func (p *LocalProvider) Authenticate(ctx context.Context, identifier, password string) (*session.Identity, error) {
	email, err := NormalizeEmail(identifier)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	rec, err := p.loadByIndex(ctx, "email:"+email)
	if errors.Is(err, ErrIdentityNotFound) || (err == nil && len(rec.PasswordHash) == 0) {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword(rec.PasswordHash, []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &rec.Identity, nil
}

// FindOrCreateBySocial resolves the identity linked to a social account.
// An account already linked by subject signs in regardless of emailVerified.
func (p *LocalProvider) FindOrCreateBySocial(ctx context.Context, provider, subject string, traits session.Traits, emailVerified bool) (*session.Identity, error) {
	if subject == "" && emailVerified {
		subject = traits.Email
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: social account has neither subject nor email", ErrInvalidCredentials)
	}
	linkKey := "social:" + provider + ":" + subject

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.loadByIndex(ctx, linkKey)
	if err == nil {
		return &rec.Identity, nil
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}
	if !emailVerified {
		return nil, fmt.Errorf("%w: %s", ErrUnverifiedEmail, provider)
	}

	email, err := NormalizeEmail(traits.Email)
	if err != nil {
		return nil, err
	}

	rec, err = p.loadByIndex(ctx, "email:"+email)
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		rec = &storedIdentity{Identity: session.Identity{
			ID:        uuid.NewString(),
			Traits:    session.Traits{Email: email, Name: traits.Name},
			CreatedAt: time.Now().UTC(),
		}}
		if err := p.save(ctx, *rec); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := p.identities.Set(ctx, linkKey, []byte(rec.Identity.ID), 0); err != nil {
		return nil, fmt.Errorf("identity: failed to link social account: %w", err)
	}
	return &rec.Identity, nil
}

// IssueSession creates an active session for identity.
func (p *LocalProvider) IssueSession(ctx context.Context, identity *session.Identity, method session.AuthenticationMethod) (*session.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if method.CompletedAt.IsZero() {
		method.CompletedAt = now
	}
	s := &session.Session{
		ID:                    uuid.NewString(),
		Token:                 token,
		Active:                true,
		Identity:              *identity,
		AuthenticationMethods: []session.AuthenticationMethod{method},
		IssuedAt:              now,
		AuthenticatedAt:       now,
		ExpiresAt:             now.Add(p.cfg.SessionLifespan),
	}
	if err := session.Set(ctx, p.sessions, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Whoami resolves a session token.
func (p *LocalProvider) Whoami(ctx context.Context, token string) (*session.Session, error) {
	return session.Get(ctx, p.sessions, token)
}

// Revoke destroys the session.
func (p *LocalProvider) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return session.Delete(ctx, p.sessions, token)
}

func (p *LocalProvider) save(ctx context.Context, rec storedIdentity) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("identity: failed to marshal: %w", err)
	}
	if err := p.identities.Set(ctx, "id:"+rec.Identity.ID, data, 0); err != nil {
		return fmt.Errorf("identity: failed to store identity: %w", err)
	}
	if err := p.identities.Set(ctx, "email:"+rec.Identity.Traits.Email, []byte(rec.Identity.ID), 0); err != nil {
		return fmt.Errorf("identity: failed to index email: %w", err)
	}
	return nil
}

func (p *LocalProvider) loadByIndex(ctx context.Context, indexKey string) (*storedIdentity, error) {
	id, err := p.identities.Get(ctx, indexKey)
	if errors.Is(err, kvs.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: failed to read index: %w", err)
	}
	data, err := p.identities.Get(ctx, "id:"+string(id))
	if errors.Is(err, kvs.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: failed to read identity: %w", err)
	}
	var rec storedIdentity
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("identity: failed to unmarshal: %w", err)
	}
	return &rec, nil
}

// newToken returns 32 random bytes, base64url encoded.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("identity: failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
