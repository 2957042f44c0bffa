package token

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// DefaultTTL is the lifetime of a translated bearer token.
const DefaultTTL = time.Minute

// Options configures a Translator.
type Options struct {
	// Issuer returns the iss claim for a request: public base URL plus UI prefix.
	Issuer func(r *http.Request) string

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// Disabled skips translation; Apply still strips Authorization.
	Disabled bool
}

// Translator derives the Authorization header from the session behind a request.
// It keeps no per-request state and is safe for concurrent use.
type Translator struct {
	resolver Resolver
	signer   *Signer
	opts     Options
	logger   logging.Logger
}

// NewTranslator creates a translator.
func NewTranslator(resolver Resolver, signer *Signer, opts Options, logger logging.Logger) *Translator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Issuer == nil {
		opts.Issuer = func(*http.Request) string { return "" }
	}
	return &Translator{
		resolver: resolver,
		signer:   signer,
		opts:     opts,
		logger:   logger.WithModule("token"),
	}
}

// Translate returns "Bearer <jwt>" when r carries an active session.
func (t *Translator) Translate(r *http.Request) (string, bool) {
	if t.opts.Disabled {
		return "", false
	}
	s, err := t.resolver.Resolve(r)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			t.logger.Warn("Session lookup failed", "path", r.URL.Path, "error", err)
		}
		return "", false
	}
	if !s.IsValid() {
		return "", false
	}

	claims, err := t.Claims(s, t.opts.Issuer(r), time.Now())
	if err != nil {
		t.logger.Error("Failed to build token claims", "error", err)
		return "", false
	}
	signed, err := t.signer.Sign(claims)
	if err != nil {
		t.logger.Error("Failed to sign token", "error", err)
		return "", false
	}
	return "Bearer " + signed, true
}

// Apply removes any inbound Authorization header and sets a fresh one
// when the request carries an active session.
func (t *Translator) Apply(r *http.Request) bool {
	r.Header.Del("Authorization")
	header, ok := t.Translate(r)
	if ok {
		r.Header.Set("Authorization", header)
	}
	return ok
}

// Claims builds the token claims for s.
func (t *Translator) Claims(s *session.Session, issuer string, now time.Time) (jwt.MapClaims, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var sessionClaim map[string]interface{}
	if err := json.Unmarshal(raw, &sessionClaim); err != nil {
		return nil, err
	}

	return jwt.MapClaims{
		"iss":     issuer,
		"sub":     s.Identity.ID,
		"iat":     now.Unix(),
		"nbf":     now.Unix(),
		"exp":     now.Add(t.opts.TTL).Unix(),
		"jti":     uuid.NewString(),
		"session": sessionClaim,
	}, nil
}
