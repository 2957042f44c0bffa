// Package verifier checks the bearer tokens issued by the identity proxy.
// Applications behind the proxy use it to read the session from the
// Authorization header.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	ErrMissingToken = errors.New("verifier: missing bearer token")
	ErrInvalidToken = errors.New("verifier: invalid token")
)

// Claims are the verified parts of a proxy token.
type Claims struct {
	Issuer    string
	Subject   string
	SessionID string
	Email     string
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time

	// Session is the raw session claim.
	Session map[string]interface{}
}

// Verifier validates tokens against the proxy's JWKS. The key set is
// fetched on first use and refetched once when a token names an unknown key.
type Verifier struct {
	jwksURL string
	client  *http.Client

	mu  sync.Mutex
	set jwk.Set
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// New creates a verifier for the key set at jwksURL.
func New(jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{jwksURL: jwksURL, client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyHeader verifies an Authorization header value.
func (v *Verifier) VerifyHeader(ctx context.Context, header string) (*Claims, error) {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return nil, ErrMissingToken
	}
	return v.Verify(ctx, strings.TrimSpace(header[7:]))
}

// Verify checks the signature, exp and nbf of raw and decodes its claims.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	set, err := v.keySet(ctx, false)
	if err != nil {
		return nil, err
	}
	tok, err := parse(raw, set)
	if err != nil && isUnknownKey(raw, set) {
		if set, err = v.keySet(ctx, true); err != nil {
			return nil, err
		}
		tok, err = parse(raw, set)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return decode(tok), nil
}

func parse(raw string, set jwk.Set) (jwt.Token, error) {
	return jwt.ParseString(raw,
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(5*time.Second),
	)
}

// isUnknownKey reports whether raw is signed with a kid missing from set.
func isUnknownKey(raw string, set jwk.Set) bool {
	msg, err := jws.ParseString(raw)
	if err != nil || len(msg.Signatures()) == 0 {
		return false
	}
	kid := msg.Signatures()[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return false
	}
	_, found := set.LookupKeyID(kid)
	return !found
}

func (v *Verifier) keySet(ctx context.Context, refresh bool) (jwk.Set, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.set != nil && !refresh {
		return v.set, nil
	}
	set, err := jwk.Fetch(ctx, v.jwksURL, jwk.WithHTTPClient(v.client))
	if err != nil {
		return nil, fmt.Errorf("verifier: failed to fetch key set: %w", err)
	}
	v.set = set
	return set, nil
}

func decode(tok jwt.Token) *Claims {
	c := &Claims{
		Issuer:    tok.Issuer(),
		Subject:   tok.Subject(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}
	raw, ok := tok.Get("session")
	if !ok {
		return c
	}
	s, ok := raw.(map[string]interface{})
	if !ok {
		return c
	}
	c.Session = s
	c.SessionID, _ = s["id"].(string)
	if ident, ok := s["identity"].(map[string]interface{}); ok {
		if traits, ok := ident["traits"].(map[string]interface{}); ok {
			c.Email, _ = traits["email"].(string)
			c.Name, _ = traits["name"].(string)
		}
	}
	return c
}
