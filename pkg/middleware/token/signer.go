// Package token turns a browser session into a short-lived bearer JWT for
// the upstream application and publishes the verification keys.
package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Signer signs ES256 tokens with one P-256 key. It is immutable.
type Signer struct {
	key    *ecdsa.PrivateKey
	kid    string
	public jwk.Set
}

// NewSigner wraps an existing P-256 key.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, errors.New("token: ES256 requires a P-256 key")
	}

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("token: could not create jwk from key: %w", err)
	}
	thumbprint, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("token: could not create thumbprint: %w", err)
	}
	kid := base64.RawURLEncoding.EncodeToString(thumbprint)

	for k, v := range map[string]interface{}{
		jwk.KeyIDKey:     kid,
		jwk.AlgorithmKey: jwa.ES256,
		jwk.KeyUsageKey:  "sig",
	} {
		if err := pub.Set(k, v); err != nil {
			return nil, fmt.Errorf("token: could not set %s: %w", k, err)
		}
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, fmt.Errorf("token: could not build key set: %w", err)
	}
	return &Signer{key: key, kid: kid, public: set}, nil
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("token: could not generate key: %w", err)
	}
	return NewSigner(key)
}

// LoadSigner reads a PEM encoded EC private key (SEC 1 or PKCS #8).
// An empty path generates an ephemeral key.
func LoadSigner(path string) (*Signer, error) {
	if path == "" {
		return GenerateSigner()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token: failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("token: no PEM block in %s", path)
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return NewSigner(key)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: failed to parse key in %s: %w", path, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("token: key in %s is not an EC key", path)
	}
	return NewSigner(key)
}

// KeyID is the RFC 7638 thumbprint of the public key.
func (s *Signer) KeyID() string {
	return s.kid
}

// Sign serializes claims with the kid header set.
func (s *Signer) Sign(claims jwt.MapClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = s.kid

	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("token: failed to sign: %w", err)
	}
	return signed, nil
}

// PublicKeySet returns the JWKS holding the verification key.
func (s *Signer) PublicKeySet() jwk.Set {
	return s.public
}

// ServeHTTP publishes the JWKS.
func (s *Signer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.public)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(data)
}
