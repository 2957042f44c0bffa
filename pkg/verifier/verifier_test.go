package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksServer serves the key set of whichever signer current points at.
func jwksServer(t *testing.T, current *atomic.Pointer[token.Signer], hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		current.Load().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signed(t *testing.T, signer *token.Signer, ttl time.Duration) string {
	t.Helper()
	tr := token.NewTranslator(nil, signer, token.Options{TTL: ttl}, logging.NewTestLogger())
	now := time.Now()
	claims, err := tr.Claims(&session.Session{
		ID:     "sess-1",
		Active: true,
		Identity: session.Identity{
			ID:     "ident-1",
			Traits: session.Traits{Email: "alice@example.com", Name: "Alice"},
		},
		ExpiresAt: now.Add(time.Hour),
	}, "http://proxy.local/.ory", now)
	require.NoError(t, err)
	raw, err := signer.Sign(claims)
	require.NoError(t, err)
	return raw
}

func newSigner(t *testing.T) *token.Signer {
	t.Helper()
	s, err := token.GenerateSigner()
	require.NoError(t, err)
	return s
}

func TestVerify(t *testing.T) {
	var current atomic.Pointer[token.Signer]
	var hits atomic.Int32
	signer := newSigner(t)
	current.Store(signer)
	v := New(jwksServer(t, &current, &hits).URL)

	claims, err := v.VerifyHeader(context.Background(), "Bearer "+signed(t, signer, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "ident-1", claims.Subject)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "http://proxy.local/.ory", claims.Issuer)

	_, err = v.Verify(context.Background(), signed(t, signer, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "key set is cached")
}

func TestVerify_Rejects(t *testing.T) {
	var current atomic.Pointer[token.Signer]
	var hits atomic.Int32
	signer := newSigner(t)
	current.Store(signer)
	v := New(jwksServer(t, &current, &hits).URL)

	expired := signed(t, signer, -time.Minute)
	forged := signed(t, newSigner(t), time.Minute)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"no header", "", ErrMissingToken},
		{"not bearer", "Basic Zm9vOmJhcg==", ErrMissingToken},
		{"garbage", "Bearer not-a-jwt", ErrInvalidToken},
		{"expired", "Bearer " + expired, ErrInvalidToken},
		{"foreign key", "Bearer " + forged, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyHeader(context.Background(), tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_RefetchesOnUnknownKey(t *testing.T) {
	var current atomic.Pointer[token.Signer]
	var hits atomic.Int32
	current.Store(newSigner(t))
	v := New(jwksServer(t, &current, &hits).URL)

	_, err := v.Verify(context.Background(), signed(t, current.Load(), time.Minute))
	require.NoError(t, err)

	rotated := newSigner(t)
	current.Store(rotated)
	_, err = v.Verify(context.Background(), signed(t, rotated, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	var current atomic.Pointer[token.Signer]
	var hits atomic.Int32
	current.Store(newSigner(t))
	v := New(jwksServer(t, &current, &hits).URL)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "ident-1",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
