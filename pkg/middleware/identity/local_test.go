package identity

import (
	"context"
	"testing"
	"time"

	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	base, err := kvs.NewMemoryStore("", kvs.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })

	p, err := NewLocalProvider(
		kvs.NewNamespacedStore(base, "identity:"),
		kvs.NewNamespacedStore(base, "session:"),
		Config{BcryptCost: bcrypt.MinCost, SessionLifespan: time.Hour},
	)
	require.NoError(t, err)
	return p
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Alice@Example.com", "alice@example.com", false},
		{"  bob@example.com ", "bob@example.com", false},
		{"", "", true},
		{"not-an-email", "", true},
		{"Alice <alice@example.com>", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeEmail(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEmail)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	id, err := p.Register(ctx, session.Traits{Email: "Alice@Example.com"}, "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, "alice@example.com", id.Traits.Email)

	got, err := p.Authenticate(ctx, "ALICE@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, id.ID, got.ID)

	_, err = p.Authenticate(ctx, "alice@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.Authenticate(ctx, "garbage", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegister_Rejections(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	_, err := p.Register(ctx, session.Traits{Email: "bob@example.com"}, "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = p.Register(ctx, session.Traits{Email: "bob"}, "long enough password")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = p.Register(ctx, session.Traits{Email: "bob@example.com"}, "long enough password")
	require.NoError(t, err)

	_, err = p.Register(ctx, session.Traits{Email: "BOB@example.com"}, "another password")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestFindOrCreateBySocial(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	existing, err := p.Register(ctx, session.Traits{Email: "carol@example.com"}, "password123")
	require.NoError(t, err)

	// links by email to the password account
	linked, err := p.FindOrCreateBySocial(ctx, "github", "gh-1", session.Traits{Email: "Carol@example.com"}, true)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, linked.ID)

	// the link wins even if the provider later reports another email
	again, err := p.FindOrCreateBySocial(ctx, "github", "gh-1", session.Traits{Email: "changed@example.com"}, false)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, again.ID)

	created, err := p.FindOrCreateBySocial(ctx, "google", "g-9", session.Traits{Email: "dave@example.com", Name: "Dave"}, true)
	require.NoError(t, err)
	assert.NotEqual(t, existing.ID, created.ID)
	assert.Equal(t, "Dave", created.Traits.Name)

	// social-only identities cannot sign in with a password
	_, err = p.Authenticate(ctx, "dave@example.com", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.FindOrCreateBySocial(ctx, "google", "", session.Traits{}, true)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestFindOrCreateBySocial_UnverifiedEmail(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	victim, err := p.Register(ctx, session.Traits{Email: "victim@example.com"}, "password123")
	require.NoError(t, err)

	_, err = p.FindOrCreateBySocial(ctx, "acme", "attacker-sub", session.Traits{Email: "victim@example.com"}, false)
	assert.ErrorIs(t, err, ErrUnverifiedEmail)

	// nothing was linked by the rejected attempt
	_, err = p.FindOrCreateBySocial(ctx, "acme", "attacker-sub", session.Traits{Email: "victim@example.com"}, false)
	assert.ErrorIs(t, err, ErrUnverifiedEmail)

	// an unverified address does not create an identity either
	_, err = p.FindOrCreateBySocial(ctx, "acme", "new-sub", session.Traits{Email: "fresh@example.com"}, false)
	assert.ErrorIs(t, err, ErrUnverifiedEmail)
	_, err = p.FindOrCreateBySocial(ctx, "acme", "", session.Traits{Email: "fresh@example.com"}, false)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	linked, err := p.FindOrCreateBySocial(ctx, "acme", "victim-sub", session.Traits{Email: "victim@example.com"}, true)
	require.NoError(t, err)
	assert.Equal(t, victim.ID, linked.ID)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	id, err := p.Register(ctx, session.Traits{Email: "erin@example.com"}, "password123")
	require.NoError(t, err)

	s, err := p.IssueSession(ctx, id, session.AuthenticationMethod{Method: "password"})
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.NotEmpty(t, s.Token)
	assert.NotEqual(t, s.ID, s.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, 5*time.Second)
	require.Len(t, s.AuthenticationMethods, 1)
	assert.False(t, s.AuthenticationMethods[0].CompletedAt.IsZero())

	got, err := p.Whoami(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, id.ID, got.Identity.ID)

	require.NoError(t, p.Revoke(ctx, s.Token))
	_, err = p.Whoami(ctx, s.Token)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	assert.NoError(t, p.Revoke(ctx, ""))
	assert.NoError(t, p.Revoke(ctx, "unknown"))
}

func TestIssueSession_UniqueTokens(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	id := &session.Identity{ID: "x", Traits: session.Traits{Email: "x@example.com"}}

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		s, err := p.IssueSession(ctx, id, session.AuthenticationMethod{Method: "password"})
		require.NoError(t, err)
		assert.False(t, seen[s.Token])
		seen[s.Token] = true
	}
}
