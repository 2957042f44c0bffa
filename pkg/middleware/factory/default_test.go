package factory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/ideamans/idgate/pkg/middleware/routing"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(upstream string) *config.Config {
	cfg := &config.Config{Upstream: config.UpstreamConfig{URL: upstream}}
	config.ApplyDefaults(cfg)
	return cfg
}

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":          r.URL.Path,
			"authorization": r.Header.Get("Authorization"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func TestCreateKVSStores_SharedBackend(t *testing.T) {
	f := NewDefaultFactory(nil)
	stores, err := f.CreateKVSStores(testConfig("http://app"))
	require.NoError(t, err)
	defer stores.Close()

	ctx := context.Background()
	require.NoError(t, stores.Session.Set(ctx, "k", []byte("session"), time.Minute))
	require.NoError(t, stores.Flow.Set(ctx, "k", []byte("flow"), time.Minute))

	got, err := stores.Session.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "session", string(got))
	got, err = stores.Flow.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "flow", string(got))

	ok, err := stores.Ticket.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, stores.backends, 1)
}

func TestCreateKVSStores_DedicatedRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig("http://app")
	cfg.KVS.Session = &kvs.Config{Type: "redis", Namespace: "sessions", Redis: kvs.RedisConfig{Addr: mr.Addr()}}

	stores, err := NewDefaultFactory(nil).CreateKVSStores(cfg)
	require.NoError(t, err)

	require.NoError(t, stores.Session.Set(context.Background(), "tok", []byte("v"), time.Minute))
	assert.NotEmpty(t, mr.Keys())
	assert.Len(t, stores.backends, 2)
	require.NoError(t, stores.Close())
}

func TestCreateKVSStores_BadBackend(t *testing.T) {
	cfg := testConfig("http://app")
	cfg.KVS.Flow = &kvs.Config{Type: "etcd"}
	_, err := NewDefaultFactory(nil).CreateKVSStores(cfg)
	assert.ErrorContains(t, err, "flow KVS")
}

func TestCreatePolicy(t *testing.T) {
	f := NewDefaultFactory(nil)

	embedded := testConfig("http://app.local:3000")
	embedded.Server.RewriteHost = true
	p, err := f.CreatePolicy(embedded)
	require.NoError(t, err)
	assert.Equal(t, &routing.Embedded{Prefix: "/.ory", RewriteHost: true}, p)

	tunnel := testConfig("http://app.local:3000")
	tunnel.Server.Mode = config.ModeTunnel
	tunnel.Server.PublicURL = "http://localhost:4000"
	p, err = f.CreatePolicy(tunnel)
	require.NoError(t, err)
	require.IsType(t, &routing.Tunnel{}, p)
	assert.Equal(t, "http://app.local:3000", p.(*routing.Tunnel).AfterFlow())

	tunnel.Server.DefaultRedirectURL = "http://app.local:3000/dashboard"
	p, err = f.CreatePolicy(tunnel)
	require.NoError(t, err)
	assert.Equal(t, "http://app.local:3000/dashboard", p.(*routing.Tunnel).AfterFlow())

	bad := testConfig("http://app")
	bad.Server.Mode = "mesh"
	_, err = f.CreatePolicy(bad)
	assert.ErrorIs(t, err, config.ErrInvalidMode)
}

func TestCreateOAuth2Manager(t *testing.T) {
	m, err := NewDefaultFactory(nil).CreateOAuth2Manager(config.OAuth2Config{Providers: []config.OAuth2Provider{
		{ID: "google", Type: "google", ClientID: "id", ClientSecret: "secret"},
		{ID: "github", Type: "github", ClientID: "id", ClientSecret: "secret", Disabled: true},
	}})
	require.NoError(t, err)
	require.Len(t, m.GetProviders(), 1)
	assert.Equal(t, "google", m.GetProviders()[0].ID())
}

func TestCreateMiddleware_Local(t *testing.T) {
	f := NewTestingFactory()
	cfg := testConfig(upstream(t).URL)
	stores, err := f.CreateKVSStores(cfg)
	require.NoError(t, err)
	defer stores.Close()
	signer, err := f.CreateSigner(cfg.JWT)
	require.NoError(t, err)

	mw, err := f.CreateMiddleware(cfg, stores, signer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "app:"+r.Header.Get("Authorization"))
	}))
	require.NoError(t, err)
	mw.SetReady()
	srv := httptest.NewServer(mw)
	defer srv.Close()

	res, err := noRedirect().Get(srv.URL + "/.ory/ui/login")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Contains(t, res.Header.Get("Location"), "/.ory/ui/login?flow=")

	res, err = http.Get(srv.URL + "/.ory/jwks.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), signer.KeyID())

	res, err = http.Get(srv.URL + "/anything")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "app:", string(body))
}

func TestCreateMiddleware_RemoteProvider(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/whoami":
			if !strings.Contains(r.Header.Get("Cookie"), "idgate_session_local=remote-token") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(session.Session{
				ID:        "sess-1",
				Active:    true,
				Identity:  session.Identity{ID: "ident-1", Traits: session.Traits{Email: "remote@example.com"}},
				ExpiresAt: time.Now().Add(time.Hour),
			})
		default:
			_, _ = io.WriteString(w, "provider:"+r.URL.Path)
		}
	}))
	defer provider.Close()

	f := NewTestingFactory()
	cfg := testConfig(upstream(t).URL)
	cfg.Provider = config.ProviderConfig{Type: config.ProviderRemote, URL: provider.URL}
	stores, err := f.CreateKVSStores(cfg)
	require.NoError(t, err)
	defer stores.Close()
	signer, err := f.CreateSigner(cfg.JWT)
	require.NoError(t, err)

	mw, err := f.CreateMiddleware(cfg, stores, signer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Header.Get("Authorization"))
	}))
	require.NoError(t, err)
	srv := httptest.NewServer(mw)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/.ory/ui/login")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "provider:/ui/login", string(body))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/app", nil)
	req.AddCookie(&http.Cookie{Name: "idgate_session_local", Value: "remote-token"})
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.True(t, strings.HasPrefix(string(body), "Bearer "), string(body))
}

func TestCreateMiddleware_JWTDisabled(t *testing.T) {
	f := NewTestingFactory()
	cfg := testConfig(upstream(t).URL)
	disabled := false
	cfg.JWT.Enabled = &disabled
	stores, err := f.CreateKVSStores(cfg)
	require.NoError(t, err)
	defer stores.Close()
	signer, err := f.CreateSigner(cfg.JWT)
	require.NoError(t, err)

	mw, err := f.CreateMiddleware(cfg, stores, signer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "auth="+r.Header.Get("Authorization"))
	}))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/app", nil)
	req.Header.Set("Authorization", "Bearer forged")
	mw.ServeHTTP(rec, req)
	assert.Equal(t, "auth=", rec.Body.String())
}
