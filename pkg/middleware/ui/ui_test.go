package ui

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ideamans/idgate/pkg/middleware/auth/oauth2"
	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/ideamans/idgate/pkg/middleware/flow"
	"github.com/ideamans/idgate/pkg/middleware/identity"
	"github.com/ideamans/idgate/pkg/middleware/ratelimit"
	"github.com/ideamans/idgate/pkg/middleware/routing"
	"github.com/ideamans/idgate/pkg/middleware/session"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPassword = "correct-horse-battery"
	cookieName   = "idgate_session_local"
)

type testEnv struct {
	server   *httptest.Server
	provider *identity.LocalProvider
	tickets  kvs.Store
}

func memStore(t *testing.T) kvs.Store {
	t.Helper()
	s, err := kvs.NewMemoryStore("", kvs.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	provider, err := identity.NewLocalProvider(memStore(t), memStore(t), identity.Config{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	tickets := memStore(t)

	opts := Options{
		Policy:   &routing.Embedded{Prefix: "/.ory"},
		Provider: provider,
		Flows:    flow.NewStore(memStore(t), flow.DefaultLifespan, flow.CookieOptions{}),
		Tickets:  tickets,
		Cookie:   CookieOptions{Name: cookieName, SameSite: http.SameSiteLaxMode},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := New(opts, logging.NewTestLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, provider: provider, tickets: tickets}
}

// client follows redirects within the test server only.
func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	base, _ := url.Parse(e.server.URL)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Host != base.Host {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

func (e *testEnv) url(path string) string {
	return e.server.URL + "/.ory" + path
}

func readDoc(t *testing.T, res *http.Response) *goquery.Document {
	t.Helper()
	defer res.Body.Close()
	doc, err := goquery.NewDocumentFromReader(res.Body)
	require.NoError(t, err)
	return doc
}

// submit posts fields to the form matched by selector on doc.
func submit(t *testing.T, c *http.Client, doc *goquery.Document, selector string, fields url.Values) *http.Response {
	t.Helper()
	form := doc.Find(selector)
	require.Equal(t, 1, form.Length(), "form %s not found", selector)
	action, ok := form.Attr("action")
	require.True(t, ok)
	values := url.Values{}
	form.Find(`input[type="hidden"]`).Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		value, _ := s.Attr("value")
		values.Set(name, value)
	})
	for k, v := range fields {
		values[k] = v
	}
	res, err := c.PostForm(action, values)
	require.NoError(t, err)
	return res
}

func (e *testEnv) register(t *testing.T, c *http.Client, email string) *http.Response {
	t.Helper()
	res, err := c.Get(e.url(PathRegBrowser))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := readDoc(t, res)
	return submit(t, c, doc, `form[data-testid="registration-form"]`, url.Values{
		"traits.email": {email},
		"password":     {testPassword},
	})
}

func (e *testEnv) login(t *testing.T, c *http.Client, start, email, password string) *http.Response {
	t.Helper()
	res, err := c.Get(start)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	doc := readDoc(t, res)
	return submit(t, c, doc, `form[data-testid="login-form"]`, url.Values{
		"identifier": {email},
		"password":   {password},
	})
}

func whoami(t *testing.T, c *http.Client, target string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := c.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func TestRegistration_SignsInAndShowsWelcome(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)

	res := env.register(t, c, "Alice@Example.com")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/.ory"+PathWelcome, res.Request.URL.Path)

	doc := readDoc(t, res)
	assert.Equal(t, "alice@example.com", doc.Find(`[data-testid="identity-email"]`).Text())
	logout := doc.Find(`[data-testid="logout"] a`)
	assert.Equal(t, "true", logout.AttrOr("aria-disabled", ""))
	assert.Equal(t, env.url(PathLogoutBrowser), logout.AttrOr("data-logout-endpoint", ""))

	status, body := whoami(t, c, env.url(PathWhoami), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["active"])
}

func TestRegistration_DuplicateEmailKeepsFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.register(t, env.client(t), "dup@example.com")
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	c := env.client(t)
	res = env.register(t, c, "dup@example.com")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	doc := readDoc(t, res)
	assert.Contains(t, doc.Find(`[data-testid="ui/message/error"]`).Text(), "exists already")
	assert.Equal(t, "dup@example.com", doc.Find(`input[name="traits.email"]`).AttrOr("value", ""))
	assert.Empty(t, doc.Find(`input[name="password"]`).AttrOr("value", ""))
}

func TestRegistration_WeakPassword(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	res, err := c.Get(env.url(PathRegBrowser))
	require.NoError(t, err)
	res = submit(t, c, readDoc(t, res), `form[data-testid="registration-form"]`, url.Values{
		"traits.email": {"weak@example.com"},
		"password":     {"short"},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, readDoc(t, res).Find(`[data-testid="ui/message/error"]`).Text(), "too short")
}

func TestRegistration_CTALinkLeadsToLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	res, err := c.Get(env.url(PathRegBrowser))
	require.NoError(t, err)
	href := readDoc(t, res).Find(`[data-testid="cta-link"]`).AttrOr("href", "")
	require.NotEmpty(t, href)

	res, err = c.Get(href)
	require.NoError(t, err)
	assert.Equal(t, "/.ory"+PathLogin, res.Request.URL.Path)
	assert.Equal(t, 1, readDoc(t, res).Find(`form[data-testid="login-form"]`).Length())
}

func TestLogin_InvalidThenValidCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, env.client(t), "bob@example.com").Body.Close()

	c := env.client(t)
	res := env.login(t, c, env.url(PathLoginBrowser), "bob@example.com", "wrong-password")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	doc := readDoc(t, res)
	assert.Contains(t, doc.Find(`[data-testid="ui/message/error"]`).Text(), "credentials are invalid")

	res = submit(t, c, doc, `form[data-testid="login-form"]`, url.Values{
		"identifier": {"bob@example.com"},
		"password":   {testPassword},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/.ory"+PathWelcome, res.Request.URL.Path)
	assert.Equal(t, "bob@example.com", readDoc(t, res).Find(`[data-testid="identity-email"]`).Text())
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Limiter = ratelimit.NewLimiter(2, time.Minute, memStore(t))
	})
	c := env.client(t)
	start := env.url(PathLoginBrowser)

	for i := 0; i < 2; i++ {
		res := env.login(t, c, start, "carol@example.com", "nope-nope")
		assert.Equal(t, http.StatusBadRequest, res.StatusCode)
		res.Body.Close()
	}
	res := env.login(t, c, start, "carol@example.com", "nope-nope")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Contains(t, readDoc(t, res).Find(`[data-testid="ui/message/error"]`).Text(), "Too many")
}

func TestFlowPage_ForeignFlowIsReplaced(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.client(t)
	res, err := a.Get(env.url(PathLoginBrowser))
	require.NoError(t, err)
	res.Body.Close()
	foreign := res.Request.URL.Query().Get("flow")
	require.NotEmpty(t, foreign)

	b := env.client(t)
	res, err = b.Get(env.url(PathLogin) + "?flow=" + foreign)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	own := res.Request.URL.Query().Get("flow")
	assert.NotEmpty(t, own)
	assert.NotEqual(t, foreign, own)
}

func TestFlowPage_SignedInUserIsRedirected(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.DefaultRedirectURL = "http://app.example.com/home" })
	c := env.client(t)
	res := env.register(t, c, "dana@example.com")
	res.Body.Close()
	require.Equal(t, "http://app.example.com/home", res.Header.Get("Location"))

	res, err := c.Get(env.url(PathLogin))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "http://app.example.com/home", res.Header.Get("Location"))
}

func TestWhoami(t *testing.T) {
	env := newTestEnv(t, nil)
	anonymous := env.client(t)
	status, body := whoami(t, anonymous, env.url(PathWhoami), nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["error"])

	c := env.client(t)
	env.register(t, c, "erin@example.com").Body.Close()
	base, _ := url.Parse(env.server.URL)
	var token string
	for _, ck := range c.Jar.Cookies(base) {
		if ck.Name == cookieName {
			token = ck.Value
		}
	}
	require.NotEmpty(t, token)

	status, body = whoami(t, anonymous, env.url(PathWhoami), http.Header{"X-Session-Token": {token}})
	assert.Equal(t, http.StatusOK, status)
	identityBody := body["identity"].(map[string]any)
	assert.Equal(t, "erin@example.com", identityBody["traits"].(map[string]any)["email"])
	assert.NotContains(t, body, "token")

	status, _ = whoami(t, anonymous, env.url(PathWhoami), http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, status)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.register(t, c, "frank@example.com").Body.Close()

	res, err := c.Get(env.url(PathLogout) + "?token=forged")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	status, _ := whoami(t, c, env.url(PathWhoami), nil)
	require.Equal(t, http.StatusOK, status, "a forged logout token must not revoke the session")

	status, body := whoami(t, c, env.url(PathLogoutBrowser), nil)
	require.Equal(t, http.StatusOK, status)
	logoutURL := body["logout_url"].(string)
	assert.True(t, strings.HasPrefix(logoutURL, env.url(PathLogout)+"?token="))

	res, err = c.Get(logoutURL)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "/.ory"+PathLogin, res.Request.URL.Path)

	status, _ = whoami(t, c, env.url(PathWhoami), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = whoami(t, c, env.url(PathLogoutBrowser), nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLogout_TicketBoundToSession(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.client(t)
	env.register(t, a, "gina@example.com").Body.Close()
	_, body := whoami(t, a, env.url(PathLogoutBrowser), nil)

	b := env.client(t)
	env.register(t, b, "hank@example.com").Body.Close()
	res, err := b.Get(body["logout_url"].(string))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	status, _ := whoami(t, b, env.url(PathWhoami), nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSessionsPage_ReturnsAfterLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, env.client(t), "ivy@example.com").Body.Close()

	c := env.client(t)
	res := env.login(t, c, env.url(PathSessions), "ivy@example.com", testPassword)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/.ory"+PathSessions, res.Request.URL.Path)

	var s map[string]any
	content := readDoc(t, res).Find(`[data-testid="session-content"]`).Text()
	require.NoError(t, json.Unmarshal([]byte(content), &s))
	assert.Equal(t, "ivy@example.com", s["identity"].(map[string]any)["traits"].(map[string]any)["email"])
}

func TestWelcome_Anonymous(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.client(t).Get(env.url(PathWelcome))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Security-Policy"), "'nonce-")
	assert.Equal(t, "DENY", res.Header.Get("X-Frame-Options"))
	doc := readDoc(t, res)
	assert.Equal(t, 0, doc.Find(`[data-testid="logout"]`).Length())
	assert.Equal(t, env.url(PathLoginBrowser), doc.Find(`[data-testid="login-link"]`).AttrOr("href", ""))
}

func TestUnknownPath(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := env.client(t).Get(env.url("/ui/nope"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestSafeReturnTo(t *testing.T) {
	h, err := New(Options{
		Policy:             &routing.Embedded{Prefix: "/.ory"},
		Provider:           &identity.LocalProvider{},
		Flows:              &flow.Store{},
		Tickets:            memStore(t),
		DefaultRedirectURL: "https://app.example.com/",
	}, logging.NewTestLogger())
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "http://proxy.local:4000/.ory/ui/login", nil)
	cases := map[string]string{
		"/dashboard":                    "http://proxy.local:4000/dashboard",
		"http://proxy.local:4000/x":     "http://proxy.local:4000/x",
		"https://app.example.com/after": "https://app.example.com/after",
		"https://evil.example.com/":     "",
		"//evil.example.com/":           "",
		"javascript:alert(1)":           "",
		"relative/path":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, h.safeReturnTo(r, in), in)
	}
}

// idp is a minimal authorization server for social sign-in.
func idp(t *testing.T) *httptest.Server {
	t.Helper()
	return idpWithProfile(t, `{"sub":"gh-7","email":"social@example.com","email_verified":true,"name":"Social User"}`)
}

func idpWithProfile(t *testing.T, profile string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, profile)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func withSocial(t *testing.T, idpURL string) func(*Options) {
	return func(o *Options) {
		p, err := oauth2.New(config.OAuth2Provider{
			ID:          "acme",
			Type:        "custom",
			ClientID:    "client",
			AuthURL:     idpURL + "/authorize",
			TokenURL:    idpURL + "/token",
			UserInfoURL: idpURL + "/userinfo",
		})
		require.NoError(t, err)
		m := oauth2.NewManager()
		m.AddProvider(p)
		o.OAuth2 = m
	}
}

// startSocialLogin clicks the provider button and returns the authorize URL.
func startSocialLogin(t *testing.T, env *testEnv, c *http.Client) *url.URL {
	t.Helper()
	res, err := c.Get(env.url(PathLoginBrowser))
	require.NoError(t, err)
	doc := readDoc(t, res)
	require.Equal(t, "acme", doc.Find(`[data-testid="social-acme"]`).AttrOr("value", ""))
	res = submit(t, c, doc, `form[data-testid="social-form"]`, url.Values{"provider": {"acme"}})
	res.Body.Close()
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	authURL, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	return authURL
}

func TestSocialLogin_RoundTrip(t *testing.T) {
	provider := idp(t)
	env := newTestEnv(t, withSocial(t, provider.URL))
	c := env.client(t)

	providerURL, err := url.Parse(provider.URL)
	require.NoError(t, err)
	proxyURL, err := url.Parse(env.server.URL)
	require.NoError(t, err)

	authURL := startSocialLogin(t, env, c)
	assert.Equal(t, providerURL.Host, authURL.Host)
	assert.Equal(t, "/authorize", authURL.Path)
	redirectURI := authURL.Query().Get("redirect_uri")
	assert.Equal(t, env.url(PathOIDCCallback+"acme"), redirectURI)

	res, err := c.Get(redirectURI + "?code=good-code&state=" + url.QueryEscape(authURL.Query().Get("state")))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, proxyURL.Host, res.Request.URL.Host)
	assert.Equal(t, "/.ory"+PathWelcome, res.Request.URL.Path)
	assert.Equal(t, "social@example.com", readDoc(t, res).Find(`[data-testid="identity-email"]`).Text())

	_, body := whoami(t, c, env.url(PathWhoami), nil)
	methods := body["authentication_methods"].([]any)
	assert.Equal(t, "oidc", methods[0].(map[string]any)["method"])
	assert.Equal(t, "acme", methods[0].(map[string]any)["provider"])
}

func TestSocialLogin_UnverifiedEmailCannotTakeOverAccount(t *testing.T) {
	provider := idpWithProfile(t, `{"sub":"attacker-sub","email":"victim@example.com","email_verified":false}`)
	env := newTestEnv(t, withSocial(t, provider.URL))
	victim, err := env.provider.Register(context.Background(), session.Traits{Email: "victim@example.com"}, testPassword)
	require.NoError(t, err)
	c := env.client(t)

	authURL := startSocialLogin(t, env, c)
	res, err := c.Get(authURL.Query().Get("redirect_uri") + "?code=good-code&state=" + url.QueryEscape(authURL.Query().Get("state")))
	require.NoError(t, err)
	assert.Equal(t, "/.ory"+PathLogin, res.Request.URL.Path)
	assert.Contains(t, readDoc(t, res).Find(`[data-testid="ui/message/error"]`).Text(), "failed")

	status, _ := whoami(t, c, env.url(PathWhoami), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// the victim still owns the account and the password keeps working
	ident, err := env.provider.Authenticate(context.Background(), "victim@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, victim.ID, ident.ID)
}

func TestSocialLogin_StateMismatch(t *testing.T) {
	provider := idp(t)
	env := newTestEnv(t, withSocial(t, provider.URL))
	c := env.client(t)

	authURL := startSocialLogin(t, env, c)
	res, err := c.Get(authURL.Query().Get("redirect_uri") + "?code=good-code&state=forged")
	require.NoError(t, err)
	assert.Equal(t, "/.ory"+PathLogin, res.Request.URL.Path)
	assert.Contains(t, readDoc(t, res).Find(`[data-testid="ui/message/error"]`).Text(), "failed")

	status, _ := whoami(t, c, env.url(PathWhoami), nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSocialLogin_ProviderError(t *testing.T) {
	provider := idp(t)
	env := newTestEnv(t, withSocial(t, provider.URL))
	c := env.client(t)

	authURL := startSocialLogin(t, env, c)
	res, err := c.Get(authURL.Query().Get("redirect_uri") + "?error=access_denied&state=" + url.QueryEscape(authURL.Query().Get("state")))
	require.NoError(t, err)
	assert.Equal(t, "/.ory"+PathLogin, res.Request.URL.Path)
	assert.Contains(t, readDoc(t, res).Find(`[data-testid="ui/message/error"]`).Text(), "failed")
}

func pkce(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeURL(env *testEnv, challenge string) string {
	q := url.Values{
		"client_id":             {"idgate-cli"},
		"redirect_uri":          {"http://127.0.0.1:9/callback"},
		"state":                 {"cli-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"response_type":         {"code"},
	}
	return env.url(PathOAuth2Auth) + "?" + q.Encode()
}

func TestCLIAuthorization_RoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, env.client(t), "cli@example.com").Body.Close()
	verifier := strings.Repeat("v", 43)

	c := env.client(t)
	res := env.login(t, c, authorizeURL(env, pkce(verifier)), "cli@example.com", testPassword)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/.ory"+PathOAuth2Auth, res.Request.URL.Path)
	doc := readDoc(t, res)
	require.Equal(t, 1, doc.Find(`[data-testid="consent-deny"]`).Length())

	res = submit(t, c, doc, `form`, url.Values{"consent": {"allow"}})
	res.Body.Close()
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	callback, err := url.Parse(res.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9", callback.Host)
	assert.Equal(t, "cli-state", callback.Query().Get("state"))
	code := callback.Query().Get("code")
	require.NotEmpty(t, code)

	exchange := func(v string) (int, map[string]any) {
		res, err := http.PostForm(env.url(PathOAuth2Token), url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"code_verifier": {v},
			"redirect_uri":  {"http://127.0.0.1:9/callback"},
			"client_id":     {"idgate-cli"},
		})
		require.NoError(t, err)
		defer res.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
		return res.StatusCode, body
	}

	status, body := exchange(verifier)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bearer", body["token_type"])
	token := body["access_token"].(string)

	status, body = exchange(verifier)
	assert.Equal(t, http.StatusBadRequest, status, "codes are single use")
	assert.Equal(t, "invalid_grant", body["error"])

	status, body = whoami(t, http.DefaultClient, env.url(PathWhoami), http.Header{"X-Session-Token": {token}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cli@example.com", body["identity"].(map[string]any)["traits"].(map[string]any)["email"])
}

func TestCLIAuthorization_WrongVerifier(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.register(t, c, "cli2@example.com").Body.Close()

	res, err := c.Get(authorizeURL(env, pkce("right-verifier-right-verifier-right-verifier")))
	require.NoError(t, err)
	res = submit(t, c, readDoc(t, res), `form`, url.Values{"consent": {"allow"}})
	res.Body.Close()
	callback, _ := url.Parse(res.Header.Get("Location"))

	res, err = http.PostForm(env.url(PathOAuth2Token), url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {callback.Query().Get("code")},
		"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
		"redirect_uri":  {"http://127.0.0.1:9/callback"},
		"client_id":     {"idgate-cli"},
	})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCLIAuthorization_Deny(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.client(t)
	env.register(t, c, "cli3@example.com").Body.Close()

	res, err := c.Get(authorizeURL(env, pkce("x")))
	require.NoError(t, err)
	res = submit(t, c, readDoc(t, res), `form`, url.Values{"consent": {"deny"}})
	res.Body.Close()
	callback, _ := url.Parse(res.Header.Get("Location"))
	assert.Equal(t, "access_denied", callback.Query().Get("error"))
	assert.Empty(t, callback.Query().Get("code"))
}

func TestCLIAuthorization_RejectsNonLoopbackRedirect(t *testing.T) {
	env := newTestEnv(t, nil)
	u := strings.Replace(authorizeURL(env, pkce("x")), url.QueryEscape("http://127.0.0.1:9/callback"), url.QueryEscape("https://evil.example.com/cb"), 1)
	res, err := env.client(t).Get(u)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
