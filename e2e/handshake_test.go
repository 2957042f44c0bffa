package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ideamans/idgate/cmd/idgate/cmd/server"
	"github.com/ideamans/idgate/e2e/testserver"
	"github.com/ideamans/idgate/pkg/cliauth"
	"github.com/ideamans/idgate/pkg/handshake"
	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/ideamans/idgate/pkg/middleware/factory"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/ideamans/idgate/pkg/verifier"
	"github.com/ideamans/idgate/pkg/webdriver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authHelperEnv = "IDGATE_E2E_AUTH"

// TestMain re-executes the test binary as `idgate auth --no-browser`.
func TestMain(m *testing.M) {
	if os.Getenv(authHelperEnv) != "" {
		os.Exit(runAuth())
	}
	os.Exit(m.Run())
}

func runAuth() int {
	ctx := context.Background()
	env, err := cliauth.LoadEnv(ctx)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}
	if _, err := cliauth.LoginAndWait(ctx, cliauth.Options{Env: *env, NoBrowser: true, Output: os.Stderr}); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 1
	}
	return 0
}

type stack struct {
	proxy *httptest.Server
	app   *httptest.Server
}

// startStack runs an application behind an embedded-mode proxy.
func startStack(t *testing.T) *stack {
	t.Helper()
	logger := logging.NewTestLogger()

	proxySrv := httptest.NewUnstartedServer(nil)
	proxyURL := "http://" + proxySrv.Listener.Addr().String()

	v := verifier.New(proxyURL + "/.ory/jwks.json")
	app := httptest.NewServer(testserver.Handler(v))
	t.Cleanup(app.Close)

	cfg, err := server.LoadConfig("", func(c *config.Config) {
		c.Upstream.URL = app.URL
		c.Server.DefaultRedirectURL = app.URL + "/home"
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	manager, err := server.NewManager(cfg, func() (*config.Config, error) { return cfg, nil }, factory.NewTestingFactory(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	proxySrv.Config.Handler = manager.Handler()
	proxySrv.Start()
	t.Cleanup(proxySrv.Close)
	return &stack{proxy: proxySrv, app: app}
}

func (s *stack) call(t *testing.T, sessionToken string) testserver.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.proxy.URL+"/dashboard", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if sessionToken != "" {
		req.Header.Set("X-Session-Token", sessionToken)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var body testserver.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func handshakeWith(t *testing.T, s *stack, driver webdriver.Driver) (*handshake.Controller, string) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "credentials.json")
	c, err := handshake.New(handshake.Config{
		Command:    os.Args[0],
		APIURL:     s.proxy.URL + "/.ory",
		ConsoleURL: s.proxy.URL + "/.ory",
		ConfigPath: configPath,
		Env:        []string{authHelperEnv + "=1"},
		Driver:     driver,
		Logger:     logging.NewTestLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, configPath
}

func TestCLIHandshake_E2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}
	s := startStack(t)

	anonymous := s.call(t, "")
	assert.False(t, anonymous.Authenticated)

	c, configPath := handshakeWith(t, s, &webdriver.FormDriver{
		Email:    "Operator@Example.com",
		Password: "correct-horse-battery",
		Register: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StateSucceeded, res.State)
	assert.Contains(t, res.ConsoleURL, s.proxy.URL+"/.ory/oauth2/auth?")

	creds, err := cliauth.ReadCredentials(configPath)
	require.NoError(t, err)
	assert.Equal(t, "operator@example.com", creds.Identity.Email)
	assert.Equal(t, s.proxy.URL+"/.ory", creds.APIURL)

	me := s.call(t, creds.SessionToken)
	assert.True(t, me.Authenticated, me.Error)
	assert.Equal(t, creds.Identity.ID, me.Subject)
	assert.Equal(t, "operator@example.com", me.Email)
	assert.Equal(t, s.proxy.URL+"/.ory", me.Issuer)

	require.NoError(t, c.Close())
	_, err = os.Stat(configPath)
	assert.True(t, os.IsNotExist(err))

	// a second handshake signs in with the identity created above
	again, againPath := handshakeWith(t, s, &webdriver.FormDriver{
		Email:    "operator@example.com",
		Password: "correct-horse-battery",
	})
	res, err = again.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, handshake.StateSucceeded, res.State)
	second, err := cliauth.ReadCredentials(againPath)
	require.NoError(t, err)
	assert.Equal(t, creds.Identity.ID, second.Identity.ID)
	assert.NotEqual(t, creds.SessionToken, second.SessionToken)
}

func TestCLIHandshake_WrongPassword(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}
	s := startStack(t)

	c, _ := handshakeWith(t, s, &webdriver.FormDriver{
		Email:    "nobody@example.com",
		Password: "not-the-password",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := c.Run(ctx)
	assert.ErrorIs(t, err, handshake.ErrDriver)
	assert.Equal(t, handshake.StateFailed, res.State)
}
