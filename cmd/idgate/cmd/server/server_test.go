package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/ideamans/idgate/pkg/middleware/factory"
	"github.com/ideamans/idgate/pkg/shared/filewatcher"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, upstream string, protect ...string) {
	t.Helper()
	content := fmt.Sprintf(`
service:
  name: "Test Service"
upstream:
  url: %q
kvs:
  default:
    type: memory
protect:
  paths: [%s]
logging:
  level: debug
`, upstream, strings.Join(protect, ", "))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "app")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, path string) *Manager {
	t.Helper()
	load := func() (*config.Config, error) { return LoadConfig(path, nil) }
	cfg, err := load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	m, err := NewManager(cfg, load, factory.NewTestingFactory(), logging.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func status(t *testing.T, h http.Handler, target string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("", func(c *config.Config) {
		c.Upstream.URL = "http://localhost:3000"
		c.Server.Development = true
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Upstream.URL)
	assert.Equal(t, "/.ory", cfg.Server.Prefix)
	assert.True(t, cfg.Server.Development)
	assert.NoError(t, cfg.Validate())

	path := filepath.Join(t.TempDir(), "idgate.yaml")
	writeConfig(t, path, "http://from-file:8080")
	cfg, err = LoadConfig(path, func(c *config.Config) { c.Server.RewriteHost = true })
	require.NoError(t, err)
	assert.Equal(t, "http://from-file:8080", cfg.Upstream.URL)
	assert.True(t, cfg.Server.RewriteHost)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func TestFormatConfigError(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.Mode = "mesh"
	err := formatConfigError(cfg.Validate())
	assert.Contains(t, err.Error(), "Configuration validation failed with 2 error(s)")
	assert.Contains(t, err.Error(), "1. ")
	assert.Contains(t, err.Error(), "upstream.url is required")

	err = formatConfigError(fmt.Errorf("%w: idgate.yaml", config.ErrConfigFileNotFound))
	assert.Contains(t, err.Error(), "--config")
}

func TestManager_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idgate.yaml")
	writeConfig(t, path, appServer(t).URL)
	m := newManager(t, path)
	h := m.Handler()
	kid := m.Signer().KeyID()

	assert.Equal(t, http.StatusOK, status(t, h, "/private/page"))
	assert.Equal(t, http.StatusOK, status(t, h, "/ready"))

	writeConfig(t, path, appServer(t).URL, `"/private"`)
	m.OnFileChange(filewatcher.ChangeEvent{Path: path, Timestamp: time.Now()})
	assert.Equal(t, http.StatusUnauthorized, status(t, h, "/private/page"))
	assert.Equal(t, kid, m.Signer().KeyID())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.ory/jwks.json", nil))
	var set struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, kid, set.Keys[0]["kid"])
}

func TestManager_InvalidReloadKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idgate.yaml")
	writeConfig(t, path, appServer(t).URL, `"/private"`)
	m := newManager(t, path)

	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  url: \"\"\n"), 0o644))
	m.OnFileChange(filewatcher.ChangeEvent{Path: path})
	assert.Equal(t, http.StatusUnauthorized, status(t, m.Handler(), "/private/page"))

	m.OnFileChange(filewatcher.ChangeEvent{Path: path, Error: fmt.Errorf("watch failed")})
	assert.Equal(t, http.StatusUnauthorized, status(t, m.Handler(), "/private/page"))
}

func TestManager_DrainingSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idgate.yaml")
	writeConfig(t, path, appServer(t).URL)
	m := newManager(t, path)

	m.SetDraining()
	assert.Equal(t, http.StatusServiceUnavailable, status(t, m.Handler(), "/ready"))

	writeConfig(t, path, appServer(t).URL, `"/admin"`)
	m.Reload()
	assert.Equal(t, http.StatusServiceUnavailable, status(t, m.Handler(), "/ready"))
	assert.Equal(t, http.StatusUnauthorized, status(t, m.Handler(), "/admin"))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_DevelopmentEchoUpstream(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			Host:    "127.0.0.1",
			Port:    port,
			Apply:   func(c *config.Config) { c.Server.Development = true },
			Factory: factory.NewTestingFactory(),
			Logger:  logging.NewTestLogger(),
		})
	}()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		res, err := http.Get(base + "/ready")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, base+"/hello?x=1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer forged")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var echoed echoResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&echoed))
	res.Body.Close()
	assert.Equal(t, "/hello", echoed.Path)
	assert.Equal(t, "x=1", echoed.Query)
	assert.Empty(t, echoed.Headers["Authorization"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	err := Run(context.Background(), Config{
		Host:   "127.0.0.1",
		Port:   freePort(t),
		Logger: logging.NewTestLogger(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.url is required")
}
