package server

import (
	"fmt"
	"net/http"
	"reflect"
	"sync/atomic"

	"github.com/ideamans/idgate/pkg/middleware/config"
	middleware "github.com/ideamans/idgate/pkg/middleware/core"
	"github.com/ideamans/idgate/pkg/middleware/factory"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/middleware/ui"
	proxy "github.com/ideamans/idgate/pkg/proxy/core"
	"github.com/ideamans/idgate/pkg/shared/filewatcher"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// Manager owns the running identity proxy and replaces it when the
// configuration file changes. Stores and the signing key survive reloads
// so that sessions and issued tokens stay valid.
type Manager struct {
	middleware atomic.Value // *middleware.Middleware
	draining   atomic.Bool

	load    func() (*config.Config, error)
	factory factory.Factory
	stores  *factory.Stores
	signer  *token.Signer
	kvsCfg  config.KVSConfig
	keyFile string
	logger  logging.Logger
}

// NewManager builds the initial proxy from cfg. load is called on every
// change notification.
func NewManager(cfg *config.Config, load func() (*config.Config, error), f factory.Factory, logger logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewSimpleLogger("manager", logging.LevelInfo, true)
	}

	stores, err := f.CreateKVSStores(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := f.CreateSigner(cfg.JWT)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	m := &Manager{
		load:    load,
		factory: f,
		stores:  stores,
		signer:  signer,
		kvsCfg:  cfg.KVS,
		keyFile: cfg.JWT.KeyFile,
		logger:  logger,
	}

	mw, err := m.build(cfg)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("failed to build initial middleware: %w", err)
	}
	m.middleware.Store(mw)

	logger.Info("Middleware manager initialized", "mode", cfg.Server.Mode, "provider", cfg.Provider.Type)
	return m, nil
}

func (m *Manager) build(cfg *config.Config) (*middleware.Middleware, error) {
	policy, err := m.factory.CreatePolicy(cfg)
	if err != nil {
		return nil, err
	}
	upstream, err := proxy.NewHandler(proxy.UpstreamConfig{
		URL: cfg.Upstream.URL,
		Secret: proxy.SecretConfig{
			Header: cfg.Upstream.Secret.Header,
			Value:  cfg.Upstream.Secret.Value,
		},
	}, proxy.Options{
		Direct:             policy.Direct,
		WelcomePath:        policy.Path(ui.PathWelcome),
		DefaultRedirectURL: cfg.Server.DefaultRedirectURL,
	}, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream proxy: %w", err)
	}

	mw, err := m.factory.CreateMiddleware(cfg, m.stores, m.signer, upstream)
	if err != nil {
		return nil, err
	}
	if !m.draining.Load() {
		mw.SetReady()
	}
	return mw, nil
}

// OnFileChange implements filewatcher.ChangeListener.
func (m *Manager) OnFileChange(event filewatcher.ChangeEvent) {
	if event.Error != nil {
		m.logger.Error("File change event error", "error", event.Error)
		return
	}
	m.logger.Info("Config content change detected, starting reload", "path", event.Path)
	m.Reload()
}

// Reload loads and validates the configuration and swaps the proxy.
// On any error the current proxy is kept.
func (m *Manager) Reload() {
	cfg, err := m.load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		m.logger.Error("Failed to reload configuration", "error", err)
		m.logger.Error("Keeping current middleware configuration")
		return
	}
	if !reflect.DeepEqual(cfg.KVS, m.kvsCfg) {
		m.logger.Warn("kvs settings changed; restart to apply them")
	}
	if cfg.JWT.KeyFile != m.keyFile {
		m.logger.Warn("jwt.key_file changed; restart to apply it")
	}

	mw, err := m.build(cfg)
	if err != nil {
		m.logger.Error("Failed to rebuild middleware", "error", err)
		m.logger.Error("Keeping current middleware configuration")
		return
	}
	m.middleware.Store(mw)
	m.logger.Info("Configuration reloaded successfully")
}

// SetDraining makes /ready fail on the current and every future proxy.
func (m *Manager) SetDraining() {
	m.draining.Store(true)
	m.current().SetDraining()
}

// Signer returns the signing key shared by every reload.
func (m *Manager) Signer() *token.Signer {
	return m.signer
}

// Close releases the stores.
func (m *Manager) Close() error {
	return m.stores.Close()
}

func (m *Manager) current() *middleware.Middleware {
	return m.middleware.Load().(*middleware.Middleware)
}

// Handler always serves through the latest proxy.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.current().ServeHTTP(w, r)
	})
}
