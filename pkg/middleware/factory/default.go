package factory

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ideamans/idgate/pkg/middleware/auth/oauth2"
	"github.com/ideamans/idgate/pkg/middleware/config"
	middleware "github.com/ideamans/idgate/pkg/middleware/core"
	"github.com/ideamans/idgate/pkg/middleware/flow"
	"github.com/ideamans/idgate/pkg/middleware/identity"
	"github.com/ideamans/idgate/pkg/middleware/ratelimit"
	"github.com/ideamans/idgate/pkg/middleware/routing"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/middleware/ui"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// DefaultFactory is the default implementation of Factory.
// It can be embedded in custom factories to override specific methods.
type DefaultFactory struct {
	logger logging.Logger

	// BcryptCost is passed to the local provider; zero keeps its default.
	BcryptCost int
}

// NewDefaultFactory creates a new DefaultFactory
func NewDefaultFactory(logger logging.Logger) *DefaultFactory {
	return &DefaultFactory{logger: newLogger(logger)}
}

// CreateMiddleware wires policy, UI, translator and upstream together.
func (f *DefaultFactory) CreateMiddleware(cfg *config.Config, stores *Stores, signer *token.Signer, next http.Handler) (*middleware.Middleware, error) {
	return build(f, f.BcryptCost, f.logger, cfg, stores, signer, next)
}

// build is shared with factories embedding DefaultFactory so their
// overrides are used.
func build(f Factory, bcryptCost int, logger logging.Logger, cfg *config.Config, stores *Stores, signer *token.Signer, next http.Handler) (*middleware.Middleware, error) {
	policy, err := f.CreatePolicy(cfg)
	if err != nil {
		return nil, err
	}
	ttl, err := cfg.JWT.GetTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid jwt.ttl: %w", err)
	}
	cookieName := cfg.CookieName()

	var (
		uiHandler http.Handler
		resolver  token.Resolver
	)
	switch cfg.Provider.Type {
	case config.ProviderRemote:
		uiHandler, err = middleware.NewRemoteUI(cfg.Provider.URL, policy, logger)
		if err != nil {
			return nil, err
		}
		resolver = &token.RemoteResolver{
			WhoamiURL: strings.TrimSuffix(cfg.Provider.URL, "/") + ui.PathWhoami,
		}
		logger.Debug("Remote identity provider configured", "url", cfg.Provider.URL)
	default:
		provider, err := createLocalProvider(cfg, stores, bcryptCost)
		if err != nil {
			return nil, err
		}
		oauthManager, err := f.CreateOAuth2Manager(cfg.OAuth2)
		if err != nil {
			return nil, err
		}
		handler, err := createUI(cfg, stores, policy, provider, oauthManager, logger)
		if err != nil {
			return nil, err
		}
		uiHandler = handler
		resolver = &token.ProviderResolver{Provider: provider, CookieName: cookieName}
	}

	translator := token.NewTranslator(resolver, signer, token.Options{
		Issuer:   func(r *http.Request) string { return policy.BaseURL(r) + policy.Path("") },
		TTL:      ttl,
		Disabled: !cfg.JWT.IsEnabled(),
	}, logger)

	mw, err := middleware.New(middleware.Options{
		Policy:       policy,
		UI:           uiHandler,
		JWKS:         signer,
		Translator:   translator,
		Resolver:     resolver,
		ProtectPaths: cfg.Protect.Paths,
	}, logger)
	if err != nil {
		return nil, err
	}
	if next != nil {
		mw.Wrap(next)
	}
	return mw, nil
}

func createLocalProvider(cfg *config.Config, stores *Stores, bcryptCost int) (*identity.LocalProvider, error) {
	lifespan, err := cfg.Session.Cookie.GetExpireDuration()
	if err != nil {
		return nil, fmt.Errorf("invalid session.cookie.expire: %w", err)
	}
	return identity.NewLocalProvider(stores.Identity, stores.Session, identity.Config{
		SessionLifespan:   lifespan,
		MinPasswordLength: cfg.Provider.MinPasswordLength,
		BcryptCost:        bcryptCost,
	})
}

func createUI(cfg *config.Config, stores *Stores, policy routing.Policy, provider identity.Provider, oauthManager *oauth2.Manager, logger logging.Logger) (*ui.Handler, error) {
	lifespan, err := cfg.Flows.GetLifespan()
	if err != nil {
		return nil, fmt.Errorf("invalid flows.lifespan: %w", err)
	}
	interval, err := cfg.RateLimit.GetInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid ratelimit.interval: %w", err)
	}
	secure := cfg.Session.Cookie.Secure && !cfg.Server.Development

	return ui.New(ui.Options{
		Policy:   policy,
		Provider: provider,
		Flows: flow.NewStore(stores.Flow, lifespan, flow.CookieOptions{
			Domain: cfg.Session.Cookie.Domain,
			Secure: secure,
		}),
		Tickets: stores.Ticket,
		Limiter: ratelimit.NewLimiter(cfg.RateLimit.Attempts, interval, stores.RateLimit),
		OAuth2:  oauthManager,
		Cookie: ui.CookieOptions{
			Name:     cfg.CookieName(),
			Domain:   cfg.Session.Cookie.Domain,
			Secure:   secure,
			SameSite: cfg.Session.Cookie.GetSameSite(),
		},
		DefaultRedirectURL: cfg.Server.DefaultRedirectURL,
		CLIClientID:        cfg.CLI.ClientID,
		ServiceName:        cfg.Service.Name,
	}, logger)
}

// CreatePolicy selects embedded or tunnel routing.
func (f *DefaultFactory) CreatePolicy(cfg *config.Config) (routing.Policy, error) {
	switch cfg.Server.Mode {
	case config.ModeTunnel:
		public, err := url.Parse(cfg.Server.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("invalid server.public_url: %w", err)
		}
		appRaw := cfg.Server.DefaultRedirectURL
		if appRaw == "" {
			appRaw = cfg.Upstream.URL
		}
		app, err := url.Parse(appRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid application URL: %w", err)
		}
		return &routing.Tunnel{PublicURL: public, AppURL: app}, nil
	case config.ModeEmbedded, "":
		return &routing.Embedded{Prefix: cfg.Server.Prefix, RewriteHost: cfg.Server.RewriteHost}, nil
	default:
		return nil, fmt.Errorf("%w (got %q)", config.ErrInvalidMode, cfg.Server.Mode)
	}
}

// CreateOAuth2Manager registers every enabled social provider.
func (f *DefaultFactory) CreateOAuth2Manager(oauth2Cfg config.OAuth2Config) (*oauth2.Manager, error) {
	manager := oauth2.NewManager()
	for _, providerCfg := range oauth2Cfg.Providers {
		if providerCfg.Disabled {
			continue
		}
		provider, err := oauth2.New(providerCfg)
		if err != nil {
			return nil, fmt.Errorf("oauth2 provider %q: %w", providerCfg.ID, err)
		}
		manager.AddProvider(provider)
		f.logger.Debug("OAuth2 provider registered", "id", providerCfg.ID, "type", providerCfg.Type)
	}
	return manager, nil
}

// CreateSigner loads the key file, or generates a key when none is set.
func (f *DefaultFactory) CreateSigner(jwtCfg config.JWTConfig) (*token.Signer, error) {
	signer, err := token.LoadSigner(jwtCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if jwtCfg.KeyFile == "" {
		f.logger.Info("Generated an ephemeral signing key", "kid", signer.KeyID())
	}
	return signer, nil
}

// CreateKVSStores opens the default backend once and carves the namespaces
// out of it. Dedicated backends replace individual namespaces.
func (f *DefaultFactory) CreateKVSStores(cfg *config.Config) (*Stores, error) {
	cfg.KVS.Namespaces.SetDefaults()
	stores := &Stores{}

	shared, err := kvs.New(cfg.KVS.Default)
	if err != nil {
		return nil, fmt.Errorf("failed to create default KVS: %w", err)
	}
	stores.backends = append(stores.backends, shared)
	f.logger.Debug("Default KVS initialized", "type", typeName(cfg.KVS.Default))

	pick := func(name string, dedicated *kvs.Config, namespace string) (kvs.Store, error) {
		if dedicated == nil {
			return kvs.NewNamespacedStore(shared, namespace+":"), nil
		}
		store, err := kvs.New(*dedicated)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s KVS: %w", name, err)
		}
		stores.backends = append(stores.backends, store)
		f.logger.Debug("KVS initialized (dedicated)", "name", name, "type", typeName(*dedicated))
		return store, nil
	}

	ns := cfg.KVS.Namespaces
	var errs []error
	add := func(dst *kvs.Store, name string, dedicated *kvs.Config, namespace string) {
		store, err := pick(name, dedicated, namespace)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = store
	}
	add(&stores.Identity, "identity", cfg.KVS.Identity, ns.Identity)
	add(&stores.Session, "session", cfg.KVS.Session, ns.Session)
	add(&stores.Flow, "flow", cfg.KVS.Flow, ns.Flow)
	add(&stores.Ticket, "ticket", nil, ns.Ticket)
	add(&stores.RateLimit, "ratelimit", cfg.KVS.RateLimit, ns.RateLimit)

	if err := errors.Join(errs...); err != nil {
		_ = stores.Close()
		return nil, err
	}
	return stores, nil
}

func typeName(c kvs.Config) string {
	if c.Type == "" {
		return "memory"
	}
	return c.Type
}
