package factory

import (
	"net/http"

	"github.com/ideamans/idgate/pkg/middleware/config"
	middleware "github.com/ideamans/idgate/pkg/middleware/core"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/shared/kvs"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"golang.org/x/crypto/bcrypt"
)

// TestingFactory is a factory implementation for testing purposes.
// It always uses in-memory stores and the cheapest bcrypt cost.
type TestingFactory struct {
	*DefaultFactory
}

// NewTestingFactory creates a TestingFactory with a discarding logger.
func NewTestingFactory() *TestingFactory {
	return NewTestingFactoryWithLogger(logging.NewTestLogger())
}

// NewTestingFactoryWithLogger creates a TestingFactory with a custom logger.
func NewTestingFactoryWithLogger(logger logging.Logger) *TestingFactory {
	f := NewDefaultFactory(logger)
	f.BcryptCost = bcrypt.MinCost
	return &TestingFactory{DefaultFactory: f}
}

// CreateMiddleware routes through the overridden store creation.
func (f *TestingFactory) CreateMiddleware(cfg *config.Config, stores *Stores, signer *token.Signer, next http.Handler) (*middleware.Middleware, error) {
	return build(f, f.BcryptCost, f.logger, cfg, stores, signer, next)
}

// CreateKVSStores ignores the configured backends.
func (f *TestingFactory) CreateKVSStores(cfg *config.Config) (*Stores, error) {
	cfg.KVS.Namespaces.SetDefaults()
	shared, err := kvs.NewMemoryStore("", kvs.MemoryConfig{})
	if err != nil {
		return nil, err
	}
	ns := cfg.KVS.Namespaces
	return &Stores{
		Identity:  kvs.NewNamespacedStore(shared, ns.Identity+":"),
		Session:   kvs.NewNamespacedStore(shared, ns.Session+":"),
		Flow:      kvs.NewNamespacedStore(shared, ns.Flow+":"),
		Ticket:    kvs.NewNamespacedStore(shared, ns.Ticket+":"),
		RateLimit: kvs.NewNamespacedStore(shared, ns.RateLimit+":"),
		backends:  []kvs.Store{shared},
	}, nil
}
