package factory

import (
	"net/http"

	"github.com/ideamans/idgate/pkg/middleware/auth/oauth2"
	"github.com/ideamans/idgate/pkg/middleware/config"
	middleware "github.com/ideamans/idgate/pkg/middleware/core"
	"github.com/ideamans/idgate/pkg/middleware/routing"
	"github.com/ideamans/idgate/pkg/middleware/token"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// Factory builds the identity proxy and its components.
// It serves as a simple DI container, allowing customization of specific components.
type Factory interface {
	// CreateMiddleware builds a complete identity proxy in front of next.
	// Stores and signer outlive a single configuration and are passed in.
	CreateMiddleware(cfg *config.Config, stores *Stores, signer *token.Signer, next http.Handler) (*middleware.Middleware, error)

	// CreatePolicy selects embedded or tunnel routing.
	CreatePolicy(cfg *config.Config) (routing.Policy, error)

	// CreateOAuth2Manager registers every enabled social provider.
	CreateOAuth2Manager(oauth2Cfg config.OAuth2Config) (*oauth2.Manager, error)

	// CreateKVSStores opens the backends. Call it once at startup and
	// close the result on shutdown.
	CreateKVSStores(cfg *config.Config) (*Stores, error)

	// CreateSigner loads the token signing key.
	CreateSigner(jwtCfg config.JWTConfig) (*token.Signer, error)
}

var _ Factory = (*DefaultFactory)(nil)

// newLogger returns l or a quiet default.
func newLogger(l logging.Logger) logging.Logger {
	if l == nil {
		return logging.NewSimpleLogger("factory", logging.LevelInfo, false)
	}
	return l
}
