package middleware

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ideamans/idgate/pkg/middleware/routing"
	proxy "github.com/ideamans/idgate/pkg/proxy/core"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// NewRemoteUI forwards UI paths to an external identity provider with the
// policy prefix stripped. The provider must be served from its root.
func NewRemoteUI(providerURL string, policy routing.Policy, logger logging.Logger) (http.Handler, error) {
	u, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider URL: %w", err)
	}
	if strings.Trim(u.Path, "/") != "" {
		return nil, fmt.Errorf("invalid provider URL %q: a path is not supported", providerURL)
	}
	return proxy.NewHandler(proxy.UpstreamConfig{URL: providerURL}, proxy.Options{
		Direct: func(r *http.Request) {
			if sub, ok := policy.Match(r.URL.Path); ok {
				r.URL.Path = sub
				r.URL.RawPath = ""
			}
			r.Host = r.URL.Host
		},
	}, logger.WithModule("provider"))
}
