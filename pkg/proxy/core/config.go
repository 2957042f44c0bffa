package proxy

import "net/http"

// UpstreamConfig is the application behind the proxy.
type UpstreamConfig struct {
	URL    string       `yaml:"url" json:"url"`
	Secret SecretConfig `yaml:"secret" json:"secret"`
}

// SecretConfig is an optional header proving to the upstream that a request
// came through the proxy.
type SecretConfig struct {
	Header string `yaml:"header" json:"header"` // e.g. "X-Idgate-Secret"
	Value  string `yaml:"value" json:"value"`
}

// Options are the per-mode hooks of a Handler.
type Options struct {
	// Direct runs last on every outgoing request.
	Direct func(r *http.Request)

	// WelcomePath is the welcome page path, e.g. "/.ory/ui/welcome".
	WelcomePath string

	// DefaultRedirectURL replaces upstream redirects to WelcomePath when set.
	DefaultRedirectURL string
}
