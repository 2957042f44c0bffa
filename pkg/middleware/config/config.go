// Package config holds the proxy configuration file format.
package config

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ideamans/idgate/pkg/shared/kvs"
)

// Config is the proxy configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	JWT       JWTConfig       `yaml:"jwt" json:"jwt"`
	Flows     FlowsConfig     `yaml:"flows" json:"flows"`
	Protect   ProtectConfig   `yaml:"protect" json:"protect"`
	RateLimit RateLimitConfig `yaml:"ratelimit" json:"ratelimit"`
	CLI       CLIConfig       `yaml:"cli" json:"cli"`
	OAuth2    OAuth2Config    `yaml:"oauth2" json:"oauth2"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	KVS       KVSConfig       `yaml:"kvs" json:"kvs"`
}

// ServiceConfig names the deployment.
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"` // shown on the UI pages
	Slug string `yaml:"slug" json:"slug"` // suffix of the session cookie name (default: "local")
}

// Operating modes.
const (
	ModeEmbedded = "embedded"
	ModeTunnel   = "tunnel"
)

// ServerConfig selects the operating mode.
type ServerConfig struct {
	Mode               string `yaml:"mode" json:"mode"`                                 // "embedded" (default) or "tunnel"
	Prefix             string `yaml:"prefix" json:"prefix"`                             // UI prefix in embedded mode (default: "/.ory")
	PublicURL          string `yaml:"public_url" json:"public_url"`                     // stable public URL, required in tunnel mode
	DefaultRedirectURL string `yaml:"default_redirect_url" json:"default_redirect_url"` // where finished flows land
	RewriteHost        bool   `yaml:"rewrite_host" json:"rewrite_host"`                 // send the upstream host instead of the browser's
	Development        bool   `yaml:"development" json:"development"`
}

// UpstreamConfig is the application behind the proxy.
type UpstreamConfig struct {
	URL    string       `yaml:"url" json:"url"`
	Secret SecretConfig `yaml:"secret" json:"secret"`
}

// SecretConfig is an optional header sent to the upstream.
type SecretConfig struct {
	Header string `yaml:"header" json:"header"`
	Value  string `yaml:"value" json:"value"`
}

// Provider types.
const (
	ProviderLocal  = "local"
	ProviderRemote = "remote"
)

// ProviderConfig selects the identity provider.
type ProviderConfig struct {
	Type              string `yaml:"type" json:"type"`                               // "local" (default) or "remote"
	URL               string `yaml:"url" json:"url"`                                 // remote provider base URL
	MinPasswordLength int    `yaml:"min_password_length" json:"min_password_length"` // default: 8
}

// SessionConfig holds session cookie settings.
type SessionConfig struct {
	Cookie CookieConfig `yaml:"cookie" json:"cookie"`
}

// CookieConfig configures the session cookie.
type CookieConfig struct {
	Name     string `yaml:"name" json:"name"` // default: "idgate_session_<slug>"
	Domain   string `yaml:"domain" json:"domain"`
	Expire   string `yaml:"expire" json:"expire"` // session lifespan (default: "24h")
	Secure   bool   `yaml:"secure" json:"secure"`
	SameSite string `yaml:"samesite" json:"samesite"`
}

// GetExpireDuration returns the session lifespan.
func (c CookieConfig) GetExpireDuration() (time.Duration, error) {
	return time.ParseDuration(c.Expire)
}

// GetSameSite maps the samesite setting, defaulting to Lax.
func (c CookieConfig) GetSameSite() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// JWTConfig configures session to bearer token translation.
type JWTConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"` // default: true
	TTL     string `yaml:"ttl" json:"ttl"`                             // default: "1m"
	KeyFile string `yaml:"key_file" json:"key_file"`                   // PEM EC P-256 key; empty generates one per process
}

// IsEnabled reports whether bearer tokens are issued.
func (j JWTConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// GetTTL returns the token lifetime.
func (j JWTConfig) GetTTL() (time.Duration, error) {
	return time.ParseDuration(j.TTL)
}

// FlowsConfig configures self-service flows.
type FlowsConfig struct {
	Lifespan string `yaml:"lifespan" json:"lifespan"` // default: "10m"
}

// GetLifespan returns the flow lifespan.
func (f FlowsConfig) GetLifespan() (time.Duration, error) {
	return time.ParseDuration(f.Lifespan)
}

// ProtectConfig lists path prefixes that require a session.
type ProtectConfig struct {
	Paths []string `yaml:"paths" json:"paths"`
}

// RateLimitConfig throttles password logins per identifier.
type RateLimitConfig struct {
	Attempts int    `yaml:"attempts" json:"attempts"` // default: 10
	Interval string `yaml:"interval" json:"interval"` // default: "1m"
}

// GetInterval returns the refill interval.
func (r RateLimitConfig) GetInterval() (time.Duration, error) {
	return time.ParseDuration(r.Interval)
}

// CLIConfig configures the console endpoints used by `idgate auth`.
type CLIConfig struct {
	ClientID string `yaml:"client_id" json:"client_id"` // default: "idgate-cli"
}

// OAuth2Config lists social sign-in providers.
type OAuth2Config struct {
	Providers []OAuth2Provider `yaml:"providers" json:"providers"`
}

// OAuth2Provider is one social sign-in provider.
type OAuth2Provider struct {
	ID           string `yaml:"id" json:"id"`     // unique, used in callback paths
	Type         string `yaml:"type" json:"type"` // "google", "github", "microsoft" or "custom"
	DisplayName  string `yaml:"display_name" json:"display_name"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	Disabled     bool   `yaml:"disabled" json:"disabled"`

	// custom providers only
	AuthURL            string `yaml:"auth_url" json:"auth_url"`
	TokenURL           string `yaml:"token_url" json:"token_url"`
	UserInfoURL        string `yaml:"userinfo_url" json:"userinfo_url"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	Scopes      []string `yaml:"scopes" json:"scopes"`
	ResetScopes bool     `yaml:"reset_scopes" json:"reset_scopes"` // replace rather than extend the default scopes
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string             `yaml:"level" json:"level"`
	Color bool               `yaml:"color" json:"color"`
	File  *FileLoggingConfig `yaml:"file,omitempty" json:"file,omitempty"`
}

// FileLoggingConfig enables rotated file logging.
type FileLoggingConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"` // default: 100
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"` // default: 3
	MaxAge     int    `yaml:"max_age,omitempty" json:"max_age,omitempty"`         // days, default: 28
	Compress   bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// KVSConfig is one shared backend with optional dedicated overrides.
type KVSConfig struct {
	Default    kvs.Config      `yaml:"default" json:"default"`
	Identity   *kvs.Config     `yaml:"identity,omitempty" json:"identity,omitempty"`
	Session    *kvs.Config     `yaml:"session,omitempty" json:"session,omitempty"`
	Flow       *kvs.Config     `yaml:"flow,omitempty" json:"flow,omitempty"`
	RateLimit  *kvs.Config     `yaml:"ratelimit,omitempty" json:"ratelimit,omitempty"`
	Namespaces NamespaceConfig `yaml:"namespaces" json:"namespaces"`
}

// NamespaceConfig holds the key prefixes used on the shared backend.
type NamespaceConfig struct {
	Identity  string `yaml:"identity" json:"identity"`   // default: "identity"
	Session   string `yaml:"session" json:"session"`     // default: "session"
	Flow      string `yaml:"flow" json:"flow"`           // default: "flow"
	Ticket    string `yaml:"ticket" json:"ticket"`       // default: "ticket"
	RateLimit string `yaml:"ratelimit" json:"ratelimit"` // default: "ratelimit"
}

// SetDefaults fills empty namespaces.
func (n *NamespaceConfig) SetDefaults() {
	if n.Identity == "" {
		n.Identity = "identity"
	}
	if n.Session == "" {
		n.Session = "session"
	}
	if n.Flow == "" {
		n.Flow = "flow"
	}
	if n.Ticket == "" {
		n.Ticket = "ticket"
	}
	if n.RateLimit == "" {
		n.RateLimit = "ratelimit"
	}
}

// CookieName is the session cookie name.
func (c *Config) CookieName() string {
	if c.Session.Cookie.Name != "" {
		return c.Session.Cookie.Name
	}
	slug := c.Service.Slug
	if slug == "" {
		slug = "local"
	}
	return "idgate_session_" + slug
}

var slugPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	verr := NewValidationError()

	if c.Service.Slug != "" && !slugPattern.MatchString(c.Service.Slug) {
		verr.Add(ErrInvalidSlug)
	}

	switch c.Server.Mode {
	case ModeEmbedded, "":
		if !strings.HasPrefix(c.Server.Prefix, "/") || strings.TrimSuffix(c.Server.Prefix, "/") == "" {
			verr.Add(ErrInvalidPrefix)
		}
	case ModeTunnel:
		if c.Server.PublicURL == "" {
			verr.Add(ErrPublicURLRequired)
		} else if err := validateAbsoluteURL(c.Server.PublicURL); err != nil {
			verr.Add(fmt.Errorf("server.public_url: %w", err))
		}
	default:
		verr.Add(fmt.Errorf("%w (got %q)", ErrInvalidMode, c.Server.Mode))
	}

	if c.Server.DefaultRedirectURL != "" {
		if err := validateAbsoluteURL(c.Server.DefaultRedirectURL); err != nil {
			verr.Add(fmt.Errorf("server.default_redirect_url: %w", err))
		}
	}

	if c.Upstream.URL == "" {
		verr.Add(ErrUpstreamRequired)
	} else if err := validateAbsoluteURL(c.Upstream.URL); err != nil {
		verr.Add(fmt.Errorf("upstream.url: %w", err))
	}

	switch c.Provider.Type {
	case ProviderLocal, "":
	case ProviderRemote:
		if c.Provider.URL == "" {
			verr.Add(ErrProviderURLRequired)
		} else if err := validateAbsoluteURL(c.Provider.URL); err != nil {
			verr.Add(fmt.Errorf("provider.url: %w", err))
		}
	default:
		verr.Add(fmt.Errorf("%w (got %q)", ErrInvalidProviderType, c.Provider.Type))
	}

	durations := []struct {
		name  string
		value string
	}{
		{"session.cookie.expire", c.Session.Cookie.Expire},
		{"jwt.ttl", c.JWT.TTL},
		{"flows.lifespan", c.Flows.Lifespan},
		{"ratelimit.interval", c.RateLimit.Interval},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.value); err != nil {
			verr.Add(fmt.Errorf("%s: invalid duration %q", d.name, d.value))
		} else if v <= 0 {
			verr.Add(fmt.Errorf("%s: must be positive", d.name))
		}
	}

	for i, p := range c.Protect.Paths {
		if !strings.HasPrefix(p, "/") {
			verr.Add(fmt.Errorf("protect.paths[%d]: %q must start with '/'", i, p))
		}
	}

	verr.Add(c.validateOAuth2())

	return verr.ErrorOrNil()
}

func (c *Config) validateOAuth2() error {
	verr := NewValidationError()
	seen := make(map[string]bool)

	for i, p := range c.OAuth2.Providers {
		if p.ID == "" {
			verr.Add(fmt.Errorf("oauth2.providers[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			verr.Add(fmt.Errorf("%w: %q", ErrDuplicateProviderID, p.ID))
		}
		seen[p.ID] = true

		if p.ClientID == "" {
			verr.Add(fmt.Errorf("oauth2.providers[%d] (%s): client_id is required", i, p.ID))
		}
		switch p.Type {
		case "google", "github", "microsoft":
		case "custom":
			for name, v := range map[string]string{"auth_url": p.AuthURL, "token_url": p.TokenURL, "userinfo_url": p.UserInfoURL} {
				if v == "" {
					verr.Add(fmt.Errorf("oauth2.providers[%d] (%s): %s is required for custom providers", i, p.ID, name))
				}
			}
		default:
			verr.Add(fmt.Errorf("oauth2.providers[%d] (%s): unsupported type %q", i, p.ID, p.Type))
		}
	}
	return verr.ErrorOrNil()
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	return nil
}
