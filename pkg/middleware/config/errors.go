package config

import "errors"

var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrUpstreamRequired    = errors.New("upstream.url is required")
	ErrInvalidMode         = errors.New("server.mode must be 'embedded' or 'tunnel'")
	ErrPublicURLRequired   = errors.New("server.public_url is required in tunnel mode")
	ErrInvalidPrefix       = errors.New("server.prefix must start with '/' and must not be '/'")
	ErrInvalidProviderType = errors.New("provider.type must be 'local' or 'remote'")
	ErrProviderURLRequired = errors.New("provider.url is required for a remote provider")
	ErrDuplicateProviderID = errors.New("oauth2 provider ids must be unique")
	ErrInvalidSlug         = errors.New("service.slug may only contain lower-case letters, digits, '-' and '_'")
)
