package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sharedconfig "github.com/ideamans/idgate/pkg/shared/config"
	"gopkg.in/yaml.v3"
)

// Loader loads a configuration.
type Loader interface {
	Load() (*Config, error)
}

// FileLoader loads a YAML or JSON file, chosen by extension.
// ${VAR} and ${VAR:-default} references are expanded before parsing.
type FileLoader struct {
	path string
}

// NewFileLoader creates a FileLoader.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads, parses and defaults the file. Validation is left to the caller
// so that every problem can be reported together.
func (l *FileLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, l.path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	data = sharedconfig.ExpandEnvBytes(data)

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(l.path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills optional fields. Configs built from flags go through it too.
func ApplyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "idgate"
	}
	if cfg.Service.Slug == "" {
		cfg.Service.Slug = "local"
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = ModeEmbedded
	}
	if cfg.Server.Prefix == "" {
		cfg.Server.Prefix = "/.ory"
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = ProviderLocal
	}
	if cfg.Provider.MinPasswordLength == 0 {
		cfg.Provider.MinPasswordLength = 8
	}
	if cfg.Session.Cookie.Expire == "" {
		cfg.Session.Cookie.Expire = "24h"
	}
	if cfg.Session.Cookie.SameSite == "" {
		cfg.Session.Cookie.SameSite = "lax"
	}
	if cfg.JWT.TTL == "" {
		cfg.JWT.TTL = "1m"
	}
	if cfg.Flows.Lifespan == "" {
		cfg.Flows.Lifespan = "10m"
	}
	if cfg.RateLimit.Attempts == 0 {
		cfg.RateLimit.Attempts = 10
	}
	if cfg.RateLimit.Interval == "" {
		cfg.RateLimit.Interval = "1m"
	}
	if cfg.CLI.ClientID == "" {
		cfg.CLI.ClientID = "idgate-cli"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.KVS.Namespaces.SetDefaults()
}
