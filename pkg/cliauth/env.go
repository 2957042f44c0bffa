// Package cliauth implements the command line side of sign-in: it sends
// the operator to the proxy's console, receives the authorization code on a
// loopback listener and persists the resulting session credential.
package cliauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Environment variable names shared with the handshake controller.
const (
	EnvAPIURL     = "IDGATE_API_URL"
	EnvConsoleURL = "IDGATE_CONSOLE_URL"
	EnvConfigPath = "IDGATE_CONFIG_PATH"
)

// Env is where to sign in and where to keep the credential.
type Env struct {
	APIURL     string `env:"IDGATE_API_URL, required"`
	ConsoleURL string `env:"IDGATE_CONSOLE_URL, required"`
	ConfigPath string `env:"IDGATE_CONFIG_PATH, required"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv(ctx context.Context) (*Env, error) {
	return loadEnv(ctx, envconfig.OsLookuper())
}

func loadEnv(ctx context.Context, l envconfig.Lookuper) (*Env, error) {
	var env Env
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &env, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("cliauth: %w", err)
	}
	env.APIURL = strings.TrimSuffix(env.APIURL, "/")
	env.ConsoleURL = strings.TrimSuffix(env.ConsoleURL, "/")
	return &env, nil
}
