package cmd

import (
	"errors"
	"fmt"

	"github.com/ideamans/idgate/cmd/idgate/cmd/server"
	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/spf13/cobra"
)

// testConfigCmd represents the test-config command
var testConfigCmd = &cobra.Command{
	Use:   "test-config",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file without starting the server.

Every problem found is reported. The command exits with status 0 when the
configuration is valid and 1 otherwise.`,
	Args: cobra.NoArgs,
	RunE: runTestConfig,
}

func init() {
	rootCmd.AddCommand(testConfigCmd)
}

func runTestConfig(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return errors.New("no configuration file given; pass one with --config")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Testing configuration file: %s\n", cfgFile)

	cfg, err := server.LoadConfig(cfgFile, nil)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Fprintln(out, "✓ Configuration file loaded successfully")
	fmt.Fprintln(out, "✓ Configuration validation passed")

	fmt.Fprintln(out, "\nConfiguration Summary:")
	fmt.Fprintf(out, "  Service: %s (cookie %s)\n", cfg.Service.Name, cfg.CookieName())
	fmt.Fprintf(out, "  Mode: %s\n", cfg.Server.Mode)
	fmt.Fprintf(out, "  Upstream: %s\n", cfg.Upstream.URL)
	if cfg.Provider.Type == config.ProviderRemote {
		fmt.Fprintf(out, "  Identity provider: remote (%s)\n", cfg.Provider.URL)
	} else {
		fmt.Fprintln(out, "  Identity provider: local")
	}

	available := 0
	for _, p := range cfg.OAuth2.Providers {
		if !p.Disabled {
			available++
		}
	}
	fmt.Fprintf(out, "  Social providers: %d available\n", available)
	fmt.Fprintf(out, "  JWT: enabled=%t ttl=%s\n", cfg.JWT.IsEnabled(), cfg.JWT.TTL)

	fmt.Fprintf(out, "  Default KVS: %s\n", kvsType(cfg.KVS.Default.Type))
	if cfg.KVS.Session != nil {
		fmt.Fprintf(out, "  Session KVS: %s (dedicated)\n", kvsType(cfg.KVS.Session.Type))
	} else {
		fmt.Fprintf(out, "  Session KVS: shared (namespace: %s)\n", cfg.KVS.Namespaces.Session)
	}
	if n := len(cfg.Protect.Paths); n > 0 {
		fmt.Fprintf(out, "  Protected paths: %d\n", n)
	}

	fmt.Fprintln(out, "\n✓ Configuration is valid and ready to use")
	return nil
}

func kvsType(t string) string {
	if t == "" {
		return "memory"
	}
	return t
}
