package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	host    string
	port    int
	verbose bool
	version = "dev" // Set by build
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "idgate",
	Short: "idgate - identity-aware reverse proxy",
	Long: `idgate puts sign-up, sign-in and session handling in front of any web
application. Requests reaching the application carry a short-lived signed
JWT instead of the session cookie.

It also ships the CLI side of the browser sign-in handshake.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&host, "host", "0.0.0.0", "Server host address")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", defaultPort(), "Server port number (env PORT)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "debug", false, "Enable debug logging")
}

func defaultPort() int {
	if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil && v > 0 {
		return v
	}
	return 4000
}
