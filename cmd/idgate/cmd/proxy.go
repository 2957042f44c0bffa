package cmd

import (
	"fmt"

	"github.com/ideamans/idgate/cmd/idgate/cmd/server"
	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/spf13/cobra"
)

// proxyFlags are shared by the proxy and tunnel commands.
type proxyFlags struct {
	defaultRedirectURL string
	noJWT              bool
	rewriteHost        bool
	dev                bool
	cookieDomain       string
}

func (f *proxyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.defaultRedirectURL, "default-redirect-url", "", "Where to send the browser after sign-in, sign-up and logout")
	cmd.Flags().BoolVar(&f.noJWT, "no-jwt", false, "Do not send a JWT to the application")
	cmd.Flags().BoolVar(&f.rewriteHost, "rewrite-host", false, "Send the application's host instead of the browser's")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "Development mode: insecure cookies and an echo application when no URL is given")
	cmd.Flags().StringVar(&f.cookieDomain, "cookie-domain", "", "Domain of the session cookie")
}

// apply layers the flags that were set over a loaded configuration.
func (f *proxyFlags) apply(cmd *cobra.Command, c *config.Config) {
	changed := cmd.Flags().Changed
	if changed("default-redirect-url") {
		c.Server.DefaultRedirectURL = f.defaultRedirectURL
	}
	if changed("no-jwt") {
		enabled := !f.noJWT
		c.JWT.Enabled = &enabled
	}
	if changed("rewrite-host") {
		c.Server.RewriteHost = f.rewriteHost
	}
	if changed("dev") {
		c.Server.Development = f.dev
	}
	if changed("cookie-domain") {
		c.Session.Cookie.Domain = f.cookieDomain
	}
}

var embeddedFlags proxyFlags

// proxyCmd represents the proxy command
var proxyCmd = &cobra.Command{
	Use:   "proxy [application-url]",
	Short: "Serve the application and the sign-in pages on one origin",
	Long: `Start the identity proxy in embedded mode.

The sign-in pages are served under the configured prefix (default /.ory) on the
same host as the application, so the session cookie is first-party:

  idgate proxy http://localhost:3000

Every other request is forwarded to the application with the session cookie
translated into an Authorization: Bearer JWT.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd, func(c *config.Config) {
			c.Server.Mode = config.ModeEmbedded
			if len(args) > 0 {
				c.Upstream.URL = args[0]
			}
			embeddedFlags.apply(cmd, c)
		})
	},
}

func init() {
	embeddedFlags.register(proxyCmd)
	rootCmd.AddCommand(proxyCmd)
}

// runProxy loads the configuration, sets up logging and runs the server.
func runProxy(cmd *cobra.Command, apply func(*config.Config)) error {
	appConfig, err := server.LoadConfig(cfgFile, apply)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(appConfig.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	var fileRotationConfig *logging.FileRotationConfig
	if f := appConfig.Logging.File; f != nil && f.Path != "" {
		fileRotationConfig = &logging.FileRotationConfig{
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAge,
			Compress:   f.Compress,
		}
	}
	logger, err := logging.NewLoggerWithFile("main", level, appConfig.Logging.Color, fileRotationConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	return server.Run(cmd.Context(), server.Config{
		ConfigPath: cfgFile,
		Host:       host,
		Port:       port,
		Initial:    appConfig,
		Apply:      apply,
		Logger:     logger,
		Version:    version,
	})
}
