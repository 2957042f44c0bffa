package cmd

import (
	"fmt"

	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/spf13/cobra"
)

var tunnelFlags proxyFlags

// tunnelCmd represents the tunnel command
var tunnelCmd = &cobra.Command{
	Use:   "tunnel [application-url] [public-url]",
	Short: "Serve the sign-in pages on their own origin",
	Long: `Start the identity proxy in tunnel mode.

The sign-in pages are served at the root of a stable public URL (default
http://localhost:<port>) while the application keeps its own origin:

  idgate tunnel http://localhost:3000 https://auth.example.test

Finished flows return to the application URL unless --default-redirect-url
is set.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd, func(c *config.Config) {
			c.Server.Mode = config.ModeTunnel
			if len(args) > 0 {
				c.Upstream.URL = args[0]
			}
			if len(args) > 1 {
				c.Server.PublicURL = args[1]
			}
			if c.Server.PublicURL == "" {
				c.Server.PublicURL = fmt.Sprintf("http://localhost:%d", port)
			}
			tunnelFlags.apply(cmd, c)
		})
	},
}

func init() {
	tunnelFlags.register(tunnelCmd)
	rootCmd.AddCommand(tunnelCmd)
}
