package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ideamans/idgate/pkg/cliauth"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/spf13/cobra"
)

var noBrowser bool

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Sign in through the browser and store a session token",
	Long: `Sign in to an idgate console and store the session in the CLI configuration.

The console is read from IDGATE_CONSOLE_URL, the API from IDGATE_API_URL and
the credential file path from IDGATE_CONFIG_PATH. The sign-in URL is printed
to stderr and opened in the default browser unless --no-browser is set.
After the success line the command keeps running until it is interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		env, err := cliauth.LoadEnv(ctx)
		if err != nil {
			return err
		}
		level := logging.LevelWarn
		if verbose {
			level = logging.LevelDebug
		}
		// stays up after the success line until interrupted
		_, err = cliauth.LoginAndWait(ctx, cliauth.Options{
			Env:       *env,
			NoBrowser: noBrowser,
			Output:    os.Stderr,
			Logger:    logging.NewSimpleLoggerWithWriter("auth", level, false, os.Stderr),
		})
		return err
	},
}

func init() {
	authCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the sign-in URL without opening a browser")
	rootCmd.AddCommand(authCmd)
}
