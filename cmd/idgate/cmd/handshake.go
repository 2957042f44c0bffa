package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ideamans/idgate/pkg/cliauth"
	"github.com/ideamans/idgate/pkg/handshake"
	"github.com/ideamans/idgate/pkg/shared/logging"
	"github.com/ideamans/idgate/pkg/webdriver"
	"github.com/spf13/cobra"
)

var handshakeOpts struct {
	email      string
	password   string
	register   bool
	apiURL     string
	consoleURL string
	configPath string
	timeout    time.Duration
}

// handshakeCmd represents the handshake command
var handshakeCmd = &cobra.Command{
	Use:   "handshake --email EMAIL --password PASSWORD [--register] -- COMMAND [ARGS...]",
	Short: "Drive a CLI sign-in end to end without a human",
	Long: `Spawn COMMAND (usually "idgate auth --no-browser"), read the console URL it
prints, complete sign-in and consent with a headless form driver and wait for
the success line. The credential file is removed afterwards.

URLs and the credential path default to IDGATE_API_URL, IDGATE_CONSOLE_URL and
IDGATE_CONFIG_PATH; without a path a temporary file is used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHandshake,
}

func init() {
	f := handshakeCmd.Flags()
	f.StringVar(&handshakeOpts.email, "email", "", "Identity email")
	f.StringVar(&handshakeOpts.password, "password", "", "Identity password")
	f.BoolVar(&handshakeOpts.register, "register", false, "Sign up instead of signing in")
	f.StringVar(&handshakeOpts.apiURL, "api-url", os.Getenv(cliauth.EnvAPIURL), "API base URL")
	f.StringVar(&handshakeOpts.consoleURL, "console-url", os.Getenv(cliauth.EnvConsoleURL), "Console base URL")
	f.StringVar(&handshakeOpts.configPath, "config-path", os.Getenv(cliauth.EnvConfigPath), "Credential file written by the command")
	f.DurationVar(&handshakeOpts.timeout, "timeout", 3*time.Minute, "Give up when the handshake takes longer")
	_ = handshakeCmd.MarkFlagRequired("email")
	_ = handshakeCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(handshakeCmd)
}

func runHandshake(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, handshakeOpts.timeout)
	defer cancel()

	configPath := handshakeOpts.configPath
	if configPath == "" {
		dir, err := os.MkdirTemp("", "idgate-handshake-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		configPath = filepath.Join(dir, "credentials.json")
	}

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	controller, err := handshake.New(handshake.Config{
		Command:    args[0],
		Args:       args[1:],
		APIURL:     handshakeOpts.apiURL,
		ConsoleURL: handshakeOpts.consoleURL,
		ConfigPath: configPath,
		ResultWait: handshakeOpts.timeout,
		Driver: &webdriver.FormDriver{
			Email:    handshakeOpts.email,
			Password: handshakeOpts.password,
			Register: handshakeOpts.register,
		},
		Logger: logging.NewSimpleLoggerWithWriter("handshake", level, false, os.Stderr),
	})
	if err != nil {
		return err
	}
	defer func() { _ = controller.Close() }()

	result, err := controller.Run(ctx)
	if result != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "handshake %s\n", result.State)
	}
	if err != nil {
		if errors.Is(err, handshake.ErrNoConsoleURL) && result != nil {
			for _, line := range result.Lines {
				fmt.Fprintf(cmd.ErrOrStderr(), "  | %s\n", line)
			}
		}
		return err
	}
	return nil
}
