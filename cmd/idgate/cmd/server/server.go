package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ideamans/idgate/pkg/middleware/config"
	"github.com/ideamans/idgate/pkg/middleware/factory"
	"github.com/ideamans/idgate/pkg/middleware/ui"
	"github.com/ideamans/idgate/pkg/shared/filewatcher"
	"github.com/ideamans/idgate/pkg/shared/logging"
)

// Config represents the configuration for running the server
type Config struct {
	ConfigPath string // optional YAML or JSON file, watched for changes
	Host       string
	Port       int

	// Initial is the already loaded configuration. It is loaded from
	// ConfigPath when nil.
	Initial *config.Config

	// Apply layers command-line settings over every loaded configuration.
	Apply func(*config.Config)

	Factory factory.Factory
	Logger  logging.Logger
	Version string
}

// LoadConfig reads path, or starts from an empty configuration when path is
// empty, then applies overrides and defaults. It does not validate.
func LoadConfig(path string, apply func(*config.Config)) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.NewFileLoader(path).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if apply != nil {
		apply(cfg)
	}
	config.ApplyDefaults(cfg)
	return cfg, nil
}

// Run starts the server with the given configuration and blocks until ctx
// ends or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewSimpleLogger("main", logging.LevelInfo, true)
	}
	logger.Info("Starting idgate", "version", cfg.Version)

	appCfg := cfg.Initial
	if appCfg == nil {
		loaded, err := LoadConfig(cfg.ConfigPath, cfg.Apply)
		if err != nil {
			return formatConfigError(err)
		}
		appCfg = loaded
	}

	// Without an upstream, development mode serves a local echo application.
	apply := cfg.Apply
	var echoUpstream *EchoUpstream
	if appCfg.Upstream.URL == "" && appCfg.Server.Development {
		var err error
		echoUpstream, err = NewEchoUpstream(logger.WithModule("echo-upstream"))
		if err != nil {
			return err
		}
		defer echoUpstream.Stop()
		appCfg.Upstream.URL = echoUpstream.URL()
		logger.Warn("Using ECHO upstream server (for development only)", "url", echoUpstream.URL())
		apply = func(c *config.Config) {
			if cfg.Apply != nil {
				cfg.Apply(c)
			}
			if c.Upstream.URL == "" {
				c.Upstream.URL = echoUpstream.URL()
			}
		}
	}
	if err := appCfg.Validate(); err != nil {
		return formatConfigError(err)
	}

	f := cfg.Factory
	if f == nil {
		f = factory.NewDefaultFactory(logger.WithModule("factory"))
	}
	manager, err := NewManager(appCfg, func() (*config.Config, error) {
		return LoadConfig(cfg.ConfigPath, apply)
	}, f, logger.WithModule("manager"))
	if err != nil {
		return formatConfigError(err)
	}
	defer func() { _ = manager.Close() }()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot reload (100ms debounce) only when a file backs the configuration.
	if cfg.ConfigPath != "" {
		watcher, err := filewatcher.NewWatcher(cfg.ConfigPath, 100*time.Millisecond)
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		watcher.AddListener(manager)
		go func() {
			if err := watcher.Start(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("File watcher error", "error", err)
			}
		}()
		logger.Info("File watcher initialized for hot reload", "config_file", cfg.ConfigPath)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           manager.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
			return
		}
		errChan <- nil
	}()
	logStartup(logger, appCfg, cfg.Port)

	select {
	case <-sigCtx.Done():
		logger.Info("Shutdown signal received, stopping server...")
		manager.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := <-errChan; err != nil {
			return err
		}
	case err := <-errChan:
		if err != nil {
			logger.Error("Server stopped with error", "error", err)
			return err
		}
	}

	logger.Info("Server stopped successfully")
	return nil
}

// logStartup prints where the application and its sign-in pages are reachable.
func logStartup(logger logging.Logger, cfg *config.Config, port int) {
	base := fmt.Sprintf("http://localhost:%d", port)
	uiBase := base + strings.TrimSuffix(cfg.Server.Prefix, "/")
	if cfg.Server.Mode == config.ModeTunnel {
		base = cfg.Upstream.URL
		uiBase = strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	logger.Info("idgate is ready",
		"mode", cfg.Server.Mode,
		"upstream", cfg.Upstream.URL,
		"app", base,
		"login", uiBase+ui.PathLogin,
		"registration", uiBase+ui.PathRegistration,
	)
}

// formatConfigError renders validation failures with one problem per line.
func formatConfigError(err error) error {
	var validationErr *config.ValidationError
	if errors.As(err, &validationErr) {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(validationErr.Errors)))
		for i, e := range validationErr.Errors {
			sb.WriteString(fmt.Sprintf("  %d. %v\n", i+1, e))
		}
		sb.WriteString("\nPlease fix the errors above in your configuration file or flags.")
		return errors.New(sb.String())
	}
	if errors.Is(err, config.ErrConfigFileNotFound) {
		return fmt.Errorf("%v - create the file or pass the correct path with --config", err)
	}
	return fmt.Errorf("failed to initialize: %w", err)
}
