package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenissuer/tokenissuer/internal/api"
	"github.com/tokenissuer/tokenissuer/internal/config"
	"github.com/tokenissuer/tokenissuer/internal/errors"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the issuer HTTP server",
	Long: `Start the token issuer HTTP server.

The server accepts POST requests carrying service_account_info and answers
with a BigQuery-scoped access token. The configuration file is watched and
API keys and the log level are applied without a restart.

Example:
  tokenissuer serve --config config.yaml --port 8080`,
	RunE: runServe,
}

var serveFlags struct {
	Host       string
	Port       int
	Timeout    time.Duration
	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSVersion string
	NoWatch    bool
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 0), "Shutdown timeout (overrides config)")
	serveCmd.Flags().BoolVar(&serveFlags.TLS, "tls", false, "Enable TLS/HTTPS")
	serveCmd.Flags().StringVar(&serveFlags.TLSCert, "cert", "", "TLS certificate file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSKey, "key", "", "TLS key file path")
	serveCmd.Flags().StringVar(&serveFlags.TLSVersion, "tls-version", "", "Minimum TLS version (1.2 or 1.3)")
	serveCmd.Flags().BoolVar(&serveFlags.NoWatch, "no-watch", false, "Do not reload the configuration file on change")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(logging.WithService("tokenissuer"))
	if globalFlags.Verbose {
		logger.Info("starting token issuer", "config", globalFlags.Config, "version", Version)
	}

	loader := config.NewLoader(globalFlags.Config)
	loader.SetLogger(logger)
	cfg, err := loader.LoadOrDefault()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyServeOverrides(cfg); err != nil {
		return err
	}
	if cfg.Server.TLS.Enabled {
		if err := validateTLSConfig(cfg.Server.TLS); err != nil {
			return fmt.Errorf("invalid TLS configuration: %w", err)
		}
	}

	srv, err := api.Build(cfg, logger, Version)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if !serveFlags.NoWatch {
		if _, statErr := os.Stat(loader.Path()); statErr == nil {
			loader.SetOnChange(reloadHandler(srv, logger, loader.Path()))
			if err := loader.StartWatcher(ctx, 500*time.Millisecond); err != nil {
				logger.Warn("config watcher disabled", "error", err.Error())
			} else {
				defer loader.StopWatcher()
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := api.SetupSignalHandler()
	select {
	case err := <-errCh:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
		return nil
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-shutdownCtx.Done():
		return nil
	}
}

// applyServeOverrides copies command line flags over the loaded configuration
// and re-validates the result.
func applyServeOverrides(cfg *config.Config) error {
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if serveFlags.Timeout > 0 {
		cfg.Server.ShutdownTimeout = serveFlags.Timeout
	}
	if serveFlags.TLS {
		cfg.Server.TLS.Enabled = true
	}
	if serveFlags.TLSCert != "" {
		cfg.Server.TLS.CertFile = serveFlags.TLSCert
	}
	if serveFlags.TLSKey != "" {
		cfg.Server.TLS.KeyFile = serveFlags.TLSKey
	}
	if serveFlags.TLSVersion != "" {
		cfg.Server.TLS.MinVersion = serveFlags.TLSVersion
	}
	if globalFlags.DBPath != "" {
		cfg.Audit.Enabled = true
		cfg.Audit.Path = globalFlags.DBPath
	}

	if err := cfg.Validate(); err != nil {
		return &errors.ErrConfigValidation{Err: err}
	}
	return nil
}

// reloadHandler applies the parts of a reloaded configuration that can change
// without a restart: API keys and the log level. Listener, TLS and audit
// settings need a restart.
func reloadHandler(srv *api.Server, logger *logging.Logger, path string) func(*config.Config) {
	return func(cfg *config.Config) {
		srv.UpdateAPIKeys(cfg.API.ActiveAPIKeys())

		level, err := logging.ParseLevel(cfg.Server.LogLevel)
		if err == nil {
			logger.SetLevel(level)
		}

		event := logging.NewAuditEvent(logging.ConfigChange, "config_reload", logging.StatusSuccess).
			WithResource(path).
			WithDetails(map[string]interface{}{
				"auth_enabled": cfg.API.Auth.Enabled,
				"api_keys":     len(cfg.API.ActiveAPIKeys()),
				"log_level":    string(logger.Level()),
			})
		srv.AuditStore().SaveEventAsync(event)
	}
}

func validateTLSConfig(tls config.TLSConfig) error {
	if tls.CertFile == "" {
		return fmt.Errorf("TLS certificate file is required when TLS is enabled")
	}
	if tls.KeyFile == "" {
		return fmt.Errorf("TLS key file is required when TLS is enabled")
	}

	if _, err := os.Stat(tls.CertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file does not exist: %s", tls.CertFile)
	}
	if _, err := os.Stat(tls.KeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file does not exist: %s", tls.KeyFile)
	}

	if tls.MinVersion != "" && tls.MinVersion != "1.2" && tls.MinVersion != "1.3" {
		return fmt.Errorf("TLS min_version must be either \"1.2\" or \"1.3\", got: %s", tls.MinVersion)
	}

	return nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
