package cli

import (
	"fmt"
	"log"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tokenissuer/tokenissuer/internal/api"
	"github.com/tokenissuer/tokenissuer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration file",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file, substitute environment variables, apply
defaults and report the effective settings or the first validation error.

Example:
  tokenissuer config validate --config config.yaml`,
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	RootCmd.AddCommand(configCmd)
}

// ConfigSummary is the effective configuration reported by config validate.
// API keys are masked.
type ConfigSummary struct {
	Path           string   `json:"path"`
	Valid          bool     `json:"valid"`
	Addr           string   `json:"addr"`
	TLS            bool     `json:"tls"`
	LogLevel       string   `json:"log_level"`
	IssuePath      string   `json:"issue_path"`
	MaxBodyBytes   int64    `json:"max_body_bytes"`
	AuthEnabled    bool     `json:"auth_enabled"`
	APIKeys        []string `json:"api_keys,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm"`
	AuditEnabled   bool     `json:"audit_enabled"`
	AuditPath      string   `json:"audit_path,omitempty"`
	MetricsEnabled bool     `json:"metrics_enabled"`
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(globalFlags.Config).Load()
	if err != nil {
		if globalFlags.JSON {
			_ = writeJSON(cmd.OutOrStdout(), map[string]interface{}{
				"path":  globalFlags.Config,
				"valid": false,
				"error": err.Error(),
			})
		}
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	summary := summarizeConfig(globalFlags.Config, cfg)
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), summary)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Config\t%s\n", summary.Path)
	fmt.Fprintf(w, "Listen\t%s (tls: %t)\n", summary.Addr, summary.TLS)
	fmt.Fprintf(w, "Log level\t%s\n", summary.LogLevel)
	fmt.Fprintf(w, "Issue path\t%s\n", summary.IssuePath)
	fmt.Fprintf(w, "Max body\t%d bytes\n", summary.MaxBodyBytes)
	fmt.Fprintf(w, "Auth\t%t (%d keys)\n", summary.AuthEnabled, len(summary.APIKeys))
	fmt.Fprintf(w, "Rate limit\t%d rpm\n", summary.RateLimitRPM)
	fmt.Fprintf(w, "Audit\t%t %s\n", summary.AuditEnabled, summary.AuditPath)
	fmt.Fprintf(w, "Metrics\t%t\n", summary.MetricsEnabled)
	if err := w.Flush(); err != nil {
		log.Printf("Error flushing tabwriter: %v", err)
	}

	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration is valid")
	return nil
}

func summarizeConfig(path string, cfg *config.Config) ConfigSummary {
	return ConfigSummary{
		Path:           path,
		Valid:          true,
		Addr:           cfg.Server.Addr(),
		TLS:            cfg.Server.TLS.Enabled,
		LogLevel:       cfg.Server.LogLevel,
		IssuePath:      cfg.API.IssuePath,
		MaxBodyBytes:   cfg.API.MaxBodyBytes,
		AuthEnabled:    cfg.API.Auth.Enabled,
		APIKeys:        api.MaskAPIKeys(cfg.API.ActiveAPIKeys()),
		RateLimitRPM:   cfg.API.RateLimit.RequestsPerMinute,
		AuditEnabled:   cfg.Audit.Enabled,
		AuditPath:      cfg.Audit.Path,
		MetricsEnabled: cfg.Metrics.Enabled,
	}
}
