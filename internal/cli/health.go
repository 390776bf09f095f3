package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenissuer/tokenissuer/internal/client"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Aliases: []string{"check", "status"},
	Short:   "Check a remote issuer",
	Long: `Call the health endpoint of a running issuer.

Example:
  tokenissuer health --endpoint http://localhost:8080`,
	RunE: runHealth,
}

var healthFlags struct {
	Endpoint string
	Timeout  time.Duration
}

func init() {
	healthCmd.Flags().StringVar(&healthFlags.Endpoint, "endpoint", "http://localhost:8080", "Base URL of the issuer")
	healthCmd.Flags().DurationVar(&healthFlags.Timeout, "timeout", 10*time.Second, "Request timeout")

	RootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), healthFlags.Timeout)
	defer cancel()

	c := client.New(healthFlags.Endpoint, client.WithTimeout(healthFlags.Timeout))
	defer c.Close()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("issuer at %s is unhealthy: %w", healthFlags.Endpoint, err)
	}

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), health)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is %s (version %s)\n", healthFlags.Endpoint, health.Status, health.Version)
	return nil
}
