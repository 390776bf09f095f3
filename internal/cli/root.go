package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/tokenissuer/tokenissuer/internal/config"
)

// Version and BuildDate are set with -ldflags at build time.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "tokenissuer",
	Short: "TokenIssuer - BigQuery access tokens from service account keys",
	Long: `TokenIssuer exchanges a Google service account key for a short-lived
OAuth2 access token scoped to BigQuery.

It runs as an HTTP service or Cloud Function, mints tokens locally from a
key file, and keeps an audit trail of every issuance.

Usage:
  tokenissuer [command] [flags]

Available Commands:
  serve      Start the issuer HTTP server
  mint       Mint a token from a key file, locally or through a remote issuer
  health     Check a remote issuer
  config     Validate configuration
  audit      Inspect the issuance audit trail

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to the audit database (overrides config)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "tokenissuer [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", config.PathFromEnv(), "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", os.Getenv("TOKENISSUER_AUDIT_PATH"), "Path to the audit database (overrides config)")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of TokenIssuer",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

func printVersion(w io.Writer) {
	info := GetVersionInfo()
	if globalFlags.JSON {
		_ = writeJSON(w, info)
		return
	}
	fmt.Fprintln(w, "TokenIssuer Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	BuildDate string `json:"build_date"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}
