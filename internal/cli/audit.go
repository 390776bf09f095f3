package cli

import (
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tokenissuer/tokenissuer/internal/config"
	"github.com/tokenissuer/tokenissuer/internal/logging"
)

const defaultAuditPath = "./data/audit.db"

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the issuance audit trail",
}

var auditListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List audit events, newest first",
	Long: `List issuance audit events from the SQLite audit database.

Examples:
  tokenissuer audit list --limit 20
  tokenissuer audit list --type TOKEN_FAILED --since 24h
  tokenissuer audit list --principal svc@project.iam.gserviceaccount.com --json`,
	RunE: runAuditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show EVENT_ID",
	Short: "Show a single audit event",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditShow,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit events older than a duration",
	RunE:  runAuditPrune,
}

var auditFlags struct {
	Limit         int
	EventType     string
	Principal     string
	Status        string
	CorrelationID string
	Since         time.Duration
	OlderThan     time.Duration
}

func init() {
	auditListCmd.Flags().IntVar(&auditFlags.Limit, "limit", 50, "Maximum number of events")
	auditListCmd.Flags().StringVar(&auditFlags.EventType, "type", "", "Filter by event type (e.g. TOKEN_ISSUED)")
	auditListCmd.Flags().StringVar(&auditFlags.Principal, "principal", "", "Filter by service account email")
	auditListCmd.Flags().StringVar(&auditFlags.Status, "status", "", "Filter by status (success or failure)")
	auditListCmd.Flags().StringVar(&auditFlags.CorrelationID, "correlation-id", "", "Filter by correlation ID")
	auditListCmd.Flags().DurationVar(&auditFlags.Since, "since", 0, "Only events newer than this duration")
	auditPruneCmd.Flags().DurationVar(&auditFlags.OlderThan, "older-than", 30*24*time.Hour, "Delete events older than this duration")

	auditCmd.AddCommand(auditListCmd, auditShowCmd, auditPruneCmd)
	RootCmd.AddCommand(auditCmd)
}

// auditDBPath resolves the audit database from --db, then the config file.
func auditDBPath() string {
	if globalFlags.DBPath != "" {
		return globalFlags.DBPath
	}
	cfg, err := config.NewLoader(globalFlags.Config).LoadOrDefault()
	if err == nil && cfg.Audit.Path != "" {
		return cfg.Audit.Path
	}
	return defaultAuditPath
}

func openAuditStore() (*logging.SQLiteAuditStore, error) {
	path := auditDBPath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit database not found at %s: %w", path, err)
	}
	store, err := logging.NewSQLiteAuditStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return store, nil
}

func auditFiltersFromFlags(now time.Time) logging.AuditQueryFilters {
	filters := logging.AuditQueryFilters{
		EventType:     strings.ToUpper(auditFlags.EventType),
		Principal:     auditFlags.Principal,
		Status:        strings.ToLower(auditFlags.Status),
		CorrelationID: auditFlags.CorrelationID,
		Limit:         auditFlags.Limit,
		OrderDesc:     true,
	}
	if auditFlags.Since > 0 {
		filters.Since = now.Add(-auditFlags.Since)
	}
	return filters
}

func runAuditList(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.QueryEvents(cmd.Context(), auditFiltersFromFlags(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to query audit events: %w", err)
	}

	if globalFlags.JSON {
		if events == nil {
			events = []*logging.AuditEvent{}
		}
		return writeJSON(cmd.OutOrStdout(), events)
	}

	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit events found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSTATUS\tPRINCIPAL\tIP\tCODE\tERROR")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.RFC3339),
			e.EventType,
			e.Status,
			orDash(e.Principal),
			orDash(e.IPAddress),
			orDash(detailString(e.Details, "status")),
			orDash(truncate(e.ErrorMessage, 60)),
		)
	}
	if err := w.Flush(); err != nil {
		log.Printf("Error flushing tabwriter: %v", err)
	}
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	event, err := store.GetEventByID(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load audit event: %w", err)
	}
	if event == nil {
		return fmt.Errorf("audit event %s not found", args[0])
	}
	return writeJSON(cmd.OutOrStdout(), event)
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	if auditFlags.OlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	deleted, err := store.CleanupOldEvents(cmd.Context(), auditFlags.OlderThan)
	if err != nil {
		return fmt.Errorf("failed to prune audit events: %w", err)
	}
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), map[string]int64{"deleted": deleted})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit events\n", deleted)
	return nil
}

func detailString(details map[string]interface{}, key string) string {
	v, ok := details[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
