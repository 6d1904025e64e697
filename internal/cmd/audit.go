package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/config"
)

var (
	auditActor     string
	auditWorkspace string
	auditSession   string
	auditEvent     string
	auditLimit     int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [entry-id]",
	Short: "Verify HMAC signature of an audit entry",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor")
	auditListCmd.Flags().StringVar(&auditWorkspace, "workspace", "", "Filter by workspace")
	auditListCmd.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "Filter by event type")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum entries to show")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	entries, err := store.List(ctx, audit.Filter{
		Actor:     auditActor,
		Workspace: auditWorkspace,
		SessionID: auditSession,
		EventType: auditEvent,
		Limit:     auditLimit,
	})
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}
	renderAuditList(os.Stdout, entries)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	entryID := args[0]

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, entryID)
	if err != nil {
		return fmt.Errorf("verifying audit entry: %w", err)
	}
	renderVerifyResult(os.Stdout, entryID, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", entryID)
	}
	return nil
}

// renderAuditList writes audit entry lines to w (testable).
func renderAuditList(w io.Writer, entries []audit.Entry) {
	fmt.Fprintf(w, "Audit Entries (showing %d):\n\n", len(entries))
	for i := range entries {
		e := &entries[i]
		session := e.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "  %s | %s | %s | %s | %s\n",
			e.ID,
			e.Timestamp.Format("2006-01-02 15:04:05"),
			e.EventType,
			e.Actor,
			session,
		)
	}
}

// renderVerifyResult writes verify outcome to w (testable).
func renderVerifyResult(w io.Writer, entryID string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Entry %s: signature VALID (HMAC-SHA256 intact)\n", entryID)
	} else {
		fmt.Fprintf(w, "✗ Entry %s: signature INVALID (possible tampering)\n", entryID)
	}
}
