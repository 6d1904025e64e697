package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/approval"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/config"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

var (
	approvalOperator string
	approvalComment  string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review pending approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE:  approvalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], approval.StatusApproved)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject [request-id]",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], approval.StatusRejected)
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalOperator, "operator", "cli", "Operator identity recorded on resolution")
	approvalsApproveCmd.Flags().StringVar(&approvalComment, "comment", "", "Resolution comment")
	approvalsRejectCmd.Flags().StringVar(&approvalComment, "comment", "", "Resolution comment")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsRejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func openApprovalGate() (*approval.Store, *approval.Gate, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := approval.NewStore(cfg.ApprovalDBPath())
	if err != nil {
		return nil, nil, nil, err
	}
	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}

	// CLI resolutions do not arm new deadlines, but the gate still wants
	// the configured timeout; fall back to defaults when aegis.yaml is
	// not in the working directory.
	approvalCfg := policy.ApprovalConfig{TimeoutMS: 300_000, AutoRejectOnTimeout: true}
	if pol, err := policy.LoadPolicy(context.Background(), cfg.GovernanceFile, false, "."); err == nil {
		approvalCfg = pol.Approval
	}
	gate := approval.NewGate(store, auditStore, approvalCfg)
	closeAll := func() {
		store.Close()
		auditStore.Close()
	}
	return store, gate, closeAll, nil
}

func approvalsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, _, closeAll, err := openApprovalGate()
	if err != nil {
		return fmt.Errorf("initializing approval store: %w", err)
	}
	defer closeAll()

	pending, err := store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("querying approvals: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending approval requests.")
		return nil
	}
	renderApprovalsList(os.Stdout, pending)
	return nil
}

func resolveApproval(cmd *cobra.Command, requestID, status string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, gate, closeAll, err := openApprovalGate()
	if err != nil {
		return fmt.Errorf("initializing approval store: %w", err)
	}
	defer closeAll()

	var req *approval.Request
	if status == approval.StatusApproved {
		req, err = gate.Approve(ctx, requestID, approvalOperator, approvalComment)
	} else {
		req, err = gate.Reject(ctx, requestID, approvalOperator, approvalComment)
	}
	if err != nil {
		return fmt.Errorf("resolving approval: %w", err)
	}

	fmt.Printf("✓ Request %s: %s by %s\n", req.ID, req.Status, req.ResolvedBy)
	return nil
}

// renderApprovalsList writes pending request lines to w (testable).
func renderApprovalsList(w io.Writer, pending []approval.Request) {
	fmt.Fprintf(w, "Pending Approvals (%d):\n\n", len(pending))
	for i := range pending {
		req := &pending[i]
		category := req.Context.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(w, "  %s | %s | %s | score %.0f | %s | deadline %s\n",
			req.ID,
			req.SessionID,
			req.ActionType,
			req.Context.RiskScore,
			category,
			req.Deadline.Format("15:04:05"),
		)
	}
}
