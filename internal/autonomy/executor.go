package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/trust"
)

// Applier performs the actual change described by a proposal. The
// implementation must be atomic: either the change fully lands or the
// target is left as it was. The executor snapshots around the call but
// does not repair a half-applied change.
type Applier interface {
	Apply(ctx context.Context, p *Proposal) error
}

// Executor runs approved proposals with snapshot capture and issues the
// rollback tokens that can undo them.
type Executor struct {
	store       *Store
	snapshots   *FileSnapshotStore
	snapshotter Snapshotter
	applier     Applier
	authorizer  *trust.Authorizer
	scopes      *trust.Store
	audit       *audit.Store
	tokenTTL    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor wires the executor. tokenTTL bounds how long a rollback
// token stays valid after execution.
func NewExecutor(store *Store, snapshots *FileSnapshotStore, snapshotter Snapshotter, applier Applier,
	authorizer *trust.Authorizer, scopes *trust.Store, auditStore *audit.Store, tokenTTL time.Duration) *Executor {
	return &Executor{
		store:       store,
		snapshots:   snapshots,
		snapshotter: snapshotter,
		applier:     applier,
		authorizer:  authorizer,
		scopes:      scopes,
		audit:       auditStore,
		tokenTTL:    tokenTTL,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Approve moves a pending proposal to approved.
func (e *Executor) Approve(ctx context.Context, proposalID string) (*Proposal, error) {
	return e.store.MoveStatus(ctx, proposalID, ProposalPending, ProposalApproved)
}

// Reject moves a pending proposal to rejected.
func (e *Executor) Reject(ctx context.Context, proposalID string) (*Proposal, error) {
	return e.store.MoveStatus(ctx, proposalID, ProposalPending, ProposalRejected)
}

// Execute runs an approved proposal: authorize against the client's trust
// scope, capture the before snapshot, apply, capture the after snapshot,
// and mint the rollback token. A failed apply records the execution with
// its error and leaves the proposal approved so it can be retried.
func (e *Executor) Execute(ctx context.Context, proposalID, actor string) (*Execution, *RollbackToken, error) {
	ctx, span := tracer.Start(ctx, "autonomy.execute",
		trace.WithAttributes(attribute.String("proposal.id", proposalID)))
	defer span.End()

	lock := e.lockFor(proposalID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != ProposalApproved {
		return nil, nil, fmt.Errorf("%w: wanted %s, have %s", ErrWrongStatus, ProposalApproved, p.Status)
	}

	scope, err := e.scopes.GetByClient(ctx, p.ClientID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading trust scope for %s: %w", p.ClientID, err)
	}
	decision, err := e.authorizer.Authorize(ctx, scope, trust.ChangeRequest{
		Domain:     p.Domain,
		ChangeType: p.ChangeType,
		RiskLevel:  p.RiskLevel,
	})
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allowed {
		span.SetAttributes(attribute.String("trust.deny_reason", decision.Reason))
		return nil, nil, fmt.Errorf("trust scope denies execution: %s (%s)", decision.Reason, decision.Detail)
	}

	exec := &Execution{ProposalID: p.ID, StartedAt: time.Now().UTC()}

	beforeState, err := e.snapshotter.Capture(ctx, p.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("capturing before snapshot: %w", err)
	}
	before, err := e.snapshots.Save(p.ID, SnapshotBefore, beforeState)
	if err != nil {
		return nil, nil, err
	}
	exec.BeforeSnapshotID = before.ID

	if err := e.applier.Apply(ctx, p); err != nil {
		exec.Success = false
		exec.Error = err.Error()
		exec.FinishedAt = time.Now().UTC()
		if recErr := e.store.RecordExecution(ctx, exec); recErr != nil {
			return nil, nil, recErr
		}
		if recErr := e.recordEvent(ctx, actor, audit.EventProposalFailed, p, exec); recErr != nil {
			return nil, nil, recErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		log.Error().Err(err).Str("proposal_id", p.ID).Msg("proposal_apply_failed")
		return exec, nil, nil
	}

	afterState, err := e.snapshotter.Capture(ctx, p.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("capturing after snapshot: %w", err)
	}
	after, err := e.snapshots.Save(p.ID, SnapshotAfter, afterState)
	if err != nil {
		return nil, nil, err
	}
	exec.AfterSnapshotID = after.ID
	exec.Success = true
	exec.FinishedAt = time.Now().UTC()

	if _, err := e.store.MoveStatus(ctx, p.ID, ProposalApproved, ProposalExecuted); err != nil {
		return nil, nil, err
	}
	if err := e.store.RecordExecution(ctx, exec); err != nil {
		return nil, nil, err
	}

	token, err := e.store.IssueToken(ctx, p.ID, before.ID, e.tokenTTL)
	if err != nil {
		return nil, nil, err
	}

	if err := e.recordEvent(ctx, actor, audit.EventProposalExecuted, p, exec); err != nil {
		return nil, nil, err
	}

	log.Info().
		Str("proposal_id", p.ID).
		Str("execution_id", exec.ID).
		Str("client_id", p.ClientID).
		Msg("proposal_executed")

	return exec, token, nil
}

// Rollback restores the before state using a single-use token. The token
// is consumed only after the restore has landed, so a transient load or
// restore failure leaves it valid for retry. A repeat call for a proposal
// that has already been rolled back is an idempotent no-op; any other
// spent or expired token is an error.
func (e *Executor) Rollback(ctx context.Context, token, actor string) (*Proposal, error) {
	ctx, span := tracer.Start(ctx, "autonomy.rollback")
	defer span.End()

	t, err := e.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Used {
		if p, ok := e.rolledBackFor(ctx, token); ok {
			return p, nil
		}
		return nil, ErrTokenSpent
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		return nil, ErrTokenSpent
	}

	lock := e.lockFor(t.ProposalID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetProposal(ctx, t.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.Status == ProposalRolledBack {
		// Raced with a rollback that completed while we waited for the lock.
		return p, nil
	}

	state, err := e.snapshots.Load(t.SnapshotID)
	if err != nil {
		return nil, err
	}
	if err := e.snapshotter.Restore(ctx, p.Target, state); err != nil {
		return nil, fmt.Errorf("restoring snapshot: %w", err)
	}

	p, err = e.store.MoveStatus(ctx, t.ProposalID, ProposalExecuted, ProposalRolledBack)
	if err != nil {
		return nil, err
	}
	if err := e.store.MarkTokenUsed(ctx, token); err != nil {
		return nil, err
	}

	if err := e.recordEvent(ctx, actor, audit.EventProposalRollback, p, nil); err != nil {
		return nil, err
	}

	log.Info().
		Str("proposal_id", p.ID).
		Str("snapshot_id", t.SnapshotID).
		Msg("proposal_rolled_back")

	return p, nil
}

// rolledBackFor checks whether a spent token belongs to a proposal that
// already completed its rollback.
func (e *Executor) rolledBackFor(ctx context.Context, token string) (*Proposal, bool) {
	var proposalID string
	err := e.store.db.QueryRowContext(ctx,
		`SELECT proposal_id FROM rollback_tokens WHERE token = ? AND used = 1`, token,
	).Scan(&proposalID)
	if err != nil {
		return nil, false
	}
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil || p.Status != ProposalRolledBack {
		return nil, false
	}
	return p, true
}

func (e *Executor) lockFor(proposalID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[proposalID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[proposalID] = lock
	}
	return lock
}

func (e *Executor) recordEvent(ctx context.Context, actor, eventType string, p *Proposal, exec *Execution) error {
	payload, err := json.Marshal(map[string]interface{}{
		"proposal":  p,
		"execution": exec,
	})
	if err != nil {
		return fmt.Errorf("marshaling proposal event: %w", err)
	}
	entry := &audit.Entry{
		Actor:     actor,
		EventType: eventType,
		Payload:   payload,
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("recording proposal event: %w", err)
	}
	return nil
}
