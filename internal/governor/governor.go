// Package governor orchestrates the governance pipeline for a plan of
// agent actions: sandbox enforcement, critical-point detection, risk
// scoring, the human approval gate, execution, and the audit trail.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/action"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/approval"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/critical"
	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/risk"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/sandbox"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/governor")

// Step outcomes. Every step that reaches a terminal outcome gets exactly
// one outcome entry in the audit trail; sandbox violation records are a
// separate event type and do not count against that.
const (
	OutcomeExecuted    = "executed"
	OutcomeBlocked     = "blocked"
	OutcomeSkipped     = "skipped"
	OutcomeRejected    = "rejected"
	OutcomeFailed      = "failed"
	OutcomeNotExecuted = "not_executed"
)

// StepApplier performs an admitted action against the live target. The
// governed agent supplies the implementation.
type StepApplier interface {
	Apply(ctx context.Context, act *action.Action) error
}

// StepResult is the pipeline outcome for one plan step.
type StepResult struct {
	ActionID   string              `json:"action_id"`
	ActionType string              `json:"action_type"`
	Outcome    string              `json:"outcome"`
	Assessment risk.StepAssessment `json:"assessment"`
	Violation  *sandbox.Violation  `json:"violation,omitempty"`
	ApprovalID string              `json:"approval_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// PlanResult is the pipeline outcome for a whole plan.
type PlanResult struct {
	PlanID     string              `json:"plan_id"`
	SessionID  string              `json:"session_id"`
	Assessment risk.PlanAssessment `json:"assessment"`
	Steps      []StepResult        `json:"steps"`
	Aborted    bool                `json:"aborted"`
}

// Governor wires the pipeline stages together.
type Governor struct {
	pol      *policy.Policy
	sessions *sandbox.Manager
	enforcer *sandbox.Enforcer
	detector *critical.Detector
	scorer   *risk.Scorer
	gate     *approval.Gate
	audit    *audit.Store
}

// New creates a governor over already-constructed stages.
func New(pol *policy.Policy, sessions *sandbox.Manager, enforcer *sandbox.Enforcer,
	detector *critical.Detector, scorer *risk.Scorer, gate *approval.Gate, auditStore *audit.Store) *Governor {
	return &Governor{
		pol:      pol,
		sessions: sessions,
		enforcer: enforcer,
		detector: detector,
		scorer:   scorer,
		gate:     gate,
		audit:    auditStore,
	}
}

// StartSession opens a governed session and records it.
func (g *Governor) StartSession(ctx context.Context, user, workspace string) (*sandbox.Session, error) {
	sess, err := g.sessions.Start(user, workspace)
	if err != nil {
		return nil, err
	}
	entry := &audit.Entry{
		Actor:     user,
		EventType: audit.EventSessionStarted,
		SessionID: sess.ID,
		Workspace: workspace,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		return nil, err
	}
	return sess, nil
}

// RunPlan validates and executes a plan inside a session. The plan is
// scored as a whole first; a blocked plan executes nothing. Steps then
// run strictly sequentially. Cancellation, whether from the context or a
// session stop, is observed at step boundaries only.
func (g *Governor) RunPlan(ctx context.Context, sess *sandbox.Session, plan *action.Plan, applier StepApplier) (*PlanResult, error) {
	ctx, span := tracer.Start(ctx, "governor.run_plan",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("plan.id", plan.ID),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	matches := make([][]critical.Match, len(plan.Steps))
	stepAssessments := make([]risk.StepAssessment, len(plan.Steps))
	for i := range plan.Steps {
		matches[i] = g.detector.Detect(ctx, &plan.Steps[i])
		stepAssessments[i] = g.scorer.ScoreStep(ctx, &plan.Steps[i], matches[i])
	}
	assessment := g.scorer.ScorePlan(ctx, plan, stepAssessments)

	result := &PlanResult{
		PlanID:     plan.ID,
		SessionID:  sess.ID,
		Assessment: assessment,
		Steps:      make([]StepResult, len(plan.Steps)),
	}
	for i := range plan.Steps {
		result.Steps[i] = StepResult{
			ActionID:   plan.Steps[i].ID,
			ActionType: plan.Steps[i].Type,
			Outcome:    OutcomeNotExecuted,
			Assessment: stepAssessments[i],
		}
	}

	if assessment.Blocked {
		result.Aborted = true
		if err := g.recordPlanRejected(ctx, sess, plan, assessment); err != nil {
			return nil, err
		}
		g.endSession(ctx, sess, sandbox.EndCompleted)
		return result, nil
	}

	abort := false
	for i := range plan.Steps {
		if abort || ctx.Err() != nil || g.sessions.Cancelled(sess.ID) {
			if abort {
				result.Steps[i].Outcome = OutcomeSkipped
				if err := g.recordOutcome(ctx, sess, &plan.Steps[i], &result.Steps[i]); err != nil {
					return nil, err
				}
			}
			continue
		}

		if err := g.runStep(ctx, sess, &plan.Steps[i], matches[i], &result.Steps[i], applier); err != nil {
			return nil, err
		}

		switch result.Steps[i].Outcome {
		case OutcomeRejected:
			if abortOnRejection(matches[i]) {
				abort = true
				result.Aborted = true
			}
		case OutcomeBlocked:
			if result.Steps[i].Violation != nil && result.Steps[i].Violation.EndsSession() {
				result.Aborted = true
				return result, nil
			}
		}
	}

	g.endSession(ctx, sess, sandbox.EndCompleted)
	return result, nil
}

// runStep takes one action through sandbox, approval, and execution, and
// writes its single terminal outcome entry.
func (g *Governor) runStep(ctx context.Context, sess *sandbox.Session, act *action.Action,
	stepMatches []critical.Match, res *StepResult, applier StepApplier) error {

	verdict, err := g.enforcer.ValidateAction(ctx, sess, act.Type, act.TargetURL)
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		res.Outcome = OutcomeBlocked
		res.Violation = verdict.Violation
		return g.recordOutcome(ctx, sess, act, res)
	}

	if res.Assessment.RequiresApproval {
		req := &approval.Request{
			SessionID:  sess.ID,
			ActionID:   act.ID,
			ActionType: act.Type,
			Context: approval.Context{
				RiskScore:   res.Assessment.Score,
				RiskFactors: res.Assessment.RiskFactors,
				Description: act.Description,
				TargetURL:   act.TargetURL,
			},
		}
		if top, ok := critical.HighestMatch(stepMatches); ok {
			req.Context.Category = top.Category
			req.Context.MatchedClass = top.MatchedClass
		}

		req, err := g.gate.Submit(ctx, req)
		if err != nil {
			return err
		}
		res.ApprovalID = req.ID

		resolved, err := g.gate.Await(ctx, req.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				res.Outcome = OutcomeSkipped
				res.Error = "cancelled while awaiting approval"
				return g.recordOutcome(ctx, sess, act, res)
			}
			return err
		}

		switch resolved.Status {
		case approval.StatusApproved:
			// fall through to execution
		case approval.StatusRejected:
			res.Outcome = OutcomeRejected
			return g.recordOutcome(ctx, sess, act, res)
		case approval.StatusTimedOut:
			res.Outcome = OutcomeRejected
			res.Error = "approval deadline passed"
			return g.recordOutcome(ctx, sess, act, res)
		default:
			return fmt.Errorf("approval %s resolved to unexpected status %s", resolved.ID, resolved.Status)
		}
	}

	stepCtx := ctx
	if timeout := g.pol.Sandbox.StepTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := applier.Apply(stepCtx, act); err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return g.recordOutcome(ctx, sess, act, res)
	}

	res.Outcome = OutcomeExecuted
	return g.recordOutcome(ctx, sess, act, res)
}

// abortOnRejection decides plan continuation after a human rejection.
// Irreversible and destructive categories abort the remaining plan; for
// everything else the rejected step is skipped and the plan continues.
func abortOnRejection(matches []critical.Match) bool {
	for _, m := range matches {
		if m.Category == critical.CategoryIrreversible || m.Category == critical.CategoryDestructive {
			return true
		}
	}
	return false
}

// recordOutcome writes the single audit entry for a step's terminal
// outcome. The append happens before the result is surfaced, so a lost
// entry can never accompany a delivered decision.
func (g *Governor) recordOutcome(ctx context.Context, sess *sandbox.Session, act *action.Action, res *StepResult) error {
	eventType := map[string]string{
		OutcomeExecuted: audit.EventActionExecuted,
		OutcomeBlocked:  audit.EventActionBlocked,
		OutcomeSkipped:  audit.EventActionSkipped,
		OutcomeRejected: audit.EventActionRejected,
		OutcomeFailed:   audit.EventActionFailed,
	}[res.Outcome]
	if eventType == "" {
		return fmt.Errorf("no audit event for outcome %s", res.Outcome)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshaling step result: %w", err)
	}
	entry := &audit.Entry{
		Actor:     sess.User,
		EventType: eventType,
		SessionID: sess.ID,
		Workspace: sess.Workspace,
		Payload:   payload,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("recording step outcome: %w", err)
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("action_id", act.ID).
		Str("action_type", act.Type).
		Str("outcome", res.Outcome).
		Float64("risk_score", res.Assessment.Score).
		Msg("step_completed")
	return nil
}

func (g *Governor) recordPlanRejected(ctx context.Context, sess *sandbox.Session, plan *action.Plan, assessment risk.PlanAssessment) error {
	payload, err := json.Marshal(map[string]interface{}{
		"plan_id":    plan.ID,
		"assessment": assessment,
	})
	if err != nil {
		return fmt.Errorf("marshaling plan rejection: %w", err)
	}
	entry := &audit.Entry{
		Actor:     sess.User,
		EventType: audit.EventPlanRejected,
		SessionID: sess.ID,
		Workspace: sess.Workspace,
		Payload:   payload,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("recording plan rejection: %w", err)
	}
	log.Warn().
		Str("session_id", sess.ID).
		Str("plan_id", plan.ID).
		Strs("risk_factors", assessment.RiskFactors).
		Msg("plan_rejected")
	return nil
}

// endSession terminates the session and records it. Sessions already
// ended by a sandbox violation keep their original reason.
func (g *Governor) endSession(ctx context.Context, sess *sandbox.Session, reason string) {
	g.sessions.End(sess.ID, reason)
	ended, err := g.sessions.Get(sess.ID)
	if err != nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"end_reason": ended.EndReason,
		"step_count": ended.StepCount,
		"duration":   time.Since(ended.StartedAt).String(),
	})
	entry := &audit.Entry{
		Actor:     sess.User,
		EventType: audit.EventSessionEnded,
		SessionID: sess.ID,
		Workspace: sess.Workspace,
		Payload:   payload,
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("session_end_audit_failed")
	}
}
