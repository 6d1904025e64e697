// Package sandbox enforces the hard execution limits of a governed agent
// session: the action deny-list, the origin allow-list, the per-session
// rate limit, and the step and time ceilings. Violations are recorded in
// the audit trail before any control-flow decision is returned.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/sandbox")

// Violation records a sandbox breach. Appended to the audit log; never
// mutated afterwards.
type Violation struct {
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Retryable reports whether the action may be retried after backoff.
// Only rate limiting is transient.
func (v *Violation) Retryable() bool {
	return v.Type == policy.ViolationRateLimit
}

// EndsSession reports whether the violation terminates the whole session
// rather than just the offending action.
func (v *Violation) EndsSession() bool {
	return v.Type == policy.ViolationMaxSteps || v.Type == policy.ViolationTimeout
}

// Result is the outcome of validating a single action.
type Result struct {
	Allowed   bool       `json:"allowed"`
	Violation *Violation `json:"violation,omitempty"`
}

// Enforcer applies sandbox policy to proposed actions. The OPA engine
// evaluates the rules; the enforcer owns the mutable counters and the
// audit writes.
type Enforcer struct {
	engine   *policy.Engine
	sessions *Manager
	rates    *WindowCounter
	audit    *audit.Store
}

// NewEnforcer creates an enforcer bound to a session manager and audit
// store. The per-session rate window is fixed at one minute; the limit
// inside it comes from policy.
func NewEnforcer(engine *policy.Engine, sessions *Manager, auditStore *audit.Store) *Enforcer {
	return &Enforcer{
		engine:   engine,
		sessions: sessions,
		rates:    NewWindowCounter(time.Minute),
		audit:    auditStore,
	}
}

// ValidateAction checks one proposed action against the sandbox rules in
// their fixed order. On a violation, the audit entry is appended before
// the result is returned; an audit failure is fatal to the caller.
// On success the action's rate slot and step are consumed.
func (e *Enforcer) ValidateAction(ctx context.Context, sess *Session, actionType, targetURL string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "sandbox.validate_action",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("action.type", actionType),
		))
	defer span.End()

	verdict, err := e.engine.CheckAction(ctx, policy.ActionInput{
		ActionType:      actionType,
		OriginHost:      hostOf(targetURL),
		ActionsInWindow: e.rates.Count(sess.ID),
		StepCount:       sess.StepCount,
		ElapsedMS:       e.sessions.Elapsed(sess).Milliseconds(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating sandbox rules: %w", err)
	}

	if verdict.Allowed {
		// The counter is the authoritative rate gate; a concurrent
		// admission between the rule evaluation and here still denies.
		if ok, n := e.rates.TryAdd(sess.ID, e.engine.Policy().Sandbox.ActionsPerMinute); !ok {
			verdict = &policy.Verdict{
				Allowed:   false,
				Violation: policy.ViolationRateLimit,
				Reasons:   []string{fmt.Sprintf("rate limit reached: %d actions in the current 60s window", n)},
			}
		}
	}

	if verdict.Allowed {
		e.sessions.IncrementStep(sess.ID)
		span.SetStatus(codes.Ok, "action admitted")
		return &Result{Allowed: true}, nil
	}

	v := &Violation{
		Type:      verdict.Violation,
		Message:   strings.Join(verdict.Reasons, "; "),
		Timestamp: time.Now().UTC(),
		Context: map[string]string{
			"session_id":  sess.ID,
			"action_type": actionType,
			"target_url":  targetURL,
		},
	}

	if err := e.recordViolation(ctx, sess, v); err != nil {
		return nil, err
	}

	if v.EndsSession() {
		reason := EndMaxSteps
		if v.Type == policy.ViolationTimeout {
			reason = EndTimeout
		}
		e.sessions.End(sess.ID, reason)
	}

	span.SetAttributes(attribute.String("sandbox.violation", v.Type))
	return &Result{Allowed: false, Violation: v}, nil
}

// recordViolation appends the violation to the audit trail. Audit
// durability is a safety guarantee, so failure here propagates as fatal.
func (e *Enforcer) recordViolation(ctx context.Context, sess *Session, v *Violation) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling violation: %w", err)
	}
	entry := &audit.Entry{
		Actor:     sess.User,
		EventType: audit.EventViolation,
		SessionID: sess.ID,
		Workspace: sess.Workspace,
		Payload:   payload,
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("recording violation: %w", err)
	}
	return nil
}

// hostOf extracts the lowercased hostname from a URL, or "" when the
// action has no parseable target.
func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
