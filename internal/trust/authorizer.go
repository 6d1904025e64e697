package trust

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Denial reasons, stable strings for audit payloads and API responses.
const (
	ReasonScopeNotActive  = "scope_not_active"
	ReasonDomainDisabled  = "domain_not_enabled"
	ReasonChangeForbidden = "change_forbidden"
	ReasonChangeNotListed = "change_not_allowed"
	ReasonRiskCeiling     = "risk_exceeds_ceiling"
	ReasonOutsideWindow   = "outside_execution_window"
	ReasonBudgetExhausted = "daily_budget_exhausted"
)

// Decision is the result of a trust authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// ChangeRequest describes one proposed change against a client's estate.
type ChangeRequest struct {
	Domain     string
	ChangeType string
	RiskLevel  string
}

// Authorizer answers whether a trust scope permits a proposed change.
type Authorizer struct {
	store *Store
	now   func() time.Time
}

// NewAuthorizer creates an authorizer backed by the scope store.
func NewAuthorizer(store *Store) *Authorizer {
	return &Authorizer{store: store, now: time.Now}
}

// Authorize runs the ordered checks and returns the first failure. The
// order is fixed: scope state, domain enablement, forbidden list, allowed
// list, risk ceiling, execution window, then the daily budget. Forbidden
// beats allowed when a change type appears on both lists. Only a request
// that passes everything consumes a budget slot; denials are free.
func (a *Authorizer) Authorize(ctx context.Context, scope *Scope, req ChangeRequest) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "trust.authorize",
		trace.WithAttributes(
			attribute.String("trust.scope_id", scope.ID),
			attribute.String("trust.domain", req.Domain),
			attribute.String("trust.change_type", req.ChangeType),
		))
	defer span.End()

	if scope.State != StateActive {
		return deny(span, ReasonScopeNotActive, fmt.Sprintf("scope is %s", scope.State)), nil
	}

	grant, ok := scope.Grant(req.Domain)
	if !ok || !grant.Enabled {
		return deny(span, ReasonDomainDisabled, fmt.Sprintf("domain %s is not enabled", req.Domain)), nil
	}

	if containsFold(grant.ForbiddenChanges, req.ChangeType) {
		return deny(span, ReasonChangeForbidden, fmt.Sprintf("%s is forbidden on %s", req.ChangeType, req.Domain)), nil
	}

	if !containsFold(grant.AllowedChanges, req.ChangeType) {
		return deny(span, ReasonChangeNotListed, fmt.Sprintf("%s is not in the allowed changes for %s", req.ChangeType, req.Domain)), nil
	}

	ceiling, err := ParseLevel(scope.MaxRiskLevel)
	if err != nil {
		return nil, fmt.Errorf("scope %s has invalid risk ceiling: %w", scope.ID, err)
	}
	level, err := ParseLevel(req.RiskLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid request risk level: %w", err)
	}
	if level > ceiling {
		return deny(span, ReasonRiskCeiling, fmt.Sprintf("change risk %s exceeds ceiling %s", level, ceiling)), nil
	}

	now := a.now()
	inWindow, err := scope.Window.Contains(now)
	if err != nil {
		return nil, err
	}
	if !inWindow {
		return deny(span, ReasonOutsideWindow,
			fmt.Sprintf("outside window %s-%s %s", scope.Window.Start, scope.Window.End, scope.Window.Timezone)), nil
	}

	admitted, count, err := a.store.TryConsumeDailyAction(ctx, scope, req.Domain, now)
	if err != nil {
		return nil, err
	}
	if !admitted {
		return deny(span, ReasonBudgetExhausted,
			fmt.Sprintf("%d of %d daily actions used", count, scope.MaxDailyActions)), nil
	}

	span.SetAttributes(attribute.Bool("trust.allowed", true))
	return &Decision{Allowed: true}, nil
}

func deny(span trace.Span, reason, detail string) *Decision {
	span.SetAttributes(
		attribute.Bool("trust.allowed", false),
		attribute.String("trust.deny_reason", reason),
	)
	return &Decision{Allowed: false, Reason: reason, Detail: detail}
}
