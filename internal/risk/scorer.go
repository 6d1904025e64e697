// Package risk converts action and plan attributes into numeric risk
// scores and approval flags. Every threshold comes from the aegis.yaml
// risk section; nothing here is a compiled-in constant.
package risk

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/action"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/critical"
	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/risk")

// defaultSuspiciousPatterns flag target URLs that typically indicate a
// planner hallucination or a redirected origin. Operators replace these
// via risk.suspicious_target_patterns.
var defaultSuspiciousPatterns = []string{
	`^https?://\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`, // raw IP literal
	`^http://`,             // plaintext transport
	`xn--`,                 // punycode hostname
	`^(data|javascript):`,  // non-navigational scheme
}

// StepAssessment is the scored outcome for a single action.
type StepAssessment struct {
	ActionID         string   `json:"action_id"`
	Score            float64  `json:"score"`
	Valid            bool     `json:"valid"`
	RequiresApproval bool     `json:"requires_approval"`
	RiskFactors      []string `json:"risk_factors,omitempty"`
}

// PlanAssessment is the scored outcome for a whole plan. A blocked plan
// never executes any step.
type PlanAssessment struct {
	Score            float64          `json:"score"`
	RequiresApproval bool             `json:"requires_approval"`
	Blocked          bool             `json:"blocked"`
	RiskFactors      []string         `json:"risk_factors,omitempty"`
	Steps            []StepAssessment `json:"steps"`
}

// Scorer computes step and plan risk from the configured thresholds.
type Scorer struct {
	pol        *policy.Policy
	suspicious []*regexp.Regexp
}

// NewScorer creates a scorer from the loaded policy. Suspicious-target
// patterns are compiled once; an invalid operator pattern is a hard error
// so misconfigurations surface at startup, not at scoring time.
func NewScorer(pol *policy.Policy) (*Scorer, error) {
	patterns := pol.Risk.SuspiciousTargetPatterns
	if len(patterns) == 0 {
		patterns = defaultSuspiciousPatterns
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling suspicious target pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	return &Scorer{pol: pol, suspicious: compiled}, nil
}

// ScoreStep scores one action. Blocked and unrecognized action types are
// invalid and excluded from normal scoring; they fail the containing plan.
func (s *Scorer) ScoreStep(ctx context.Context, act *action.Action, matches []critical.Match) StepAssessment {
	_, span := tracer.Start(ctx, "risk.score_step",
		trace.WithAttributes(
			attribute.String("action.id", act.ID),
			attribute.String("action.type", act.Type),
		))
	defer span.End()

	out := StepAssessment{ActionID: act.ID, Valid: true}

	if s.pol.IsBlockedAction(act.Type) {
		out.Valid = false
		out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("blocked_action_type:%s", act.Type))
		span.SetAttributes(attribute.Bool("risk.valid", false))
		return out
	}
	if !s.pol.IsKnownAction(act.Type) {
		out.Valid = false
		out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("unknown_action_type:%s", act.Type))
		span.SetAttributes(attribute.Bool("risk.valid", false))
		return out
	}

	cfg := s.pol.Risk
	score := 0.0

	if s.isApprovalClass(act.Category) {
		score += cfg.ApprovalClassBonus
		out.RequiresApproval = true
		out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("approval_class:%s", act.Category))
	}

	if act.Confidence < cfg.ConfidenceFloor {
		shortfall := cfg.ConfidenceFloor - act.Confidence
		score += shortfall * 100
		out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("low_confidence:%.2f", act.Confidence))
	}

	if act.TargetURL != "" && s.isSuspiciousTarget(act.TargetURL) {
		score += cfg.SuspiciousTargetBonus
		out.RiskFactors = append(out.RiskFactors, "suspicious_target")
	}

	// A critical-point match forces approval regardless of the numeric
	// score, and contributes once at the highest matched severity.
	if len(matches) > 0 {
		out.RequiresApproval = true
		score += cfg.CriticalMatchBonus
		for _, cat := range critical.Categories(matches) {
			out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("critical_point:%s", cat))
		}
	}

	out.Score = clamp(score)

	span.SetAttributes(
		attribute.Float64("risk.score", out.Score),
		attribute.Bool("risk.requires_approval", out.RequiresApproval),
	)
	return out
}

// ScorePlan aggregates step assessments into a plan verdict. Plan score is
// the mean of valid step scores; any invalid step or a step count above the
// ceiling blocks the whole plan before execution.
func (s *Scorer) ScorePlan(ctx context.Context, plan *action.Plan, steps []StepAssessment) PlanAssessment {
	_, span := tracer.Start(ctx, "risk.score_plan",
		trace.WithAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	cfg := s.pol.Risk
	out := PlanAssessment{Steps: steps}

	if len(plan.Steps) == 0 {
		out.Blocked = true
		out.RiskFactors = append(out.RiskFactors, "empty_plan")
		return out
	}
	if len(plan.Steps) > cfg.MaxPlanSteps {
		out.Blocked = true
		out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("plan_exceeds_step_ceiling:%d>%d", len(plan.Steps), cfg.MaxPlanSteps))
	}

	var sum float64
	var validCount, lowConfidence int
	for i, sa := range steps {
		if !sa.Valid {
			out.Blocked = true
			out.RiskFactors = append(out.RiskFactors, sa.RiskFactors...)
			continue
		}
		sum += sa.Score
		validCount++
		if i < len(plan.Steps) && plan.Steps[i].Confidence < cfg.ConfidenceFloor {
			lowConfidence++
		}
		if sa.RequiresApproval {
			out.RequiresApproval = true
		}
	}

	if validCount > 0 {
		out.Score = clamp(sum / float64(validCount))
	}

	if validCount > 0 && float64(lowConfidence)/float64(validCount) > cfg.LowConfidenceWarnRatio {
		out.RiskFactors = append(out.RiskFactors, "high_proportion_low_confidence_steps")
	}

	if out.Score >= cfg.ApprovalThreshold {
		out.RequiresApproval = true
		out.RiskFactors = append(out.RiskFactors, fmt.Sprintf("plan_score_at_threshold:%.0f>=%.0f", out.Score, cfg.ApprovalThreshold))
	}

	span.SetAttributes(
		attribute.Float64("risk.plan_score", out.Score),
		attribute.Bool("risk.blocked", out.Blocked),
		attribute.Bool("risk.requires_approval", out.RequiresApproval),
	)
	return out
}

func (s *Scorer) isApprovalClass(category string) bool {
	for _, c := range s.pol.Risk.ApprovalClasses {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (s *Scorer) isSuspiciousTarget(targetURL string) bool {
	for _, re := range s.suspicious {
		if re.MatchString(targetURL) {
			return true
		}
	}
	return false
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
