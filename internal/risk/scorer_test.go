package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/action"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/critical"
	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Agent: policy.AgentConfig{Name: "web-agent", Version: "1.0.0"},
		Sandbox: policy.SandboxConfig{
			BlockedActions: []string{"execute_payment"},
		},
		Risk: policy.RiskConfig{
			ApprovalThreshold:      60,
			ConfidenceFloor:        0.7,
			ApprovalClassBonus:     30,
			SuspiciousTargetBonus:  25,
			CriticalMatchBonus:     30,
			MaxPlanSteps:           20,
			LowConfidenceWarnRatio: 0.8,
			ApprovalClasses:        []string{"financial", "identity", "credential"},
			KnownActions:           []string{"navigate", "click", "fill_form", "submit_form", "wait"},
		},
	}
}

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(testPolicy())
	require.NoError(t, err)
	return s
}

func TestScoreStep_BenignAction(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("navigate", "https://unite-hub.com/products", "Open products", 0.95)
	sa := s.ScoreStep(context.Background(), &act, nil)

	assert.True(t, sa.Valid)
	assert.False(t, sa.RequiresApproval)
	assert.Zero(t, sa.Score)
	assert.Empty(t, sa.RiskFactors)
}

func TestScoreStep_BlockedActionInvalid(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("execute_payment", "https://unite-hub.com/pay", "Pay", 0.95)
	sa := s.ScoreStep(context.Background(), &act, nil)

	assert.False(t, sa.Valid)
	assert.Contains(t, sa.RiskFactors, "blocked_action_type:execute_payment")
}

func TestScoreStep_UnknownActionInvalid(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("teleport", "https://unite-hub.com", "Teleport", 0.95)
	sa := s.ScoreStep(context.Background(), &act, nil)

	assert.False(t, sa.Valid)
	assert.Contains(t, sa.RiskFactors, "unknown_action_type:teleport")
}

func TestScoreStep_ApprovalClassBonus(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("fill_form", "https://unite-hub.com/billing", "Billing form", 0.95)
	act.Category = "financial"
	sa := s.ScoreStep(context.Background(), &act, nil)

	assert.True(t, sa.RequiresApproval)
	assert.Equal(t, 30.0, sa.Score)
	assert.Contains(t, sa.RiskFactors, "approval_class:financial")
}

func TestScoreStep_LowConfidenceShortfall(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("click", "https://unite-hub.com", "Click", 0.5)
	sa := s.ScoreStep(context.Background(), &act, nil)

	// (0.7 - 0.5) * 100 = 20
	assert.InDelta(t, 20.0, sa.Score, 0.001)
	assert.Contains(t, sa.RiskFactors, "low_confidence:0.50")
	assert.False(t, sa.RequiresApproval)
}

func TestScoreStep_SuspiciousTargets(t *testing.T) {
	s := newTestScorer(t)

	for _, target := range []string{
		"http://unite-hub.com/login",
		"https://192.168.1.10/admin",
		"https://xn--unite-hub.evil.com",
		"javascript:alert(1)",
	} {
		act := action.New("navigate", target, "Go", 0.95)
		sa := s.ScoreStep(context.Background(), &act, nil)
		assert.Equal(t, 25.0, sa.Score, "target %s should be suspicious", target)
		assert.Contains(t, sa.RiskFactors, "suspicious_target")
	}
}

func TestScoreStep_CriticalMatchForcesApproval(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("fill_form", "https://unite-hub.com/checkout", "Card form", 0.99)
	matches := []critical.Match{
		{Category: critical.CategoryFinancial, MatchedClass: "credit_card_number", RiskLevel: "high"},
	}
	sa := s.ScoreStep(context.Background(), &act, matches)

	assert.True(t, sa.RequiresApproval)
	assert.Equal(t, 30.0, sa.Score)
	assert.Contains(t, sa.RiskFactors, "critical_point:financial_information")
}

func TestScoreStep_ClampedAt100(t *testing.T) {
	s := newTestScorer(t)

	act := action.New("fill_form", "http://192.168.0.1/pay", "Card form", 0.1)
	act.Category = "financial"
	matches := []critical.Match{{Category: critical.CategoryFinancial, MatchedClass: "credit_card_number"}}
	sa := s.ScoreStep(context.Background(), &act, matches)

	assert.Equal(t, 100.0, sa.Score)
}

func planOf(t *testing.T, s *Scorer, acts ...action.Action) (*action.Plan, []StepAssessment) {
	t.Helper()
	plan := action.NewPlan(acts)
	steps := make([]StepAssessment, len(acts))
	for i := range acts {
		steps[i] = s.ScoreStep(context.Background(), &plan.Steps[i], nil)
	}
	return &plan, steps
}

func TestScorePlan_EmptyPlanBlocked(t *testing.T) {
	s := newTestScorer(t)

	plan, steps := planOf(t, s)
	pa := s.ScorePlan(context.Background(), plan, steps)

	assert.True(t, pa.Blocked)
	assert.Contains(t, pa.RiskFactors, "empty_plan")
}

func TestScorePlan_InvalidStepBlocksPlan(t *testing.T) {
	s := newTestScorer(t)

	plan, steps := planOf(t, s,
		action.New("navigate", "https://unite-hub.com", "Go", 0.95),
		action.New("execute_payment", "https://unite-hub.com/pay", "Pay", 0.95),
	)
	pa := s.ScorePlan(context.Background(), plan, steps)

	assert.True(t, pa.Blocked)
	assert.Contains(t, pa.RiskFactors, "blocked_action_type:execute_payment")
}

func TestScorePlan_StepCeiling(t *testing.T) {
	s := newTestScorer(t)

	var acts []action.Action
	for i := 0; i < 21; i++ {
		acts = append(acts, action.New("click", "https://unite-hub.com", "Click", 0.95))
	}
	plan, steps := planOf(t, s, acts...)
	pa := s.ScorePlan(context.Background(), plan, steps)

	assert.True(t, pa.Blocked)
}

func TestScorePlan_MeanOfValidScores(t *testing.T) {
	s := newTestScorer(t)

	a1 := action.New("click", "https://unite-hub.com", "Click", 0.95) // 0
	a2 := action.New("navigate", "http://unite-hub.com", "Go", 0.95)  // 25 suspicious
	plan, steps := planOf(t, s, a1, a2)
	pa := s.ScorePlan(context.Background(), plan, steps)

	assert.False(t, pa.Blocked)
	assert.InDelta(t, 12.5, pa.Score, 0.001)
	assert.False(t, pa.RequiresApproval)
}

func TestScorePlan_ThresholdTriggersApproval(t *testing.T) {
	pol := testPolicy()
	pol.Risk.ApprovalThreshold = 20
	s, err := NewScorer(pol)
	require.NoError(t, err)

	act := action.New("navigate", "http://unite-hub.com", "Go", 0.95) // 25
	plan := action.NewPlan([]action.Action{act})
	steps := []StepAssessment{s.ScoreStep(context.Background(), &plan.Steps[0], nil)}
	pa := s.ScorePlan(context.Background(), plan2(plan), steps)

	assert.True(t, pa.RequiresApproval)
}

func plan2(p action.Plan) *action.Plan { return &p }

func TestScorePlan_LowConfidenceWarning(t *testing.T) {
	s := newTestScorer(t)

	a1 := action.New("click", "https://unite-hub.com", "Click", 0.4)
	a2 := action.New("click", "https://unite-hub.com", "Click", 0.4)
	plan, steps := planOf(t, s, a1, a2)
	pa := s.ScorePlan(context.Background(), plan, steps)

	assert.Contains(t, pa.RiskFactors, "high_proportion_low_confidence_steps")
}
