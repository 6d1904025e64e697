package critical

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/action"
)

func TestDetect_CreditCardField(t *testing.T) {
	d := MustNewDetector()

	act := action.New("fill_form", "https://unite-hub.com/checkout", "Enter payment details", 0.95)
	act.Params = map[string]string{"credit_card_number": "", "expiry": ""}

	matches := d.Detect(context.Background(), &act)
	require.NotEmpty(t, matches)

	found := false
	for _, m := range matches {
		if m.MatchedClass == "credit_card_number" {
			found = true
			assert.Equal(t, CategoryFinancial, m.Category)
			assert.Equal(t, "high", m.RiskLevel)
			assert.Equal(t, "field", m.Source)
		}
	}
	assert.True(t, found, "expected a credit_card_number match")
}

func TestDetect_PasswordLabel(t *testing.T) {
	d := MustNewDetector()

	act := action.New("fill_form", "https://unite-hub.com/login", "Sign in", 0.9)
	act.Labels = []string{"Password"}

	matches := d.Detect(context.Background(), &act)
	require.NotEmpty(t, matches)
	assert.Equal(t, CategoryCredentials, matches[0].Category)
	assert.Equal(t, "label", matches[0].Source)
}

func TestDetect_PurchaseDescription(t *testing.T) {
	d := MustNewDetector()

	act := action.New("click", "https://unite-hub.com/cart", "Click the Place Order button", 0.9)

	matches := d.Detect(context.Background(), &act)
	require.NotEmpty(t, matches)
	assert.Equal(t, CategorySubmission, matches[0].Category)
}

func TestDetect_DestructiveAndIrreversible(t *testing.T) {
	d := MustNewDetector()

	act := action.New("click", "https://unite-hub.com/settings",
		"Delete the account permanently, this cannot be undone", 0.8)

	matches := d.Detect(context.Background(), &act)

	cats := Categories(matches)
	assert.Contains(t, cats, CategoryDestructive)
	assert.Contains(t, cats, CategoryIrreversible)
}

func TestDetect_BenignActionNoMatches(t *testing.T) {
	d := MustNewDetector()

	act := action.New("navigate", "https://unite-hub.com/products", "Open the products page", 0.95)

	matches := d.Detect(context.Background(), &act)
	assert.Empty(t, matches)
}

func TestDetect_MatchedClassNeverContainsInput(t *testing.T) {
	d := MustNewDetector()

	act := action.New("fill_form", "https://unite-hub.com/profile", "Enter passport number 4111111111111111", 0.9)

	matches := d.Detect(context.Background(), &act)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.NotContains(t, m.MatchedClass, "4111")
	}
}

func TestMergeRules_FileOverridesDefaultByName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - category: destructive_actions
    name: delete_content
    pattern: 'obliterate'
    risk_level: medium
  - category: financial_information
    name: crypto_wallet
    pattern: 'wallet\s*address|seed\s*phrase'
    risk_level: high
`), 0o600))

	d, err := NewDetector(WithRuleFile(path))
	require.NoError(t, err)

	// Overridden rule: old pattern no longer matches.
	act := action.New("click", "", "Delete everything", 0.9)
	for _, m := range d.Detect(context.Background(), &act) {
		assert.NotEqual(t, "delete_content", m.MatchedClass)
	}

	// New pattern from the file matches.
	act2 := action.New("fill_form", "", "Enter your seed phrase", 0.9)
	matches := d.Detect(context.Background(), &act2)
	require.NotEmpty(t, matches)
	assert.Equal(t, "crypto_wallet", matches[0].MatchedClass)
}

func TestMergeRules_DisableRule(t *testing.T) {
	disabled := false
	d, err := NewDetector(WithCustomRules([]RuleConfig{
		{Category: CategoryCredentials, Name: "password", Pattern: "passwords?", Enabled: &disabled},
	}))
	require.NoError(t, err)

	act := action.New("fill_form", "", "Enter your password", 0.9)
	for _, m := range d.Detect(context.Background(), &act) {
		assert.NotEqual(t, "password", m.MatchedClass)
	}
}

func TestDetect_MissingRuleFileUsesDefaults(t *testing.T) {
	d, err := NewDetector(WithRuleFile(filepath.Join(t.TempDir(), "absent.yaml")))
	require.NoError(t, err)

	act := action.New("fill_form", "", "Enter your password", 0.9)
	assert.NotEmpty(t, d.Detect(context.Background(), &act))
}

func TestHighestRisk(t *testing.T) {
	assert.Equal(t, "", HighestRisk(nil))
	assert.Equal(t, "high", HighestRisk([]Match{
		{RiskLevel: "medium"},
		{RiskLevel: "high"},
		{RiskLevel: "low"},
	}))
	assert.Equal(t, "medium", HighestRisk([]Match{{RiskLevel: "medium"}}))
}

func TestHighestMatch(t *testing.T) {
	_, ok := HighestMatch(nil)
	assert.False(t, ok)

	m, ok := HighestMatch([]Match{
		{MatchedClass: "billing_details", RiskLevel: "medium"},
		{MatchedClass: "password", RiskLevel: "high"},
		{MatchedClass: "cancel_service", RiskLevel: "medium"},
	})
	require.True(t, ok)
	assert.Equal(t, "password", m.MatchedClass)

	// Ties go to the earliest match.
	m, ok = HighestMatch([]Match{
		{MatchedClass: "billing_details", RiskLevel: "medium"},
		{MatchedClass: "final_submission", RiskLevel: "medium"},
	})
	require.True(t, ok)
	assert.Equal(t, "billing_details", m.MatchedClass)
}
