// Package critical detects sensitive content in proposed actions. An action
// matching any critical-point rule requires human approval regardless of its
// numeric risk score.
package critical

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// The six fixed critical-point categories. The rule table is data, not
// code, so operators can extend a category without a rebuild — but gating
// semantics only recognize these category names.
const (
	CategoryFinancial     = "financial_information"
	CategoryIdentity      = "identity_documents"
	CategoryCredentials   = "passwords_and_security_answers"
	CategorySubmission    = "final_submission_or_purchase"
	CategoryIrreversible  = "irreversible_changes"
	CategoryDestructive   = "destructive_actions"
)

//go:embed rules/default_rules.yaml
var defaultRulesYAML []byte

// RuleFile is the top-level YAML structure for a critical-point rule file.
type RuleFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is a single critical-point detection rule.
type RuleConfig struct {
	Category  string `yaml:"category" json:"category"`
	Name      string `yaml:"name" json:"name"`
	Pattern   string `yaml:"pattern" json:"pattern"`
	RiskLevel string `yaml:"risk_level" json:"risk_level"`
	Enabled   *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// isEnabled returns true if the rule is enabled (defaults to true when nil).
func (r *RuleConfig) isEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// ParseRuleFile parses rule YAML bytes into a RuleFile.
func ParseRuleFile(data []byte) (*RuleFile, error) {
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rule YAML: %w", err)
	}
	return &rf, nil
}

// LoadRuleFile reads and parses a rule YAML file from disk. Returns nil
// (not an error) if the file does not exist, so callers can treat a missing
// override file as a no-op.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rule file %s: %w", path, err)
	}
	return ParseRuleFile(data)
}

// DefaultRules returns the embedded default rule set covering the six
// fixed categories.
func DefaultRules() ([]RuleConfig, error) {
	rf, err := ParseRuleFile(defaultRulesYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded default rules: %w", err)
	}
	return rf.Rules, nil
}

// MergeRules layers rule sets: defaults first, then overrides. Later layers
// replace earlier rules with the same Name; new rules are appended.
func MergeRules(layers ...[]RuleConfig) []RuleConfig {
	index := make(map[string]int)
	var merged []RuleConfig

	for _, layer := range layers {
		for _, rc := range layer {
			if idx, exists := index[rc.Name]; exists {
				merged[idx] = rc
			} else {
				index[rc.Name] = len(merged)
				merged = append(merged, rc)
			}
		}
	}

	return merged
}

// CompiledRule is a rule ready for matching at runtime.
type CompiledRule struct {
	Category  string
	Name      string
	Pattern   *regexp.Regexp
	RiskLevel string
}

// CompileRules converts rule configs into compiled matchers. Disabled rules
// are skipped. All patterns match case-insensitively.
func CompileRules(rules []RuleConfig) ([]CompiledRule, error) {
	var compiled []CompiledRule
	for _, rc := range rules {
		if !rc.isEnabled() {
			continue
		}
		re, err := regexp.Compile("(?i)" + rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern in rule %q: %w", rc.Name, err)
		}
		risk := rc.RiskLevel
		if risk == "" {
			risk = "high"
		}
		compiled = append(compiled, CompiledRule{
			Category:  rc.Category,
			Name:      rc.Name,
			Pattern:   re,
			RiskLevel: risk,
		})
	}
	return compiled, nil
}
