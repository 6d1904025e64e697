package critical

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/action"
	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/critical")

// Match records one critical-point rule hit on an action. MatchedClass is
// the rule name (the class of sensitive content), never the matched text
// itself — raw matched text stays out of logs and approval prompts.
type Match struct {
	Category     string `json:"category"`
	MatchedClass string `json:"matched_class"`
	RiskLevel    string `json:"risk_level"`
	Source       string `json:"source"` // "description" | "field" | "label"
}

// Detector scans actions against the compiled critical-point rule table.
type Detector struct {
	rules []CompiledRule
}

// Option configures a Detector.
type Option func(*detectorConfig)

type detectorConfig struct {
	ruleFile    string
	customRules []RuleConfig
}

// WithRuleFile layers rules from an external YAML file over the embedded
// defaults. A missing file is silently skipped.
func WithRuleFile(path string) Option {
	return func(c *detectorConfig) { c.ruleFile = path }
}

// WithCustomRules layers in-process rule definitions over the defaults.
func WithCustomRules(rules []RuleConfig) Option {
	return func(c *detectorConfig) { c.customRules = rules }
}

// NewDetector creates a detector. Without options it uses the embedded
// default rules for the six fixed categories.
func NewDetector(opts ...Option) (*Detector, error) {
	var cfg detectorConfig
	for _, o := range opts {
		o(&cfg)
	}

	defaults, err := DefaultRules()
	if err != nil {
		return nil, fmt.Errorf("loading default rules: %w", err)
	}

	var fileRules []RuleConfig
	if cfg.ruleFile != "" {
		rf, err := LoadRuleFile(cfg.ruleFile)
		if err != nil {
			return nil, fmt.Errorf("loading rule file: %w", err)
		}
		if rf != nil {
			fileRules = rf.Rules
		}
	}

	merged := MergeRules(defaults, fileRules, cfg.customRules)

	compiled, err := CompileRules(merged)
	if err != nil {
		return nil, fmt.Errorf("compiling rules: %w", err)
	}

	return &Detector{rules: compiled}, nil
}

// MustNewDetector is like NewDetector but panics on error. Useful for
// zero-config startup where the embedded defaults are expected to compile.
func MustNewDetector(opts ...Option) *Detector {
	d, err := NewDetector(opts...)
	if err != nil {
		panic(fmt.Sprintf("critical.NewDetector: %v", err))
	}
	return d
}

// Detect scans the action's description, parameter names, and visible
// labels. All matches are returned; no match means the action contributes
// zero critical risk.
func (d *Detector) Detect(ctx context.Context, act *action.Action) []Match {
	_, span := tracer.Start(ctx, "critical.detect",
		trace.WithAttributes(
			attribute.String("action.id", act.ID),
			attribute.String("action.type", act.Type),
		))
	defer span.End()

	var matches []Match

	scan := func(text, source string) {
		if text == "" {
			return
		}
		for _, rule := range d.rules {
			if rule.Pattern.MatchString(text) {
				matches = append(matches, Match{
					Category:     rule.Category,
					MatchedClass: rule.Name,
					RiskLevel:    rule.RiskLevel,
					Source:       source,
				})
			}
		}
	}

	scan(act.Description, "description")
	for _, field := range act.FieldNames() {
		scan(field, "field")
	}
	for _, label := range act.Labels {
		scan(label, "label")
	}

	span.SetAttributes(attribute.Int("critical.match_count", len(matches)))
	return matches
}

// riskRank orders the three risk levels for severity comparison.
var riskRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// HighestRisk returns the most severe risk level among the matches, or ""
// when there are none. Gating decisions use this value.
func HighestRisk(matches []Match) string {
	best := ""
	bestRank := 0
	for _, m := range matches {
		if r := riskRank[m.RiskLevel]; r > bestRank {
			bestRank = r
			best = m.RiskLevel
		}
	}
	return best
}

// HighestMatch returns the most severe match, ties going to the earliest.
// Operator-facing prompts lead with this match.
func HighestMatch(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	best := matches[0]
	bestRank := riskRank[best.RiskLevel]
	for _, m := range matches[1:] {
		if r := riskRank[m.RiskLevel]; r > bestRank {
			best = m
			bestRank = r
		}
	}
	return best, true
}

// Categories returns the distinct categories present in the matches.
func Categories(matches []Match) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	return out
}
