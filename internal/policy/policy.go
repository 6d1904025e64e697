// Package policy defines the aegis.yaml governance configuration and the
// OPA engine that evaluates sandbox rules against proposed agent actions.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Policy represents a complete aegis.yaml configuration.
type Policy struct {
	Agent         AgentConfig     `yaml:"agent" json:"agent"`
	Sandbox       SandboxConfig   `yaml:"sandbox" json:"sandbox"`
	Risk          RiskConfig      `yaml:"risk" json:"risk"`
	Approval      ApprovalConfig  `yaml:"approval" json:"approval"`
	Trust         *TrustDefaults  `yaml:"trust,omitempty" json:"trust,omitempty"`
	Audit         *AuditConfig    `yaml:"audit,omitempty" json:"audit,omitempty"`
	CriticalRules string          `yaml:"critical_rules,omitempty" json:"critical_rules,omitempty"`
	Metadata      *MetadataConfig `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// AgentConfig holds the governed agent identity.
type AgentConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version" json:"version"`
}

// SandboxConfig holds the hard execution limits enforced per session.
// Every field maps to a recognized operator option.
type SandboxConfig struct {
	MaxSteps         int      `yaml:"max_steps" json:"max_steps"`
	StepTimeoutMS    int64    `yaml:"step_timeout_ms" json:"step_timeout_ms"`
	SessionTimeoutMS int64    `yaml:"session_timeout_ms" json:"session_timeout_ms"`
	ActionsPerMinute int      `yaml:"actions_per_minute" json:"actions_per_minute"`
	SessionsPerHour  int      `yaml:"sessions_per_hour" json:"sessions_per_hour"`
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	BlockedActions   []string `yaml:"blocked_actions" json:"blocked_actions"`
}

// SessionTimeout returns the session timeout as a duration.
func (s *SandboxConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMS) * time.Millisecond
}

// StepTimeout returns the per-step timeout as a duration.
func (s *SandboxConfig) StepTimeout() time.Duration {
	return time.Duration(s.StepTimeoutMS) * time.Millisecond
}

// RiskConfig holds the numeric scoring thresholds. All values are
// configuration, never compiled-in constants.
type RiskConfig struct {
	ApprovalThreshold        float64  `yaml:"approval_threshold" json:"approval_threshold"`
	ConfidenceFloor          float64  `yaml:"confidence_floor" json:"confidence_floor"`
	ApprovalClassBonus       float64  `yaml:"approval_class_bonus" json:"approval_class_bonus"`
	SuspiciousTargetBonus    float64  `yaml:"suspicious_target_bonus" json:"suspicious_target_bonus"`
	CriticalMatchBonus       float64  `yaml:"critical_match_bonus" json:"critical_match_bonus"`
	MaxPlanSteps             int      `yaml:"max_plan_steps" json:"max_plan_steps"`
	LowConfidenceWarnRatio   float64  `yaml:"low_confidence_warn_ratio" json:"low_confidence_warn_ratio"`
	ApprovalClasses          []string `yaml:"approval_classes" json:"approval_classes"`
	SuspiciousTargetPatterns []string `yaml:"suspicious_target_patterns,omitempty" json:"suspicious_target_patterns,omitempty"`
	KnownActions             []string `yaml:"known_actions" json:"known_actions"`
}

// ApprovalConfig controls the human approval gate.
type ApprovalConfig struct {
	TimeoutMS           int64 `yaml:"approval_timeout_ms" json:"approval_timeout_ms"`
	AutoRejectOnTimeout bool  `yaml:"auto_reject_on_timeout" json:"auto_reject_on_timeout"`
}

// Timeout returns the approval deadline as a duration.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// TrustDefaults seeds newly onboarded trust scopes.
type TrustDefaults struct {
	MaxDailyActions int    `yaml:"max_daily_actions,omitempty" json:"max_daily_actions,omitempty"`
	MaxRiskLevel    string `yaml:"max_risk_level,omitempty" json:"max_risk_level,omitempty"`
	WindowStart     string `yaml:"window_start,omitempty" json:"window_start,omitempty"`
	WindowEnd       string `yaml:"window_end,omitempty" json:"window_end,omitempty"`
	Timezone        string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// AuditConfig controls audit trail retention.
type AuditConfig struct {
	LogRetentionDays int `yaml:"log_retention_days,omitempty" json:"log_retention_days,omitempty"`
}

// MetadataConfig holds optional organizational metadata.
type MetadataConfig struct {
	Workspace string    `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Owner     string    `yaml:"owner,omitempty" json:"owner,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	Tags      []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// ComputeHash generates SHA-256 hash of policy content and sets
// the VersionTag to "{agent.version}:sha256:{first8chars}".
func (p *Policy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Agent.Version, p.Hash[:8])
}

// IsBlockedAction reports whether the action type is on the deny-list.
// Matching is case-insensitive to mirror the Rego rule; callers that
// only need the boolean can avoid an OPA round-trip.
func (p *Policy) IsBlockedAction(actionType string) bool {
	for _, b := range p.Sandbox.BlockedActions {
		if equalFold(b, actionType) {
			return true
		}
	}
	return false
}

// IsKnownAction reports whether the action type is in the recognized catalog.
func (p *Policy) IsKnownAction(actionType string) bool {
	for _, k := range p.Risk.KnownActions {
		if equalFold(k, actionType) {
			return true
		}
	}
	return false
}

// equalFold is a small ASCII case-insensitive compare; action types are
// ASCII identifiers so full Unicode folding is unnecessary.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
