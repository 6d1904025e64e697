package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	aegisotel "github.com/CleanExpo/Unite-Hub-sub022/internal/otel"
)

var tracer = aegisotel.Tracer("github.com/CleanExpo/Unite-Hub-sub022/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an absolute path
// that is guaranteed to be under baseDir. Prevents path traversal when path is user-controlled.
// If path is absolute, it must still be under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("policy base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	full = filepath.Clean(full)
	pathAbs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("policy path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("policy path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("policy path outside base directory")
	}
	return pathAbs, nil
}

// LoadPolicy loads and validates an aegis.yaml file.
// baseDir is the directory path is resolved against; the resolved path must stay under baseDir.
// If baseDir is empty, the current working directory is used.
// If strict is true, additional business-rule validation is applied.
func LoadPolicy(ctx context.Context, path string, strict bool, baseDir string) (*Policy, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()

	span.SetAttributes(
		attribute.String("policy.path", path),
		attribute.Bool("policy.strict", strict),
	)

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("policy base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading policy file %s: %w", safePath, err)
	}

	if err := ValidateSchema(content, strict); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var pol Policy
	if err := yaml.Unmarshal(content, &pol); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	pol.ComputeHash(content)
	applyDefaults(&pol)

	span.SetAttributes(
		attribute.String("policy.agent_name", pol.Agent.Name),
		attribute.String("policy.version_tag", pol.VersionTag),
	)

	return &pol, nil
}

// applyDefaults fills in sensible defaults for optional fields.
func applyDefaults(p *Policy) {
	if p.Sandbox.MaxSteps == 0 {
		p.Sandbox.MaxSteps = 50
	}
	if p.Sandbox.StepTimeoutMS == 0 {
		p.Sandbox.StepTimeoutMS = 30_000
	}
	if p.Sandbox.SessionTimeoutMS == 0 {
		p.Sandbox.SessionTimeoutMS = 1_800_000
	}
	if p.Sandbox.ActionsPerMinute == 0 {
		p.Sandbox.ActionsPerMinute = 30
	}
	if p.Sandbox.SessionsPerHour == 0 {
		p.Sandbox.SessionsPerHour = 10
	}

	if p.Risk.ApprovalThreshold == 0 {
		p.Risk.ApprovalThreshold = 60
	}
	if p.Risk.ConfidenceFloor == 0 {
		p.Risk.ConfidenceFloor = 0.7
	}
	if p.Risk.ApprovalClassBonus == 0 {
		p.Risk.ApprovalClassBonus = 30
	}
	if p.Risk.SuspiciousTargetBonus == 0 {
		p.Risk.SuspiciousTargetBonus = 25
	}
	if p.Risk.CriticalMatchBonus == 0 {
		p.Risk.CriticalMatchBonus = 30
	}
	if p.Risk.MaxPlanSteps == 0 {
		p.Risk.MaxPlanSteps = 20
	}
	if p.Risk.LowConfidenceWarnRatio == 0 {
		p.Risk.LowConfidenceWarnRatio = 0.8
	}
	if len(p.Risk.ApprovalClasses) == 0 {
		p.Risk.ApprovalClasses = []string{"financial", "identity", "credential"}
	}
	if len(p.Risk.KnownActions) == 0 {
		p.Risk.KnownActions = []string{
			"navigate", "click", "fill_form", "select_option", "scroll",
			"wait", "extract", "submit_form", "upload_file", "download",
		}
	}

	if p.Approval.TimeoutMS == 0 {
		p.Approval.TimeoutMS = 300_000
	}

	if p.Audit == nil {
		p.Audit = &AuditConfig{LogRetentionDays: 90}
	}
	if p.Audit.LogRetentionDays == 0 {
		p.Audit.LogRetentionDays = 90
	}

	if p.Trust == nil {
		p.Trust = &TrustDefaults{}
	}
	if p.Trust.MaxDailyActions == 0 {
		p.Trust.MaxDailyActions = 25
	}
	if p.Trust.MaxRiskLevel == "" {
		p.Trust.MaxRiskLevel = "medium"
	}
	if p.Trust.Timezone == "" {
		p.Trust.Timezone = "UTC"
	}
}
