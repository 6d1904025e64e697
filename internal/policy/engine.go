package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// Violation type identifiers, one per sandbox rule. Their evaluation order
// is fixed: deny-list, rate limit, origin allow-list, step ceiling, session
// timeout. The first rule that denies decides the verdict.
const (
	ViolationBlockedAction = "blocked_action"
	ViolationRateLimit     = "rate_limit"
	ViolationBlockedOrigin = "blocked_origin"
	ViolationMaxSteps      = "max_steps"
	ViolationTimeout       = "timeout"
)

// regoPolicy maps a Rego file to the OPA query used to extract deny messages
// and the violation type reported when the rule denies.
type regoPolicy struct {
	file      string
	query     string
	violation string
}

// sandboxPolicies lists the Rego rules in their mandatory evaluation order.
var sandboxPolicies = []regoPolicy{
	{file: "rego/blocked_actions.rego", query: "data.aegis.sandbox.blocked_actions.deny", violation: ViolationBlockedAction},
	{file: "rego/rate_limits.rego", query: "data.aegis.sandbox.rate_limits.deny", violation: ViolationRateLimit},
	{file: "rego/allowed_origins.rego", query: "data.aegis.sandbox.allowed_origins.deny", violation: ViolationBlockedOrigin},
	{file: "rego/step_limits.rego", query: "data.aegis.sandbox.step_limits.deny", violation: ViolationMaxSteps},
	{file: "rego/session_timeout.rego", query: "data.aegis.sandbox.session_timeout.deny", violation: ViolationTimeout},
}

// ActionInput carries the per-action facts the sandbox rules evaluate.
// Counter values are supplied by the enforcer, which owns the mutable state;
// the Rego rules themselves are pure comparisons against policy data.
type ActionInput struct {
	ActionType      string
	OriginHost      string
	ActionsInWindow int
	StepCount       int
	ElapsedMS       int64
}

// Verdict is the result of evaluating the sandbox rules for one action.
type Verdict struct {
	Allowed       bool     `json:"allowed"`
	Violation     string   `json:"violation,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Engine evaluates sandbox governance rules using embedded OPA.
type Engine struct {
	policy   *Policy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with precompiled Rego rules.
// The provided Policy is serialized to JSON and loaded as OPA data.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(sandboxPolicies))
	for _, rp := range sandboxPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		store := inmem.NewFromObject(map[string]interface{}{
			"policy": policyData,
		})

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))

	return &Engine{policy: pol, prepared: prepared}, nil
}

// Policy returns the loaded governance configuration.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// CheckAction evaluates the sandbox rules in their fixed order and returns
// the verdict for the first rule that denies. Hostnames are lowercased here
// so the Rego comparisons stay simple.
func (e *Engine) CheckAction(ctx context.Context, in ActionInput) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "policy.check_action",
		trace.WithAttributes(
			attribute.String("action.type", in.ActionType),
			attribute.String("action.origin", in.OriginHost),
			attribute.Int("action.step_count", in.StepCount),
		))
	defer span.End()

	input := map[string]interface{}{
		"action_type":       in.ActionType,
		"origin_host":       strings.ToLower(in.OriginHost),
		"actions_in_window": in.ActionsInWindow,
		"step_count":        in.StepCount,
		"elapsed_ms":        in.ElapsedMS,
	}

	verdict := &Verdict{
		Allowed:       true,
		PolicyVersion: e.policy.VersionTag,
	}

	for _, rp := range sandboxPolicies {
		reasons, err := evaluateDenyReasons(ctx, e.prepared, rp.file, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if len(reasons) > 0 {
			verdict.Allowed = false
			verdict.Violation = rp.violation
			verdict.Reasons = reasons
			break
		}
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", verdict.Allowed),
		attribute.String("policy.violation", verdict.Violation),
	)
	if verdict.Allowed {
		span.SetStatus(codes.Ok, "sandbox rules passed")
	}

	return verdict, nil
}

// evaluateDenyReasons runs a single prepared Rego rule that produces a set
// of deny reason strings.
func evaluateDenyReasons(ctx context.Context, prepared map[string]rego.PreparedEvalQuery, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The result of querying "data.xxx.deny" is a set of strings.
	// OPA returns it as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}

	return reasons, nil
}

// policyToData converts a Policy struct to map[string]interface{} for OPA.
// We marshal to JSON then unmarshal to get clean map types.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}

	return data, nil
}
