// Package action defines the planner-facing types the governance pipeline
// consumes: a proposed Action and the ordered Plan that contains it.
package action

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is one proposed operation against an external system. Immutable
// once scored; the planner owns creation.
type Action struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	TargetURL   string            `json:"target_url,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	Confidence  float64           `json:"confidence"`
	CreatedAt   time.Time         `json:"created_at"`
}

// New creates an action with a generated ID and timestamp.
func New(actionType, targetURL, description string, confidence float64) Action {
	return Action{
		ID:          "act_" + uuid.New().String()[:12],
		Type:        actionType,
		TargetURL:   targetURL,
		Description: description,
		Confidence:  confidence,
		CreatedAt:   time.Now(),
	}
}

// OriginHost returns the lowercased hostname of the target URL, or ""
// when the action has no target or the URL does not parse.
func (a *Action) OriginHost() string {
	if a.TargetURL == "" {
		return ""
	}
	u, err := url.Parse(a.TargetURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// FieldNames returns the parameter keys in deterministic-enough order for
// pattern scanning. Detection treats them the same as visible labels.
func (a *Action) FieldNames() []string {
	if len(a.Params) == 0 {
		return nil
	}
	names := make([]string, 0, len(a.Params))
	for k := range a.Params {
		names = append(names, k)
	}
	return names
}

// Plan is an ordered sequence of actions produced by the planner for one
// task. Steps execute strictly sequentially.
type Plan struct {
	ID        string    `json:"id"`
	Steps     []Action  `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan creates a plan with a generated ID.
func NewPlan(steps []Action) Plan {
	return Plan{
		ID:        "plan_" + uuid.New().String()[:12],
		Steps:     steps,
		CreatedAt: time.Now(),
	}
}
