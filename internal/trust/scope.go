// Package trust manages per-client, per-domain authority grants. A scope
// is onboarded through a verification state machine and, once active,
// bounds what an agent may change on the client's behalf: which change
// types, up to which risk level, inside which daily window and budget.
package trust

import (
	"fmt"
	"strings"
	"time"
)

// Level is an ordinal risk ceiling. Comparisons use the numeric order
// low < medium < high.
type Level int

const (
	LevelLow Level = iota + 1
	LevelMedium
	LevelHigh
)

// String returns the canonical lowercase name.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseLevel converts a configured risk level name to its ordinal.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

// Window is a daily execution window in the scope's local timezone.
// Start and End are "HH:MM". A window spanning midnight (End before
// Start) wraps to the next day.
type Window struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// Contains reports whether t falls inside the window. An empty window
// means always open.
func (w Window) Contains(t time.Time) (bool, error) {
	if w.Start == "" || w.End == "" {
		return true, nil
	}
	tz := w.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	local := t.In(loc)

	start, err := minutesOfDay(w.Start)
	if err != nil {
		return false, err
	}
	end, err := minutesOfDay(w.End)
	if err != nil {
		return false, err
	}
	now := local.Hour()*60 + local.Minute()

	if start <= end {
		return now >= start && now < end, nil
	}
	// Wraps midnight.
	return now >= start || now < end, nil
}

func minutesOfDay(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parsing window time %q: %w", hhmm, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("window time %q out of range", hhmm)
	}
	return h*60 + m, nil
}

// DomainGrant bounds what the agent may do within one domain of the
// client's estate. Forbidden always beats allowed when both match.
type DomainGrant struct {
	Domain           string   `json:"domain"`
	Enabled          bool     `json:"enabled"`
	AllowedChanges   []string `json:"allowed_changes"`
	ForbiddenChanges []string `json:"forbidden_changes,omitempty"`
}

// Scope is one client's trust grant across its domains.
type Scope struct {
	ID              string        `json:"id"`
	ClientID        string        `json:"client_id"`
	State           State         `json:"state"`
	Grants          []DomainGrant `json:"grants"`
	MaxDailyActions int           `json:"max_daily_actions"`
	MaxRiskLevel    string        `json:"max_risk_level"`
	Window          Window        `json:"window"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Grant returns the grant for a domain, matched case-insensitively.
func (s *Scope) Grant(domain string) (*DomainGrant, bool) {
	for i := range s.Grants {
		if strings.EqualFold(s.Grants[i].Domain, domain) {
			return &s.Grants[i], true
		}
	}
	return nil, false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
