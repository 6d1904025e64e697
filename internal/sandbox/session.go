package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

// Session status values.
const (
	StatusActive  = "active"
	StatusEnded   = "ended"
	StatusStopped = "stopped"
)

// Session end reasons.
const (
	EndCompleted      = "completed"
	EndStopped        = "stopped"
	EndMaxSteps       = "max_steps"
	EndTimeout        = "timeout"
	EndErrorThreshold = "error_threshold"
)

// ErrSessionLimit is returned when a user already has sessions_per_hour
// sessions inside the current hour window.
var ErrSessionLimit = errors.New("hourly session limit reached")

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Session is one agent run. Step execution within a session is strictly
// sequential; StepCount mutation goes through the Manager.
type Session struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Workspace string    `json:"workspace"`
	StepCount int       `json:"step_count"`
	Status    string    `json:"status"`
	EndReason string    `json:"end_reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager creates and tracks sessions, enforcing the per-user hourly
// session cap with an atomic keyed counter.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	hourly   *WindowCounter
	cfg      policy.SandboxConfig
	now      func() time.Time
}

// NewManager creates a session manager from the sandbox configuration.
func NewManager(cfg policy.SandboxConfig) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		hourly:   NewWindowCounter(time.Hour),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start creates a session for the user, or returns ErrSessionLimit when
// the hourly cap is reached. The limit check and the session registration
// happen under the counter's lock so concurrent starts cannot both pass.
func (m *Manager) Start(user, workspace string) (*Session, error) {
	if m.cfg.SessionsPerHour > 0 {
		if ok, n := m.hourly.TryAdd(user, m.cfg.SessionsPerHour); !ok {
			return nil, fmt.Errorf("%w: user %s has started %d sessions this hour", ErrSessionLimit, user, n)
		}
	}

	now := m.now()
	sess := &Session{
		ID:        "sess_" + uuid.New().String()[:12],
		User:      user,
		Workspace: workspace,
		Status:    StatusActive,
		StartedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTimeout()),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	log.Info().
		Str("session_id", sess.ID).
		Str("user", user).
		Str("workspace", workspace).
		Msg("session_started")

	return sess, nil
}

// Get returns the session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Stop requests a user-initiated stop. The pipeline observes it at the
// next step boundary, never mid-action.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == StatusActive {
		sess.Status = StatusStopped
		sess.EndReason = EndStopped
	}
	return nil
}

// End marks the session terminated with a structured reason. Ending an
// already-ended session keeps the first reason.
func (m *Manager) End(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	if sess.Status == StatusActive || sess.Status == StatusStopped {
		if sess.EndReason == "" {
			sess.EndReason = reason
		}
		sess.Status = StatusEnded
		log.Info().
			Str("session_id", id).
			Str("reason", sess.EndReason).
			Msg("session_ended")
	}
}

// IncrementStep bumps the session's step count after an admitted action.
func (m *Manager) IncrementStep(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.StepCount++
	}
}

// Elapsed returns how long the session has been running.
func (m *Manager) Elapsed(sess *Session) time.Duration {
	return m.now().Sub(sess.StartedAt)
}

// Cancelled reports whether a stop has been requested or the session has
// otherwise left the active state.
func (m *Manager) Cancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return true
	}
	return sess.Status != StatusActive
}
