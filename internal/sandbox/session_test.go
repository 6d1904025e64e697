package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/policy"
)

func testSandboxConfig() policy.SandboxConfig {
	return policy.SandboxConfig{
		MaxSteps:         50,
		SessionTimeoutMS: 1_800_000,
		ActionsPerMinute: 30,
		SessionsPerHour:  2,
	}
}

func TestManager_StartAssignsIdentity(t *testing.T) {
	m := NewManager(testSandboxConfig())

	sess, err := m.Start("alice", "ws-1")
	require.NoError(t, err)

	assert.True(t, len(sess.ID) > len("sess_"))
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, "alice", sess.User)
	assert.Equal(t, sess.StartedAt.Add(30*time.Minute), sess.ExpiresAt)
}

func TestManager_HourlySessionCap(t *testing.T) {
	m := NewManager(testSandboxConfig())

	_, err := m.Start("alice", "ws-1")
	require.NoError(t, err)
	_, err = m.Start("alice", "ws-1")
	require.NoError(t, err)

	_, err = m.Start("alice", "ws-1")
	assert.True(t, errors.Is(err, ErrSessionLimit))

	// Another user is unaffected.
	_, err = m.Start("bob", "ws-1")
	assert.NoError(t, err)
}

func TestManager_StopObservedAtBoundary(t *testing.T) {
	m := NewManager(testSandboxConfig())
	sess, err := m.Start("alice", "ws-1")
	require.NoError(t, err)

	assert.False(t, m.Cancelled(sess.ID))
	require.NoError(t, m.Stop(sess.ID))
	assert.True(t, m.Cancelled(sess.ID))

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, EndStopped, got.EndReason)
}

func TestManager_EndKeepsFirstReason(t *testing.T) {
	m := NewManager(testSandboxConfig())
	sess, err := m.Start("alice", "ws-1")
	require.NoError(t, err)

	m.End(sess.ID, EndMaxSteps)
	m.End(sess.ID, EndTimeout)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.Equal(t, EndMaxSteps, got.EndReason)
}

func TestManager_StopThenEnd(t *testing.T) {
	m := NewManager(testSandboxConfig())
	sess, err := m.Start("alice", "ws-1")
	require.NoError(t, err)

	require.NoError(t, m.Stop(sess.ID))
	m.End(sess.ID, EndCompleted)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)
	assert.Equal(t, EndStopped, got.EndReason, "the stop reason set first wins")
}

func TestManager_GetUnknown(t *testing.T) {
	m := NewManager(testSandboxConfig())

	_, err := m.Get("sess_missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
	assert.True(t, m.Cancelled("sess_missing"))
}

func TestManager_IncrementStep(t *testing.T) {
	m := NewManager(testSandboxConfig())
	sess, err := m.Start("alice", "ws-1")
	require.NoError(t, err)

	m.IncrementStep(sess.ID)
	m.IncrementStep(sess.ID)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StepCount)
}
