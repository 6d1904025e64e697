package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalPolicy = `
agent:
  name: "web-agent"
  version: "1.0.0"
sandbox:
  allowed_origins:
    - unite-hub.com
`

func TestLoadPolicy_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, minimalPolicy)

	pol, err := LoadPolicy(context.Background(), "aegis.yaml", false, dir)
	require.NoError(t, err)

	assert.Equal(t, 50, pol.Sandbox.MaxSteps)
	assert.Equal(t, 30, pol.Sandbox.ActionsPerMinute)
	assert.Equal(t, 10, pol.Sandbox.SessionsPerHour)
	assert.Equal(t, int64(1_800_000), pol.Sandbox.SessionTimeoutMS)
	assert.Equal(t, 60.0, pol.Risk.ApprovalThreshold)
	assert.Equal(t, 0.7, pol.Risk.ConfidenceFloor)
	assert.Equal(t, 20, pol.Risk.MaxPlanSteps)
	assert.Contains(t, pol.Risk.KnownActions, "navigate")
	assert.Contains(t, pol.Risk.ApprovalClasses, "financial")
	assert.Equal(t, int64(300_000), pol.Approval.TimeoutMS)
}

func TestLoadPolicy_ComputesVersionTag(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, minimalPolicy)

	pol, err := LoadPolicy(context.Background(), "aegis.yaml", false, dir)
	require.NoError(t, err)

	assert.NotEmpty(t, pol.Hash)
	assert.Regexp(t, `^1\.0\.0:sha256:[0-9a-f]{8}$`, pol.VersionTag)
}

func TestLoadPolicy_MissingAgentFails(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, `
sandbox:
  max_steps: 5
`)

	_, err := LoadPolicy(context.Background(), "aegis.yaml", false, dir)
	require.Error(t, err)
}

func TestLoadPolicy_StrictRequiresAllowedOrigins(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, `
agent:
  name: "web-agent"
  version: "1.0.0"
sandbox:
  max_steps: 5
`)

	_, err := LoadPolicy(context.Background(), "aegis.yaml", true, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_origins")
}

func TestResolvePathUnderBase_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()

	_, err := ResolvePathUnderBase(dir, "../../etc/passwd")
	require.Error(t, err)
}

func TestResolvePathUnderBase_AcceptsRelative(t *testing.T) {
	dir := t.TempDir()

	path, err := ResolvePathUnderBase(dir, "aegis.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "aegis.yaml"), path)
}

func TestIsBlockedAction_CaseInsensitive(t *testing.T) {
	pol := &Policy{Sandbox: SandboxConfig{BlockedActions: []string{"execute_payment"}}}

	assert.True(t, pol.IsBlockedAction("execute_payment"))
	assert.True(t, pol.IsBlockedAction("Execute_Payment"))
	assert.False(t, pol.IsBlockedAction("navigate"))
}

func TestIsKnownAction(t *testing.T) {
	pol := &Policy{Risk: RiskConfig{KnownActions: []string{"navigate", "click"}}}

	assert.True(t, pol.IsKnownAction("click"))
	assert.False(t, pol.IsKnownAction("teleport"))
}
