// Package testutil provides shared helpers for package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Test signing and encryption keys for use in tests only.
const (
	TestSigningKey  = "test-signing-key-1234567890123456"
	TestSnapshotKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

// WriteGovernanceFile creates a minimal valid aegis.yaml in dir and
// returns its path. Limits are generous so actions pass unless a test
// overrides them.
func WriteGovernanceFile(t *testing.T, dir, name string) string {
	t.Helper()
	content := `
agent:
  name: "` + name + `"
  version: "1.0.0"
sandbox:
  max_steps: 50
  actions_per_minute: 30
  sessions_per_hour: 10
  session_timeout_ms: 1800000
  allowed_origins:
    - unite-hub.com
  blocked_actions:
    - execute_payment
    - delete_account
risk:
  approval_threshold: 60
  confidence_floor: 0.7
`
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteStrictGovernanceFile creates an aegis.yaml with tight limits so
// sandbox violations trigger quickly.
func WriteStrictGovernanceFile(t *testing.T, dir, name string) string {
	t.Helper()
	content := `
agent:
  name: "` + name + `"
  version: "1.0.0"
sandbox:
  max_steps: 2
  actions_per_minute: 2
  sessions_per_hour: 1
  session_timeout_ms: 1000
  allowed_origins:
    - unite-hub.com
  blocked_actions:
    - execute_payment
risk:
  approval_threshold: 10
  confidence_floor: 0.9
`
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
