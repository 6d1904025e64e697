package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/audit"
)

func TestParseAPIKeys(t *testing.T) {
	assert.Empty(t, parseAPIKeys(""))

	m := parseAPIKeys("key1:alice, key2:bob,key3")
	assert.Equal(t, map[string]string{
		"key1": "alice",
		"key2": "bob",
		"key3": "default",
	}, m)
}

func TestRenderAuditList(t *testing.T) {
	entries := []audit.Entry{
		{
			ID:        "aud_1",
			Actor:     "alice",
			EventType: audit.EventActionExecuted,
			SessionID: "sess_1",
			Timestamp: time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC),
		},
		{
			ID:        "aud_2",
			Actor:     "system",
			EventType: audit.EventApprovalTimeout,
			Timestamp: time.Date(2026, 8, 28, 10, 31, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	renderAuditList(&buf, entries)
	out := buf.String()

	assert.Contains(t, out, "showing 2")
	assert.Contains(t, out, "aud_1 | 2026-08-28 10:30:00 | action_executed | alice | sess_1")
	assert.Contains(t, out, "aud_2 | 2026-08-28 10:31:00 | approval_timeout | system | -")
}

func TestRenderVerifyResult(t *testing.T) {
	var buf bytes.Buffer
	renderVerifyResult(&buf, "aud_1", true)
	assert.Contains(t, buf.String(), "VALID")

	buf.Reset()
	renderVerifyResult(&buf, "aud_1", false)
	assert.Contains(t, buf.String(), "INVALID")
}
