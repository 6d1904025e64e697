package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CleanExpo/Unite-Hub-sub022/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &Entry{
		Actor:     "alice",
		EventType: EventActionExecuted,
		SessionID: "sess_abc",
		Workspace: "ws-1",
		Payload:   json.RawMessage(`{"action_type":"navigate"}`),
	}
	require.NoError(t, store.Append(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.NotEmpty(t, entry.Signature)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Actor)
	assert.Equal(t, EventActionExecuted, got.EventType)
	assert.Equal(t, entry.Signature, got.Signature)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "aud_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestList_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []Entry{
		{Actor: "alice", EventType: EventActionExecuted, SessionID: "sess_1", Workspace: "ws-1"},
		{Actor: "alice", EventType: EventViolation, SessionID: "sess_1", Workspace: "ws-1"},
		{Actor: "bob", EventType: EventActionExecuted, SessionID: "sess_2", Workspace: "ws-2"},
	}
	for i := range seed {
		require.NoError(t, store.Append(ctx, &seed[i]))
	}

	byActor, err := store.List(ctx, Filter{Actor: "alice"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	bySession, err := store.List(ctx, Filter{SessionID: "sess_2"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, "bob", bySession[0].Actor)

	byEvent, err := store.List(ctx, Filter{EventType: EventViolation})
	require.NoError(t, err)
	assert.Len(t, byEvent, 1)

	byWorkspace, err := store.List(ctx, Filter{Workspace: "ws-1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, byWorkspace, 1)
}

func TestList_TimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &Entry{Actor: "alice", EventType: EventSessionEnded, Timestamp: time.Now().UTC().Add(-48 * time.Hour)}
	recent := &Entry{Actor: "alice", EventType: EventSessionStarted}
	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, recent))

	entries, err := store.List(ctx, Filter{From: time.Now().UTC().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventSessionStarted, entries[0].EventType)
}

func TestVerify_Intact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &Entry{Actor: "alice", EventType: EventActionExecuted}
	require.NoError(t, store.Append(ctx, entry))

	ok, err := store.Verify(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := &Entry{Actor: "alice", EventType: EventActionExecuted}
	require.NoError(t, store.Append(ctx, entry))

	// Rewrite the stored document behind the store's back.
	tampered := *entry
	tampered.Actor = "mallory"
	doc, err := json.Marshal(&tampered)
	require.NoError(t, err)
	_, err = store.db.ExecContext(ctx,
		`UPDATE audit_entries SET entry_json = ? WHERE id = ?`, string(doc), entry.ID)
	require.NoError(t, err)

	ok, err := store.Verify(ctx, entry.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a modified entry must fail signature verification")
}

func TestPurgeOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &Entry{Actor: "alice", EventType: EventSessionEnded, Timestamp: time.Now().UTC().AddDate(0, 0, -100)}
	recent := &Entry{Actor: "alice", EventType: EventSessionStarted}
	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, recent))

	n, err := store.PurgeOlderThan(ctx, time.Now().UTC().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, old.ID)
	assert.Error(t, err)
	_, err = store.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestSigner_KeyForms(t *testing.T) {
	_, err := NewSigner("short")
	require.Error(t, err)

	raw, err := NewSigner(testutil.TestSigningKey)
	require.NoError(t, err)

	hexKey, err := NewSigner(testutil.TestSnapshotKey)
	require.NoError(t, err)

	sig, err := raw.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, raw.Verify([]byte("payload"), sig))
	assert.False(t, raw.Verify([]byte("payload2"), sig))
	assert.False(t, hexKey.Verify([]byte("payload"), sig), "different keys must not cross-verify")
}
