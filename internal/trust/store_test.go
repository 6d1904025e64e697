package trust

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newScope(t *testing.T, store *Store, clientID string) *Scope {
	t.Helper()
	scope := &Scope{
		ClientID: clientID,
		Grants: []DomainGrant{
			{Domain: "seo", Enabled: true, AllowedChanges: []string{"meta_update", "content_edit"}},
		},
		MaxDailyActions: 10,
		MaxRiskLevel:    "medium",
	}
	require.NoError(t, store.Create(context.Background(), scope))
	return scope
}

func activate(t *testing.T, store *Store, scopeID string) {
	t.Helper()
	ctx := context.Background()
	for _, to := range []State{StatePendingOwnership, StatePendingSignature, StateActive} {
		_, err := store.Advance(ctx, scopeID, to, "verifier", "evidence")
		require.NoError(t, err)
	}
}

func TestCreate_StartsPendingIdentity(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")

	assert.NotEmpty(t, scope.ID)
	assert.Equal(t, StatePendingIdentity, scope.State)

	got, err := store.Get(context.Background(), scope.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePendingIdentity, got.State)
	assert.Equal(t, "client-1", got.ClientID)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "scope_missing")
	assert.True(t, errors.Is(err, ErrScopeNotFound))

	_, err = store.GetByClient(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrScopeNotFound))
}

func TestAdvance_FullOnboarding(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	activate(t, store, scope.ID)

	got, err := store.Get(context.Background(), scope.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	history, err := store.Transitions(context.Background(), scope.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, StatePendingIdentity, history[0].From)
	assert.Equal(t, StateActive, history[2].To)
	assert.Equal(t, "verifier", history[0].Actor)
	assert.Equal(t, "evidence", history[0].Evidence)
}

func TestAdvance_IllegalMoveRejected(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")

	_, err := store.Advance(context.Background(), scope.ID, StateActive, "verifier", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")

	// Nothing was recorded.
	history, err := store.Transitions(context.Background(), scope.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAdvance_TerminalStateLocked(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")

	_, err := store.Advance(context.Background(), scope.ID, StateRejected, "verifier", "failed identity check")
	require.NoError(t, err)

	_, err = store.Advance(context.Background(), scope.ID, StatePendingOwnership, "verifier", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot transition")
}

func TestAdvance_RevokeActive(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	activate(t, store, scope.ID)

	tr, err := store.Advance(context.Background(), scope.ID, StateRevoked, "operator", "client offboarded")
	require.NoError(t, err)
	assert.Equal(t, StateActive, tr.From)
	assert.Equal(t, StateRevoked, tr.To)
}

func TestGetByClient_ReturnsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newScope(t, store, "client-1")
	_, err := store.Advance(ctx, first.ID, StateRejected, "verifier", "")
	require.NoError(t, err)

	// A fresh onboarding for the same client.
	time.Sleep(5 * time.Millisecond)
	second := newScope(t, store, "client-1")

	got, err := store.GetByClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestTryConsumeDailyAction_LimitEnforced(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	scope.MaxDailyActions = 3
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, _, err := store.TryConsumeDailyAction(ctx, scope, "seo", now)
		require.NoError(t, err)
		assert.True(t, ok, "slot %d should be granted", i+1)
	}

	ok, count, err := store.TryConsumeDailyAction(ctx, scope, "seo", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, count)
}

func TestTryConsumeDailyAction_ZeroLimitDenies(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	scope.MaxDailyActions = 0

	ok, _, err := store.TryConsumeDailyAction(context.Background(), scope, "seo", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryConsumeDailyAction_PerDomainBudgets(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	scope.MaxDailyActions = 1
	ctx := context.Background()
	now := time.Now()

	ok, _, err := store.TryConsumeDailyAction(ctx, scope, "seo", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = store.TryConsumeDailyAction(ctx, scope, "SEO", now)
	require.NoError(t, err)
	assert.False(t, ok, "domain keys are case-folded")

	ok, _, err = store.TryConsumeDailyAction(ctx, scope, "content", now)
	require.NoError(t, err)
	assert.True(t, ok, "each domain has its own budget")
}

func TestTryConsumeDailyAction_ResetsNextDay(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	scope.MaxDailyActions = 1
	ctx := context.Background()
	today := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	ok, _, err := store.TryConsumeDailyAction(ctx, scope, "seo", today)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = store.TryConsumeDailyAction(ctx, scope, "seo", today)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = store.TryConsumeDailyAction(ctx, scope, "seo", today.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryConsumeDailyAction_Concurrent(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	scope.MaxDailyActions = 5
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	granted := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.TryConsumeDailyAction(ctx, scope, "seo", now)
			if err == nil && ok {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	assert.Len(t, granted, 5, "exactly the budget is granted under contention")
}

func TestDailyUsage(t *testing.T) {
	store := newTestStore(t)
	scope := newScope(t, store, "client-1")
	ctx := context.Background()
	now := time.Now()

	n, err := store.DailyUsage(ctx, scope, "seo", now)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = store.TryConsumeDailyAction(ctx, scope, "seo", now)
	require.NoError(t, err)

	n, err = store.DailyUsage(ctx, scope, "seo", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
