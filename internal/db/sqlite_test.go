package db

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablemesh/pos-core/internal/models"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "terminal.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func replayItem(id, entityID string, createdAt time.Time) *models.ReplayItem {
	return &models.ReplayItem{
		ID:         id,
		EntityType: models.EntityCheck,
		EntityID:   entityID,
		Operation:  models.OpUpdate,
		Payload:    json.RawMessage(`{"id":"` + entityID + `"}`),
		CreatedAt:  createdAt,
		Status:     models.ReplayPending,
	}
}

func TestLocalStore_ReplayQueueRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)

	require.NoError(t, store.Enqueue(ctx, replayItem("it-2", "chk-2", base.Add(time.Millisecond))))
	require.NoError(t, store.Enqueue(ctx, replayItem("it-1", "chk-1", base)))
	require.NoError(t, store.Enqueue(ctx, replayItem("it-3", "chk-3", base.Add(2*time.Millisecond))))

	items, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "it-1", items[0].ID, "fetch order is creation order, not insert order")
	assert.Equal(t, "it-2", items[1].ID)
	assert.Equal(t, "it-3", items[2].ID)
	assert.Equal(t, base, items[0].CreatedAt)
	assert.JSONEq(t, `{"id":"chk-1"}`, string(items[0].Payload))

	n, err := store.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLocalStore_FetchPendingHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Enqueue(ctx, replayItem("it-"+id, "chk-"+id, base.Add(time.Duration(i)*time.Millisecond))))
	}

	items, err := store.FetchPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "it-a", items[0].ID)
	assert.Equal(t, "it-b", items[1].ID)
}

func TestLocalStore_MarkCompletedRemoves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	require.NoError(t, store.Enqueue(ctx, replayItem("it-1", "chk-1", base)))

	require.NoError(t, store.MarkCompleted(ctx, "it-1"))

	n, err := store.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Error(t, store.MarkCompleted(ctx, "it-1"), "completing twice surfaces the missing row")
}

func TestLocalStore_MarkFailedKeepsItemAndCountsAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	require.NoError(t, store.Enqueue(ctx, replayItem("it-1", "chk-1", base)))

	attemptAt := base.Add(5 * time.Second)
	require.NoError(t, store.MarkFailed(ctx, "it-1", "upstream 503", attemptAt))
	require.NoError(t, store.MarkFailed(ctx, "it-1", "upstream 504", attemptAt.Add(5*time.Second)))

	items, err := store.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1, "failed items stay queued")
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, models.ReplayFailed, items[0].Status)
	assert.Equal(t, "upstream 504", items[0].ErrorMessage)
	require.NotNil(t, items[0].LastAttemptAt)
	assert.Equal(t, attemptAt.Add(5*time.Second), *items[0].LastAttemptAt)
}

func TestLocalStore_QueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terminal.db")
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)

	store, err := NewLocalStore(path, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, replayItem("it-1", "chk-1", base)))
	require.NoError(t, store.Close())

	reopened, err := NewLocalStore(path, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	items, err := reopened.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1, "queued mutations survive a process restart")
	assert.Equal(t, "it-1", items[0].ID)
}

func TestLocalStore_CheckRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetCheck(ctx, "chk-404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	check := &models.Check{
		ID:           "chk-1",
		PropertyID:   "prop-1",
		BusinessDate: "2026-01-05",
		Status:       models.CheckOpen,
		GuestCount:   2,
		Items: []models.LineItem{
			{ItemID: "li-1", Name: "House Burger", Quantity: 1, UnitPrice: 1450},
		},
	}
	require.NoError(t, store.SaveCheck(ctx, check))
	assert.Equal(t, int64(1), check.Revision, "saving bumps the revision")

	loaded, err := store.GetCheck(ctx, "chk-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, check.Items, loaded.Items)
	assert.Equal(t, int64(1), loaded.Revision)

	loaded.GuestCount = 3
	require.NoError(t, store.SaveCheck(ctx, loaded))
	again, err := store.GetCheck(ctx, "chk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Revision)
	assert.Equal(t, 3, again.GuestCount)

	require.NoError(t, store.DeleteCheck(ctx, "chk-1"))
	gone, err := store.GetCheck(ctx, "chk-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
