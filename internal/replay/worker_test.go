package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
)

type memStore struct {
	mu    sync.Mutex
	items []models.ReplayItem
}

func (s *memStore) Enqueue(ctx context.Context, item *models.ReplayItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, *item)
	return nil
}

func (s *memStore) FetchPending(ctx context.Context, limit int) ([]models.ReplayItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.ReplayItem(nil), s.items...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("item %s not found", id)
}

func (s *memStore) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Attempts++
			s.items[i].Status = models.ReplayFailed
			s.items[i].ErrorMessage = errMsg
			s.items[i].LastAttemptAt = &at
			return nil
		}
	}
	return fmt.Errorf("item %s not found", id)
}

func (s *memStore) Backlog(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *memStore) get(id string) *models.ReplayItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			cp := s.items[i]
			return &cp
		}
	}
	return nil
}

// fakeAuthority applies idempotent upserts keyed by entity ID, the way the
// real authoritative store does.
type fakeAuthority struct {
	mu         sync.Mutex
	state      map[string]json.RawMessage
	dispatched []string
	failWith   map[string]error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{state: map[string]json.RawMessage{}, failWith: map[string]error{}}
}

func (a *fakeAuthority) Dispatch(ctx context.Context, item models.ReplayItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failWith[item.EntityID]; err != nil {
		return err
	}
	a.dispatched = append(a.dispatched, item.ID)
	if item.Operation == models.OpDelete {
		delete(a.state, item.EntityID)
	} else {
		a.state[item.EntityID] = item.Payload
	}
	return nil
}

type fixedStatus struct {
	mu   sync.Mutex
	mode models.Mode
}

func (s *fixedStatus) Snapshot() models.ConnectivityStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ConnectivityStatus{Mode: s.mode}
}

func (s *fixedStatus) set(mode models.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

type workerFixture struct {
	store       *memStore
	authority   *fakeAuthority
	status      *fixedStatus
	clock       *infra.ManualClock
	queue       *Queue
	worker      *Worker
	transitions chan models.ConnectivityStatus
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		store:       &memStore{},
		authority:   newFakeAuthority(),
		status:      &fixedStatus{mode: models.ModeOnline},
		clock:       infra.NewManualClock(time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)),
		transitions: make(chan models.ConnectivityStatus, 8),
	}
	f.queue = NewQueue(f.store, f.clock, slog.Default())
	f.worker = NewWorker(f.store, f.authority, f.status, f.transitions, f.clock, slog.Default(), DefaultWorkerOptions())
	return f
}

func (f *workerFixture) enqueue(t *testing.T, entityID string, op models.Operation) *models.ReplayItem {
	t.Helper()
	item, err := f.queue.Enqueue(context.Background(), models.EntityCheck, entityID, op, map[string]string{"id": entityID})
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond) // distinct creation timestamps
	return item
}

func TestQueue_EnqueueValidates(t *testing.T) {
	f := newWorkerFixture()

	_, err := f.queue.Enqueue(context.Background(), "invoice", "e1", models.OpCreate, nil)
	assert.Error(t, err)

	_, err = f.queue.Enqueue(context.Background(), models.EntityCheck, "e1", "upsert", nil)
	assert.Error(t, err)

	item, err := f.queue.Enqueue(context.Background(), models.EntityPayment, "e1", models.OpCreate, map[string]int{"amount": 500})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.ReplayPending, item.Status)
}

func TestWorker_DrainsOldestFirstAndRemovesCompleted(t *testing.T) {
	f := newWorkerFixture()
	first := f.enqueue(t, "chk-1", models.OpCreate)
	second := f.enqueue(t, "chk-2", models.OpCreate)

	require.NoError(t, f.worker.DrainOnce(context.Background()))

	assert.Equal(t, []string{first.ID, second.ID}, f.authority.dispatched)
	n, err := f.store.Backlog(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "acknowledged items leave the queue")
}

func TestWorker_FailureRetainsItemWithErrorMessage(t *testing.T) {
	f := newWorkerFixture()
	item := f.enqueue(t, "chk-1", models.OpUpdate)
	f.authority.failWith["chk-1"] = fmt.Errorf("upstream 503")

	require.NoError(t, f.worker.DrainOnce(context.Background()))

	kept := f.store.get(item.ID)
	require.NotNil(t, kept, "failed items are never dropped")
	assert.Equal(t, 1, kept.Attempts)
	assert.Equal(t, models.ReplayFailed, kept.Status)
	assert.Contains(t, kept.ErrorMessage, "503")

	// No retry cap: attempts keep counting until the authority accepts.
	require.NoError(t, f.worker.DrainOnce(context.Background()))
	assert.Equal(t, 2, f.store.get(item.ID).Attempts)

	delete(f.authority.failWith, "chk-1")
	require.NoError(t, f.worker.DrainOnce(context.Background()))
	assert.Nil(t, f.store.get(item.ID))
}

func TestWorker_PerEntityFIFOBlocksSuccessors(t *testing.T) {
	f := newWorkerFixture()
	f.enqueue(t, "chk-1", models.OpCreate)
	laterSameEntity := f.enqueue(t, "chk-1", models.OpUpdate)
	other := f.enqueue(t, "chk-2", models.OpCreate)
	f.authority.failWith["chk-1"] = fmt.Errorf("conflict")

	require.NoError(t, f.worker.DrainOnce(context.Background()))

	assert.Equal(t, []string{other.ID}, f.authority.dispatched,
		"a failed entity must not have later items applied out of order, but other entities keep flowing")
	assert.Zero(t, f.store.get(laterSameEntity.ID).Attempts,
		"skipped items are not counted as attempts")
}

func TestWorker_SkipsDrainWhileAuthorityUnreachable(t *testing.T) {
	f := newWorkerFixture()
	f.enqueue(t, "chk-1", models.OpCreate)

	for _, mode := range []models.Mode{models.ModeLocalOnly, models.ModeIsolated} {
		f.status.set(mode)
		f.worker.drain(context.Background())
		assert.Empty(t, f.authority.dispatched, "mode %s must not dispatch", mode)
	}

	f.status.set(models.ModeLanDegraded)
	f.worker.drain(context.Background())
	assert.Len(t, f.authority.dispatched, 1, "lan-degraded drains via the relay host")
}

func TestWorker_RedeliveryIsIdempotent(t *testing.T) {
	f := newWorkerFixture()
	item := f.enqueue(t, "chk-1", models.OpUpdate)

	// Simulate a lost acknowledgment: the same item is dispatched twice.
	require.NoError(t, f.authority.Dispatch(context.Background(), *item))
	stateAfterOnce := string(f.authority.state["chk-1"])
	require.NoError(t, f.worker.DrainOnce(context.Background()))

	assert.Equal(t, stateAfterOnce, string(f.authority.state["chk-1"]),
		"applying the same item twice must produce the same end state")
}

func TestWorker_BatchIsBounded(t *testing.T) {
	f := newWorkerFixture()
	for i := 0; i < 25; i++ {
		f.enqueue(t, fmt.Sprintf("chk-%d", i), models.OpCreate)
	}

	require.NoError(t, f.worker.DrainOnce(context.Background()))
	assert.Len(t, f.authority.dispatched, 10, "one pass pulls at most one batch")
}

func TestWorker_ModeUpgradeTriggersImmediateDrain(t *testing.T) {
	f := newWorkerFixture()
	f.status.set(models.ModeIsolated)
	f.enqueue(t, "chk-1", models.OpCreate)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.worker.Start(ctx))

	f.status.set(models.ModeOnline)
	f.transitions <- models.ConnectivityStatus{Mode: models.ModeOnline}

	require.Eventually(t, func() bool {
		f.authority.mu.Lock()
		defer f.authority.mu.Unlock()
		return len(f.authority.dispatched) == 1
	}, time.Second, 5*time.Millisecond, "an upgrade must drain without waiting for the tick")

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, f.worker.Stop(stopCtx))
}
