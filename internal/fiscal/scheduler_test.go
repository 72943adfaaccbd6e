package fiscal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablemesh/pos-core/internal/busdate"
	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
)

type fakePeriodStore struct {
	mu         sync.Mutex
	properties []models.Property
	periods    map[string]*models.FiscalPeriod
	closeOrder []string

	// listOnce, when set, is returned by the next ListOpenPeriods call to
	// simulate a stale read racing a concurrent closer.
	listOnce []models.FiscalPeriod
}

func newFakePeriodStore(props ...models.Property) *fakePeriodStore {
	return &fakePeriodStore{
		properties: props,
		periods:    map[string]*models.FiscalPeriod{},
	}
}

func (f *fakePeriodStore) key(propertyID, date string) string {
	return propertyID + "|" + date
}

func (f *fakePeriodStore) seed(propertyID, date string, status models.PeriodStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periods[f.key(propertyID, date)] = &models.FiscalPeriod{
		PropertyID:   propertyID,
		BusinessDate: date,
		Status:       status,
	}
}

func (f *fakePeriodStore) ListProperties(ctx context.Context) ([]models.Property, error) {
	return f.properties, nil
}

func (f *fakePeriodStore) ListOpenPeriods(ctx context.Context, propertyID string) ([]models.FiscalPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listOnce != nil {
		out := f.listOnce
		f.listOnce = nil
		return out, nil
	}
	var out []models.FiscalPeriod
	for _, p := range f.periods {
		if p.PropertyID == propertyID && p.Status != models.PeriodClosed {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessDate < out[j].BusinessDate })
	return out, nil
}

func (f *fakePeriodStore) GetPeriod(ctx context.Context, propertyID, date string) (*models.FiscalPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[f.key(propertyID, date)]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakePeriodStore) AggregateTotals(ctx context.Context, propertyID, date string) (models.PeriodTotals, error) {
	return models.PeriodTotals{GrossSales: 10000, CheckCount: 4, GuestCount: 9}, nil
}

func (f *fakePeriodStore) ClosePeriod(ctx context.Context, propertyID, date string, totals models.PeriodTotals, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[f.key(propertyID, date)]
	if !ok {
		return fmt.Errorf("period %s not found", date)
	}
	p.Status = models.PeriodClosed
	p.Totals = totals
	p.ClosedAt = &closedAt
	f.closeOrder = append(f.closeOrder, date)
	return nil
}

func (f *fakePeriodStore) CreatePeriod(ctx context.Context, propertyID, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(propertyID, date)
	if _, ok := f.periods[k]; ok {
		return fmt.Errorf("period %s already exists", date)
	}
	f.periods[k] = &models.FiscalPeriod{
		PropertyID:   propertyID,
		BusinessDate: date,
		Status:       models.PeriodOpen,
	}
	return nil
}

func utcProperty(id string) models.Property {
	return models.Property{ID: id, Timezone: "UTC", RolloverTime: "04:00", RolloverMode: "auto"}
}

// Noon UTC on 2026-01-10: the current business date is 2026-01-10.
var testNow = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(store PeriodStore) (*Scheduler, *infra.ManualClock) {
	clock := infra.NewManualClock(testNow)
	return NewScheduler(store, clock, slog.Default(), time.Minute), clock
}

func TestScheduler_DrainsBacklogOldestFirst(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)
	store.seed(prop.ID, "2026-01-05", models.PeriodOpen)
	store.seed(prop.ID, "2026-01-06", models.PeriodOpen)
	store.seed(prop.ID, "2026-01-07", models.PeriodReopened)

	s, _ := newTestScheduler(store)
	require.NoError(t, s.rolloverProperty(context.Background(), prop))

	assert.Equal(t, []string{"2026-01-05", "2026-01-06", "2026-01-07", "2026-01-08", "2026-01-09"}, store.closeOrder)

	today, err := store.GetPeriod(context.Background(), prop.ID, "2026-01-10")
	require.NoError(t, err)
	require.NotNil(t, today, "scheduler must open the current period")
	assert.Equal(t, models.PeriodOpen, today.Status)
}

func TestScheduler_NeverClosesOutOfOrder(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)
	for _, d := range []string{"2026-01-03", "2026-01-07", "2026-01-05"} {
		store.seed(prop.ID, d, models.PeriodOpen)
	}

	s, _ := newTestScheduler(store)
	require.NoError(t, s.rolloverProperty(context.Background(), prop))

	assert.True(t, sort.StringsAreSorted(store.closeOrder),
		"periods must close in strictly increasing businessDate order, got %v", store.closeOrder)
}

func TestScheduler_NothingToCloseYet(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)
	store.seed(prop.ID, "2026-01-10", models.PeriodOpen)

	s, _ := newTestScheduler(store)
	require.NoError(t, s.rolloverProperty(context.Background(), prop))

	assert.Empty(t, store.closeOrder, "the current business date must stay open")
}

func TestScheduler_OpensCurrentPeriodWhenNoneExist(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)

	s, _ := newTestScheduler(store)
	require.NoError(t, s.rolloverProperty(context.Background(), prop))

	p, err := store.GetPeriod(context.Background(), prop.ID, "2026-01-10")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.PeriodOpen, p.Status)
}

func TestScheduler_SkipsPeriodClosedConcurrently(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)
	store.seed(prop.ID, "2026-01-09", models.PeriodClosed)

	// The stale list still shows 01-09 open; the fresh re-fetch must catch
	// the concurrent close and skip it.
	store.listOnce = []models.FiscalPeriod{{
		PropertyID:   prop.ID,
		BusinessDate: "2026-01-09",
		Status:       models.PeriodOpen,
	}}

	s, _ := newTestScheduler(store)
	require.NoError(t, s.rolloverProperty(context.Background(), prop))

	assert.NotContains(t, store.closeOrder, "2026-01-09")
}

func TestScheduler_BoundsOnePassByMaxIterations(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)

	first, _ := time.Parse(busdate.DateLayout, "2025-11-01")
	for i := 0; i < 45; i++ {
		store.seed(prop.ID, first.AddDate(0, 0, i).Format(busdate.DateLayout), models.PeriodOpen)
	}

	s, _ := newTestScheduler(store)
	require.NoError(t, s.rolloverProperty(context.Background(), prop))
	assert.Len(t, store.closeOrder, MaxCloseIterations, "one pass must stop at the iteration bound")

	// The next pass resumes where the previous one stopped.
	require.NoError(t, s.rolloverProperty(context.Background(), prop))
	assert.Greater(t, len(store.closeOrder), MaxCloseIterations)
	assert.True(t, sort.StringsAreSorted(store.closeOrder))
}

func TestScheduler_PropertyFailureDoesNotAbortOthers(t *testing.T) {
	broken := models.Property{ID: "prop-broken", Timezone: "Nope/Nowhere", RolloverTime: "04:00"}
	healthy := utcProperty("prop-ok")

	store := newFakePeriodStore(broken, healthy)
	store.seed(healthy.ID, "2026-01-08", models.PeriodOpen)

	s, _ := newTestScheduler(store)
	s.Tick(context.Background())

	assert.Contains(t, store.closeOrder, "2026-01-08", "healthy property must still roll over")
}

func TestScheduler_TickLoopRunsOnClock(t *testing.T) {
	prop := utcProperty("prop-1")
	store := newFakePeriodStore(prop)
	store.seed(prop.ID, "2026-01-09", models.PeriodOpen)

	s, clock := newTestScheduler(store)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	clock.Advance(61 * time.Second)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.closeOrder) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, s.Stop(stopCtx))
}
