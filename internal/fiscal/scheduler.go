// Package fiscal advances fiscal periods: one aggregation row per property
// per business date. Closing is strictly oldest-first, so a later date can
// never close while an earlier one is still open, and an arbitrarily large
// backlog (for example after an extended outage) drains in bounded passes.
package fiscal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tablemesh/pos-core/internal/busdate"
	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

// MaxCloseIterations bounds how many periods a single pass may close per
// property. A 30-day backlog drains in one pass; anything older takes
// another tick a minute later.
const MaxCloseIterations = 30

// PeriodStore is the persistence contract for fiscal periods. ListOpenPeriods
// must return non-closed periods in ascending businessDate order.
type PeriodStore interface {
	ListProperties(ctx context.Context) ([]models.Property, error)
	ListOpenPeriods(ctx context.Context, propertyID string) ([]models.FiscalPeriod, error)
	GetPeriod(ctx context.Context, propertyID, businessDate string) (*models.FiscalPeriod, error)
	AggregateTotals(ctx context.Context, propertyID, businessDate string) (models.PeriodTotals, error)
	ClosePeriod(ctx context.Context, propertyID, businessDate string, totals models.PeriodTotals, closedAt time.Time) error
	CreatePeriod(ctx context.Context, propertyID, businessDate string) error
}

type Scheduler struct {
	store    PeriodStore
	clock    infra.Clock
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	lastTick time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(store PeriodStore, clock infra.Clock, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		clock:    clock,
		logger:   logger,
		interval: interval,
		lastTick: clock.Now(),
	}
}

// Start launches the tick loop. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := s.clock.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				s.Tick(runCtx)
			}
		}
	}()

	s.logger.Info("Fiscal period scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	last := s.lastTick
	s.mu.Unlock()

	if age := s.clock.Now().Sub(last); age > 3*s.interval {
		return fmt.Errorf("no scheduler tick for %s", age)
	}
	return nil
}

// Tick runs one rollover pass over every property. A failure on one
// property is logged and does not abort the others.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	properties, err := s.store.ListProperties(ctx)
	if err != nil {
		s.logger.Error("Failed to list properties for fiscal rollover", "error", err)
		return
	}

	for _, prop := range properties {
		if err := s.rolloverProperty(ctx, prop); err != nil {
			s.logger.Error("Fiscal rollover failed for property",
				"property_id", prop.ID,
				"error", err,
			)
		}
	}
}

// rolloverProperty closes due periods oldest-first and opens the successor
// of each closed period. Idempotent: a period already closed by a
// concurrent closer is skipped, and the next period is only created when
// missing.
func (s *Scheduler) rolloverProperty(ctx context.Context, prop models.Property) error {
	if err := busdate.ValidateConfig(prop); err != nil {
		return fmt.Errorf("rollover config: %w", err)
	}

	for i := 0; i < MaxCloseIterations; i++ {
		open, err := s.store.ListOpenPeriods(ctx, prop.ID)
		if err != nil {
			return fmt.Errorf("list open periods: %w", err)
		}

		current, err := busdate.Resolve(s.clock.Now(), prop)
		if err != nil {
			return fmt.Errorf("resolve business date: %w", err)
		}

		if len(open) == 0 {
			return s.ensurePeriod(ctx, prop.ID, current)
		}

		oldest := open[0]
		if current <= oldest.BusinessDate {
			// The oldest open period is still trading.
			return nil
		}

		// Re-fetch fresh: another scheduler instance may have closed it
		// between the list and now.
		fresh, err := s.store.GetPeriod(ctx, prop.ID, oldest.BusinessDate)
		if err != nil {
			return fmt.Errorf("refetch period %s: %w", oldest.BusinessDate, err)
		}
		if fresh == nil || fresh.Status == models.PeriodClosed {
			continue
		}

		totals, err := s.store.AggregateTotals(ctx, prop.ID, oldest.BusinessDate)
		if err != nil {
			return fmt.Errorf("aggregate totals for %s: %w", oldest.BusinessDate, err)
		}

		if err := s.store.ClosePeriod(ctx, prop.ID, oldest.BusinessDate, totals, s.clock.Now()); err != nil {
			return fmt.Errorf("close period %s: %w", oldest.BusinessDate, err)
		}
		metrics.FiscalPeriodsClosed.WithLabelValues(prop.ID).Inc()

		s.logger.Info("Closed fiscal period",
			"property_id", prop.ID,
			"business_date", oldest.BusinessDate,
			"gross_sales", totals.GrossSales,
			"check_count", totals.CheckCount,
		)

		next, err := busdate.Increment(oldest.BusinessDate)
		if err != nil {
			return fmt.Errorf("increment business date %s: %w", oldest.BusinessDate, err)
		}
		if err := s.ensurePeriod(ctx, prop.ID, next); err != nil {
			return err
		}
	}

	s.logger.Warn("Fiscal backlog exceeded one pass, resuming next tick",
		"property_id", prop.ID,
		"max_iterations", MaxCloseIterations,
	)
	return nil
}

func (s *Scheduler) ensurePeriod(ctx context.Context, propertyID, businessDate string) error {
	existing, err := s.store.GetPeriod(ctx, propertyID, businessDate)
	if err != nil {
		return fmt.Errorf("check period %s: %w", businessDate, err)
	}
	if existing != nil {
		return nil
	}
	if err := s.store.CreatePeriod(ctx, propertyID, businessDate); err != nil {
		return fmt.Errorf("create period %s: %w", businessDate, err)
	}
	s.logger.Info("Opened fiscal period", "property_id", propertyID, "business_date", businessDate)
	return nil
}
