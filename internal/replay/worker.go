package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

// Dispatcher delivers one item to the authoritative store. The dispatch
// must be an idempotent upsert keyed by the entity's stable identifier.
type Dispatcher interface {
	Dispatch(ctx context.Context, item models.ReplayItem) error
}

// StatusSource is the connectivity monitor's read surface.
type StatusSource interface {
	Snapshot() models.ConnectivityStatus
}

type WorkerOptions struct {
	Interval        time.Duration
	BatchSize       int
	DispatchTimeout time.Duration
}

func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Interval:        5 * time.Second,
		BatchSize:       10,
		DispatchTimeout: 10 * time.Second,
	}
}

// Worker drains the queue while the authoritative target is reachable.
// Ordering is FIFO per entity: a failed item blocks its entity's later
// items within the pass, while other entities keep flowing.
type Worker struct {
	store       Store
	dispatcher  Dispatcher
	status      StatusSource
	transitions <-chan models.ConnectivityStatus
	clock       infra.Clock
	logger      *slog.Logger
	opts        WorkerOptions

	mu       sync.Mutex
	lastPass time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(store Store, dispatcher Dispatcher, status StatusSource, transitions <-chan models.ConnectivityStatus, clock infra.Clock, logger *slog.Logger, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Worker{
		store:       store,
		dispatcher:  dispatcher,
		status:      status,
		transitions: transitions,
		clock:       clock,
		logger:      logger,
		opts:        opts,
		lastPass:    clock.Now(),
	}
}

// Start launches the drain loop. Non-blocking.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := w.clock.NewTicker(w.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				w.drain(runCtx)
			case s, ok := <-w.transitions:
				if !ok {
					continue
				}
				// A mode upgrade means backlog may finally be deliverable:
				// drain immediately instead of waiting out the tick.
				if s.SharedLockingAvailable() {
					w.drain(runCtx)
				}
			}
		}
	}()

	w.logger.Info("Sync worker started",
		"interval", w.opts.Interval,
		"batch_size", w.opts.BatchSize,
	)
	return nil
}

func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) HealthCheck(ctx context.Context) error {
	w.mu.Lock()
	last := w.lastPass
	w.mu.Unlock()

	if age := w.clock.Now().Sub(last); age > 5*w.opts.Interval {
		return fmt.Errorf("no drain pass for %s", age)
	}
	return nil
}

func (w *Worker) drain(ctx context.Context) {
	w.mu.Lock()
	w.lastPass = w.clock.Now()
	w.mu.Unlock()

	if !w.status.Snapshot().SharedLockingAvailable() {
		// The authoritative target is unreachable; mutations keep
		// accumulating durably until the mode recovers.
		return
	}

	start := w.clock.Now()
	if err := w.DrainOnce(ctx); err != nil {
		w.logger.Error("Drain pass failed", "error", err)
	}
	metrics.DrainDuration.Observe(w.clock.Now().Sub(start).Seconds())
}

// DrainOnce processes one bounded batch oldest-first.
func (w *Worker) DrainOnce(ctx context.Context) error {
	items, err := w.store.FetchPending(ctx, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}

	defer w.publishBacklog(ctx)

	if len(items) == 0 {
		return nil
	}

	// Entities that already failed this pass: their later items are
	// skipped so per-entity creation order is never violated.
	blocked := map[string]bool{}

	for _, item := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if blocked[item.EntityID] {
			continue
		}

		l := w.logger.With("item_id", item.ID, "entity_type", item.EntityType, "entity_id", item.EntityID)

		ictx, cancel := context.WithTimeout(ctx, w.opts.DispatchTimeout)
		err := w.dispatcher.Dispatch(ictx, item)
		cancel()

		if err != nil {
			blocked[item.EntityID] = true
			if markErr := w.store.MarkFailed(ctx, item.ID, err.Error(), w.clock.Now()); markErr != nil {
				l.Error("CRITICAL: failed to record dispatch failure", "error", markErr)
			}
			metrics.ReplayDispatched.WithLabelValues("failed", string(item.EntityType)).Inc()
			l.Warn("Dispatch failed, item retained for retry", "attempt", item.Attempts+1, "error", err)
			continue
		}

		if err := w.store.MarkCompleted(ctx, item.ID); err != nil {
			// The mutation reached the authority but the local checkpoint
			// failed; redelivery is safe because the upsert is idempotent.
			l.Error("Dispatched but failed to remove from queue", "error", err)
			return fmt.Errorf("completion checkpoint: %w", err)
		}
		metrics.ReplayDispatched.WithLabelValues("completed", string(item.EntityType)).Inc()
	}

	return nil
}

func (w *Worker) publishBacklog(ctx context.Context) {
	if n, err := w.store.Backlog(ctx); err == nil {
		metrics.ReplayBacklog.Set(float64(n))
	}
}
