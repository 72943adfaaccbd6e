// Package processor applies replayed mutations to the authoritative store
// on the relay host. The apply is exactly-once: an idempotency record
// commits in the same transaction as the entity write, so redelivery after
// a lost acknowledgment becomes a cheap ack.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tablemesh/pos-core/internal/broker"
	"github.com/tablemesh/pos-core/internal/db"
	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

// ApplyHandler orchestrates the persistence of replayed mutations.
type ApplyHandler struct {
	store  *db.AuthoritativeStore
	logger *slog.Logger
}

func NewApplyHandler(store *db.AuthoritativeStore, logger *slog.Logger) *ApplyHandler {
	return &ApplyHandler{
		store:  store,
		logger: logger,
	}
}

// Apply executes the complete apply cycle with internal retry on row
// contention.
func (h *ApplyHandler) Apply(ctx context.Context, env broker.Envelope) (err error) {
	start := time.Now()
	item := env.Item

	defer func() {
		duration := time.Since(start).Seconds()
		status := "success"
		if err != nil {
			if strings.HasPrefix(err.Error(), "FATAL:") {
				status = "fatal_error"
			} else {
				status = "transient_error"
			}
		}
		metrics.ApplyDuration.WithLabelValues(status, string(item.EntityType), string(item.Operation)).Observe(duration)
		metrics.ApplyMessages.WithLabelValues(status, env.TerminalID).Inc()
	}()

	l := h.logger.With(
		"item_id", item.ID,
		"terminal_id", env.TerminalID,
		"entity_type", item.EntityType,
		"entity_id", item.EntityID,
		"operation", item.Operation,
	)

	if !models.ValidEntityType(item.EntityType) {
		l.Error("Fatal: unknown entity type")
		return fmt.Errorf("FATAL: entity type %q is not supported", item.EntityType)
	}
	if !models.ValidOperation(item.Operation) {
		l.Error("Fatal: unknown operation")
		return fmt.Errorf("FATAL: operation %q is not supported", item.Operation)
	}

	// Idempotency check before any lock is taken.
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	alreadyApplied, err := h.store.IsProcessed(checkCtx, item.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("idempotency check failed: %v", err)
	}
	if alreadyApplied {
		l.Info("Item already applied, skipping to ACK")
		return nil
	}

	const maxRetries = 3
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		txCtx, txCancel := context.WithTimeout(ctx, 10*time.Second)
		err = h.applyInTx(txCtx, env)
		txCancel()

		if err == nil {
			l.Info("Mutation applied to authoritative store")
			return nil
		}

		if h.isRowContention(err) {
			lastErr = err
			metrics.ApplyRetries.WithLabelValues(string(item.EntityType)).Inc()

			// Linear backoff: 200ms, 400ms, 600ms.
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			l.Warn("Row contention detected, retrying internally",
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
			time.Sleep(backoff)
			continue
		}

		return err
	}

	return fmt.Errorf("failed after %d attempts (last error: %v)", maxRetries, lastErr)
}

// applyInTx runs the entity write and the idempotency marker atomically.
func (h *ApplyHandler) applyInTx(ctx context.Context, env broker.Envelope) error {
	item := env.Item

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %v", err)
	}
	// Rollback is a no-op once Commit has run.
	defer tx.Rollback(ctx)

	switch item.EntityType {
	case models.EntityCheck:
		if item.Operation == models.OpDelete {
			err = h.store.DeleteCheck(ctx, tx, item.EntityID)
			break
		}
		var check models.Check
		if uerr := json.Unmarshal(item.Payload, &check); uerr != nil {
			return fmt.Errorf("FATAL: check payload unmarshal error: %v", uerr)
		}
		err = h.store.UpsertCheck(ctx, tx, check, item.Payload)

	case models.EntityPayment:
		if item.Operation == models.OpDelete {
			err = h.store.DeletePayment(ctx, tx, item.EntityID)
			break
		}
		var payment models.Payment
		if uerr := json.Unmarshal(item.Payload, &payment); uerr != nil {
			return fmt.Errorf("FATAL: payment payload unmarshal error: %v", uerr)
		}
		err = h.store.UpsertPayment(ctx, tx, payment)

	case models.EntityTimeEntry:
		if item.Operation == models.OpDelete {
			err = h.store.DeleteTimeEntry(ctx, tx, item.EntityID)
			break
		}
		var entry models.TimeEntry
		if uerr := json.Unmarshal(item.Payload, &entry); uerr != nil {
			return fmt.Errorf("FATAL: time entry payload unmarshal error: %v", uerr)
		}
		err = h.store.UpsertTimeEntry(ctx, tx, entry)
	}
	if err != nil {
		return fmt.Errorf("execution error: %v", err)
	}

	if err := h.store.MarkProcessed(ctx, tx, item.ID, env.TerminalID); err != nil {
		return fmt.Errorf("failed to mark item applied: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %v", err)
	}
	return nil
}

// isRowContention detects Postgres concurrency errors worth an internal
// retry: serialization failures (40001), deadlocks (40P01), and generic
// lock conflicts.
func (h *ApplyHandler) isRowContention(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40p01") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "lock not available")
}

var _ broker.ApplyHandler = (*ApplyHandler)(nil)
