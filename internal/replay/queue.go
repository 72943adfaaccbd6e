// Package replay is the durable write-ahead log of local mutations and the
// worker that drains it against the authoritative store. Every local write
// to a check, payment, or time entry is enqueued before (or concurrently
// with) any direct dispatch, so the mutation survives a crash even if the
// direct write never completes. Items leave the queue only after the
// authoritative store acknowledges them.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/infra"
)

// Store is the durable local persistence for the queue. FetchPending
// returns unacknowledged items oldest-first (creation order).
type Store interface {
	Enqueue(ctx context.Context, item *models.ReplayItem) error
	FetchPending(ctx context.Context, limit int) ([]models.ReplayItem, error)
	// MarkCompleted removes the item; the authoritative store acknowledged it.
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed increments attempts and records the error, leaving the
	// item for the next pass. There is no retry cap: a visible backlog is
	// preferred over silent data loss.
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error
	Backlog(ctx context.Context) (int, error)
}

// Queue is the enqueue side used by order entry, payments, and time clock.
type Queue struct {
	store  Store
	clock  infra.Clock
	logger *slog.Logger
}

func NewQueue(store Store, clock infra.Clock, logger *slog.Logger) *Queue {
	return &Queue{store: store, clock: clock, logger: logger}
}

// Enqueue appends a write-ahead record for a local mutation. The payload is
// the full entity snapshot so redelivery is an idempotent upsert keyed by
// the entity's stable identifier.
func (q *Queue) Enqueue(ctx context.Context, entityType models.EntityType, entityID string, op models.Operation, payload any) (*models.ReplayItem, error) {
	if !models.ValidEntityType(entityType) {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if !models.ValidOperation(op) {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	item := &models.ReplayItem{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    body,
		CreatedAt:  q.clock.Now(),
		Status:     models.ReplayPending,
	}
	if err := q.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("durable enqueue: %w", err)
	}

	q.logger.Debug("Mutation recorded in replay queue",
		"item_id", item.ID,
		"entity_type", entityType,
		"entity_id", entityID,
		"operation", op,
	)
	return item, nil
}
