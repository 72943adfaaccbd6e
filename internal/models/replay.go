package models

import (
	"encoding/json"
	"time"
)

type EntityType string

const (
	EntityCheck     EntityType = "check"
	EntityPayment   EntityType = "payment"
	EntityTimeEntry EntityType = "timeEntry"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type ReplayStatus string

const (
	ReplayPending   ReplayStatus = "pending"
	ReplaySyncing   ReplayStatus = "syncing"
	ReplayFailed    ReplayStatus = "failed"
	ReplayCompleted ReplayStatus = "completed"
)

// ReplayItem is one durable write-ahead record of a local mutation awaiting
// acknowledgment from the authoritative store. The idempotency key for the
// upsert is EntityID, not the item ID, so redelivery after a lost ack
// converges to the same end state.
type ReplayItem struct {
	ID            string          `json:"id" db:"id"`
	EntityType    EntityType      `json:"entity_type" db:"entity_type"`
	EntityID      string          `json:"entity_id" db:"entity_id"`
	Operation     Operation       `json:"operation" db:"operation"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	Status        ReplayStatus    `json:"status" db:"status"`
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
}

// EstimateBytes approximates the in-memory footprint of the item for
// batch memory-pressure accounting.
func (r *ReplayItem) EstimateBytes() int {
	return len(r.Payload) + len(r.ID) + len(r.EntityID) + 64
}

func ValidEntityType(t EntityType) bool {
	return t == EntityCheck || t == EntityPayment || t == EntityTimeEntry
}

func ValidOperation(op Operation) bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}
