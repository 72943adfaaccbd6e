package models

import "time"

type CheckStatus string

const (
	CheckOpen    CheckStatus = "open"
	CheckPartial CheckStatus = "partial"
	CheckClosed  CheckStatus = "closed"
)

type LockType string

const (
	LockActive LockType = "active"
	LockView   LockType = "view"
)

// CheckLock is the ownership claim one terminal holds on one check.
// A check has at most one active-lock holder at a time.
type CheckLock struct {
	HolderID   string    `json:"holder_id" db:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
	Type       LockType  `json:"lock_type" db:"lock_type"`
}

// LineItem is a single ordered item on a check. Amounts are in cents.
type LineItem struct {
	ItemID    string `json:"item_id" db:"item_id"`
	Name      string `json:"name" db:"name"`
	Quantity  int    `json:"quantity" db:"quantity"`
	UnitPrice int64  `json:"unit_price" db:"unit_price"`
}

// Check is a guest transaction. Revision is the optimistic concurrency
// counter: every save increments it, and lock transfers compare against it.
type Check struct {
	ID              string      `json:"id" db:"id"`
	PropertyID      string      `json:"property_id" db:"property_id"`
	BusinessDate    string      `json:"business_date" db:"business_date"`
	Status          CheckStatus `json:"status" db:"status"`
	Revision        int64       `json:"revision" db:"revision"`
	Items           []LineItem  `json:"items" db:"items"`
	GuestCount      int         `json:"guest_count" db:"guest_count"`
	ConflictPending bool        `json:"conflict_pending" db:"conflict_pending"`
	ClonedFrom      string      `json:"cloned_from,omitempty" db:"cloned_from"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Total returns the gross amount of the check in cents.
func (c *Check) Total() int64 {
	var total int64
	for _, it := range c.Items {
		total += int64(it.Quantity) * it.UnitPrice
	}
	return total
}
