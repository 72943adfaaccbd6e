package models

import "time"

// Property is the per-site configuration the business-date engine reads.
// RolloverTime is HH:MM in the property's local timezone.
type Property struct {
	ID                  string `json:"id" db:"id"`
	Name                string `json:"name" db:"name"`
	Timezone            string `json:"timezone" db:"timezone"`
	RolloverTime        string `json:"rollover_time" db:"rollover_time"`
	RolloverMode        string `json:"rollover_mode" db:"rollover_mode"` // "auto"
	CurrentBusinessDate string `json:"current_business_date,omitempty" db:"current_business_date"`
}

type PeriodStatus string

const (
	PeriodOpen     PeriodStatus = "open"
	PeriodReopened PeriodStatus = "reopened"
	PeriodClosed   PeriodStatus = "closed"
)

// PeriodTotals are the aggregates rolled into a fiscal period at close time.
// Monetary values are in cents.
type PeriodTotals struct {
	GrossSales int64 `json:"gross_sales" db:"gross_sales"`
	NetSales   int64 `json:"net_sales" db:"net_sales"`
	Tax        int64 `json:"tax" db:"tax"`
	Tips       int64 `json:"tips" db:"tips"`
	CheckCount int   `json:"check_count" db:"check_count"`
	GuestCount int   `json:"guest_count" db:"guest_count"`
}

// FiscalPeriod is one row per property per business date.
// At most one non-closed period may exist per (property, businessDate).
type FiscalPeriod struct {
	PropertyID   string       `json:"property_id" db:"property_id"`
	BusinessDate string       `json:"business_date" db:"business_date"`
	Status       PeriodStatus `json:"status" db:"status"`
	Totals       PeriodTotals `json:"totals"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty" db:"closed_at"`
}
