package models

import "time"

// Payment is a tender applied to a check. Amounts are in cents.
type Payment struct {
	ID           string    `json:"id" db:"id"`
	CheckID      string    `json:"check_id" db:"check_id"`
	PropertyID   string    `json:"property_id" db:"property_id"`
	BusinessDate string    `json:"business_date" db:"business_date"`
	Amount       int64     `json:"amount" db:"amount"`
	Tip          int64     `json:"tip" db:"tip"`
	Tax          int64     `json:"tax" db:"tax"`
	Method       string    `json:"method" db:"method"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TimeEntry is one employee clock-in, possibly still open.
type TimeEntry struct {
	ID           string     `json:"id" db:"id"`
	EmployeeID   string     `json:"employee_id" db:"employee_id"`
	PropertyID   string     `json:"property_id" db:"property_id"`
	BusinessDate string     `json:"business_date" db:"business_date"`
	Role         string     `json:"role" db:"role"`
	ClockIn      time.Time  `json:"clock_in" db:"clock_in"`
	ClockOut     *time.Time `json:"clock_out,omitempty" db:"clock_out"`
}
