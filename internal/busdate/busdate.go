// Package busdate maps wall-clock instants to the operating day a
// transaction is attributed to. A property's business date does not advance
// at midnight but at its configured rollover time: with an AM rollover
// (the common restaurant case, e.g. 04:00) the late-night hours before the
// rollover still belong to the previous calendar day.
package busdate

import (
	"fmt"
	"time"

	"github.com/tablemesh/pos-core/internal/models"
)

const DateLayout = "2006-01-02"

// Resolve returns the business date for ts under the property's rollover
// configuration. An explicit CurrentBusinessDate override always wins: it
// represents a manually or previously auto-advanced operating day.
func Resolve(ts time.Time, p models.Property) (string, error) {
	if p.CurrentBusinessDate != "" {
		if _, err := time.Parse(DateLayout, p.CurrentBusinessDate); err == nil {
			return p.CurrentBusinessDate, nil
		}
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return "", fmt.Errorf("invalid property timezone %q: %w", p.Timezone, err)
	}
	rh, rm, err := parseRollover(p.RolloverTime)
	if err != nil {
		return "", err
	}

	local := ts.In(loc)
	secOfDay := local.Hour()*3600 + local.Minute()*60 + local.Second()
	rollSec := rh*3600 + rm*60

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	if rh < 12 {
		// AM rollover: before the rollover the terminal is still trading
		// on the previous calendar day.
		if secOfDay < rollSec {
			day = day.AddDate(0, 0, -1)
		}
	} else {
		// PM rollover: at or after the rollover trading moves to the next
		// calendar day.
		if secOfDay >= rollSec {
			day = day.AddDate(0, 0, 1)
		}
	}

	return day.Format(DateLayout), nil
}

// ClosingInstant returns the exact instant the given business date closes.
// For AM rollovers that is rollover time on the calendar day after the
// business date; for PM rollovers it is rollover time on the same day.
func ClosingInstant(businessDate string, p models.Property) (time.Time, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid property timezone %q: %w", p.Timezone, err)
	}
	rh, rm, err := parseRollover(p.RolloverTime)
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.ParseInLocation(DateLayout, businessDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid business date %q: %w", businessDate, err)
	}

	if rh < 12 {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), rh, rm, 0, 0, loc), nil
}

// HasReachedClosingTime reports whether now is at or past the closing
// instant of the given business date.
func HasReachedClosingTime(businessDate string, p models.Property, now time.Time) (bool, error) {
	closing, err := ClosingInstant(businessDate, p)
	if err != nil {
		return false, err
	}
	return !now.Before(closing), nil
}

// HasChanged reports whether the business date has advanced past prev,
// returning the current date alongside.
func HasChanged(prev string, now time.Time, p models.Property) (bool, string, error) {
	cur, err := Resolve(now, p)
	if err != nil {
		return false, "", err
	}
	return cur != prev, cur, nil
}

// Increment returns the calendar day after the given business date.
func Increment(businessDate string) (string, error) {
	d, err := time.Parse(DateLayout, businessDate)
	if err != nil {
		return "", fmt.Errorf("invalid business date %q: %w", businessDate, err)
	}
	return d.AddDate(0, 0, 1).Format(DateLayout), nil
}

// Range returns every business date from first to last inclusive.
func Range(first, last string) ([]string, error) {
	from, err := time.Parse(DateLayout, first)
	if err != nil {
		return nil, fmt.Errorf("invalid range start %q: %w", first, err)
	}
	to, err := time.Parse(DateLayout, last)
	if err != nil {
		return nil, fmt.Errorf("invalid range end %q: %w", last, err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("range end %s precedes start %s", last, first)
	}

	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(DateLayout))
	}
	return dates, nil
}

// ValidateConfig rejects property rollover configurations at configuration
// time instead of failing at rollover time. Pre-midnight PM rollovers are
// not guaranteed correct and are refused here; supported rollover times are
// 00:00 through 11:59, with 00:00-06:00 the recommended window.
func ValidateConfig(p models.Property) error {
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("invalid property timezone %q: %w", p.Timezone, err)
	}
	rh, _, err := parseRollover(p.RolloverTime)
	if err != nil {
		return err
	}
	if rh >= 12 {
		return fmt.Errorf("rollover time %q is in the PM window: pre-midnight rollovers are unsupported, configure an early-morning time (00:00-06:00)", p.RolloverTime)
	}
	if p.CurrentBusinessDate != "" {
		if _, err := time.Parse(DateLayout, p.CurrentBusinessDate); err != nil {
			return fmt.Errorf("invalid current business date %q: %w", p.CurrentBusinessDate, err)
		}
	}
	return nil
}

func parseRollover(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rollover time %q (want HH:MM): %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
