package model

import (
	"time"

	"github.com/ims/calc-engine/internal/apperr"
)

// ParseBusinessDate validates a YYYY-MM-DD business date.
func ParseBusinessDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, apperr.Validation("businessDate", "businessDate is required")
	}
	t, err := time.Parse(BusinessDateLayout, s)
	if err != nil {
		return time.Time{}, apperr.Validation("businessDate",
			"invalid businessDate "+s+" (expected YYYY-MM-DD)")
	}
	return t, nil
}

// Today returns the current business date in UTC.
func Today(now time.Time) string {
	return now.UTC().Format(BusinessDateLayout)
}

// AddBusinessDays moves forward n weekdays from date. Holiday calendars are
// not modelled.
func AddBusinessDays(date time.Time, n int) time.Time {
	d := date
	for n > 0 {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		n--
	}
	return d
}
