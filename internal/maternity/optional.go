// Package maternity holds the records exchanged with the maternity backend
// and the total accessors used to render them.
package maternity

import (
	"strconv"
	"strings"
	"time"
)

// NotAvailable is rendered wherever a field is missing.
const NotAvailable = "N/A"

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }

// FormatNumber renders v the shortest way that round-trips, or N/A.
func FormatNumber(v *float64) string {
	if v == nil {
		return NotAvailable
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// FormatFixed renders v with prec decimals, or N/A.
func FormatFixed(v *float64, prec int) string {
	if v == nil {
		return NotAvailable
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

// StringOr returns *s, or fallback when s is nil or empty.
func StringOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts the timestamp shapes the backend emits.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatDisplayDate renders the calendar date of s as M/D/YYYY.
// Only the date part is used so a UTC midnight timestamp never shifts a day.
func FormatDisplayDate(s *string) string {
	if s == nil {
		return NotAvailable
	}
	datePart, _, _ := strings.Cut(*s, "T")
	t, ok := ParseDate(datePart)
	if !ok {
		return NotAvailable
	}
	return t.Format("1/2/2006")
}

// FormatISODate renders the calendar date of s as YYYY-MM-DD in UTC.
func FormatISODate(s *string) *string {
	if s == nil {
		return nil
	}
	t, ok := ParseDate(*s)
	if !ok {
		return nil
	}
	out := t.UTC().Format("2006-01-02")
	return &out
}
