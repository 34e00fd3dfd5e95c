package util

import (
	"fmt"
	"strings"
	"time"
)

const (
	// CompactDateLayout is the upstream "YYYYMMDD" form.
	CompactDateLayout = "20060102"
	// DateLayout is the storage form.
	DateLayout = "2006-01-02"
)

// dateLayouts are the forms accepted from upstream rows, most specific first.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	DateLayout,
	CompactDateLayout,
	"2006/01/02",
}

// Day truncates t to a UTC midnight, keeping its calendar date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a calendar date in any of the accepted layouts and
// returns it as a UTC midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// CompactDate formats t as "YYYYMMDD".
func CompactDate(t time.Time) string {
	return t.Format(CompactDateLayout)
}

// DaysBetween returns the number of whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// Today returns the current date in loc as a UTC midnight.
func Today(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return Day(time.Now().In(loc))
}
