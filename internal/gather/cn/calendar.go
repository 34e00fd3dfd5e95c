package cn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stocksync/internal/domain"
	"stocksync/internal/gather"
	"stocksync/internal/store"
)

// ErrEmptyReferenceCalendar is reported when the benchmark has no stored
// dates, so no symbol can be checked for gaps.
var ErrEmptyReferenceCalendar = errors.New("reference calendar is empty")

// ReferenceCalendar is the set of trading days observed for the benchmark
// index, sorted ascending. It is loaded once per run and shared read-only by
// all workers.
type ReferenceCalendar struct {
	benchmark string
	dates     []time.Time
}

// LoadReferenceCalendar reads the benchmark's stored dates on or after floor
// from the index table. An empty result is not an error; callers check Len.
func LoadReferenceCalendar(ctx context.Context, s store.DailyStore, benchmark string, floor time.Time) (*ReferenceCalendar, error) {
	dates, err := s.Dates(ctx, domain.KindIndex, benchmark, floor)
	if err != nil {
		return nil, fmt.Errorf("load reference calendar from %s: %w", benchmark, err)
	}
	return &ReferenceCalendar{benchmark: benchmark, dates: dates}, nil
}

// Benchmark returns the symbol the calendar was derived from.
func (c *ReferenceCalendar) Benchmark() string { return c.benchmark }

// Dates returns every reference date.
func (c *ReferenceCalendar) Dates() []time.Time { return c.dates }

// Len returns the number of reference dates.
func (c *ReferenceCalendar) Len() int { return len(c.dates) }

// Since returns the reference dates on or after floor.
func (c *ReferenceCalendar) Since(floor time.Time) []time.Time {
	return gather.Since(c.dates, floor)
}

// Last returns the most recent reference date, or false if empty.
func (c *ReferenceCalendar) Last() (time.Time, bool) {
	if len(c.dates) == 0 {
		return time.Time{}, false
	}
	return c.dates[len(c.dates)-1], true
}
