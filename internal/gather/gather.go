// Package gather holds the market-agnostic parts of data gathering: the
// Gatherer contract, date ranges and gap resolution against a reference
// calendar.
package gather

import (
	"context"
	"fmt"
	"time"

	"stocksync/internal/util"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns an error only when the pass
	// could not run at all; per-symbol failures are reported, not returned.
	Run(ctx context.Context) error
}

// DateRange is an inclusive span of calendar dates used as one fetch request.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// StartCompact returns Start in "YYYYMMDD" form.
func (r DateRange) StartCompact() string { return util.CompactDate(r.Start) }

// EndCompact returns End in "YYYYMMDD" form.
func (r DateRange) EndCompact() string { return util.CompactDate(r.End) }

// Contains reports whether d falls within the range, both ends inclusive.
func (r DateRange) Contains(d time.Time) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// String renders the range as "YYYYMMDD-YYYYMMDD".
func (r DateRange) String() string {
	return fmt.Sprintf("%s-%s", r.StartCompact(), r.EndCompact())
}
