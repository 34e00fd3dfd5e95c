package gather

import (
	"slices"
	"time"

	"stocksync/internal/util"
)

// DefaultGapTolerance is the default number of calendar days two missing
// dates may be apart and still share one fetch range.
const DefaultGapTolerance = 7

// MissingDates returns the dates of reference that are absent from stored,
// sorted ascending and de-duplicated. Dates are compared by calendar day.
func MissingDates(reference, stored []time.Time) []time.Time {
	have := make(map[time.Time]struct{}, len(stored))
	for _, d := range stored {
		have[util.Day(d)] = struct{}{}
	}

	seen := make(map[time.Time]struct{}, len(reference))
	var missing []time.Time
	for _, d := range reference {
		d = util.Day(d)
		if _, ok := have[d]; ok {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		missing = append(missing, d)
	}
	slices.SortFunc(missing, func(a, b time.Time) int { return a.Compare(b) })
	return missing
}

// Coalesce merges sorted missing dates into inclusive ranges. The current
// range is extended to the next date when the two are at most tolerance
// calendar days apart; otherwise a new range starts. A larger tolerance means
// fewer upstream calls but more already-stored days re-fetched inside each
// range. A negative tolerance is treated as zero.
func Coalesce(missing []time.Time, tolerance int) []DateRange {
	if len(missing) == 0 {
		return nil
	}
	tolerance = max(tolerance, 0)

	var ranges []DateRange
	cur := DateRange{Start: missing[0], End: missing[0]}
	for _, d := range missing[1:] {
		if util.DaysBetween(cur.End, d) <= tolerance {
			cur.End = d
			continue
		}
		ranges = append(ranges, cur)
		cur = DateRange{Start: d, End: d}
	}
	return append(ranges, cur)
}

// ComputeGaps returns the fetch ranges covering every reference date that is
// not stored. It returns nil when the symbol is already complete.
func ComputeGaps(reference, stored []time.Time, tolerance int) []DateRange {
	return Coalesce(MissingDates(reference, stored), tolerance)
}

// Since returns the dates on or after floor. A zero floor returns dates
// unchanged. dates must be sorted ascending.
func Since(dates []time.Time, floor time.Time) []time.Time {
	if floor.IsZero() {
		return dates
	}
	i, _ := slices.BinarySearchFunc(dates, util.Day(floor), func(a, b time.Time) int { return a.Compare(b) })
	return dates[i:]
}
