// Package store defines storage interfaces for persisting and retrieving
// daily records and the symbol universe, with a SQLite implementation and a
// Parquet archive.
package store

import (
	"context"
	"fmt"
	"time"

	"stocksync/internal/domain"
)

// DailyStore persists and retrieves daily records keyed by (symbol, date).
type DailyStore interface {
	// Dates returns the distinct dates stored for symbol on or after since,
	// sorted ascending. A zero since returns every date.
	Dates(ctx context.Context, kind domain.Kind, symbol string, since time.Time) ([]time.Time, error)

	// LatestDate returns the most recent stored date for symbol. ok is false
	// when the symbol has no rows.
	LatestDate(ctx context.Context, kind domain.Kind, symbol string) (latest time.Time, ok bool, err error)

	// UpsertDaily writes one symbol's batch in a single transaction.
	UpsertDaily(ctx context.Context, kind domain.Kind, symbol string, records []domain.DailyRecord) (UpsertResult, error)

	// ReadDaily returns the records for symbol within [start, end].
	ReadDaily(ctx context.Context, kind domain.Kind, symbol string, start, end time.Time) ([]domain.DailyRecord, error)

	// ListSymbols returns all distinct symbols with daily rows of kind.
	ListSymbols(ctx context.Context, kind domain.Kind) ([]string, error)
}

// UniverseStore persists the instruments to synchronize.
type UniverseStore interface {
	// SaveInstruments inserts new instruments and renames changed ones.
	SaveInstruments(ctx context.Context, kind domain.Kind, instruments []domain.Instrument) (UpsertResult, error)

	// ListInstruments returns the stored instruments of kind, ordered by symbol.
	ListInstruments(ctx context.Context, kind domain.Kind) ([]domain.Instrument, error)

	// UniverseRefreshedAt returns when instruments of kind were last saved, or
	// the zero time if never.
	UniverseRefreshedAt(ctx context.Context, kind domain.Kind) (time.Time, error)
}

// DailyArchive mirrors committed records to secondary storage.
type DailyArchive interface {
	WriteDaily(ctx context.Context, kind domain.Kind, records []domain.DailyRecord) error
}

// UpsertResult counts the outcome of one upsert batch.
type UpsertResult struct {
	Inserted  int // new keys
	Updated   int // existing keys whose values changed
	Unchanged int // existing keys with identical values
	Skipped   int // malformed rows
}

// Add accumulates o into r.
func (r *UpsertResult) Add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Skipped += o.Skipped
}

// WriteError reports a batch that was rolled back.
type WriteError struct {
	Kind   domain.Kind
	Symbol string
	Rows   int
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s %s (%d rows) rolled back: %v", e.Kind, e.Symbol, e.Rows, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
