package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"stocksync/internal/domain"
)

// Compile-time interface check.
var _ DailyArchive = (*ParquetArchive)(nil)

// ParquetArchive mirrors daily records into Parquet files on disk, one file
// per symbol and year:
//
//	<DataDir>/cn/<kind>/<SYMBOL>/<YYYY>.parquet
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a ParquetArchive rooted at the given directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// DailyRow is the Parquet schema for daily records. Optional columns are
// nullable.
type DailyRow struct {
	Symbol           string   `parquet:"symbol"`
	Date             int64    `parquet:"date,timestamp(millisecond)"` // Unix ms, UTC midnight
	Open             float64  `parquet:"open"`
	High             float64  `parquet:"high"`
	Low              float64  `parquet:"low"`
	Close            float64  `parquet:"close"`
	Volume           float64  `parquet:"volume"`
	Amount           float64  `parquet:"amount"`
	OutstandingShare *float64 `parquet:"outstanding_share,optional"`
	Turnover         *float64 `parquet:"turnover,optional"`
	Amplitude        *float64 `parquet:"amplitude,optional"`
	ChangeRate       *float64 `parquet:"change_rate,optional"`
	ChangeAmount     *float64 `parquet:"change_amount,optional"`
	TurnoverRate     *float64 `parquet:"turnover_rate,optional"`
}

func toDailyRow(r domain.DailyRecord) DailyRow {
	return DailyRow{
		Symbol:           r.Symbol,
		Date:             r.Date.UnixMilli(),
		Open:             r.Open,
		High:             r.High,
		Low:              r.Low,
		Close:            r.Close,
		Volume:           r.Volume,
		Amount:           r.Amount,
		OutstandingShare: r.OutstandingShare,
		Turnover:         r.Turnover,
		Amplitude:        r.Amplitude,
		ChangeRate:       r.ChangeRate,
		ChangeAmount:     r.ChangeAmount,
		TurnoverRate:     r.TurnoverRate,
	}
}

func (r DailyRow) record() domain.DailyRecord {
	return domain.DailyRecord{
		Symbol:           r.Symbol,
		Date:             time.UnixMilli(r.Date).UTC(),
		Open:             r.Open,
		High:             r.High,
		Low:              r.Low,
		Close:            r.Close,
		Volume:           r.Volume,
		Amount:           r.Amount,
		OutstandingShare: r.OutstandingShare,
		Turnover:         r.Turnover,
		Amplitude:        r.Amplitude,
		ChangeRate:       r.ChangeRate,
		ChangeAmount:     r.ChangeAmount,
		TurnoverRate:     r.TurnoverRate,
	}
}

// ---------------------------------------------------------------------------
// DailyArchive implementation
// ---------------------------------------------------------------------------

// WriteDaily merges records into the per-symbol, per-year files. Incoming
// rows replace archived rows with the same date.
func (a *ParquetArchive) WriteDaily(_ context.Context, kind domain.Kind, records []domain.DailyRecord) error {
	if len(records) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]DailyRow)
	for _, r := range records {
		if r.Symbol == "" || r.Date.IsZero() {
			continue
		}
		k := key{symbol: r.Symbol, year: r.Date.Year()}
		groups[k] = append(groups[k], toDailyRow(r))
	}

	for k, rows := range groups {
		path := a.dailyPath(kind, k.symbol, k.year)

		// Read existing rows to merge. An unreadable file is left in place.
		existing, err := readParquetFile[DailyRow](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading archive %s: %w", path, err)
		}
		merged := mergeDailyRows(existing, rows)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("archiving %s %s/%d: %w", kind, k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadDaily reads archived records for symbol within [start, end].
func (a *ParquetArchive) ReadDaily(_ context.Context, kind domain.Kind, symbol string, start, end time.Time) ([]domain.DailyRecord, error) {
	var records []domain.DailyRecord
	for year := start.Year(); year <= end.Year(); year++ {
		rows, err := readParquetFile[DailyRow](a.dailyPath(kind, symbol, year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range rows {
			rec := r.record()
			if !rec.Date.Before(start) && !rec.Date.After(end) {
				records = append(records, rec)
			}
		}
	}
	return records, nil
}

// dailyPath returns the filesystem path for a daily Parquet file.
func (a *ParquetArchive) dailyPath(kind domain.Kind, symbol string, year int) string {
	return filepath.Join(a.DataDir, "cn", string(kind), strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeDailyRows deduplicates rows by (symbol, date), preferring incoming
// rows over existing ones. Results are sorted by date.
func mergeDailyRows(existing, incoming []DailyRow) []DailyRow {
	type key struct {
		symbol string
		date   int64
	}
	seen := make(map[key]DailyRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Symbol, r.Date}] = r
	}
	for _, r := range incoming {
		seen[key{r.Symbol, r.Date}] = r
	}

	merged := make([]DailyRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date < merged[j].Date
	})
	return merged
}
