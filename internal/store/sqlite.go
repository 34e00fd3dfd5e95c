package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stocksync/internal/domain"
	"stocksync/internal/util"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ DailyStore = (*SQLiteStore)(nil)
var _ UniverseStore = (*SQLiteStore)(nil)

// SQLiteStore implements DailyStore and UniverseStore backed by a SQLite
// database.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs
// migrations and returns a ready-to-use SQLiteStore. Transactions are opened
// IMMEDIATE so concurrent per-symbol batches queue on busy_timeout instead of
// failing on lock upgrade.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	s := &SQLiteStore{
		db:  db,
		log: slog.Default().With("component", "sqlite"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daily_stock (
			symbol            TEXT NOT NULL,
			date              TEXT NOT NULL,
			open              REAL NOT NULL DEFAULT 0,
			high              REAL NOT NULL DEFAULT 0,
			low               REAL NOT NULL DEFAULT 0,
			close             REAL NOT NULL DEFAULT 0,
			volume            REAL NOT NULL DEFAULT 0,
			amount            REAL NOT NULL DEFAULT 0,
			outstanding_share REAL,
			turnover          REAL,
			PRIMARY KEY (symbol, date)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_index (
			symbol        TEXT NOT NULL,
			date          TEXT NOT NULL,
			open          REAL NOT NULL DEFAULT 0,
			high          REAL NOT NULL DEFAULT 0,
			low           REAL NOT NULL DEFAULT 0,
			close         REAL NOT NULL DEFAULT 0,
			volume        REAL NOT NULL DEFAULT 0,
			amount        REAL NOT NULL DEFAULT 0,
			amplitude     REAL,
			change_rate   REAL,
			change_amount REAL,
			turnover_rate REAL,
			PRIMARY KEY (symbol, date)
		)`,
		`CREATE TABLE IF NOT EXISTS stock_info (
			symbol     TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS index_info (
			symbol     TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Table layout per kind
// ---------------------------------------------------------------------------

var coreColumns = []string{"open", "high", "low", "close", "volume", "amount"}

type dailyTable struct {
	name     string
	info     string
	optional []string
	// fields returns pointers to the record's optional fields, in the order
	// of optional.
	fields func(r *domain.DailyRecord) []**float64

	selectOne string
	selectAll string
	upsert    string
}

func newDailyTable(name, info string, optional []string, fields func(r *domain.DailyRecord) []**float64) *dailyTable {
	values := append(append([]string{}, coreColumns...), optional...)
	all := append([]string{"symbol", "date"}, values...)

	sets := make([]string, len(values))
	for i, c := range values {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}

	return &dailyTable{
		name:     name,
		info:     info,
		optional: optional,
		fields:   fields,
		selectOne: fmt.Sprintf("SELECT %s FROM %s WHERE symbol = ? AND date = ?",
			strings.Join(values, ", "), name),
		selectAll: fmt.Sprintf("SELECT %s FROM %s WHERE symbol = ? AND date >= ? AND date <= ? ORDER BY date",
			strings.Join(all, ", "), name),
		upsert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(symbol, date) DO UPDATE SET %s",
			name, strings.Join(all, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", "),
			strings.Join(sets, ", ")),
	}
}

var dailyTables = map[domain.Kind]*dailyTable{
	domain.KindEquity: newDailyTable("daily_stock", "stock_info",
		[]string{"outstanding_share", "turnover"},
		func(r *domain.DailyRecord) []**float64 {
			return []**float64{&r.OutstandingShare, &r.Turnover}
		}),
	domain.KindIndex: newDailyTable("daily_index", "index_info",
		[]string{"amplitude", "change_rate", "change_amount", "turnover_rate"},
		func(r *domain.DailyRecord) []**float64 {
			return []**float64{&r.Amplitude, &r.ChangeRate, &r.ChangeAmount, &r.TurnoverRate}
		}),
}

func tableFor(kind domain.Kind) (*dailyTable, error) {
	t, ok := dailyTables[kind]
	if !ok {
		return nil, fmt.Errorf("no table for kind %q", kind)
	}
	return t, nil
}

// valueDests returns scan destinations for the value columns of r. The
// returned finish func copies nullable columns into r.
func (t *dailyTable) valueDests(r *domain.DailyRecord) ([]any, func()) {
	dests := []any{&r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &r.Amount}
	opts := t.fields(r)
	nulls := make([]sql.NullFloat64, len(opts))
	for i := range nulls {
		dests = append(dests, &nulls[i])
	}
	return dests, func() {
		for i, n := range nulls {
			if n.Valid {
				v := n.Float64
				*opts[i] = &v
			} else {
				*opts[i] = nil
			}
		}
	}
}

func (t *dailyTable) args(r *domain.DailyRecord) []any {
	args := []any{r.Symbol, r.Date.Format(util.DateLayout), r.Open, r.High, r.Low, r.Close, r.Volume, r.Amount}
	for _, p := range t.fields(r) {
		if *p == nil {
			args = append(args, nil)
		} else {
			args = append(args, **p)
		}
	}
	return args
}

// ---------------------------------------------------------------------------
// DailyStore implementation
// ---------------------------------------------------------------------------

// Dates returns the distinct stored dates for symbol on or after since.
func (s *SQLiteStore) Dates(ctx context.Context, kind domain.Kind, symbol string, since time.Time) ([]time.Time, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	lower := ""
	if !since.IsZero() {
		lower = since.Format(util.DateLayout)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT date FROM %s WHERE symbol = ? AND date >= ? ORDER BY date", t.name),
		symbol, lower)
	if err != nil {
		return nil, fmt.Errorf("query dates for %s: %w", symbol, err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := time.Parse(util.DateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("stored date %q for %s: %w", raw, symbol, err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

// LatestDate returns the most recent stored date for symbol.
func (s *SQLiteStore) LatestDate(ctx context.Context, kind domain.Kind, symbol string) (time.Time, bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return time.Time{}, false, err
	}

	var raw sql.NullString
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(date) FROM %s WHERE symbol = ?", t.name), symbol).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest date for %s: %w", symbol, err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	d, err := time.Parse(util.DateLayout, raw.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// UpsertDaily writes records for symbol inside one transaction. Each record
// is looked up by (symbol, date): absent keys are inserted, present keys are
// refreshed when any value differs. Rows without a date, or belonging to
// another symbol, are skipped with a warning. Any storage error rolls back
// the whole batch and is returned as a *WriteError.
func (s *SQLiteStore) UpsertDaily(ctx context.Context, kind domain.Kind, symbol string, records []domain.DailyRecord) (res UpsertResult, err error) {
	t, err := tableFor(kind)
	if err != nil {
		return res, err
	}
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, &WriteError{Kind: kind, Symbol: symbol, Rows: len(records), Err: err}
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("rollback failed", "symbol", symbol, "err", rbErr)
		}
		s.log.Error("batch rolled back", "kind", kind, "symbol", symbol, "rows", len(records), "err", err)
		res = UpsertResult{}
		err = &WriteError{Kind: kind, Symbol: symbol, Rows: len(records), Err: err}
	}()

	sel, err := tx.PrepareContext(ctx, t.selectOne)
	if err != nil {
		return res, err
	}
	defer sel.Close()
	ups, err := tx.PrepareContext(ctx, t.upsert)
	if err != nil {
		return res, err
	}
	defer ups.Close()

	for i := range records {
		rec := records[i]
		if rec.Date.IsZero() {
			s.log.Warn("skipping row without date", "kind", kind, "symbol", symbol, "row", i)
			res.Skipped++
			continue
		}
		if rec.Symbol != "" && rec.Symbol != symbol {
			s.log.Warn("skipping row for other symbol", "kind", kind, "symbol", symbol, "row_symbol", rec.Symbol, "row", i)
			res.Skipped++
			continue
		}
		rec.Symbol = symbol
		rec.Date = util.Day(rec.Date)

		existing := domain.DailyRecord{}
		dests, finish := t.valueDests(&existing)
		scanErr := sel.QueryRowContext(ctx, symbol, rec.Date.Format(util.DateLayout)).Scan(dests...)
		found := true
		switch {
		case errors.Is(scanErr, sql.ErrNoRows):
			found = false
		case scanErr != nil:
			return res, fmt.Errorf("lookup %s: %w", rec.Date.Format(util.DateLayout), scanErr)
		default:
			finish()
		}

		if found && existing.SameValues(rec) {
			res.Unchanged++
			continue
		}
		if _, err := ups.ExecContext(ctx, t.args(&rec)...); err != nil {
			return res, fmt.Errorf("upsert %s: %w", rec.Date.Format(util.DateLayout), err)
		}
		if found {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// ReadDaily returns the records for symbol within [start, end].
func (s *SQLiteStore) ReadDaily(ctx context.Context, kind domain.Kind, symbol string, start, end time.Time) ([]domain.DailyRecord, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, t.selectAll, symbol,
		start.Format(util.DateLayout), end.Format(util.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", symbol, err)
	}
	defer rows.Close()

	var records []domain.DailyRecord
	for rows.Next() {
		var (
			rec domain.DailyRecord
			raw string
		)
		dests, finish := t.valueDests(&rec)
		if err := rows.Scan(append([]any{&rec.Symbol, &raw}, dests...)...); err != nil {
			return nil, err
		}
		finish()
		if rec.Date, err = time.Parse(util.DateLayout, raw); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListSymbols returns all distinct symbols with rows of kind.
func (s *SQLiteStore) ListSymbols(ctx context.Context, kind domain.Kind) ([]string, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT symbol FROM %s ORDER BY symbol", t.name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// ---------------------------------------------------------------------------
// UniverseStore implementation
// ---------------------------------------------------------------------------

// SaveInstruments inserts new instruments and renames changed ones; every
// saved row gets a fresh updated_at.
func (s *SQLiteStore) SaveInstruments(ctx context.Context, kind domain.Kind, instruments []domain.Instrument) (res UpsertResult, err error) {
	t, err := tableFor(kind)
	if err != nil {
		return res, err
	}
	if len(instruments) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			res = UpsertResult{}
		}
	}()

	now := time.Now().Unix()
	for _, inst := range instruments {
		if inst.Symbol == "" {
			res.Skipped++
			continue
		}

		var name string
		scanErr := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT name FROM %s WHERE symbol = ?", t.info), inst.Symbol).Scan(&name)
		found := scanErr == nil
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return res, scanErr
		}

		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (symbol, name, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(symbol) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`, t.info),
			inst.Symbol, inst.Name, now); err != nil {
			return res, fmt.Errorf("save instrument %s: %w", inst.Symbol, err)
		}

		switch {
		case !found:
			res.Inserted++
		case name != inst.Name:
			res.Updated++
		default:
			res.Unchanged++
		}
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// ListInstruments returns the stored instruments of kind, ordered by symbol.
func (s *SQLiteStore) ListInstruments(ctx context.Context, kind domain.Kind) ([]domain.Instrument, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT symbol, name FROM %s ORDER BY symbol", t.info))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		inst := domain.Instrument{Kind: kind}
		if err := rows.Scan(&inst.Symbol, &inst.Name); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UniverseRefreshedAt returns the latest updated_at of kind's instruments.
func (s *SQLiteStore) UniverseRefreshedAt(ctx context.Context, kind domain.Kind) (time.Time, error) {
	t, err := tableFor(kind)
	if err != nil {
		return time.Time{}, err
	}

	var ts sql.NullInt64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(updated_at) FROM %s", t.info)).Scan(&ts); err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}
