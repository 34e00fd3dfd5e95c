package cn

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/domain"
	"stocksync/internal/store"
	"stocksync/internal/util"
)

const benchmark = "000001"

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// weekdays returns n weekdays starting at start.
func weekdays(start time.Time, n int) []time.Time {
	var out []time.Time
	for d := start; len(out) < n; d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}

func record(symbol string, d time.Time) domain.DailyRecord {
	p := float64(len(symbol)) + float64(d.YearDay())/10
	return domain.DailyRecord{
		Symbol: symbol, Date: d,
		Open: p, High: p + 1, Low: p - 1, Close: p + 0.5,
		Volume: 1000, Amount: 1e6,
	}
}

func records(symbol string, dates []time.Time) []domain.DailyRecord {
	out := make([]domain.DailyRecord, len(dates))
	for i, d := range dates {
		out[i] = record(symbol, d)
	}
	return out
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s store.DailyStore, kind domain.Kind, symbol string, dates []time.Time) {
	t.Helper()
	if len(dates) == 0 {
		return
	}
	_, err := s.UpsertDaily(context.Background(), kind, symbol, records(symbol, dates))
	require.NoError(t, err)
}

type fetchCall struct {
	Kind       domain.Kind
	Symbol     string
	Start, End string
}

// fakeFetcher answers with one record per upstream trading day in range.
type fakeFetcher struct {
	upstream []time.Time

	mu    sync.Mutex
	calls []fetchCall
	// fail, if set, decides whether a call errors.
	fail  func(c fetchCall, n int) error
	empty map[string]bool
}

func (f *fakeFetcher) Fetch(_ context.Context, kind domain.Kind, symbol, start, end string) (FetchResult, error) {
	c := fetchCall{Kind: kind, Symbol: symbol, Start: start, End: end}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	n := 0
	for _, prev := range f.calls {
		if prev.Symbol == symbol {
			n++
		}
	}
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(c, n); err != nil {
			return FetchResult{}, &DataFetchError{Kind: kind, Symbol: symbol, Range: start + "-" + end, Attempts: 3, Err: err}
		}
	}
	if f.empty[symbol] {
		return FetchResult{Status: FetchEmpty, Attempts: 1}, nil
	}

	s, _ := util.ParseDate(start)
	e, _ := util.ParseDate(end)
	var recs []domain.DailyRecord
	for _, d := range f.upstream {
		if !d.Before(s) && !d.After(e) {
			recs = append(recs, record(symbol, d))
		}
	}
	if len(recs) == 0 {
		return FetchResult{Status: FetchEmpty, Attempts: 1}, nil
	}
	return FetchResult{Status: FetchOK, Records: recs, Attempts: 1}, nil
}

func (f *fakeFetcher) callsFor(symbol string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.Symbol == symbol {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// countingStore counts write calls.
type countingStore struct {
	store.DailyStore
	upserts atomic.Int32
}

func (c *countingStore) UpsertDaily(ctx context.Context, kind domain.Kind, symbol string, recs []domain.DailyRecord) (store.UpsertResult, error) {
	c.upserts.Add(1)
	return c.DailyStore.UpsertDaily(ctx, kind, symbol, recs)
}

func equityOptions(symbols ...string) Options {
	return Options{
		Kinds:          []domain.Kind{domain.KindEquity},
		Symbols:        symbols,
		WorkerPoolSize: 4,
		GapTolerance:   7,
		Benchmark:      benchmark,
		Location:       time.UTC,
	}
}

func storedDates(t *testing.T, s store.DailyStore, kind domain.Kind, symbol string) []time.Time {
	t.Helper()
	dates, err := s.Dates(context.Background(), kind, symbol, time.Time{})
	require.NoError(t, err)
	return dates
}

func singleReport(t *testing.T, reports []*Report) *Report {
	t.Helper()
	require.Len(t, reports, 1)
	return reports[0]
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSyncBackfillsAndIsIdempotent(t *testing.T) {
	cal := weekdays(date("2024-01-01"), 30)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)
	seed(t, s, domain.KindEquity, "sh600000", cal[:10])

	f := &fakeFetcher{upstream: cal}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("sh600000", "sz000001"))

	rep := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 2, rep.Done)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 20+30, rep.Inserted)
	assert.NotEmpty(t, rep.RunID)

	assert.Equal(t, cal, storedDates(t, s, domain.KindEquity, "sh600000"))
	assert.Equal(t, cal, storedDates(t, s, domain.KindEquity, "sz000001"))

	second := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 2, second.Skipped)
}

func TestSyncPartialFailureIsolation(t *testing.T) {
	cal := weekdays(date("2024-03-01"), 15)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	f := &fakeFetcher{
		upstream: cal,
		fail: func(c fetchCall, _ int) error {
			if c.Symbol == "sz000002" {
				return errUpstream
			}
			return nil
		},
	}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("sh600000", "sz000002", "sh600519"))

	reports, err := g.Sync(context.Background())
	require.NoError(t, err, "per-symbol failures do not fail the run")
	rep := singleReport(t, reports)
	assert.Equal(t, 2, rep.Done)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Failures, 1)

	failed := rep.Failures[0]
	assert.Equal(t, "sz000002", failed.Symbol)
	assert.Equal(t, StateFailed, failed.State)
	assert.NotEmpty(t, failed.FailedRange)
	var fe *DataFetchError
	assert.ErrorAs(t, failed.Err, &fe)

	assert.Len(t, storedDates(t, s, domain.KindEquity, "sh600000"), len(cal))
	assert.Len(t, storedDates(t, s, domain.KindEquity, "sh600519"), len(cal))
	assert.Empty(t, storedDates(t, s, domain.KindEquity, "sz000002"))

	assert.NoError(t, g.Run(context.Background()))
}

func TestSyncEmptyGapShortCircuit(t *testing.T) {
	cal := weekdays(date("2024-05-06"), 20)
	base := openStore(t)
	seed(t, base, domain.KindIndex, benchmark, cal)
	for _, sym := range []string{"sh600000", "sz000001", "sh601318"} {
		seed(t, base, domain.KindEquity, sym, cal)
	}

	s := &countingStore{DailyStore: base}
	f := &fakeFetcher{upstream: cal}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("sh600000", "sz000001", "sh601318"))

	rep := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 3, rep.Skipped)
	assert.Zero(t, f.callCount(), "no fetch for complete symbols")
	assert.Zero(t, s.upserts.Load(), "no write for complete symbols")
}

func TestSyncRestartResumes(t *testing.T) {
	// Two clusters far apart so the gap resolver yields two ranges.
	early := weekdays(date("2024-01-02"), 5)
	late := weekdays(date("2024-03-01"), 5)
	cal := append(append([]time.Time{}, early...), late...)

	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	interrupted := true
	f := &fakeFetcher{
		upstream: cal,
		fail: func(c fetchCall, _ int) error {
			if interrupted && c.Start == util.CompactDate(late[0]) {
				return errUpstream
			}
			return nil
		},
	}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("sh600036"))

	first := singleReport(t, must(g.Sync(context.Background())))
	require.Equal(t, 1, first.Failed)
	assert.Equal(t, early, storedDates(t, s, domain.KindEquity, "sh600036"),
		"range committed before the failure stays committed")

	interrupted = false
	second := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 1, second.Done)
	assert.Equal(t, len(late), second.Inserted)
	assert.Equal(t, cal, storedDates(t, s, domain.KindEquity, "sh600036"))

	calls := f.callsFor("sh600036")
	require.Len(t, calls, 3)
	assert.Equal(t, util.CompactDate(late[0]), calls[2].Start, "resumed run fetches only the remaining gap")
}

func TestSyncStartsAtFirstStoredDay(t *testing.T) {
	// The calendar predates the listing by a long holiday-split stretch.
	early := weekdays(date("2024-01-02"), 5)
	late := weekdays(date("2024-03-01"), 5)
	cal := append(append([]time.Time{}, early...), late...)

	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)
	// Listed with the others but missing one day since.
	seed(t, s, domain.KindEquity, "sz000002", append([]time.Time{late[0], late[1]}, late[3:]...))

	f := &fakeFetcher{upstream: late}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("sh688981", "sz000002"))

	first := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 2, first.Done)
	assert.Len(t, f.callsFor("sh688981"), 2, "new listing backfills the whole calendar once")
	require.Len(t, f.callsFor("sz000002"), 1)
	assert.Equal(t, util.CompactDate(late[2]), f.callsFor("sz000002")[0].Start,
		"holes after the first stored day are still filled")
	assert.Equal(t, late, storedDates(t, s, domain.KindEquity, "sh688981"))

	calls := f.callCount()
	second := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 2, second.Skipped)
	assert.Zero(t, second.Done)
	assert.Equal(t, calls, f.callCount(), "days before the listing are not fetched again")
}

// calendarCountingStore counts reads of the benchmark's dates.
type calendarCountingStore struct {
	store.DailyStore
	benchmarkReads atomic.Int32
}

func (c *calendarCountingStore) Dates(ctx context.Context, kind domain.Kind, symbol string, since time.Time) ([]time.Time, error) {
	if kind == domain.KindIndex && symbol == benchmark {
		c.benchmarkReads.Add(1)
	}
	return c.DailyStore.Dates(ctx, kind, symbol, since)
}

func TestSyncLoadsCalendarOncePerRun(t *testing.T) {
	cal := weekdays(date("2024-04-01"), 15)
	base := openStore(t)
	seed(t, base, domain.KindIndex, benchmark, cal)

	s := &calendarCountingStore{DailyStore: base}
	opts := equityOptions("sh600000", "sz000002", "399006")
	opts.Kinds = []domain.Kind{domain.KindIndex, domain.KindEquity}
	g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, s, nil, opts)

	reports := must(g.Sync(context.Background()))
	require.Len(t, reports, 2)
	for _, rep := range reports {
		assert.Equal(t, 3, rep.Done, rep.Kind)
	}
	assert.EqualValues(t, 1, s.benchmarkReads.Load())

	_, err := g.Sync(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.benchmarkReads.Load(), "one load per run")
}

func TestSyncOrderIndependence(t *testing.T) {
	cal := weekdays(date("2023-11-01"), 40)
	symbols := []string{"sh600000", "sz000001", "sh600519", "sz300750", "sh688981"}
	reversed := []string{"sh688981", "sz300750", "sh600519", "sz000001", "sh600000"}

	run := func(order []string, workers int) *store.SQLiteStore {
		s := openStore(t)
		seed(t, s, domain.KindIndex, benchmark, cal)
		seed(t, s, domain.KindEquity, "sh600519", cal[:20])
		seed(t, s, domain.KindEquity, "sz300750", append(append([]time.Time{}, cal[:10]...), cal[30:]...))

		opts := equityOptions(order...)
		opts.WorkerPoolSize = workers
		g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, s, nil, opts)
		_, err := g.Sync(context.Background())
		require.NoError(t, err)
		return s
	}

	a := run(symbols, 1)
	b := run(reversed, 8)

	ctx := context.Background()
	for _, sym := range symbols {
		ra, err := a.ReadDaily(ctx, domain.KindEquity, sym, cal[0], cal[len(cal)-1])
		require.NoError(t, err)
		rb, err := b.ReadDaily(ctx, domain.KindEquity, sym, cal[0], cal[len(cal)-1])
		require.NoError(t, err)
		assert.Equal(t, ra, rb, sym)
		assert.Len(t, ra, len(cal), sym)
	}
}

func TestSyncEmptyReferenceCalendar(t *testing.T) {
	s := openStore(t)
	f := &fakeFetcher{}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("sh600000"))

	_, err := g.Sync(context.Background())
	assert.ErrorIs(t, err, ErrEmptyReferenceCalendar)
	assert.NoError(t, g.Run(context.Background()), "an empty calendar skips the run")
	assert.Zero(t, f.callCount())
}

func TestSyncEmptyUpstreamRange(t *testing.T) {
	cal := weekdays(date("2024-02-05"), 10)
	s := &countingStore{DailyStore: openStore(t)}
	seed(t, s.DailyStore, domain.KindIndex, benchmark, cal)

	f := &fakeFetcher{upstream: cal, empty: map[string]bool{"bj430047": true}}
	g := NewDailyBarGatherer(f, s, nil, equityOptions("bj430047"))

	rep := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 1, rep.Done)
	assert.Zero(t, rep.Inserted)
	assert.Zero(t, s.upserts.Load())
}

func TestSyncFloors(t *testing.T) {
	cal := weekdays(date("2024-01-01"), 60)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)
	// History with an old hole at cal[2].
	seed(t, s, domain.KindEquity, "sh600000", append([]time.Time{cal[0], cal[1]}, cal[3:40]...))

	opts := equityOptions("sh600000", "sz000001")
	opts.SyncFloor = cal[20]
	opts.BackfillFloor = cal[50]
	f := &fakeFetcher{upstream: cal}
	g := NewDailyBarGatherer(f, s, nil, opts)

	_, err := g.Sync(context.Background())
	require.NoError(t, err)

	hist := storedDates(t, s, domain.KindEquity, "sh600000")
	assert.NotContains(t, hist, cal[2], "holes before the sync floor are left alone")
	assert.Contains(t, hist, cal[59])

	fresh := storedDates(t, s, domain.KindEquity, "sz000001")
	assert.Equal(t, cal[50:], fresh, "new symbols backfill from the backfill floor")
}

func TestSyncSymbolStates(t *testing.T) {
	cal := weekdays(date("2024-06-03"), 5)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)
	seed(t, s, domain.KindEquity, "sh600000", cal)

	g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, s, nil, equityOptions())
	refCal, err := LoadReferenceCalendar(context.Background(), s, benchmark, time.Time{})
	require.NoError(t, err)

	out := g.SyncSymbol(context.Background(), refCal, domain.KindEquity, "sh600000")
	assert.Equal(t, StateSkipped, out.State)
	assert.Zero(t, out.Ranges)

	out = g.SyncSymbol(context.Background(), refCal, domain.KindEquity, "sz000001")
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, 1, out.Ranges)
	assert.Equal(t, 5, out.Result.Inserted)
}

func TestSyncWriteFailureMarksSymbolFailed(t *testing.T) {
	cal := weekdays(date("2024-06-03"), 5)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	refCal, err := LoadReferenceCalendar(context.Background(), s, benchmark, time.Time{})
	require.NoError(t, err)

	failing := &failingWriteStore{DailyStore: s}
	g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, failing, nil, equityOptions())

	out := g.SyncSymbol(context.Background(), refCal, domain.KindEquity, "sh600000")
	assert.Equal(t, StateFailed, out.State)
	var we *store.WriteError
	assert.ErrorAs(t, out.Err, &we)
}

type failingWriteStore struct{ store.DailyStore }

func (f *failingWriteStore) UpsertDaily(_ context.Context, kind domain.Kind, symbol string, recs []domain.DailyRecord) (store.UpsertResult, error) {
	return store.UpsertResult{}, &store.WriteError{Kind: kind, Symbol: symbol, Rows: len(recs), Err: errors.New("disk full")}
}

func TestUpdateBenchmarkExtendsCalendar(t *testing.T) {
	upstream := weekdays(date("2024-01-01"), 20)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, upstream[:10])

	f := &fakeFetcher{upstream: upstream}
	opts := equityOptions("sh600000")
	opts.RefreshBenchmark = true
	g := NewDailyBarGatherer(f, s, nil, opts)
	g.now = func() time.Time { return upstream[19].Add(16 * time.Hour) }

	_, err := g.Sync(context.Background())
	require.NoError(t, err)

	calls := f.callsFor(benchmark)
	require.Len(t, calls, 1)
	assert.Equal(t, domain.KindIndex, calls[0].Kind)
	assert.Equal(t, util.CompactDate(upstream[9].AddDate(0, 0, 1)), calls[0].Start)
	assert.Equal(t, util.CompactDate(upstream[19]), calls[0].End)

	assert.Equal(t, upstream, storedDates(t, s, domain.KindIndex, benchmark))
	assert.Equal(t, upstream, storedDates(t, s, domain.KindEquity, "sh600000"),
		"equities sync against the refreshed calendar")
}

func TestUpdateBenchmarkFailureFallsBackToStoredCalendar(t *testing.T) {
	cal := weekdays(date("2024-01-01"), 5)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	f := &fakeFetcher{upstream: cal, fail: func(c fetchCall, _ int) error {
		if c.Symbol == benchmark {
			return errUpstream
		}
		return nil
	}}
	opts := equityOptions("sh600000")
	opts.RefreshBenchmark = true
	g := NewDailyBarGatherer(f, s, nil, opts)
	g.now = func() time.Time { return date("2024-02-01") }

	rep := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 1, rep.Done)
}

func TestSyncMirrorsToArchive(t *testing.T) {
	cal := weekdays(date("2024-12-23"), 10) // spans a year boundary
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	archive := store.NewParquetArchive(t.TempDir())
	g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, s, nil, equityOptions("sh600000")).
		WithArchive(archive)

	_, err := g.Sync(context.Background())
	require.NoError(t, err)

	archived, err := archive.ReadDaily(context.Background(), domain.KindEquity, "sh600000", cal[0], cal[len(cal)-1])
	require.NoError(t, err)
	assert.Len(t, archived, len(cal))
}

func TestSyncArchiveFailureDoesNotFailSymbol(t *testing.T) {
	cal := weekdays(date("2024-12-23"), 3)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, s, nil, equityOptions("sh600000")).
		WithArchive(brokenArchive{})

	rep := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 1, rep.Done)
	assert.Len(t, storedDates(t, s, domain.KindEquity, "sh600000"), len(cal))
}

type brokenArchive struct{}

func (brokenArchive) WriteDaily(context.Context, domain.Kind, []domain.DailyRecord) error {
	return errors.New("read-only file system")
}

func TestSyncUsesUniverse(t *testing.T) {
	cal := weekdays(date("2024-04-01"), 5)
	s := openStore(t)
	seed(t, s, domain.KindIndex, benchmark, cal)

	lister := &staticLister{kind: domain.KindEquity, instruments: []domain.Instrument{
		{Symbol: "sh600000", Name: "浦发银行"},
		{Symbol: "sz000001", Name: "平安银行"},
	}}
	u := NewUniverse(s, s, 0, lister)
	opts := equityOptions()
	g := NewDailyBarGatherer(&fakeFetcher{upstream: cal}, s, u, opts)

	rep := singleReport(t, must(g.Sync(context.Background())))
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 2, rep.Done)
}

func TestNameAndDefaults(t *testing.T) {
	g := NewDailyBarGatherer(&fakeFetcher{}, nil, nil, Options{WorkerPoolSize: 1000, GapTolerance: -1})
	assert.Equal(t, "cn-daily", g.Name())
	assert.Equal(t, 32, g.opts.WorkerPoolSize)
	assert.Equal(t, 0, g.opts.GapTolerance)
	assert.Equal(t, domain.Kinds, g.opts.Kinds)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
