package cn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stocksync/internal/config"
	"stocksync/internal/domain"
	"stocksync/internal/gather"
	"stocksync/internal/store"
	"stocksync/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface check
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// earliestTradingDay bounds a benchmark backfill when no floor is configured.
var earliestTradingDay = time.Date(1990, 12, 19, 0, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Per-symbol state and run report
// ---------------------------------------------------------------------------

// SymbolState is the position of one symbol in its sync pipeline.
type SymbolState string

const (
	StatePending  SymbolState = "pending"
	StateFetching SymbolState = "fetching"
	StateWriting  SymbolState = "writing"
	StateDone     SymbolState = "done"
	StateFailed   SymbolState = "failed"
	StateSkipped  SymbolState = "skipped"
)

// SymbolOutcome is the terminal state of one symbol after a run.
type SymbolOutcome struct {
	Kind   domain.Kind
	Symbol string
	State  SymbolState
	Ranges int // fetch ranges computed
	Empty  int // ranges upstream answered without rows
	Result store.UpsertResult

	// Set when State is StateFailed.
	FailedRange string
	Err         error
}

// Report aggregates the outcomes of one kind's run.
type Report struct {
	RunID   string
	Kind    domain.Kind
	Started time.Time
	Elapsed time.Duration

	Total   int
	Skipped int
	Done    int
	Failed  int

	Inserted  int
	Updated   int
	Unchanged int

	Failures []SymbolOutcome
}

func (r *Report) add(o SymbolOutcome) {
	switch o.State {
	case StateSkipped:
		r.Skipped++
	case StateDone:
		r.Done++
	case StateFailed:
		r.Failed++
		r.Failures = append(r.Failures, o)
	}
	r.Inserted += o.Result.Inserted
	r.Updated += o.Result.Updated
	r.Unchanged += o.Result.Unchanged
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options tune a DailyBarGatherer.
type Options struct {
	Kinds          []domain.Kind // kinds to sync, in order
	Symbols        []string      // restrict the run to these symbols when set
	WorkerPoolSize int
	GapTolerance   int

	// BackfillFloor bounds symbols with no stored rows, SyncFloor symbols
	// with history. A zero BackfillFloor is unbounded; a zero SyncFloor
	// starts at the symbol's first stored day.
	BackfillFloor time.Time
	SyncFloor     time.Time

	Benchmark        string
	RefreshBenchmark bool
	Location         *time.Location
}

// OptionsFromConfig builds Options from a validated Config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	backfill, err := cfg.Sync.BackfillFloor()
	if err != nil {
		return Options{}, err
	}
	syncFloor, err := cfg.Sync.SyncFloor()
	if err != nil {
		return Options{}, err
	}
	loc, err := cfg.Schedule.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Kinds:            domain.Kinds,
		WorkerPoolSize:   cfg.Sync.WorkerPoolSize,
		GapTolerance:     cfg.Sync.GapToleranceDays,
		BackfillFloor:    backfill,
		SyncFloor:        syncFloor,
		Benchmark:        cfg.Sync.BenchmarkSymbol,
		RefreshBenchmark: cfg.Sync.RefreshBenchmark,
		Location:         loc,
	}, nil
}

// ---------------------------------------------------------------------------
// DailyBarGatherer
// ---------------------------------------------------------------------------

// DailyBarGatherer brings the daily tables in line with the reference
// calendar. For each symbol it computes the missing reference dates,
// coalesces them into ranges, fetches each range and upserts the rows in one
// transaction per range. Symbols run concurrently on a bounded pool; one
// symbol's failure never stops the others.
type DailyBarGatherer struct {
	fetcher  DailyFetcher
	store    store.DailyStore
	universe *Universe
	archive  store.DailyArchive
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer. universe may be nil when
// opts.Symbols is set.
func NewDailyBarGatherer(f DailyFetcher, s store.DailyStore, u *Universe, opts Options) *DailyBarGatherer {
	if len(opts.Kinds) == 0 {
		opts.Kinds = domain.Kinds
	}
	opts.WorkerPoolSize = min(max(opts.WorkerPoolSize, 1), config.MaxWorkerPoolSize)
	opts.GapTolerance = max(opts.GapTolerance, 0)
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &DailyBarGatherer{
		fetcher:  f,
		store:    s,
		universe: u,
		opts:     opts,
		now:      time.Now,
		log:      slog.Default().With("gatherer", "cn-daily"),
	}
}

// WithArchive mirrors every committed batch into a.
func (g *DailyBarGatherer) WithArchive(a store.DailyArchive) *DailyBarGatherer {
	g.archive = a
	return g
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "cn-daily" }

// Run performs one sync pass over every configured kind. Per-symbol failures
// are logged in the reports; Run fails only when the pass could not start.
// An empty reference calendar skips the pass with a warning.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	_, err := g.Sync(ctx)
	if errors.Is(err, ErrEmptyReferenceCalendar) {
		return nil
	}
	return err
}

// Sync updates the benchmark, loads the reference calendar once and syncs
// each kind in turn, returning one report per kind.
func (g *DailyBarGatherer) Sync(ctx context.Context) ([]*Report, error) {
	if g.opts.RefreshBenchmark {
		if err := g.UpdateBenchmark(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.log.Warn("benchmark update failed, using stored calendar",
				"benchmark", g.opts.Benchmark, "err", err)
		}
	}

	cal, err := LoadReferenceCalendar(ctx, g.store, g.opts.Benchmark, time.Time{})
	if err != nil {
		return nil, err
	}
	if cal.Len() == 0 {
		g.log.Warn("skipping sync", "benchmark", g.opts.Benchmark, "err", ErrEmptyReferenceCalendar)
		return nil, ErrEmptyReferenceCalendar
	}
	last, _ := cal.Last()
	g.log.Info("reference calendar loaded", "benchmark", g.opts.Benchmark,
		"days", cal.Len(), "last", last.Format(util.DateLayout))

	var reports []*Report
	for _, kind := range g.opts.Kinds {
		rep, err := g.SyncKind(ctx, cal, kind)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// SyncKind syncs every symbol of kind against cal on the worker pool.
func (g *DailyBarGatherer) SyncKind(ctx context.Context, cal *ReferenceCalendar, kind domain.Kind) (*Report, error) {
	symbols, err := g.symbols(ctx, kind)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		RunID:   uuid.NewString(),
		Kind:    kind,
		Started: time.Now(),
		Total:   len(symbols),
	}
	log := g.log.With("run", rep.RunID, "kind", kind)
	log.Info("starting sync", "symbols", len(symbols),
		"workers", g.opts.WorkerPoolSize, "tolerance", g.opts.GapTolerance)

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(g.opts.WorkerPoolSize)
	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			out := g.SyncSymbol(ctx, cal, kind, sym)
			mu.Lock()
			rep.add(out)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	rep.Elapsed = time.Since(rep.Started)

	for _, f := range rep.Failures {
		log.Error("symbol failed", "symbol", f.Symbol, "range", f.FailedRange, "err", f.Err)
	}
	log.Info("sync complete",
		"total", rep.Total,
		"skipped", rep.Skipped,
		"done", rep.Done,
		"failed", rep.Failed,
		"inserted", rep.Inserted,
		"updated", rep.Updated,
		"unchanged", rep.Unchanged,
		"elapsed", rep.Elapsed.Round(time.Millisecond),
	)
	return rep, ctx.Err()
}

// SyncSymbol brings one symbol up to date with cal. It never panics on
// upstream or storage errors; failures are returned in the outcome. Ranges
// committed before a failure stay committed.
func (g *DailyBarGatherer) SyncSymbol(ctx context.Context, cal *ReferenceCalendar, kind domain.Kind, symbol string) SymbolOutcome {
	out := SymbolOutcome{Kind: kind, Symbol: symbol, State: StatePending}
	log := g.log.With("kind", kind, "symbol", symbol)
	fail := func(rng string, err error) SymbolOutcome {
		out.State = StateFailed
		out.FailedRange = rng
		out.Err = err
		return out
	}

	stored, err := g.store.Dates(ctx, kind, symbol, time.Time{})
	if err != nil {
		return fail("", err)
	}

	floor := g.opts.BackfillFloor
	if len(stored) > 0 {
		// Days before the first stored row predate the listing.
		floor = g.opts.SyncFloor
		if floor.IsZero() {
			floor = stored[0]
		}
	}
	ranges := gather.ComputeGaps(cal.Since(floor), stored, g.opts.GapTolerance)
	out.Ranges = len(ranges)
	if len(ranges) == 0 {
		out.State = StateSkipped
		log.Debug("up to date", "stored", len(stored))
		return out
	}
	log.Debug("gaps found", "stored", len(stored), "ranges", len(ranges))

	for _, r := range ranges {
		out.State = StateFetching
		res, err := g.fetcher.Fetch(ctx, kind, symbol, r.StartCompact(), r.EndCompact())
		if err != nil {
			return fail(r.String(), err)
		}
		if res.Status == FetchEmpty {
			out.Empty++
			log.Info("no rows upstream", "range", r.String())
			continue
		}

		out.State = StateWriting
		ur, err := g.store.UpsertDaily(ctx, kind, symbol, res.Records)
		if err != nil {
			return fail(r.String(), err)
		}
		out.Result.Add(ur)
		g.mirror(ctx, kind, symbol, res.Records)
		log.Debug("range written", "range", r.String(),
			"inserted", ur.Inserted, "updated", ur.Updated, "unchanged", ur.Unchanged)
	}

	out.State = StateDone
	return out
}

// UpdateBenchmark fetches the benchmark from the day after its latest stored
// date (or the backfill floor) through today and upserts the rows, so the
// reference calendar includes the newest trading days.
func (g *DailyBarGatherer) UpdateBenchmark(ctx context.Context) error {
	bench := g.opts.Benchmark
	start := g.opts.BackfillFloor
	if start.IsZero() {
		start = earliestTradingDay
	}
	latest, ok, err := g.store.LatestDate(ctx, domain.KindIndex, bench)
	if err != nil {
		return err
	}
	if ok {
		start = latest.AddDate(0, 0, 1)
	}
	today := util.Day(g.now().In(g.opts.Location))
	if start.After(today) {
		return nil
	}

	res, err := g.fetcher.Fetch(ctx, domain.KindIndex, bench, util.CompactDate(start), util.CompactDate(today))
	if err != nil {
		return err
	}
	if res.Status == FetchEmpty {
		g.log.Info("benchmark already current", "benchmark", bench, "from", start.Format(util.DateLayout))
		return nil
	}
	ur, err := g.store.UpsertDaily(ctx, domain.KindIndex, bench, res.Records)
	if err != nil {
		return err
	}
	g.mirror(ctx, domain.KindIndex, bench, res.Records)
	g.log.Info("benchmark updated", "benchmark", bench,
		"from", start.Format(util.DateLayout), "inserted", ur.Inserted, "updated", ur.Updated)
	return nil
}

func (g *DailyBarGatherer) symbols(ctx context.Context, kind domain.Kind) ([]string, error) {
	if len(g.opts.Symbols) > 0 {
		out := make([]string, len(g.opts.Symbols))
		for i, s := range g.opts.Symbols {
			if kind == domain.KindIndex {
				s = IndexCode(s)
			}
			out[i] = s
		}
		return out, nil
	}
	if g.universe == nil {
		return nil, fmt.Errorf("no universe configured for %s", kind)
	}
	return g.universe.Symbols(ctx, kind)
}

// mirror copies committed records to the archive. Archive errors are logged
// only; the database stays authoritative.
func (g *DailyBarGatherer) mirror(ctx context.Context, kind domain.Kind, symbol string, records []domain.DailyRecord) {
	if g.archive == nil {
		return
	}
	if err := g.archive.WriteDaily(ctx, kind, records); err != nil {
		g.log.Warn("archive write failed", "kind", kind, "symbol", symbol, "err", err)
	}
}
