package cn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stocksync/internal/domain"
	"stocksync/internal/store"
	"stocksync/internal/util"
)

// defaultListTimeout bounds an upstream listing until WithFetchOptions sets
// the configured policy.
const defaultListTimeout = time.Minute

// Lister returns the instruments currently listed upstream for one kind.
type Lister interface {
	Kind() domain.Kind
	List(ctx context.Context) ([]domain.Instrument, error)
}

// Universe resolves the symbols to synchronize per kind. The instrument
// tables are refreshed from upstream when empty or older than maxAge; when
// nothing can be listed the symbols already present in the daily tables are
// used.
type Universe struct {
	listers   map[domain.Kind]Lister
	instStore store.UniverseStore
	daily     store.DailyStore
	maxAge    time.Duration
	retry     util.RetryPolicy
	now       func() time.Time
	log       *slog.Logger
}

// NewUniverse creates a Universe. maxAge <= 0 refreshes only empty tables.
func NewUniverse(instStore store.UniverseStore, daily store.DailyStore, maxAge time.Duration, listers ...Lister) *Universe {
	u := &Universe{
		listers:   make(map[domain.Kind]Lister, len(listers)),
		instStore: instStore,
		daily:     daily,
		maxAge:    maxAge,
		retry:     util.RetryPolicy{MaxAttempts: 1, Timeout: defaultListTimeout},
		now:       time.Now,
		log:       slog.Default().With("component", "universe"),
	}
	for _, l := range listers {
		u.listers[l.Kind()] = l
	}
	return u
}

// WithFetchOptions bounds each upstream listing by the fetch timeout and
// retries it like a daily fetch.
func (u *Universe) WithFetchOptions(opts FetchOptions) *Universe {
	u.retry = util.RetryPolicy{
		MaxAttempts: opts.MaxRetries,
		Delay:       opts.RetryDelay,
		Timeout:     opts.Timeout,
	}
	if u.retry.Timeout <= 0 {
		u.retry.Timeout = defaultListTimeout
	}
	return u
}

// Symbols returns the symbols of kind, refreshing the stored list first when
// it is stale. A failed refresh is logged and the stored list is used.
func (u *Universe) Symbols(ctx context.Context, kind domain.Kind) ([]string, error) {
	if u.stale(ctx, kind) {
		if err := u.Refresh(ctx, kind); err != nil {
			u.log.Warn("universe refresh failed, using stored list", "kind", kind, "err", err)
		}
	}

	instruments, err := u.instStore.ListInstruments(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s instruments: %w", kind, err)
	}
	if len(instruments) > 0 {
		symbols := make([]string, len(instruments))
		for i, inst := range instruments {
			symbols[i] = inst.Symbol
		}
		return symbols, nil
	}

	symbols, err := u.daily.ListSymbols(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list stored %s symbols: %w", kind, err)
	}
	u.log.Warn("no instruments listed, falling back to stored symbols", "kind", kind, "count", len(symbols))
	return symbols, nil
}

// Refresh lists kind's instruments upstream and saves them.
func (u *Universe) Refresh(ctx context.Context, kind domain.Kind) error {
	l, ok := u.listers[kind]
	if !ok {
		return fmt.Errorf("no lister for kind %q", kind)
	}
	instruments, err := u.list(ctx, l)
	if err != nil {
		return err
	}
	if len(instruments) == 0 {
		return fmt.Errorf("upstream listed no %s instruments", kind)
	}
	res, err := u.instStore.SaveInstruments(ctx, kind, instruments)
	if err != nil {
		return fmt.Errorf("save %s instruments: %w", kind, err)
	}
	u.log.Info("universe refreshed", "kind", kind,
		"listed", len(instruments), "new", res.Inserted, "renamed", res.Updated)
	return nil
}

func (u *Universe) list(ctx context.Context, l Lister) ([]domain.Instrument, error) {
	var (
		mu          sync.Mutex
		instruments []domain.Instrument
	)
	policy := u.retry
	policy.OnRetry = func(attempt int, err error) {
		u.log.Warn("listing attempt failed, retrying", "kind", l.Kind(),
			"attempt", attempt, "max", policy.MaxAttempts, "err", err)
	}
	attempts, err := util.Retry(ctx, policy, func(actx context.Context) error {
		got, err := l.List(actx)
		if err != nil {
			return err
		}
		mu.Lock()
		instruments = got
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s instruments after %d attempt(s): %w", l.Kind(), attempts, err)
	}
	mu.Lock()
	defer mu.Unlock()
	return instruments, nil
}

func (u *Universe) stale(ctx context.Context, kind domain.Kind) bool {
	at, err := u.instStore.UniverseRefreshedAt(ctx, kind)
	if err != nil {
		u.log.Warn("reading universe age", "kind", kind, "err", err)
		return true
	}
	if at.IsZero() {
		return true
	}
	return u.maxAge > 0 && u.now().Sub(at) > u.maxAge
}
