package cn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stocksync/internal/config"
	"stocksync/internal/domain"
	"stocksync/internal/util"
)

// ErrFetchTimeout marks a fetch attempt that exceeded its deadline.
var ErrFetchTimeout = errors.New("fetch timed out")

// FetchStatus distinguishes a successful fetch with rows from one without.
type FetchStatus int

const (
	FetchOK FetchStatus = iota
	FetchEmpty
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOK:
		return "ok"
	case FetchEmpty:
		return "empty"
	}
	return fmt.Sprintf("FetchStatus(%d)", int(s))
}

// FetchResult is the outcome of a successful fetch.
type FetchResult struct {
	Status   FetchStatus
	Records  []domain.DailyRecord
	Attempts int
}

// DataFetchError reports a fetch that failed after every attempt.
type DataFetchError struct {
	Kind     domain.Kind
	Symbol   string
	Range    string // "YYYYMMDD-YYYYMMDD"
	Attempts int
	Err      error
}

func (e *DataFetchError) Error() string {
	return fmt.Sprintf("fetch %s %s [%s] failed after %d attempt(s): %v",
		e.Kind, e.Symbol, e.Range, e.Attempts, e.Err)
}

func (e *DataFetchError) Unwrap() error { return e.Err }

// DailyFetcher fetches one symbol's records over a date range.
type DailyFetcher interface {
	Fetch(ctx context.Context, kind domain.Kind, symbol, start, end string) (FetchResult, error)
}

var _ DailyFetcher = (*Fetcher)(nil)

// FetchOptions bounds each fetch.
type FetchOptions struct {
	MaxRetries   int           // total attempts
	RetryDelay   time.Duration // pause between attempts
	Timeout      time.Duration // per-attempt deadline
	SuccessDelay time.Duration // pause after a successful call
}

// FetchOptionsFromConfig extracts fetch options from the sync section.
func FetchOptionsFromConfig(c config.SyncConfig) FetchOptions {
	return FetchOptions{
		MaxRetries:   c.MaxRetries,
		RetryDelay:   c.RetryDelay.Std(),
		Timeout:      c.GetTimeout.Std(),
		SuccessDelay: c.SuccessDelay.Std(),
	}
}

// Fetcher wraps the per-kind sources with timeouts and bounded retries.
type Fetcher struct {
	sources map[domain.Kind]Source
	opts    FetchOptions
	log     *slog.Logger
}

// NewFetcher creates a Fetcher dispatching to sources by their kind.
func NewFetcher(opts FetchOptions, sources ...Source) *Fetcher {
	f := &Fetcher{
		sources: make(map[domain.Kind]Source, len(sources)),
		opts:    opts,
		log:     slog.Default().With("component", "fetcher"),
	}
	for _, s := range sources {
		f.sources[s.Kind()] = s
	}
	return f
}

// Source returns the source registered for kind.
func (f *Fetcher) Source(kind domain.Kind) (Source, bool) {
	s, ok := f.sources[kind]
	return s, ok
}

// Fetch retrieves symbol's records between start and end ("YYYYMMDD",
// inclusive). Each attempt is bounded by the configured timeout; failed
// attempts are retried after RetryDelay up to MaxRetries in total. A call
// that succeeds without rows yields FetchEmpty. Exhaustion returns a
// *DataFetchError wrapping the last cause (ErrFetchTimeout for timeouts).
func (f *Fetcher) Fetch(ctx context.Context, kind domain.Kind, symbol, start, end string) (FetchResult, error) {
	rng := start + "-" + end
	src, ok := f.sources[kind]
	if !ok {
		return FetchResult{}, &DataFetchError{Kind: kind, Symbol: symbol, Range: rng,
			Err: fmt.Errorf("no source for kind %q", kind)}
	}

	var (
		mu      sync.Mutex
		records []domain.DailyRecord
	)
	policy := util.RetryPolicy{
		MaxAttempts: f.opts.MaxRetries,
		Delay:       f.opts.RetryDelay,
		Timeout:     f.opts.Timeout,
		OnRetry: func(attempt int, err error) {
			f.log.Warn("fetch attempt failed, retrying",
				"kind", kind, "symbol", symbol, "range", rng,
				"attempt", attempt, "max", f.opts.MaxRetries,
				"delay", f.opts.RetryDelay, "err", err)
		},
	}

	attempts, err := util.Retry(ctx, policy, func(actx context.Context) error {
		recs, err := src.Daily(actx, symbol, start, end)
		if err != nil {
			return err
		}
		mu.Lock()
		records = recs
		mu.Unlock()
		return nil
	})
	if err != nil {
		if errors.Is(err, util.ErrAttemptTimeout) {
			err = fmt.Errorf("%w: %w", ErrFetchTimeout, err)
		}
		return FetchResult{}, &DataFetchError{
			Kind: kind, Symbol: symbol, Range: rng, Attempts: attempts, Err: err,
		}
	}

	mu.Lock()
	res := FetchResult{Status: FetchOK, Records: records, Attempts: attempts}
	mu.Unlock()
	if len(res.Records) == 0 {
		res.Status = FetchEmpty
	}

	// Pace the upstream between successful calls.
	_ = util.Sleep(ctx, f.opts.SuccessDelay)
	return res, nil
}
