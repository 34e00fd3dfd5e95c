// cn-daily keeps the China A-share and index daily tables in line with the
// benchmark trading calendar, backfilling every missing day from AKTools.
//
// Usage:
//
//	go run cmd/cn-daily/main.go [-config path] [-kind equity|index] [-symbol sh600000,sz000001] [-once] [-cron spec]
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stocksync/internal/config"
	"stocksync/internal/domain"
	"stocksync/internal/gather"
	"stocksync/internal/gather/cn"
	"stocksync/internal/scheduler"
	"stocksync/internal/store"
	"stocksync/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config/stocksync.yaml", "path to the YAML config")
	kindFlag := flag.String("kind", "", "sync only this kind (equity or index)")
	symbolFlag := flag.String("symbol", "", "comma-separated symbols to sync instead of the universe")
	once := flag.Bool("once", false, "run a single pass even if a cron schedule is configured")
	cronFlag := flag.String("cron", "", "six-field cron spec overriding schedule.cron")
	refresh := flag.Bool("refresh-universe", false, "refresh the instrument lists before syncing")
	flag.Parse()

	if p := os.Getenv("STOCKSYNC_CONFIG"); p != "" && !isFlagSet("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *cronFlag != "" {
		cfg.Schedule.Cron = *cronFlag
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	sqlite, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer sqlite.Close()

	opts, err := cn.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid sync options: %v", err)
	}
	if *kindFlag != "" {
		kind, err := domain.ParseKind(*kindFlag)
		if err != nil {
			log.Fatalf("invalid -kind: %v", err)
		}
		opts.Kinds = []domain.Kind{kind}
	}
	if *symbolFlag != "" {
		for _, s := range strings.Split(*symbolFlag, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.Symbols = append(opts.Symbols, s)
			}
		}
	}

	adjust, _ := domain.ParseAdjust(cfg.Sync.Adjust) // validated by config.Load
	client := cn.NewAKToolsClient(cfg.Provider.BaseURL, util.NewRateLimiter(cfg.Sync.RateLimitPerMin))
	stocks := cn.NewStockSource(client, adjust)
	indices := cn.NewIndexSource(client, cfg.Sync.IndexListName)

	fetchOpts := cn.FetchOptionsFromConfig(cfg.Sync)
	fetcher := cn.NewFetcher(fetchOpts, stocks, indices)
	universe := cn.NewUniverse(sqlite, sqlite,
		time.Duration(cfg.Sync.UniverseMaxAgeDays)*24*time.Hour, stocks, indices).
		WithFetchOptions(fetchOpts)

	gatherer := cn.NewDailyBarGatherer(fetcher, sqlite, universe, opts)
	if cfg.Storage.ArchiveDir != "" {
		gatherer.WithArchive(store.NewParquetArchive(cfg.Storage.ArchiveDir))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *refresh {
		for _, kind := range opts.Kinds {
			if err := universe.Refresh(ctx, kind); err != nil {
				slog.Warn("universe refresh failed", "kind", kind, "err", err)
			}
		}
	}

	if *once || cfg.Schedule.Cron == "" {
		slog.Info("starting gatherer", "gatherer", gatherer.Name(), "kinds", opts.Kinds)
		if err := runOnce(ctx, gatherer); err != nil {
			log.Fatalf("gatherer error: %v", err)
		}
		return
	}

	loc, _ := cfg.Schedule.Location() // validated by config.Load
	sched := scheduler.New(loc)
	if err := sched.Add(ctx, cfg.Schedule.Cron, gatherer); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	slog.Info("running on schedule", "cron", cfg.Schedule.Cron, "timezone", loc.String())
	if err := sched.Run(ctx); err != nil {
		log.Fatalf("scheduler error: %v", err)
	}
}

// runOnce runs g a single time. An interrupted run is a clean exit.
func runOnce(ctx context.Context, g gather.Gatherer) error {
	err := g.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("interrupted, exiting", "gatherer", g.Name())
		return nil
	}
	return err
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
