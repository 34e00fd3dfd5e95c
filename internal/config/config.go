package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // Asia/Shanghai must resolve on hosts without zoneinfo.

	"gopkg.in/yaml.v3"

	"stocksync/internal/domain"
	"stocksync/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for stocksync.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Provider Provider       `yaml:"provider"`
	Logging  Logging        `yaml:"logging"`
	Sync     SyncConfig     `yaml:"sync"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	// ArchiveDir enables the Parquet mirror when non-empty.
	ArchiveDir string `yaml:"archive_dir"`
}

// Provider holds the endpoint of the AKTools HTTP service.
type Provider struct {
	BaseURL string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig holds every tunable of the synchronization engine.
type SyncConfig struct {
	MaxRetries         int      `yaml:"max_retries"`
	RetryDelay         Duration `yaml:"retry_delay"`
	GetTimeout         Duration `yaml:"get_timeout"`
	SuccessDelay       Duration `yaml:"success_delay"`
	GapToleranceDays   int      `yaml:"gap_tolerance_days"`
	WorkerPoolSize     int      `yaml:"worker_pool_size"`
	BackfillFloorDate  string   `yaml:"backfill_floor_date"`
	SyncFloorDate      string   `yaml:"sync_floor_date"`
	BenchmarkSymbol    string   `yaml:"benchmark_symbol"`
	Adjust             string   `yaml:"adjust"`
	RateLimitPerMin    int      `yaml:"rate_limit_per_min"`
	RefreshBenchmark   bool     `yaml:"refresh_benchmark"`
	UniverseMaxAgeDays int      `yaml:"universe_max_age_days"`
	IndexListName      string   `yaml:"index_list_name"`
}

// ScheduleConfig controls the daemon mode.
type ScheduleConfig struct {
	// Cron is a six-field (seconds first) cron spec. Empty disables daemon mode.
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
// Bare integers are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Defaults returns a Config populated with the engine's default values.
func Defaults() *Config {
	return &Config{
		Storage: Storage{
			SQLitePath: "data/stocksync.db",
		},
		Provider: Provider{
			BaseURL: "http://127.0.0.1:8080",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Sync: SyncConfig{
			MaxRetries:         3,
			RetryDelay:         Duration(5 * time.Second),
			GetTimeout:         Duration(10 * time.Second),
			SuccessDelay:       Duration(500 * time.Millisecond),
			GapToleranceDays:   7,
			WorkerPoolSize:     4,
			BackfillFloorDate:  "19900101",
			BenchmarkSymbol:    "000001",
			Adjust:             "hfq",
			RefreshBenchmark:   true,
			UniverseMaxAgeDays: 100,
			IndexListName:      "沪深重要指数",
		},
		Schedule: ScheduleConfig{
			Timezone: "Asia/Shanghai",
		},
	}
}

// MaxWorkerPoolSize caps worker_pool_size to keep the upstream safe.
const MaxWorkerPoolSize = 32

// Validate checks field ranges and clamps the worker pool size.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Sync.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be >= 1, got %d", c.Sync.MaxRetries))
	}
	if c.Sync.RetryDelay < 0 || c.Sync.GetTimeout < 0 || c.Sync.SuccessDelay < 0 {
		errs = append(errs, errors.New("sync delays and timeouts must not be negative"))
	}
	if c.Sync.GapToleranceDays < 0 {
		errs = append(errs, fmt.Errorf("sync.gap_tolerance_days must be >= 0, got %d", c.Sync.GapToleranceDays))
	}
	if c.Sync.BenchmarkSymbol == "" {
		errs = append(errs, errors.New("sync.benchmark_symbol is required"))
	}
	if _, err := domain.ParseAdjust(c.Sync.Adjust); err != nil {
		errs = append(errs, fmt.Errorf("sync.adjust: %w", err))
	}
	if _, err := c.Sync.BackfillFloor(); err != nil {
		errs = append(errs, fmt.Errorf("sync.backfill_floor_date: %w", err))
	}
	if _, err := c.Sync.SyncFloor(); err != nil {
		errs = append(errs, fmt.Errorf("sync.sync_floor_date: %w", err))
	}
	if _, err := c.Schedule.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}

	c.Sync.WorkerPoolSize = min(max(c.Sync.WorkerPoolSize, 1), MaxWorkerPoolSize)
	return errors.Join(errs...)
}

// BackfillFloor parses BackfillFloorDate; an empty value yields the zero time.
func (s SyncConfig) BackfillFloor() (time.Time, error) {
	return parseOptionalDate(s.BackfillFloorDate)
}

// SyncFloor parses SyncFloorDate; an empty value yields the zero time.
func (s SyncConfig) SyncFloor() (time.Time, error) {
	return parseOptionalDate(s.SyncFloorDate)
}

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return util.ParseDate(s)
}

// Location resolves Timezone, defaulting to the local zone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path on top of
// Defaults, applies environment variable overrides and validates the result.
// A missing file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("AKTOOLS_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BENCHMARK_SYMBOL"); v != "" {
		cfg.Sync.BenchmarkSymbol = v
	}
	if v := os.Getenv("START_DATE"); v != "" {
		cfg.Sync.BackfillFloorDate = v
	}
	if v := os.Getenv("SYNC_CRON"); v != "" {
		cfg.Schedule.Cron = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"MAX_RETRIES", &cfg.Sync.MaxRetries},
		{"MAX_THREADS", &cfg.Sync.WorkerPoolSize},
		{"GAP_TOLERANCE_DAYS", &cfg.Sync.GapToleranceDays},
		{"RATE_LIMIT_PER_MIN", &cfg.Sync.RateLimitPerMin},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", o.env, err)
		}
		*o.dst = n
	}

	durations := []struct {
		env string
		dst *Duration
	}{
		{"RETRY_DELAY", &cfg.Sync.RetryDelay},
		{"GET_TIMEOUT", &cfg.Sync.GetTimeout},
	}
	for _, o := range durations {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", o.env, err)
		}
		*o.dst = Duration(d)
	}
	return nil
}
