package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds crawler, scheduler and storage configuration.
type Config struct {
	SourcesFile string
	CitiesFile  string
	Sources     []SourceConfig
	Cities      *CityTable

	MaxPages        int
	Parallelism     int
	Delay           time.Duration
	RandomDelay     time.Duration
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	MinPageFill     float64
	ErrorSampleSize int

	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int

	MinPrice         int64
	MaxPrice         int64
	MinArea          float64
	MaxArea          float64
	RentPriceCeiling int64

	Match MatchConfig

	SweepBatchSize    int
	HealthDelay       time.Duration
	HealthRandomDelay time.Duration
	ThrottleIdleTTL   time.Duration

	Store        string // memory or postgres
	PostgresDSN  string
	AutoMigrate  bool
	RedisAddr    string
	RedisDB      int
	MongoURI     string
	MongoDB      string
	EventsStream string

	ExportFile   string
	ExportFormat string // csv, json, or dual
	ReportLog    string
	MetricsAddr  string
	ListenAddr   string
	Verbose      bool
}

// MatchConfig holds identity scoring weights. The defaults are a starting
// calibration; tune them against a hand-labelled sample.
type MatchConfig struct {
	Threshold       int     `yaml:"threshold"`
	AreaTolerance   float64 `yaml:"area_tolerance"`
	SameDistrict    int     `yaml:"same_district"`
	AddressExact    int     `yaml:"address_exact"`
	AddressContains int     `yaml:"address_contains"`
	AddressTokens   int     `yaml:"address_tokens"`
	AreaWithin5     int     `yaml:"area_within_5"`
	AreaWithin10    int     `yaml:"area_within_10"`
	SameRooms       int     `yaml:"same_rooms"`
}

// DefaultMatchConfig returns the default identity weights.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		Threshold:       50,
		AreaTolerance:   0.15,
		SameDistrict:    15,
		AddressExact:    40,
		AddressContains: 25,
		AddressTokens:   15,
		AreaWithin5:     25,
		AreaWithin10:    15,
		SameRooms:       10,
	}
}

// DefaultConfig returns conservative defaults: sequential pages with a
// randomized delay, memory store, embedded source and city tables.
func DefaultConfig() *Config {
	return &Config{
		MaxPages:        5,
		Parallelism:     4,
		Delay:           1500 * time.Millisecond,
		RandomDelay:     1000 * time.Millisecond,
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    500 * time.Millisecond,
		RetryBackoffMax: 5 * time.Second,
		MinPageFill:     0.3,
		ErrorSampleSize: 10,

		PipelineBufferSize: 256,
		BatchSize:          32,
		DedupeMaxSize:      50000,

		MinPrice:         100,
		MaxPrice:         50_000_000,
		MinArea:          5,
		MaxArea:          10_000,
		RentPriceCeiling: 5000,

		Match: DefaultMatchConfig(),

		SweepBatchSize:    200,
		HealthDelay:       1200 * time.Millisecond,
		HealthRandomDelay: 800 * time.Millisecond,
		ThrottleIdleTTL:   10 * time.Minute,

		Store:        "memory",
		MongoDB:      "realty",
		EventsStream: "listing:price-drops",
		ExportFormat: "csv",
	}
}

// Load reads an optional .env file, applies environment overrides on top of
// the defaults and loads the source and city tables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.LoadTables(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTables loads sources and cities from the configured files, or the
// embedded defaults when no file is set.
func (c *Config) LoadTables() error {
	sources, err := LoadSources(c.SourcesFile)
	if err != nil {
		return err
	}
	cities, err := LoadCities(c.CitiesFile)
	if err != nil {
		return err
	}
	c.Sources = sources
	c.Cities = cities
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := EnvString("SOURCES_FILE"); ok {
		c.SourcesFile = v
	}
	if v, ok := EnvString("CITIES_FILE"); ok {
		c.CitiesFile = v
	}
	ints := map[string]*int{
		"SCRAPER_PAGES":     &c.MaxPages,
		"SCRAPER_PARALLEL":  &c.Parallelism,
		"SCRAPER_RETRIES":   &c.MaxRetries,
		"SWEEP_BATCH_SIZE":  &c.SweepBatchSize,
		"MATCH_THRESHOLD":   &c.Match.Threshold,
		"REDIS_DB":          &c.RedisDB,
		"ERROR_SAMPLE_SIZE": &c.ErrorSampleSize,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*dst = value
		}
	}
	durations := map[string]*time.Duration{
		"SCRAPER_DELAY":        &c.Delay,
		"SCRAPER_RANDOM_DELAY": &c.RandomDelay,
		"SCRAPER_TIMEOUT":      &c.Timeout,
		"HEALTH_DELAY":         &c.HealthDelay,
		"HEALTH_RANDOM_DELAY":  &c.HealthRandomDelay,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if ok {
			*dst = value
		}
	}
	strs := map[string]*string{
		"STORE":                &c.Store,
		"POSTGRES_DSN":         &c.PostgresDSN,
		"REDIS_ADDR":           &c.RedisAddr,
		"MONGO_URI":            &c.MongoURI,
		"MONGO_DB":             &c.MongoDB,
		"EVENTS_STREAM":        &c.EventsStream,
		"SCRAPER_OUTPUT":       &c.ExportFile,
		"REPORT_LOG":           &c.ReportLog,
		"SCRAPER_METRICS_ADDR": &c.MetricsAddr,
		"LISTEN_ADDR":          &c.ListenAddr,
	}
	for key, dst := range strs {
		if value, ok := EnvString(key); ok {
			*dst = value
		}
	}
	if value, ok, err := EnvBool("AUTO_MIGRATE"); err != nil {
		return fmt.Errorf("invalid AUTO_MIGRATE: %w", err)
	} else if ok {
		c.AutoMigrate = value
	}
	if level, ok := EnvString("LOG_LEVEL"); ok && strings.EqualFold(level, "debug") {
		c.Verbose = true
	}
	return nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MinPageFill < 0 || c.MinPageFill > 1 {
		return fmt.Errorf("min page fill must be between 0 and 1")
	}
	if c.ErrorSampleSize <= 0 {
		return fmt.Errorf("error sample size must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.MinPrice <= 0 || c.MaxPrice <= c.MinPrice {
		return fmt.Errorf("price bounds must satisfy 0 < min < max")
	}
	if c.MinArea <= 0 || c.MaxArea <= c.MinArea {
		return fmt.Errorf("area bounds must satisfy 0 < min < max")
	}
	if c.Match.Threshold < 0 || c.Match.Threshold > 100 {
		return fmt.Errorf("match threshold must be between 0 and 100")
	}
	if c.Match.AreaTolerance <= 0 || c.Match.AreaTolerance >= 1 {
		return fmt.Errorf("match area tolerance must be between 0 and 1")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive")
	}
	if c.HealthDelay < 0 || c.HealthRandomDelay < 0 {
		return fmt.Errorf("health delays cannot be negative")
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres store requires a DSN")
		}
	default:
		return fmt.Errorf("store must be memory or postgres")
	}
	if c.ExportFormat != "csv" && c.ExportFormat != "json" && c.ExportFormat != "dual" {
		return fmt.Errorf("export format must be csv, json, or dual")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return fmt.Errorf("source %q: %w", c.Sources[i].Name, err)
		}
		if _, dup := seen[c.Sources[i].Name]; dup {
			return fmt.Errorf("duplicate source %q", c.Sources[i].Name)
		}
		seen[c.Sources[i].Name] = struct{}{}
	}
	if c.Cities == nil || c.Cities.Len() == 0 {
		return fmt.Errorf("city table cannot be empty")
	}
	return nil
}

// Source returns the named source configuration.
func (c *Config) Source(name string) (*SourceConfig, bool) {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i], true
		}
	}
	return nil, false
}

// SourceForURL returns the source whose base URL host matches rawURL.
func (c *Config) SourceForURL(rawURL string) (*SourceConfig, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	for i := range c.Sources {
		if c.Sources[i].Host() == u.Host {
			return &c.Sources[i], true
		}
	}
	return nil, false
}

// EnvString returns the trimmed value of key when set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when set.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// EnvDuration parses key as a Go duration when set.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, err
	}
	return d, true, nil
}

// EnvBool parses key as a boolean when set.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, err
	}
	return b, true, nil
}
