// Package app assembles the crawler, sweeper and their backends from a
// Config. The three binaries share it so they always agree on wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/crawler"
	"github.com/aluiziolira/go-realty-radar/events"
	"github.com/aluiziolira/go-realty-radar/fetcher"
	"github.com/aluiziolira/go-realty-radar/health"
	"github.com/aluiziolira/go-realty-radar/identity"
	"github.com/aluiziolira/go-realty-radar/ingest"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/parser"
	"github.com/aluiziolira/go-realty-radar/pipeline"
	"github.com/aluiziolira/go-realty-radar/ratelimit"
	"github.com/aluiziolira/go-realty-radar/storage"
	"github.com/aluiziolira/go-realty-radar/sweep"
)

// eventsMaxLen caps the price-drop stream; XADD trims approximately.
const eventsMaxLen = 10000

// Options tune Build. Transport replaces the network for every fetcher.
type Options struct {
	Transport http.RoundTripper
	Export    bool
}

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Repo      storage.Repository
	Redis     *redis.Client
	Archive   *storage.MongoArchive
	Export    pipeline.Sink
	Extractor *parser.Extractor
	Writer    *ingest.Writer
	Crawler   *crawler.Crawler
	Sweeper   *sweep.Sweeper
}

// Build connects the configured backends. Close releases them, also after
// a failed Build.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close(ctx)
			a = nil
		}
	}()

	if a.Repo, err = openRepository(ctx, cfg, logger); err != nil {
		return a, err
	}

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err = a.Redis.Ping(ctx).Err(); err != nil {
			return a, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis connected", slog.String("addr", cfg.RedisAddr))
	}

	if cfg.MongoURI != "" {
		if a.Archive, err = storage.NewMongoArchive(ctx, cfg.MongoURI, cfg.MongoDB); err != nil {
			return a, err
		}
		logger.Info("run report archive enabled", slog.String("database", cfg.MongoDB))
	}

	if opts.Export && cfg.ExportFile != "" {
		if a.Export, err = pipeline.NewExporter(strings.ToLower(cfg.ExportFormat), cfg.ExportFile); err != nil {
			return a, err
		}
	}

	if a.Extractor, err = parser.NewExtractor(cfg); err != nil {
		return a, fmt.Errorf("build extractor: %w", err)
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	crawlLimiter := ratelimit.Limiter(ratelimit.NewThrottle(cfg.Delay, cfg.RandomDelay, cfg.ThrottleIdleTTL, a.Metrics))
	healthLimiter := ratelimit.Limiter(ratelimit.NewThrottle(cfg.HealthDelay, cfg.HealthRandomDelay, cfg.ThrottleIdleTTL, a.Metrics))
	if a.Redis != nil {
		publisher = events.NewRedisPublisher(a.Redis, cfg.EventsStream, eventsMaxLen)
		crawlLimiter = ratelimit.NewRedisThrottle(a.Redis, cfg.Delay, cfg.RandomDelay)
		healthLimiter = ratelimit.NewRedisThrottle(a.Redis, cfg.HealthDelay, cfg.HealthRandomDelay)
	}

	resolver := identity.NewResolver(a.Repo, cfg.Match, a.Metrics, logger)
	a.Writer = ingest.NewWriter(a.Repo, resolver, publisher, a.Metrics, logger)
	pool := fetcher.NewPool(cfg, opts.Transport, a.Metrics, logger)

	deps := crawler.Deps{
		Pool:      pool,
		Extractor: a.Extractor,
		Writer:    a.Writer,
		Repo:      a.Repo,
		Limiter:   crawlLimiter,
		Export:    a.Export,
		Metrics:   a.Metrics,
		Logger:    logger,
	}
	if a.Archive != nil {
		deps.Archive = a.Archive
	}
	a.Crawler = crawler.New(cfg, deps)

	checker := health.NewChecker(cfg, pool, a.Extractor, a.Metrics, logger)
	a.Sweeper = sweep.New(cfg, a.Repo, checker, a.Writer, healthLimiter, logger)
	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Store {
	case "postgres":
		if cfg.AutoMigrate {
			if err := storage.RunMigrations(cfg.PostgresDSN); err != nil {
				return nil, err
			}
			if version, dirty, err := storage.MigrationVersion(cfg.PostgresDSN); err == nil {
				logger.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
			}
		}
		pg, err := storage.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		logger.Warn("using in-memory store; data is lost on exit")
		return storage.NewMemory(), nil
	}
}

// Close releases every backend that was opened.
func (a *App) Close(ctx context.Context) {
	if a.Export != nil {
		if err := a.Export.Close(); err != nil {
			a.Logger.Error("close exporter", slog.Any("error", err))
		}
	}
	if a.Archive != nil {
		if err := a.Archive.Close(ctx); err != nil {
			a.Logger.Error("close archive", slog.Any("error", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("close redis", slog.Any("error", err))
		}
	}
	if a.Repo != nil {
		a.Repo.Close()
	}
}
