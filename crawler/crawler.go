// Package crawler drives one source across its paginated category pages and
// records the outcome as a RunReport.
//
// Pages of one source are fetched one after another through a per-host
// limiter; distinct sources may run concurrently via RunAll.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/fetcher"
	"github.com/aluiziolira/go-realty-radar/ingest"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
	"github.com/aluiziolira/go-realty-radar/pipeline"
	"github.com/aluiziolira/go-realty-radar/ratelimit"
	"github.com/aluiziolira/go-realty-radar/storage"
)

// ErrUnknownSource is returned by Run for a source missing from the config.
var ErrUnknownSource = errors.New("crawler: unknown source")

// Archiver keeps a copy of run reports for the reporting layer.
type Archiver interface {
	Archive(ctx context.Context, r *models.RunReport) error
}

// Deps are the collaborators of a Crawler. Archive, Export, Metrics and
// Logger are optional.
type Deps struct {
	Pool      *fetcher.Pool
	Extractor *parser.Extractor
	Writer    *ingest.Writer
	Repo      storage.Repository
	Limiter   ratelimit.Limiter
	Archive   Archiver
	Export    pipeline.Sink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Crawler runs crawl jobs. It is safe to run different sources concurrently.
type Crawler struct {
	cfg  *config.Config
	deps Deps

	reportMu sync.Mutex // serialises appends to the report log
}

// New builds a crawler.
func New(cfg *config.Config, deps Deps) *Crawler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewThrottle(cfg.Delay, cfg.RandomDelay, cfg.ThrottleIdleTTL, deps.Metrics)
	}
	return &Crawler{cfg: cfg, deps: deps}
}

// run accumulates the fetch-side counters of one Run.
type run struct {
	requests     int
	retries      int
	pagesOK      int
	pagesFailed  int
	found        int
	errors       int
	errorsByType map[string]int
	sample       []string
	sampleSize   int
}

func (r *run) fail(errorType string, err error) {
	r.errors++
	r.errorsByType[errorType]++
	if len(r.sample) < r.sampleSize {
		r.sample = append(r.sample, err.Error())
	}
}

// Run crawls up to pages pages of every category of source. pages <= 0
// uses the configured maximum. The report is returned even when persisting
// it fails; the error then says why.
func (c *Crawler) Run(ctx context.Context, source string, pages int) (*models.RunReport, error) {
	src, ok := c.cfg.Source(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if pages <= 0 {
		pages = c.cfg.MaxPages
	}

	report := &models.RunReport{
		ID:        uuid.NewString(),
		Source:    src.Name,
		StartedAt: time.Now(),
	}
	logger := c.deps.Logger.With(slog.String("source", src.Name), slog.String("run_id", report.ID))
	logger.Info("run started", slog.Int("pages", pages), slog.Int("categories", len(src.Categories)))

	rs := ingest.NewRunSink(c.deps.Writer, c.cfg.ErrorSampleSize)
	var sink pipeline.Sink = rs
	if c.deps.Export != nil {
		sink = pipeline.NewFanoutSink(rs, c.deps.Export)
	}
	p := pipeline.NewPipeline(ctx, sink, c.cfg).WithLogger(logger)
	p.Start(c.cfg.Parallelism)
	if c.cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	st := &run{errorsByType: make(map[string]int), sampleSize: c.cfg.ErrorSampleSize}
	c.crawl(ctx, src, pages, p, st, logger)

	if err := p.Close(); err != nil {
		st.fail("pipeline", fmt.Errorf("pipeline: %w", err))
	}
	c.finish(report, st, rs, p)
	if ctx.Err() != nil && report.Status == models.RunSuccess {
		report.Status = models.RunPartial
	}

	logger.Info("run finished",
		slog.String("status", string(report.Status)),
		slog.Int("pages", report.PageCount),
		slog.Int("found", report.Found),
		slog.Int("new", report.New),
		slog.Int("updated", report.Updated),
		slog.Int("errors", report.ErrorCount),
		slog.Duration("duration", report.Duration),
	)
	c.deps.Metrics.IncRun(src.Name, string(report.Status))

	// Cancellation stops crawling, not bookkeeping.
	return report, c.persist(context.WithoutCancel(ctx), report, logger)
}

func (c *Crawler) crawl(ctx context.Context, src *config.SourceConfig, pages int, p *pipeline.Pipeline, st *run, logger *slog.Logger) {
	f := c.deps.Pool.For(src.Name)
	host := src.Host()
	minItems := c.cfg.MinPageFill * float64(src.ExpectedPerPage)

	for _, cat := range src.Categories {
		for page := 1; page <= pages; page++ {
			if ctx.Err() != nil {
				return
			}
			pageURL := cat.PageURL(page)
			res, err := c.fetch(ctx, f, host, pageURL, st, logger)
			if err != nil {
				return
			}
			if !res.OK() {
				if res.NotFound() && page > 1 {
					logger.Debug("pagination ended", slog.String("category", cat.Name), slog.Int("page", page))
					break
				}
				st.pagesFailed++
				st.fail(res.ErrorType(), fmt.Errorf("page %s: %w", pageURL, res.Err))
				logger.Warn("page failed",
					slog.String("url", pageURL),
					slog.String("category", res.ErrorType()),
					slog.Any("error", res.Err),
				)
				if res.NotFound() {
					break
				}
				continue
			}

			records, errs := c.deps.Extractor.Extract(src, res.Body, pageURL, cat)
			st.pagesOK++
			st.found += len(records)
			for _, err := range errs {
				st.fail(parser.ErrorType(err), err)
			}
			logger.Debug("page extracted",
				slog.String("url", pageURL),
				slog.Int("records", len(records)),
				slog.Int("rejected", len(errs)),
			)

			if err := p.Process(records...); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Error("pipeline process error", slog.Any("error", err))
				}
				return
			}

			if items := len(records) + len(errs); float64(items) < minItems {
				logger.Debug("short page, stopping category",
					slog.String("category", cat.Name),
					slog.Int("page", page),
					slog.Int("items", items),
				)
				break
			}
		}
	}
}

// fetch retrieves pageURL, retrying transient failures with capped
// exponential backoff. The error is non-nil only when ctx ends.
func (c *Crawler) fetch(ctx context.Context, f *fetcher.Fetcher, host, pageURL string, st *run, logger *slog.Logger) (fetcher.Result, error) {
	for attempt := 0; ; attempt++ {
		if err := c.deps.Limiter.Wait(ctx, host); err != nil {
			return fetcher.Result{}, err
		}
		st.requests++
		res := f.Fetch(ctx, pageURL)
		if res.OK() || !res.Transient() || attempt >= c.cfg.MaxRetries {
			return res, nil
		}

		st.retries++
		c.deps.Metrics.IncRetries()
		delay := backoff(c.cfg, attempt+1)
		logger.Debug("retrying page",
			slog.String("url", pageURL),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("category", res.ErrorType()),
		)
		if err := ratelimit.Sleep(ctx, delay); err != nil {
			return res, err
		}
	}
}

func backoff(cfg *config.Config, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (c *Crawler) finish(report *models.RunReport, st *run, rs *ingest.RunSink, p *pipeline.Pipeline) {
	tally := rs.Tally()
	report.Duration = time.Since(report.StartedAt)
	report.PageCount = st.pagesOK
	report.RequestCount = st.requests
	report.RetryCount = st.retries
	report.Found = st.found
	report.New = tally.New
	report.Updated = tally.Updated
	report.Unchanged = tally.Unchanged

	if invalid := p.Rejected()["invalid_record"]; invalid > 0 {
		st.errors += invalid
		st.errorsByType["invalid_record"] += invalid
	}
	if tally.Errors > 0 {
		st.errors += tally.Errors
		st.errorsByType["ingest"] += tally.Errors
		for _, err := range rs.Errors() {
			if len(st.sample) >= st.sampleSize {
				break
			}
			st.sample = append(st.sample, err.Error())
		}
	}
	report.ErrorCount = st.errors
	report.ErrorsByType = st.errorsByType
	report.ErrorSample = st.sample

	switch {
	case st.pagesOK == 0:
		report.Status = models.RunError
	case st.errors > 0:
		report.Status = models.RunPartial
	default:
		report.Status = models.RunSuccess
	}
}

// persist saves the report. Only the repository write is fatal; the archive
// and the report log are best effort.
func (c *Crawler) persist(ctx context.Context, report *models.RunReport, logger *slog.Logger) error {
	if c.deps.Archive != nil {
		if err := c.deps.Archive.Archive(ctx, report); err != nil {
			logger.Warn("archive run report", slog.Any("error", err))
		}
	}
	if c.cfg.ReportLog != "" {
		if err := c.appendReportLog(report); err != nil {
			logger.Warn("append report log", slog.String("path", c.cfg.ReportLog), slog.Any("error", err))
		}
	}
	if err := c.deps.Repo.SaveRunReport(ctx, report); err != nil {
		return fmt.Errorf("save run report: %w", err)
	}
	return nil
}

func (c *Crawler) appendReportLog(report *models.RunReport) error {
	line, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	f, err := os.OpenFile(c.cfg.ReportLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RunAll runs each named source concurrently, or every configured source
// when sources is empty. Reports are returned in sorted source order; a
// source that failed to persist still contributes its report.
func (c *Crawler) RunAll(ctx context.Context, sources []string, pages int) ([]*models.RunReport, error) {
	if len(sources) == 0 {
		for i := range c.cfg.Sources {
			sources = append(sources, c.cfg.Sources[i].Name)
		}
	}
	sources = append([]string(nil), sources...)
	sort.Strings(sources)

	reports := make([]*models.RunReport, len(sources))
	var g errgroup.Group
	for i, name := range sources {
		g.Go(func() error {
			r, err := c.Run(ctx, name, pages)
			reports[i] = r
			return err
		})
	}
	err := g.Wait()

	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, err
}
