package crawler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/fetcher"
	"github.com/aluiziolira/go-realty-radar/ingest"
	"github.com/aluiziolira/go-realty-radar/metrics"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
	"github.com/aluiziolira/go-realty-radar/ratelimit"
	"github.com/aluiziolira/go-realty-radar/storage"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const pageTemplate = "https://www.nehnutelnosti.sk/byty/predaj/{page}/"

func pageURL(n int) string {
	return strings.ReplaceAll(pageTemplate, config.PagePlaceholder, fmt.Sprint(n))
}

// listingPage renders a category page with one item per id. An id starting
// with "bad" gets a price the parser rejects.
func listingPage(ids ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i, id := range ids {
		price := fmt.Sprintf("%d €", 150000+i*1000)
		if strings.HasPrefix(id, "bad") {
			price = "Cena dohodou"
		}
		fmt.Fprintf(&b, `<div class="advertisement-item" data-id="%s">
  <h2><a href="/detail/%s/2-izbovy-byt">2-izbový byt, Bajkalská</a></h2>
  <div class="advertisement-item--content__price">%s</div>
  <div class="advertisement-item--content__info">2-izbový byt • %d m²</div>
  <div class="advertisement-item--content__info--address">Bratislava-Ružinov, Bajkalská</div>
</div>`, id, id, price, 50+i)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%04d", prefix, i)
	}
	return out
}

type env struct {
	cfg       *config.Config
	repo      *storage.Memory
	metrics   *metrics.Metrics
	transport *httpmock.MockTransport
	crawler   *Crawler
}

// setup configures a single test source whose pages expect ten items, so a
// page with fewer than three items ends the category.
func setup(t *testing.T, tweak func(*config.Config)) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	if err := cfg.LoadTables(); err != nil {
		t.Fatalf("load tables: %v", err)
	}
	src, ok := cfg.Source("nehnutelnosti")
	if !ok {
		t.Fatalf("missing nehnutelnosti source")
	}
	test := *src
	test.ExpectedPerPage = 10
	test.Categories = []config.CategoryConfig{{Name: "byty-predaj", URL: pageTemplate, Kind: "sale"}}
	cfg.Sources = []config.SourceConfig{test}
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 2 * time.Millisecond
	cfg.Parallelism = 2
	if tweak != nil {
		tweak(cfg)
	}

	ex, err := parser.NewExtractor(cfg)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	transport := httpmock.NewMockTransport()
	repo := storage.NewMemory()
	m := metrics.New()

	c := New(cfg, Deps{
		Pool:      fetcher.NewPool(cfg, transport, m, nil),
		Extractor: ex,
		Writer:    ingest.NewWriter(repo, nil, nil, m, nil),
		Repo:      repo,
		Limiter:   ratelimit.NewThrottle(0, 0, time.Minute, nil),
		Metrics:   m,
	})
	return &env{cfg: cfg, repo: repo, metrics: m, transport: transport, crawler: c}
}

func (e *env) page(n int, body string) {
	e.transport.RegisterResponder(http.MethodGet, pageURL(n), httpmock.NewStringResponder(http.StatusOK, body))
}

func (e *env) calls(n int) int {
	return e.transport.GetCallCountInfo()[http.MethodGet+" "+pageURL(n)]
}

func TestRunStopsAtShortPage(t *testing.T) {
	e := setup(t, nil)
	e.page(1, listingPage(ids("PageA", 4)...))
	e.page(2, listingPage(ids("PageB", 4)...))
	e.page(3, listingPage(ids("PageC", 1)...))
	e.page(4, listingPage(ids("PageD", 4)...))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Status != models.RunSuccess {
		t.Fatalf("status = %s, want success (errors %v)", report.Status, report.ErrorSample)
	}
	if report.PageCount != 3 || report.Found != 9 || report.New != 9 {
		t.Fatalf("pages/found/new = %d/%d/%d, want 3/9/9", report.PageCount, report.Found, report.New)
	}
	if got := e.calls(4); got != 0 {
		t.Fatalf("page 4 fetched %d times after a short page", got)
	}
	if report.ID == "" || report.Duration <= 0 {
		t.Fatalf("report id/duration not set: %+v", report)
	}

	saved, _ := e.repo.RunReports(context.Background(), "nehnutelnosti", 10)
	if len(saved) != 1 || saved[0].ID != report.ID {
		t.Fatalf("saved reports = %+v", saved)
	}
	if got := testutil.ToFloat64(e.metrics.RunsTotal.WithLabelValues("nehnutelnosti", "success")); got != 1 {
		t.Fatalf("runs metric = %v, want 1", got)
	}
}

func TestRunSecondPassIsUnchanged(t *testing.T) {
	e := setup(t, nil)
	e.page(1, listingPage(ids("Same", 2)...))

	if _, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.New != 0 || report.Unchanged != 2 {
		t.Fatalf("new/unchanged = %d/%d, want 0/2", report.New, report.Unchanged)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	e := setup(t, nil)
	var (
		mu    sync.Mutex
		calls int
	)
	e.transport.RegisterResponder(http.MethodGet, pageURL(1), func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, listingPage(ids("Retry", 3)...)), nil
	})

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunSuccess {
		t.Fatalf("status = %s, want success", report.Status)
	}
	if report.RequestCount != 2 || report.RetryCount != 1 {
		t.Fatalf("requests/retries = %d/%d, want 2/1", report.RequestCount, report.RetryCount)
	}
	if report.Found != 3 {
		t.Fatalf("found = %d, want 3", report.Found)
	}
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	e := setup(t, func(cfg *config.Config) { cfg.MaxRetries = 2 })
	e.transport.RegisterResponder(http.MethodGet, pageURL(1), httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := e.calls(1); got != 3 {
		t.Fatalf("page fetched %d times, want 3", got)
	}
	if report.Status != models.RunError {
		t.Fatalf("status = %s, want error", report.Status)
	}
	if report.ErrorsByType["server_error"] != 1 {
		t.Fatalf("errors by type = %v", report.ErrorsByType)
	}
}

func TestRunEveryPageFailedIsError(t *testing.T) {
	e := setup(t, nil)
	e.transport.RegisterResponder(http.MethodGet, pageURL(1), httpmock.NewStringResponder(http.StatusForbidden, "blocked"))
	e.transport.RegisterResponder(http.MethodGet, pageURL(2), httpmock.NewStringResponder(http.StatusForbidden, "blocked"))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunError {
		t.Fatalf("status = %s, want error", report.Status)
	}
	if report.ErrorCount != 2 || report.ErrorsByType["forbidden"] != 2 {
		t.Fatalf("errors = %d %v", report.ErrorCount, report.ErrorsByType)
	}
	if report.RetryCount != 0 {
		t.Fatalf("forbidden must not be retried, retries = %d", report.RetryCount)
	}
	if len(report.ErrorSample) != 2 {
		t.Fatalf("error sample = %v", report.ErrorSample)
	}
}

func TestRunFailedPageDoesNotAbort(t *testing.T) {
	e := setup(t, func(cfg *config.Config) { cfg.MaxRetries = 0 })
	e.page(1, listingPage(ids("First", 4)...))
	e.transport.RegisterResponder(http.MethodGet, pageURL(2), httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))
	e.page(3, listingPage(ids("Third", 4)...))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
	if report.PageCount != 2 || report.New != 8 {
		t.Fatalf("pages/new = %d/%d, want 2/8", report.PageCount, report.New)
	}
}

func TestRunNotFoundEndsPagination(t *testing.T) {
	e := setup(t, nil)
	e.page(1, listingPage(ids("Only", 5)...))
	e.transport.RegisterResponder(http.MethodGet, pageURL(2), httpmock.NewStringResponder(http.StatusNotFound, "none"))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 5)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunSuccess || report.ErrorCount != 0 {
		t.Fatalf("status = %s errors = %d, want clean success", report.Status, report.ErrorCount)
	}
	if got := e.calls(3); got != 0 {
		t.Fatalf("page 3 fetched after pagination ended")
	}
}

func TestRunRejectedItemsMakePartial(t *testing.T) {
	e := setup(t, nil)
	e.page(1, listingPage("GoodOne1", "badItem1", "GoodTwo2"))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
	if report.Found != 2 || report.New != 2 {
		t.Fatalf("found/new = %d/%d, want 2/2", report.Found, report.New)
	}
	if report.ErrorsByType["no_price"] != 1 {
		t.Fatalf("errors by type = %v", report.ErrorsByType)
	}
}

func TestRunErrorSampleIsBounded(t *testing.T) {
	e := setup(t, func(cfg *config.Config) { cfg.ErrorSampleSize = 2 })
	e.page(1, listingPage(ids("badPrice", 5)...))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ErrorCount != 5 {
		t.Fatalf("error count = %d, want 5", report.ErrorCount)
	}
	if len(report.ErrorSample) != 2 {
		t.Fatalf("error sample has %d entries, want 2", len(report.ErrorSample))
	}
}

func TestRunUnknownSource(t *testing.T) {
	e := setup(t, nil)
	if _, err := e.crawler.Run(context.Background(), "missing", 1); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err = %v, want ErrUnknownSource", err)
	}
}

func TestRunCancelledStillPersists(t *testing.T) {
	e := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.crawler.Run(ctx, "nehnutelnosti", 3)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunError || report.RequestCount != 0 {
		t.Fatalf("status/requests = %s/%d", report.Status, report.RequestCount)
	}
	saved, _ := e.repo.RunReports(context.Background(), "", 0)
	if len(saved) != 1 {
		t.Fatalf("saved %d reports, want 1", len(saved))
	}
}

func TestRunAppendsReportLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	e := setup(t, func(cfg *config.Config) { cfg.ReportLog = path })
	e.page(1, listingPage(ids("Log", 3)...))

	for i := 0; i < 2; i++ {
		if _, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open report log: %v", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r models.RunReport
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		seen[r.ID] = true
	}
	if len(seen) != 2 {
		t.Fatalf("report log holds %d distinct runs, want 2", len(seen))
	}
}

type recordingSink struct {
	mu   sync.Mutex
	urls []string
}

func (s *recordingSink) Write(_ context.Context, batch []*models.ExtractedListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range batch {
		s.urls = append(s.urls, rec.URL)
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

type recordingArchive struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingArchive) Archive(_ context.Context, r *models.RunReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, r.ID)
	return nil
}

func TestRunExportsAndArchives(t *testing.T) {
	e := setup(t, nil)
	export := &recordingSink{}
	archive := &recordingArchive{}
	e.crawler.deps.Export = export
	e.crawler.deps.Archive = archive
	e.page(1, listingPage(ids("Export", 3)...))

	report, err := e.crawler.Run(context.Background(), "nehnutelnosti", 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(export.urls) != 3 {
		t.Fatalf("exported %d records, want 3", len(export.urls))
	}
	if len(archive.ids) != 1 || archive.ids[0] != report.ID {
		t.Fatalf("archived = %v", archive.ids)
	}
}

func TestRunAllCoversEverySource(t *testing.T) {
	e := setup(t, func(cfg *config.Config) {
		second := cfg.Sources[0]
		second.Name = "nehnutelnosti-mirror"
		second.BaseURL = "https://mirror.nehnutelnosti.sk"
		second.Categories = []config.CategoryConfig{{Name: "byty", URL: "https://mirror.nehnutelnosti.sk/byty/{page}/", Kind: "sale"}}
		cfg.Sources = append(cfg.Sources, second)
	})
	e.page(1, listingPage(ids("Main", 2)...))
	e.transport.RegisterResponder(http.MethodGet, "https://mirror.nehnutelnosti.sk/byty/1/",
		httpmock.NewStringResponder(http.StatusOK, listingPage(ids("Mirror", 2)...)))

	reports, err := e.crawler.RunAll(context.Background(), nil, 1)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].Source != "nehnutelnosti" || reports[1].Source != "nehnutelnosti-mirror" {
		t.Fatalf("report order = %s, %s", reports[0].Source, reports[1].Source)
	}
	for _, r := range reports {
		if r.Status != models.RunSuccess || r.New != 2 {
			t.Fatalf("%s: status %s new %d", r.Source, r.Status, r.New)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 200 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 3, want: 500 * time.Millisecond},
		{attempt: 6, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(cfg, tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
