package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-realty-radar/app"
	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/models"
	"github.com/aluiziolira/go-realty-radar/parser"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	source := flag.String("source", "", "Source to crawl (default: every configured source)")
	maxPages := flag.Int("pages", cfg.MaxPages, "Maximum category pages per category")
	parallelism := flag.Int("parallel", cfg.Parallelism, "Pipeline workers writing listings")
	delay := flag.Duration("delay", cfg.Delay, "Minimum delay between requests to one host")
	randomDelay := flag.Duration("random-delay", cfg.RandomDelay, "Random jitter added to the delay")
	maxRetries := flag.Int("max-retries", cfg.MaxRetries, "Maximum retry attempts per page")
	retryBackoff := flag.Duration("retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	retryBackoffMax := flag.Duration("retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	store := flag.String("store", cfg.Store, "Listing store: memory or postgres")
	outputFile := flag.String("output", cfg.ExportFile, "Also export listings to this file")
	outputFormat := flag.String("format", cfg.ExportFormat, "Export format: csv, json, or dual")
	reportLog := flag.String("report-log", cfg.ReportLog, "Append run reports as JSON lines to this file")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	parseFile := flag.String("parse-file", "", "Extract listings from a saved category page instead of crawling")
	verbose := flag.Bool("v", cfg.Verbose, "Enable verbose logging")

	flag.Parse()

	cfg.MaxPages = *maxPages
	cfg.Parallelism = *parallelism
	cfg.Delay = *delay
	cfg.RandomDelay = *randomDelay
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = *retryBackoff
	cfg.RetryBackoffMax = *retryBackoffMax
	cfg.Store = *store
	cfg.ExportFile = *outputFile
	cfg.ExportFormat = strings.ToLower(*outputFormat)
	cfg.ReportLog = *reportLog
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	logger, level := app.NewLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if *parseFile != "" {
		if err := extractFile(cfg, *source, *parseFile); err != nil {
			slog.Error("parse file failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing current page")
	}()

	a, err := app.Build(ctx, cfg, logger, app.Options{Export: true})
	if err != nil {
		slog.Error("initialising", slog.Any("error", err))
		os.Exit(1)
	}
	stopMetrics := app.MetricsServer(cfg.MetricsAddr, a.Metrics, logger)

	var sources []string
	if *source != "" {
		sources = []string{*source}
	}
	slog.Info("starting crawl",
		slog.Any("sources", sources),
		slog.Int("pages", cfg.MaxPages),
		slog.String("store", cfg.Store),
	)

	startTime := time.Now()
	reports, runErr := a.Crawler.RunAll(ctx, sources, cfg.MaxPages)

	stopMetrics()
	a.Close(context.Background())

	printSummary(reports, time.Since(startTime), cfg.ExportFile)
	if runErr != nil {
		slog.Error("crawl failed", slog.Any("error", runErr))
		os.Exit(1)
	}
	for _, r := range reports {
		if r.Status == models.RunError {
			os.Exit(2)
		}
	}
}

// extractFile runs the extractor over a saved page and prints one JSON
// record per line. Useful when a portal changes its markup.
func extractFile(cfg *config.Config, source, path string) error {
	if source == "" {
		return fmt.Errorf("-parse-file needs -source to pick selectors")
	}
	src, ok := cfg.Source(source)
	if !ok {
		return fmt.Errorf("unknown source %q", source)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	body, err := parser.Decode(raw, "")
	if err != nil {
		return err
	}
	ex, err := parser.NewExtractor(cfg)
	if err != nil {
		return err
	}

	records, errs := ex.Extract(src, body, src.BaseURL, config.CategoryConfig{Name: "file"})
	enc := json.NewEncoder(os.Stdout)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	for _, err := range errs {
		slog.Warn("item rejected", slog.String("category", parser.ErrorType(err)), slog.Any("error", err))
	}
	slog.Info("file extracted", slog.Int("records", len(records)), slog.Int("rejected", len(errs)))
	return nil
}

func printSummary(reports []*models.RunReport, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Crawl complete")

	for _, r := range reports {
		fmt.Printf("  %s (%s)\n", r.Source, r.Status)
		fmt.Printf("    Pages:       %d\n", r.PageCount)
		fmt.Printf("    Requests:    %d (retries %d)\n", r.RequestCount, r.RetryCount)
		fmt.Printf("    Found:       %d\n", r.Found)
		fmt.Printf("    New:         %d\n", r.New)
		fmt.Printf("    Updated:     %d\n", r.Updated)
		fmt.Printf("    Unchanged:   %d\n", r.Unchanged)
		fmt.Printf("    Errors:      %d\n", r.ErrorCount)
		if len(r.ErrorsByType) > 0 {
			fmt.Printf("    Error types: %v\n", r.ErrorsByType)
		}
		if r.Duration.Seconds() > 0 {
			fmt.Printf("    Listings/s:  %.2f\n", float64(r.Found)/r.Duration.Seconds())
		}
	}
	fmt.Printf("  Duration:      %v\n", duration)
	if outputFile != "" {
		fmt.Printf("  Output file:   %s\n", outputFile)
	}
	fmt.Println(separator)
}
