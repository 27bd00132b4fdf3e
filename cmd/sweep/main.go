package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aluiziolira/go-realty-radar/app"
	"github.com/aluiziolira/go-realty-radar/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	batch := flag.Int("batch", cfg.SweepBatchSize, "Maximum listings to check in this sweep")
	delay := flag.Duration("delay", cfg.HealthDelay, "Minimum delay between checks against one host")
	randomDelay := flag.Duration("random-delay", cfg.HealthRandomDelay, "Random jitter added to the delay")
	store := flag.String("store", cfg.Store, "Listing store: memory or postgres")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", cfg.Verbose, "Enable verbose logging")
	flag.Parse()

	cfg.SweepBatchSize = *batch
	cfg.HealthDelay = *delay
	cfg.HealthRandomDelay = *randomDelay
	cfg.Store = *store
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	logger, level := app.NewLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		slog.Error("initialising", slog.Any("error", err))
		os.Exit(1)
	}
	stopMetrics := app.MetricsServer(cfg.MetricsAddr, a.Metrics, logger)

	report, err := a.Sweeper.Run(ctx, cfg.SweepBatchSize)
	stopMetrics()
	a.Close(context.Background())
	if err != nil {
		slog.Error("sweep failed", slog.Any("error", err))
		os.Exit(1)
	}

	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Sweep complete")
	fmt.Printf("  Candidates:    %d\n", report.Candidates)
	fmt.Printf("  Due:           %d\n", report.Due)
	fmt.Printf("  Checked:       %d\n", report.Checked)
	fmt.Printf("  Unchanged:     %d\n", report.Unchanged)
	fmt.Printf("  Price changed: %d\n", report.PriceChanged)
	fmt.Printf("  Removed:       %d\n", report.Removed)
	fmt.Printf("  Inconclusive:  %d\n", report.Inconclusive)
	fmt.Printf("  Errors:        %d\n", report.Errors)
	fmt.Printf("  Duration:      %v\n", report.Duration)
	fmt.Println(separator)
}
