package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluiziolira/go-realty-radar/app"
	"github.com/aluiziolira/go-realty-radar/config"
	"github.com/aluiziolira/go-realty-radar/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	listen := flag.String("listen", cfg.ListenAddr, "HTTP listen address")
	store := flag.String("store", cfg.Store, "Listing store: memory or postgres")
	verbose := flag.Bool("v", cfg.Verbose, "Enable verbose logging")
	flag.Parse()

	cfg.ListenAddr = *listen
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	cfg.Store = *store
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
	defer a.Close(context.Background())

	srv := server.New(cfg.ListenAddr, a.Crawler, a.Sweeper, a.Repo, a.Metrics, logger)
	if a.Archive != nil {
		srv.WithArchive(a.Archive)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", slog.Any("error", err))
		}
	}
}
