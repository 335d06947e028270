package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tinoosan/tally/internal/app"
	"github.com/tinoosan/tally/internal/config"
	"github.com/tinoosan/tally/internal/events"
	httpapi "github.com/tinoosan/tally/internal/httpapi/v1"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	// Logger (slog to stdout). Level via LOG_LEVEL; format via LOG_FORMAT (json|text, default json)
	logger := app.BuildLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tallyd exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.DevSeed {
		if _, err := a.SeedDev(ctx); err != nil {
			logger.Error("dev seed failed", "err", err)
		}
	}
	report, err := a.Warm(ctx)
	if err != nil {
		return err
	}
	if len(report.Mismatches) > 0 {
		logger.Warn("balances disagreed with replay at startup", "accounts", len(report.Mismatches))
	}

	api := httpapi.New(httpapi.Deps{
		Accounts:        a.Accounts,
		Journal:         a.Journal,
		Balances:        a.Balances,
		Aggregates:      a.Aggregates,
		Importer:        a.Importer,
		Ready:           a,
		Window:          cfg.Window(),
		DefaultCurrency: cfg.DefaultCurrency,
		ImportDefaults:  a.ImportOptions(),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// imports stream the whole file before responding
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.Publisher != nil {
		relay := events.NewRelay(a.Publisher, logger)
		cancel := a.Balances.Subscribe(relay.Offer)
		defer cancel()
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("tally service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
			return err
		}
		return nil
	})

	return g.Wait()
}
