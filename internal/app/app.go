// Package app assembles the stores, coordinators and services that both
// binaries run on.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tinoosan/tally/internal/config"
	"github.com/tinoosan/tally/internal/events"
	"github.com/tinoosan/tally/internal/fx"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/account"
	"github.com/tinoosan/tally/internal/service/aggregate"
	"github.com/tinoosan/tally/internal/service/balance"
	"github.com/tinoosan/tally/internal/service/importer"
	"github.com/tinoosan/tally/internal/service/journal"
	"github.com/tinoosan/tally/internal/storage/memory"
	pgstore "github.com/tinoosan/tally/internal/storage/postgres"
)

// Store is what a storage backend must provide.
type Store interface {
	journal.Repo
	journal.Accounts
	account.Writer
	ledger.CategoryRepository
}

// App holds the wired components.
type App struct {
	Config     *config.Config
	Log        *slog.Logger
	Store      Store
	Backend    string
	Balances   *balance.Coordinator
	Aggregates *aggregate.Coordinator
	Accounts   account.Service
	Journal    journal.Service
	Importer   *importer.Pipeline
	// Publisher is nil unless AMQP is configured.
	Publisher *events.Publisher

	ready   func(context.Context) error
	closers []func()
}

// New opens the configured backend and wires everything on top of it.
// Postgres is used when DatabaseURL is set, memory otherwise.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log}

	var aggStore aggregate.Store
	if cfg.DatabaseURL != "" {
		if cfg.DBMigrate {
			if err := pgstore.RunMigrations(cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			log.Info("database migrations applied")
		}
		pg, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		a.Store, aggStore, a.ready, a.Backend = pg, pg, pg.Ready, "postgres"
	} else {
		store := memory.New()
		a.Store, aggStore, a.Backend = store, aggregate.NewMemoryStore(), "memory"
	}

	opts := []balance.Option{balance.WithLogger(log)}
	if cfg.FXRates != "" {
		rates, err := fx.ParseTable(cfg.FXRates)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, balance.WithConverter(rates))
	}
	a.Balances = balance.New(opts...)
	a.Aggregates = aggregate.NewCoordinator(aggStore, a.Store, log)
	a.Accounts = account.New(a.Store, a.Store, a.Balances, log, account.WithTransactions(a.Store))
	a.Journal = journal.New(a.Store, a.Store, a.Balances, a.Aggregates, log)

	sinks := importer.MultiSink{importer.IssueLogger(log.With("component", "importer"))}
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		a.Publisher = pub
		sinks = append(sinks, pub)
	}
	a.Importer = importer.New(a.Store, a.Accounts, a.Store, a.Balances, a.Aggregates, sinks, log)

	log.Info("storage backend", "backend", a.Backend, "events", a.Publisher != nil)
	return a, nil
}

// Warm replays the stored log into the balance table and regroups the
// aggregates. It runs once before serving.
func (a *App) Warm(ctx context.Context) (balance.Report, error) {
	accounts, err := a.Store.ListAccounts(ctx)
	if err != nil {
		return balance.Report{}, fmt.Errorf("list accounts: %w", err)
	}
	txs, err := a.Store.Load(ctx)
	if err != nil {
		return balance.Report{}, fmt.Errorf("load transactions: %w", err)
	}
	report, err := a.Balances.RecalculateAll(ctx, accounts, txs)
	if err != nil {
		return balance.Report{}, fmt.Errorf("recalculate balances: %w", err)
	}
	if err := a.Aggregates.Rebuild(ctx, txs); err != nil {
		return report, fmt.Errorf("rebuild aggregates: %w", err)
	}
	a.Log.Info("state warmed", "accounts", report.Accounts, "transactions", report.Transactions, "rejected", report.Rejected)
	return report, nil
}

// ImportOptions are the configured defaults for every import run.
func (a *App) ImportOptions() importer.Options {
	return importer.Options{
		BatchSize:       a.Config.ImportBatchSize,
		DefaultCurrency: a.Config.DefaultCurrency,
		WithinFile:      a.Config.ImportDedupWithinFile,
		MaxErrorSamples: a.Config.ImportMaxErrorSamples,
		CacheCapacity:   a.Config.ImportCacheCapacity,
	}
}

// Ready reports backend liveness. The memory backend is always ready.
func (a *App) Ready(ctx context.Context) error {
	if a.ready == nil {
		return nil
	}
	return a.ready(ctx)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// SeedDev creates a small demo ledger when no accounts exist yet.
func (a *App) SeedDev(ctx context.Context) ([]ledger.Account, error) {
	existing, err := a.Accounts.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, nil
	}
	curr := a.Config.DefaultCurrency
	opening, err := ledger.Zero(curr)
	if err != nil {
		return nil, err
	}
	specs := []ledger.Account{
		{Name: "Checking", Currency: curr, InitialBalance: opening, Mode: ledger.ModeComputed},
		{Name: "Savings", Currency: curr, InitialBalance: opening, Mode: ledger.ModeComputed},
		{Name: "Cash", Currency: curr, InitialBalance: opening, Mode: ledger.ModeManual},
	}
	created, itemErrs, err := a.Accounts.EnsureAccountsBatch(ctx, specs)
	if err != nil {
		return nil, err
	}
	if len(itemErrs) > 0 {
		return nil, fmt.Errorf("dev seed: %s: %w", itemErrs[0].Code, itemErrs[0].Err)
	}
	ids := make(map[string]string, len(created))
	for _, acc := range created {
		ids[strings.ToLower(acc.Name)+"_account_id"] = acc.ID.String()
	}
	a.Log.Info("DEV seed ("+a.Backend+")", "ids", ids)
	return created, nil
}

// parseLogLevel maps env values to slog.Leveler.
func parseLogLevel(s string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BuildLogger returns a JSON logger unless format is "text".
func BuildLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
