// Package v1 wires the HTTP surface of the tally service.
// Handlers stay thin and delegate business rules to the service layer and
// the coordinators.
package v1

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/cache"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/account"
	"github.com/tinoosan/tally/internal/service/aggregate"
	"github.com/tinoosan/tally/internal/service/balance"
	"github.com/tinoosan/tally/internal/service/importer"
	"github.com/tinoosan/tally/internal/service/journal"
)

// Balances is the read side of the live balance table.
type Balances interface {
	Snapshot() balance.Snapshot
	Balance(id uuid.UUID) (money.Amount, bool)
}

// Aggregates answers range and forecast queries.
type Aggregates interface {
	FetchRange(ctx context.Context, q aggregate.CategoryQuery) ([]aggregate.CategoryBucket, error)
	FetchMonthly(ctx context.Context, from, to ledger.Period, currency string) ([]aggregate.MonthBucket, error)
	AverageSpending(ctx context.Context, q aggregate.CategoryQuery, asOf time.Time, w aggregate.Window) (money.Amount, error)
}

// Importer runs bulk imports.
type Importer interface {
	Run(ctx context.Context, src importer.RowSource, opts importer.Options) (importer.Stats, error)
	State() importer.State
}

// ReadyChecker is implemented by stores that can report liveness.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// Deps groups what the handlers call into.
type Deps struct {
	Accounts   account.Service
	Journal    journal.Service
	Balances   Balances
	Aggregates Aggregates
	Importer   Importer
	// Ready is optional; readyz always succeeds without it.
	Ready ReadyChecker
	// Window is the default averaging window for /v1/aggregates/average.
	Window aggregate.Window
	// DefaultCurrency applies to aggregate queries without a currency.
	DefaultCurrency string
	// ImportDefaults seeds the options of every import request.
	ImportDefaults importer.Options
}

// Server wires handlers and middleware using Chi.
type Server struct {
	deps Deps
	log  *slog.Logger
	rt   *chi.Mux
	idem *cache.LRU[string, storedResponse]
}

const (
	idempotencyEntries = 256
	idempotencyTTL     = 24 * time.Hour
)

// New constructs the HTTP server with routes and middleware.
// The logger is used by request logging and panic recovery.
func New(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.DefaultCurrency == "" {
		d.DefaultCurrency = "USD"
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(metricsMiddleware)

	s := &Server{
		deps: d,
		log:  logger,
		rt:   r,
		idem: cache.NewLRU[string, storedResponse](idempotencyEntries, idempotencyTTL),
	}
	s.routes()
	return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints.
func (s *Server) routes() {
	// Accounts
	s.rt.Post("/v1/accounts", s.postAccount)
	s.rt.Post("/v1/accounts/batch", s.postAccountsBatch)
	s.rt.Get("/v1/accounts", s.listAccounts)
	s.rt.Get("/v1/accounts/{id}", s.getAccount)
	s.rt.Patch("/v1/accounts/{id}", s.updateAccount)
	s.rt.Delete("/v1/accounts/{id}", s.deactivateAccount)
	s.rt.Get("/v1/accounts/{id}/balance", s.getAccountBalance)
	// Transactions
	s.rt.Post("/v1/transactions", s.postTransaction)
	s.rt.Get("/v1/transactions", s.listTransactions)
	s.rt.Get("/v1/transactions/{id}", s.getTransaction)
	s.rt.Put("/v1/transactions/{id}", s.putTransaction)
	s.rt.Delete("/v1/transactions/{id}", s.deleteTransaction)
	// Balances and aggregates
	s.rt.Get("/v1/balances", s.getBalances)
	s.rt.Get("/v1/aggregates/categories", s.getCategoryTotal)
	s.rt.Get("/v1/aggregates/monthly", s.getMonthly)
	s.rt.Get("/v1/aggregates/average", s.getAverage)
	// Import and reconciliation
	s.rt.Post("/v1/imports", s.postImport)
	s.rt.Get("/v1/imports/state", s.getImportState)
	s.rt.Post("/v1/reconcile", s.postReconcile)
	// Dictionary
	s.rt.Get("/v1/dictionary/categories", s.listCuratedCategories)
	// Health and metrics (unversioned)
	s.rt.Get("/healthz", s.healthz)
	s.rt.Get("/readyz", s.readyz)
	s.rt.Handle("/metrics", metricsHandler())
}
