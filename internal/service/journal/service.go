// Package journal is the single-transaction edit path. Each change is written
// to the repository first and then mirrored into the balance and aggregate
// coordinators; a change the balance table rejects is undone in the
// repository.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tally/internal/dictionary"
	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/aggregate"
	"github.com/tinoosan/tally/internal/service/balance"
)

// Repo defines the transaction storage the service needs.
type Repo interface {
	ledger.TransactionRepository
	GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
	UpdateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
	ListTransactions(ctx context.Context, from, to *time.Time) ([]ledger.Transaction, error)
}

// Accounts resolves the accounts a transaction references.
type Accounts interface {
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
}

// Balances is the balance coordinator surface used here.
type Balances interface {
	Add(ctx context.Context, tx ledger.Transaction) error
	Remove(ctx context.Context, tx ledger.Transaction) error
	Update(ctx context.Context, old, updated ledger.Transaction) error
	RecalculateAll(ctx context.Context, accounts []ledger.Account, txs []ledger.Transaction) (balance.Report, error)
}

// Aggregates is the aggregate coordinator surface used here.
type Aggregates interface {
	ApplyIncrement(ctx context.Context, tx ledger.Transaction) error
	ApplyDecrement(ctx context.Context, tx ledger.Transaction) error
	ApplyUpdate(ctx context.Context, old, updated ledger.Transaction) error
	Invalidate()
	Verify(ctx context.Context, txs []ledger.Transaction) ([]aggregate.Drift, error)
	Rebuild(ctx context.Context, txs []ledger.Transaction) error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	AccountID uuid.UUID
	Type      ledger.TransactionType
	From      *time.Time
	To        *time.Time
}

// Reconciliation is the outcome of running both oracles.
type Reconciliation struct {
	Balances       balance.Report
	AggregateDrift int
}

type Service interface {
	Validate(ctx context.Context, tx ledger.Transaction) error
	Create(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (ledger.Transaction, error)
	List(ctx context.Context, f Filter) ([]ledger.Transaction, error)
	Update(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Reconcile(ctx context.Context) (Reconciliation, error)
}

type service struct {
	repo       Repo
	accounts   Accounts
	balances   Balances
	aggregates Aggregates
	log        *slog.Logger
	now        func() time.Time
}

func New(repo Repo, accounts Accounts, balances Balances, aggregates Aggregates, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		repo:       repo,
		accounts:   accounts,
		balances:   balances,
		aggregates: aggregates,
		log:        log.With("component", "journal"),
		now:        time.Now,
	}
}

// Validate checks structure and that every referenced account exists and is
// active.
func (s *service) Validate(ctx context.Context, tx ledger.Transaction) error {
	if tx.ID == uuid.Nil {
		// identity is assigned on create
		tx.ID = uuid.New()
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	if err := tx.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	for i, leg := range tx.Legs() {
		if leg.AccountID == uuid.Nil {
			return fieldErr(i, "account_id required")
		}
		acc, err := s.accounts.GetAccount(ctx, leg.AccountID)
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: account %s", errs.ErrNotFound, leg.AccountID)
		}
		if err != nil {
			return err
		}
		if !acc.Active {
			return fmt.Errorf("%w: account %s", errs.ErrInactive, acc.ID)
		}
	}
	return nil
}

func fieldErr(i int, msg string) error {
	return fmt.Errorf("%w: leg[%d]: %s", errs.ErrInvalid, i, msg)
}

func (s *service) prepare(tx ledger.Transaction) ledger.Transaction {
	tx.Date = ledger.DateOf(tx.Date)
	tx.Description = strings.TrimSpace(tx.Description)
	if tx.Category != "" {
		tx.Category = dictionary.Canonical(tx.Type(), tx.Category)
	}
	tx.Subcategory = strings.TrimSpace(tx.Subcategory)
	return tx
}

func (s *service) Create(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	tx = s.prepare(tx)
	tx.ID = uuid.New()
	tx.CreatedAt = s.now().UTC()
	if err := s.Validate(ctx, tx); err != nil {
		return ledger.Transaction{}, err
	}
	if err := s.repo.SaveBatch(ctx, []ledger.Transaction{tx}); err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: %v", errs.ErrPersistence, err)
	}
	if err := s.balances.Add(ctx, tx); err != nil {
		if derr := s.repo.Delete(ctx, tx.ID); derr != nil {
			s.log.Error("undo rejected create", "tx_id", tx.ID, "err", derr)
		}
		return ledger.Transaction{}, err
	}
	if err := s.aggregates.ApplyIncrement(ctx, tx); err != nil {
		s.log.Warn("aggregate increment failed; marking stale", "tx_id", tx.ID, "err", err)
		s.aggregates.Invalidate()
	}
	return tx, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	if id == uuid.Nil {
		return ledger.Transaction{}, errs.ErrInvalid
	}
	return s.repo.GetTransaction(ctx, id)
}

func (s *service) List(ctx context.Context, f Filter) ([]ledger.Transaction, error) {
	txs, err := s.repo.ListTransactions(ctx, f.From, f.To)
	if err != nil {
		return nil, err
	}
	if f.AccountID == uuid.Nil && f.Type == "" {
		return txs, nil
	}
	out := txs[:0]
	for _, tx := range txs {
		if f.AccountID != uuid.Nil && !tx.Touches(f.AccountID) {
			continue
		}
		if f.Type != "" && tx.Type() != f.Type {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// Update replaces a transaction. ID and CreatedAt are kept from the stored
// version.
func (s *service) Update(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	old, err := s.Get(ctx, tx.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx = s.prepare(tx)
	tx.CreatedAt = old.CreatedAt
	if err := s.Validate(ctx, tx); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := s.repo.UpdateTransaction(ctx, tx); err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: %v", errs.ErrPersistence, err)
	}
	if err := s.balances.Update(ctx, old, tx); err != nil {
		if _, rerr := s.repo.UpdateTransaction(ctx, old); rerr != nil {
			s.log.Error("undo rejected update", "tx_id", tx.ID, "err", rerr)
		}
		return ledger.Transaction{}, err
	}
	if err := s.aggregates.ApplyUpdate(ctx, old, tx); err != nil {
		s.log.Warn("aggregate update failed; marking stale", "tx_id", tx.ID, "err", err)
		s.aggregates.Invalidate()
	}
	return tx, nil
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	old, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPersistence, err)
	}
	if err := s.balances.Remove(ctx, old); err != nil {
		// the table never held it; the log is still authoritative
		s.log.Warn("balance remove", "tx_id", id, "err", err)
	}
	if err := s.aggregates.ApplyDecrement(ctx, old); err != nil {
		s.log.Warn("aggregate decrement failed; marking stale", "tx_id", id, "err", err)
		s.aggregates.Invalidate()
	}
	return nil
}

// Reconcile replays the whole log into the balance table and regroups the
// aggregates if they drifted.
func (s *service) Reconcile(ctx context.Context) (Reconciliation, error) {
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := s.repo.Load(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	report, err := s.balances.RecalculateAll(ctx, accounts, txs)
	if err != nil {
		return Reconciliation{}, err
	}
	drift, err := s.aggregates.Verify(ctx, txs)
	if err != nil {
		return Reconciliation{}, err
	}
	if len(drift) > 0 {
		if err := s.aggregates.Rebuild(ctx, txs); err != nil {
			return Reconciliation{}, err
		}
	}
	s.log.Info("reconciled", "accounts", report.Accounts, "transactions", report.Transactions,
		"balance_mismatches", len(report.Mismatches), "aggregate_drift", len(drift))
	return Reconciliation{Balances: report, AggregateDrift: len(drift)}, nil
}
