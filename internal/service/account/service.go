// Package account implements the account service rules: immutable currency,
// editable descriptive fields, soft-deletes, unique names, and calculation
// mode changes mirrored into the live balance table.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/balance"
	"github.com/tinoosan/tally/internal/slug"
)

type Repo interface {
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error)
}

type Writer interface {
	CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error)
	UpdateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error)
}

// BatchWriter creates several accounts atomically.
type BatchWriter interface {
	CreateAccounts(ctx context.Context, as []ledger.Account) ([]ledger.Account, error)
}

// Balances is the part of the balance coordinator account changes are
// mirrored into.
type Balances interface {
	Balance(id uuid.UUID) (money.Amount, bool)
	RegisterAccounts(accounts ...ledger.Account) error
	SetInitialBalance(id uuid.UUID, amount money.Amount) error
	SetManualBalance(id uuid.UUID, amount money.Amount) error
	MarkAsManual(id uuid.UUID) error
	MarkAsImported(id uuid.UUID) error
	MarkAsComputed(id uuid.UUID) error
	RecalculateAll(ctx context.Context, accounts []ledger.Account, txs []ledger.Transaction) (balance.Report, error)
}

// TransactionLoader reads the whole transaction log.
type TransactionLoader interface {
	Load(ctx context.Context) ([]ledger.Transaction, error)
}

type Service interface {
	ValidateCreate(a ledger.Account) error
	Create(ctx context.Context, a ledger.Account) (ledger.Account, error)
	List(ctx context.Context) ([]ledger.Account, error)
	Get(ctx context.Context, id uuid.UUID) (ledger.Account, error)
	FindByName(ctx context.Context, name string) (ledger.Account, bool, error)
	Update(ctx context.Context, a ledger.Account) (ledger.Account, error)
	SetMode(ctx context.Context, id uuid.UUID, mode ledger.CalculationMode) (ledger.Account, error)
	SetInitialBalance(ctx context.Context, id uuid.UUID, amount money.Amount) (ledger.Account, error)
	SetManualBalance(ctx context.Context, id uuid.UUID, amount money.Amount) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	EnsureAccountsBatch(ctx context.Context, specs []ledger.Account) ([]ledger.Account, []ItemError, error)
}

type service struct {
	repo     Repo
	writer   Writer
	balances Balances
	txs      TransactionLoader
	log      *slog.Logger
}

type Option func(*service)

// WithTransactions lets the service replay the log when an account returns
// to a derived mode, so its balance is rederived immediately.
func WithTransactions(l TransactionLoader) Option {
	return func(s *service) { s.txs = l }
}

// New builds the service. balances may be nil when no live table is kept.
func New(repo Repo, writer Writer, balances Balances, log *slog.Logger, opts ...Option) Service {
	if log == nil {
		log = slog.Default()
	}
	s := &service{repo: repo, writer: writer, balances: balances, log: log.With("component", "account")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ItemError represents a per-item failure in a batch operation.
type ItemError struct {
	Index int
	Code  string
	Err   error
}

// ErrNameExists indicates another account already uses the same name.
var ErrNameExists = errors.New("account name already exists")

func normalize(a ledger.Account) ledger.Account {
	a.Name = strings.TrimSpace(a.Name)
	a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
	if a.Mode == "" {
		a.Mode = ledger.ModeComputed
	}
	return a
}

func (s *service) ValidateCreate(a ledger.Account) error {
	a = normalize(a)
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", errs.ErrInvalid)
	}
	if a.Currency == "" {
		return fmt.Errorf("%w: currency is required", errs.ErrInvalid)
	}
	if _, err := money.ParseCurr(a.Currency); err != nil {
		return fmt.Errorf("%w: currency %q", errs.ErrInvalid, a.Currency)
	}
	if _, err := ledger.ParseMode(string(a.Mode)); err != nil {
		return err
	}
	if _, err := a.Opening(); err != nil {
		return err
	}
	if _, ok := a.Manual(); a.ManualBalance != nil && !ok {
		return fmt.Errorf("%w: manual balance must be in %s", errs.ErrCurrencyMismatch, a.Currency)
	}
	if err := a.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	return nil
}

func (s *service) Create(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	a = normalize(a)
	if err := s.ValidateCreate(a); err != nil {
		return ledger.Account{}, err
	}
	existing, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return ledger.Account{}, err
	}
	for _, other := range existing {
		if slug.Equal(other.Name, a.Name) {
			return ledger.Account{}, ErrNameExists
		}
	}
	created, err := s.writer.CreateAccount(ctx, fresh(a))
	if err != nil {
		return ledger.Account{}, err
	}
	s.register(created)
	return created, nil
}

func fresh(a ledger.Account) ledger.Account {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Active = true
	if a.Mode.Derived() {
		a.ManualBalance = nil
	}
	if a.InitialBalance.Curr().Code() != a.Currency {
		a.InitialBalance, _ = ledger.Zero(a.Currency)
	}
	return a
}

func (s *service) register(as ...ledger.Account) {
	if s.balances == nil {
		return
	}
	if err := s.balances.RegisterAccounts(as...); err != nil {
		s.log.Error("register accounts with balance table", "err", err)
	}
}

func (s *service) List(ctx context.Context) ([]ledger.Account, error) {
	return s.repo.ListAccounts(ctx)
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	if id == uuid.Nil {
		return ledger.Account{}, errs.ErrInvalid
	}
	return s.repo.GetAccount(ctx, id)
}

// FindByName looks an account up by case-insensitive name.
func (s *service) FindByName(ctx context.Context, name string) (ledger.Account, bool, error) {
	existing, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return ledger.Account{}, false, err
	}
	key := slug.Key(name)
	for _, a := range existing {
		if slug.Key(a.Name) == key {
			return a, true, nil
		}
	}
	return ledger.Account{}, false, nil
}

// EnsureAccountsBatch validates all specs and, if valid, creates them all.
// If any item fails validation or conflicts, no account is created and
// per-item errors are returned.
func (s *service) EnsureAccountsBatch(ctx context.Context, specs []ledger.Account) ([]ledger.Account, []ItemError, error) {
	errList := make([]ItemError, 0)
	normalized := make([]ledger.Account, len(specs))
	for i, in := range specs {
		in = normalize(in)
		normalized[i] = in
		if err := s.ValidateCreate(in); err != nil {
			errList = append(errList, ItemError{Index: i, Code: errs.ErrValidation.Error(), Err: err})
		}
	}
	if len(errList) > 0 {
		return nil, errList, nil
	}
	existing, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, a := range existing {
		taken[slug.Key(a.Name)] = true
	}
	seen := make(map[string]int)
	for i, a := range normalized {
		key := slug.Key(a.Name)
		if prev, ok := seen[key]; ok {
			errList = append(errList,
				ItemError{Index: i, Code: errs.ErrConflict.Error(), Err: ErrNameExists},
				ItemError{Index: prev, Code: errs.ErrConflict.Error(), Err: ErrNameExists})
			continue
		}
		seen[key] = i
		if taken[key] {
			errList = append(errList, ItemError{Index: i, Code: errs.ErrConflict.Error(), Err: ErrNameExists})
		}
	}
	if len(errList) > 0 {
		return nil, errList, nil
	}
	for i := range normalized {
		normalized[i] = fresh(normalized[i])
	}
	var created []ledger.Account
	if b, ok := s.writer.(BatchWriter); ok {
		if created, err = b.CreateAccounts(ctx, normalized); err != nil {
			return nil, nil, err
		}
	} else {
		created = make([]ledger.Account, 0, len(normalized))
		for _, a := range normalized {
			acc, err := s.writer.CreateAccount(ctx, a)
			if err != nil {
				return nil, nil, err
			}
			created = append(created, acc)
		}
	}
	s.register(created...)
	return created, nil, nil
}

// Update applies changes to name and metadata. Currency, mode and initial
// balance have dedicated operations.
func (s *service) Update(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	if a.ID == uuid.Nil {
		return ledger.Account{}, errs.ErrInvalid
	}
	current, err := s.repo.GetAccount(ctx, a.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	a = normalize(a)
	if a.Currency != current.Currency {
		return ledger.Account{}, errs.ErrImmutable
	}
	if a.Name == "" {
		return ledger.Account{}, fmt.Errorf("%w: name is required", errs.ErrInvalid)
	}
	if !slug.Equal(a.Name, current.Name) {
		existing, err := s.repo.ListAccounts(ctx)
		if err != nil {
			return ledger.Account{}, err
		}
		for _, other := range existing {
			if other.ID != a.ID && slug.Equal(other.Name, a.Name) {
				return ledger.Account{}, ErrNameExists
			}
		}
	}
	if err := a.Metadata.Validate(); err != nil {
		return ledger.Account{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	next := current
	next.Name = a.Name
	next.Metadata = a.Metadata
	updated, err := s.writer.UpdateAccount(ctx, next)
	if err != nil {
		return ledger.Account{}, err
	}
	s.register(updated)
	return updated, nil
}

// SetMode switches the calculation mode and mirrors it into the balance table.
func (s *service) SetMode(ctx context.Context, id uuid.UUID, mode ledger.CalculationMode) (ledger.Account, error) {
	if _, err := ledger.ParseMode(string(mode)); err != nil {
		return ledger.Account{}, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	prev := current.Mode
	current.Mode = mode
	switch {
	case mode.Derived():
		current.ManualBalance = nil
	case current.ManualBalance == nil && s.balances != nil:
		// the live balance becomes the manual value
		if b, ok := s.balances.Balance(id); ok {
			current.ManualBalance = &b
		}
	}
	updated, err := s.writer.UpdateAccount(ctx, current)
	if err != nil {
		return ledger.Account{}, err
	}
	if s.balances != nil {
		var merr error
		switch mode {
		case ledger.ModeManual:
			merr = s.balances.MarkAsManual(id)
		case ledger.ModeImportedPreserve:
			merr = s.balances.MarkAsImported(id)
		default:
			merr = s.balances.MarkAsComputed(id)
		}
		if merr != nil {
			s.log.Warn("mirror mode change", "account_id", id, "mode", mode, "err", merr)
		}
		if !prev.Derived() && mode.Derived() {
			if err := s.rederive(ctx); err != nil {
				s.log.Warn("rederive balance", "account_id", id, "err", err)
			}
		}
	}
	return updated, nil
}

// rederive replays the log so an account leaving manual mode gets its
// derived balance back. Without a loader the next RecalculateAll does it.
func (s *service) rederive(ctx context.Context) error {
	if s.txs == nil {
		return nil
	}
	accounts, err := s.repo.ListAccounts(ctx)
	if err != nil {
		return err
	}
	txs, err := s.txs.Load(ctx)
	if err != nil {
		return err
	}
	_, err = s.balances.RecalculateAll(ctx, accounts, txs)
	return err
}

func (s *service) SetInitialBalance(ctx context.Context, id uuid.UUID, amount money.Amount) (ledger.Account, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	if amount.Curr().Code() != current.Currency {
		return ledger.Account{}, fmt.Errorf("%w: account %s is %s", errs.ErrCurrencyMismatch, id, current.Currency)
	}
	current.InitialBalance = amount
	updated, err := s.writer.UpdateAccount(ctx, current)
	if err != nil {
		return ledger.Account{}, err
	}
	if s.balances != nil {
		if err := s.balances.SetInitialBalance(id, amount); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// SetManualBalance stores the balance of a manual account and mirrors it
// into the live table.
func (s *service) SetManualBalance(ctx context.Context, id uuid.UUID, amount money.Amount) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Mode != ledger.ModeManual {
		return fmt.Errorf("%w: account %s is %s", errs.ErrInvalid, id, current.Mode)
	}
	if amount.Curr().Code() != current.Currency {
		return fmt.Errorf("%w: account %s is %s", errs.ErrCurrencyMismatch, id, current.Currency)
	}
	current.ManualBalance = &amount
	if _, err := s.writer.UpdateAccount(ctx, current); err != nil {
		return err
	}
	if s.balances == nil {
		return nil
	}
	return s.balances.SetManualBalance(id, amount)
}

// Deactivate sets Active=false (soft delete). Existing transactions keep
// applying to it.
func (s *service) Deactivate(ctx context.Context, id uuid.UUID) error {
	acc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	acc.Active = false
	if _, err := s.writer.UpdateAccount(ctx, acc); err != nil {
		return err
	}
	return nil
}
