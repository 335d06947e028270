// Package postgres provides a pgx-backed storage implementation that satisfies
// the repository interfaces used by the services and the aggregate store.
//
// Migrations that create the expected schema are embedded from migrations/
// and applied by RunMigrations. This package maps between the domain values
// and SQL rows; amounts travel as numeric and are read back as text so no
// precision is lost.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinoosan/tally/internal/dedup"
	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/meta"
)

// Store holds a pgx connection pool. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// numeric converts an amount to a pgtype.Numeric without going through float.
func numeric(a money.Amount) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(a.Decimal().String()); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("encode amount %s: %w", a, err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func decodeMetadata(b []byte) meta.Metadata {
	if len(b) == 0 {
		return nil
	}
	var m meta.Metadata
	if err := m.UnmarshalJSON(b); err != nil {
		return nil
	}
	return m
}

// --- Account reads ---

const accountColumns = `id, name, currency, initial_balance::text, manual_balance::text, mode, active, metadata`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var a ledger.Account
	var initial, mode string
	var manual *string
	var mdBytes []byte
	if err := row.Scan(&a.ID, &a.Name, &a.Currency, &initial, &manual, &mode, &a.Active, &mdBytes); err != nil {
		return ledger.Account{}, err
	}
	amt, err := money.ParseAmount(a.Currency, initial)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("account %s initial balance: %w", a.ID, err)
	}
	a.InitialBalance = amt
	if manual != nil {
		mb, err := money.ParseAmount(a.Currency, *manual)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("account %s manual balance: %w", a.ID, err)
		}
		a.ManualBalance = &mb
	}
	a.Mode = ledger.CalculationMode(mode)
	a.Metadata = decodeMetadata(mdBytes)
	return a, nil
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `select `+accountColumns+` from accounts order by name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount fetches a single account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, errs.ErrNotFound
	}
	return a, err
}

// --- Account writes ---

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// accountBalances encodes the opening balance and the optional manual balance.
func accountBalances(a ledger.Account) (pgtype.Numeric, *pgtype.Numeric, error) {
	opening, err := a.Opening()
	if err != nil {
		return pgtype.Numeric{}, nil, err
	}
	initial, err := numeric(opening)
	if err != nil {
		return pgtype.Numeric{}, nil, err
	}
	if a.ManualBalance == nil {
		return initial, nil, nil
	}
	mb, ok := a.Manual()
	if !ok {
		return pgtype.Numeric{}, nil, fmt.Errorf("%w: account %s is %s, manual balance is %s",
			errs.ErrCurrencyMismatch, a.ID, a.Currency, a.ManualBalance.Curr().Code())
	}
	manual, err := numeric(mb)
	if err != nil {
		return pgtype.Numeric{}, nil, err
	}
	return initial, &manual, nil
}

func insertAccount(ctx context.Context, ex execer, a ledger.Account) error {
	if err := a.Metadata.Validate(); err != nil {
		return err
	}
	initial, manual, err := accountBalances(a)
	if err != nil {
		return err
	}
	md, _ := a.Metadata.MarshalStableJSON()
	_, err = ex.Exec(ctx, `
        insert into accounts (id, name, currency, initial_balance, manual_balance, mode, active, metadata)
        values ($1,$2,$3,$4,$5,$6,$7,$8)
    `, a.ID, a.Name, strings.ToUpper(a.Currency), initial, manual, string(a.Mode), a.Active, md)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s exists", errs.ErrConflict, a.ID)
	}
	return err
}

// CreateAccount inserts an account row.
func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	if err := insertAccount(ctx, s.pool, a); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

// CreateAccounts inserts all accounts in one transaction.
func (s *Store) CreateAccounts(ctx context.Context, as []ledger.Account) ([]ledger.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, a := range as {
		if err := insertAccount(ctx, tx, a); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return as, nil
}

// UpdateAccount updates the mutable fields. Currency is fixed at creation.
func (s *Store) UpdateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	if err := a.Metadata.Validate(); err != nil {
		return ledger.Account{}, err
	}
	initial, manual, err := accountBalances(a)
	if err != nil {
		return ledger.Account{}, err
	}
	md, _ := a.Metadata.MarshalStableJSON()
	ct, err := s.pool.Exec(ctx, `
        update accounts
        set name=$1, initial_balance=$2, manual_balance=$3, mode=$4, active=$5, metadata=$6
        where id=$7
    `, a.Name, initial, manual, string(a.Mode), a.Active, md, a.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	if ct.RowsAffected() == 0 {
		return ledger.Account{}, errs.ErrNotFound
	}
	return a, nil
}

// --- Categories ---

func (s *Store) ListCategories(ctx context.Context) ([]ledger.Category, error) {
	rows, err := s.pool.Query(ctx, `select id, name, type from categories order by name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Category, 0)
	for rows.Next() {
		var c ledger.Category
		var typ string
		if err := rows.Scan(&c.ID, &c.Name, &typ); err != nil {
			return nil, err
		}
		c.Type = ledger.TransactionType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateCategory(ctx context.Context, c ledger.Category) (ledger.Category, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `insert into categories (id, name, type) values ($1,$2,$3)`, c.ID, c.Name, string(c.Type))
	if isUniqueViolation(err) {
		return ledger.Category{}, fmt.Errorf("%w: category %q", errs.ErrConflict, c.Name)
	}
	if err != nil {
		return ledger.Category{}, err
	}
	return c, nil
}

func (s *Store) ListSubcategories(ctx context.Context) ([]ledger.Subcategory, error) {
	rows, err := s.pool.Query(ctx, `select id, category_id, name from subcategories order by name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Subcategory, 0)
	for rows.Next() {
		var c ledger.Subcategory
		var parent *uuid.UUID
		if err := rows.Scan(&c.ID, &parent, &c.Name); err != nil {
			return nil, err
		}
		if parent != nil {
			c.CategoryID = *parent
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateSubcategory(ctx context.Context, c ledger.Subcategory) (ledger.Subcategory, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var parent *uuid.UUID
	if c.CategoryID != uuid.Nil {
		parent = &c.CategoryID
	}
	if _, err := s.pool.Exec(ctx, `insert into subcategories (id, category_id, name) values ($1,$2,$3)`, c.ID, parent, c.Name); err != nil {
		return ledger.Subcategory{}, err
	}
	return c, nil
}

// --- Transaction reads ---

const txColumns = `id, date, type, amount::text, currency, account_id, target_account_id,
    target_amount::text, target_currency, category, subcategory, description, created_at, metadata`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx                       ledger.Transaction
		typ, amount, currency    string
		accountID, targetID      *uuid.UUID
		targetAmount, targetCurr *string
		mdBytes                  []byte
	)
	if err := row.Scan(&tx.ID, &tx.Date, &typ, &amount, &currency, &accountID, &targetID,
		&targetAmount, &targetCurr, &tx.Category, &tx.Subcategory, &tx.Description, &tx.CreatedAt, &mdBytes); err != nil {
		return ledger.Transaction{}, err
	}
	amt, err := money.ParseAmount(currency, amount)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
	}
	tx.Amount = amt
	tx.Date = ledger.DateOf(tx.Date)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if accountID != nil {
		tx.AccountID = *accountID
	}
	switch ledger.TransactionType(typ) {
	case ledger.TypeIncome:
		tx.Kind = ledger.Income{}
	case ledger.TypeExpense:
		tx.Kind = ledger.Expense{}
	case ledger.TypeTransfer:
		tr := ledger.Transfer{}
		if targetID != nil {
			tr.TargetAccountID = *targetID
		}
		if targetAmount != nil && targetCurr != nil {
			ta, err := money.ParseAmount(*targetCurr, *targetAmount)
			if err != nil {
				return ledger.Transaction{}, fmt.Errorf("transaction %s target amount: %w", tx.ID, err)
			}
			tr.TargetAmount = &ta
		}
		tx.Kind = tr
	default:
		return ledger.Transaction{}, fmt.Errorf("transaction %s: unknown type %q", tx.ID, typ)
	}
	tx.Metadata = decodeMetadata(mdBytes)
	return tx, nil
}

// Load returns every transaction in ledger order.
func (s *Store) Load(ctx context.Context) ([]ledger.Transaction, error) {
	return s.ListTransactions(ctx, nil, nil)
}

// ListTransactions returns transactions dated within [from, to], either bound
// optional, ordered by (date, created_at, id).
func (s *Store) ListTransactions(ctx context.Context, from, to *time.Time) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
        select `+txColumns+`
        from transactions
        where ($1::date is null or date >= $1) and ($2::date is null or date <= $2)
        order by date asc, created_at asc, id asc
    `, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx, `select `+txColumns+` from transactions where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	return tx, err
}

// --- Transaction writes ---

var txCopyColumns = []string{"id", "date", "type", "amount", "currency", "account_id", "target_account_id",
	"target_amount", "target_currency", "category", "subcategory", "description", "created_at", "metadata", "fingerprint"}

// txValues flattens tx into column order of txCopyColumns.
func txValues(tx ledger.Transaction) ([]any, error) {
	amount, err := numeric(tx.Amount)
	if err != nil {
		return nil, err
	}
	var accountID, targetID *uuid.UUID
	if tx.AccountID != uuid.Nil {
		id := tx.AccountID
		accountID = &id
	}
	var targetAmount *pgtype.Numeric
	var targetCurr *string
	if tr, ok := tx.AsTransfer(); ok {
		id := tr.TargetAccountID
		targetID = &id
		if tr.TargetAmount != nil {
			n, err := numeric(*tr.TargetAmount)
			if err != nil {
				return nil, err
			}
			code := tr.TargetAmount.Curr().Code()
			targetAmount, targetCurr = &n, &code
		}
	}
	md, _ := tx.Metadata.MarshalStableJSON()
	return []any{tx.ID, ledger.DateOf(tx.Date), string(tx.Type()), amount, tx.Currency(), accountID, targetID,
		targetAmount, targetCurr, tx.Category, tx.Subcategory, tx.Description, tx.CreatedAt.UTC(), md,
		dedup.Of(tx).Digest()}, nil
}

// SaveBatch copies txs in one transaction: all rows land or none do.
func (s *Store) SaveBatch(ctx context.Context, txs []ledger.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(txs))
	for _, tx := range txs {
		if err := tx.Metadata.Validate(); err != nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		v, err := txValues(tx)
		if err != nil {
			return err
		}
		rows = append(rows, v)
	}
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback(ctx) }()
	if _, err := pgTx.CopyFrom(ctx, pgx.Identifier{"transactions"}, txCopyColumns, pgx.CopyFromRows(rows)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", errs.ErrConflict, err)
		}
		return fmt.Errorf("copy transactions: %w", err)
	}
	return pgTx.Commit(ctx)
}

// UpdateTransaction replaces every column of a stored transaction.
func (s *Store) UpdateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Metadata.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	v, err := txValues(tx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	ct, err := s.pool.Exec(ctx, `
        update transactions
        set date=$2, type=$3, amount=$4, currency=$5, account_id=$6, target_account_id=$7,
            target_amount=$8, target_currency=$9, category=$10, subcategory=$11, description=$12,
            created_at=$13, metadata=$14, fingerprint=$15
        where id=$1
    `, v...)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if ct.RowsAffected() == 0 {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	return tx, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `delete from transactions where id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
