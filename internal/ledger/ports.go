package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
)

// TransactionRepository is the durable transaction log.
// SaveBatch is all-or-nothing: on error nothing from the batch is stored.
type TransactionRepository interface {
	Load(ctx context.Context) ([]Transaction, error)
	SaveBatch(ctx context.Context, txs []Transaction) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AccountRepository stores account records.
type AccountRepository interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	CreateAccount(ctx context.Context, a Account) (Account, error)
	UpdateAccount(ctx context.Context, a Account) (Account, error)
}

// CategoryRepository stores categories and subcategories.
type CategoryRepository interface {
	ListCategories(ctx context.Context) ([]Category, error)
	CreateCategory(ctx context.Context, c Category) (Category, error)
	ListSubcategories(ctx context.Context) ([]Subcategory, error)
	CreateSubcategory(ctx context.Context, s Subcategory) (Subcategory, error)
}

// CurrencyConverter supplies the rate to convert one unit of from into to,
// as of a date. Rate sourcing lives outside this module.
type CurrencyConverter interface {
	Rate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error)
}
