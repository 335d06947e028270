package importer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/dictionary"
	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/slug"
)

// Accounts is the account service surface the resolver needs.
type Accounts interface {
	Get(ctx context.Context, id uuid.UUID) (ledger.Account, error)
	FindByName(ctx context.Context, name string) (ledger.Account, bool, error)
	Create(ctx context.Context, a ledger.Account) (ledger.Account, error)
	List(ctx context.Context) ([]ledger.Account, error)
}

// Mappings pin source names to existing entities before any lookup.
// Keys are matched case-insensitively.
type Mappings struct {
	Accounts   map[string]uuid.UUID `json:"accounts,omitempty"`
	Categories map[string]string    `json:"categories,omitempty"`
}

func (m Mappings) account(name string) (uuid.UUID, bool) {
	for k, id := range m.Accounts {
		if slug.Equal(k, name) {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (m Mappings) category(name string) (string, bool) {
	for k, v := range m.Categories {
		if slug.Equal(k, name) {
			return v, true
		}
	}
	return "", false
}

// Resolver turns names into entities: explicit mappings first, then the
// run's cache, then a scan of the store, and finally creation.
type Resolver struct {
	accounts   Accounts
	categories ledger.CategoryRepository
	cache      *EntityCache
	mappings   Mappings

	CreatedAccounts      int
	CreatedCategories    int
	CreatedSubcategories int
}

func NewResolver(accounts Accounts, categories ledger.CategoryRepository, c *EntityCache, m Mappings) *Resolver {
	if c == nil {
		c = NewEntityCache(0)
	}
	return &Resolver{accounts: accounts, categories: categories, cache: c, mappings: m}
}

// Account resolves name, creating an imported_preserve account in currency
// when nothing matches.
func (r *Resolver) Account(ctx context.Context, name, currency string) (ledger.Account, error) {
	if id, ok := r.mappings.account(name); ok {
		return r.accounts.Get(ctx, id)
	}
	key := slug.Key(name)
	if a, ok := r.cache.accounts.Get(key); ok {
		return a, nil
	}
	a, found, err := r.accounts.FindByName(ctx, name)
	if err != nil {
		return ledger.Account{}, err
	}
	if !found {
		a, err = r.accounts.Create(ctx, ledger.Account{
			Name:     strings.TrimSpace(name),
			Currency: currency,
			Mode:     ledger.ModeImportedPreserve,
		})
		if err != nil {
			return ledger.Account{}, err
		}
		r.CreatedAccounts++
	}
	r.cache.accounts.Set(key, a)
	return a, nil
}

// Category resolves a category of typ, reusing the curated label when the
// name matches one.
func (r *Resolver) Category(ctx context.Context, name string, typ ledger.TransactionType) (ledger.Category, error) {
	if mapped, ok := r.mappings.category(name); ok {
		name = mapped
	}
	name = dictionary.Canonical(typ, strings.TrimSpace(name))
	key := categoryKey{Name: slug.Key(name), Type: typ}
	if c, ok := r.cache.categories.Get(key); ok {
		return c, nil
	}
	all, err := r.categories.ListCategories(ctx)
	if err != nil {
		return ledger.Category{}, err
	}
	for _, c := range all {
		if c.Type == typ && slug.Key(c.Name) == key.Name {
			r.cache.categories.Set(key, c)
			return c, nil
		}
	}
	c, err := r.categories.CreateCategory(ctx, ledger.Category{ID: uuid.New(), Name: name, Type: typ})
	if err != nil {
		return ledger.Category{}, err
	}
	r.CreatedCategories++
	r.cache.categories.Set(key, c)
	return c, nil
}

// Subcategory resolves name under parent.
func (r *Resolver) Subcategory(ctx context.Context, parent ledger.Category, name string) (ledger.Subcategory, error) {
	key := subcategoryKey{CategoryID: parent.ID, Name: slug.Key(name)}
	if s, ok := r.cache.subcategories.Get(key); ok {
		return s, nil
	}
	all, err := r.categories.ListSubcategories(ctx)
	if err != nil {
		return ledger.Subcategory{}, err
	}
	for _, s := range all {
		if s.CategoryID == parent.ID && slug.Key(s.Name) == key.Name {
			r.cache.subcategories.Set(key, s)
			return s, nil
		}
	}
	s, err := r.categories.CreateSubcategory(ctx, ledger.Subcategory{ID: uuid.New(), CategoryID: parent.ID, Name: strings.TrimSpace(name)})
	if err != nil {
		return ledger.Subcategory{}, err
	}
	r.CreatedSubcategories++
	r.cache.subcategories.Set(key, s)
	return s, nil
}

func unresolved(line int, field, value string, err error) *errs.RowError {
	return &errs.RowError{Row: line, Kind: errs.ErrResolution, Field: field, Value: value, Err: err}
}

// Transaction resolves every name on p and builds the transaction.
func (r *Resolver) Transaction(ctx context.Context, p parsedRow) (ledger.Transaction, *errs.RowError) {
	src, err := r.Account(ctx, p.account, p.amount.Curr().Code())
	if err != nil {
		return ledger.Transaction{}, unresolved(p.line, "account", p.account, err)
	}
	tx := ledger.Transaction{
		ID:          uuid.New(),
		Date:        p.date,
		Amount:      p.amount,
		AccountID:   src.ID,
		Description: p.description,
	}
	switch p.typ {
	case ledger.TypeIncome:
		tx.Kind = ledger.Income{}
	case ledger.TypeExpense:
		tx.Kind = ledger.Expense{}
	case ledger.TypeTransfer:
		curr := p.targetCurrency
		if curr == "" {
			curr = p.amount.Curr().Code()
		}
		dst, err := r.Account(ctx, p.targetAccount, curr)
		if err != nil {
			return ledger.Transaction{}, unresolved(p.line, "target_account", p.targetAccount, err)
		}
		tr := ledger.Transfer{TargetAccountID: dst.ID}
		if p.targetAmount != "" {
			tc := p.targetCurrency
			if tc == "" {
				tc = dst.Currency
			}
			ta, err := money.ParseAmount(tc, normalizeAmount(p.targetAmount))
			if err != nil {
				return ledger.Transaction{}, invalid(p.line, "target_amount", p.targetAmount, err)
			}
			ta = ta.Abs()
			tr.TargetAmount = &ta
		}
		tx.Kind = tr
	}

	if p.typ != ledger.TypeTransfer && p.category != "" {
		cat, err := r.Category(ctx, p.category, p.typ)
		if err != nil {
			return ledger.Transaction{}, unresolved(p.line, "category", p.category, err)
		}
		tx.Category = cat.Name
		if p.subcategory != "" {
			sub, err := r.Subcategory(ctx, cat, p.subcategory)
			if err != nil {
				return ledger.Transaction{}, unresolved(p.line, "subcategory", p.subcategory, err)
			}
			tx.Subcategory = sub.Name
		}
	}

	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, invalid(p.line, "", "", fmt.Errorf("%w: %v", errs.ErrInvalid, err))
	}
	return tx, nil
}
