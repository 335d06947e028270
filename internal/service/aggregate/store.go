// Package aggregate maintains per-(type, category, month, currency) and
// per-(month, currency) totals alongside the transaction log, so range reads
// never rescan transactions.
package aggregate

import (
	"context"
	"fmt"

	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/slug"
)

// Series identifies one category time series. Category is a normalised key.
type Series struct {
	Type     ledger.TransactionType
	Category string
	Currency string
}

// CategoryBucket is the total of one series in one month.
type CategoryBucket struct {
	Series
	Period ledger.Period
	Total  money.Amount
	Count  int
}

// MonthBucket holds income and expense totals for one month and currency.
type MonthBucket struct {
	Period   ledger.Period
	Currency string
	Income   money.Amount
	Expense  money.Amount
	Count    int
}

// Net is Income minus Expense.
func (m MonthBucket) Net() (money.Amount, error) { return m.Income.Sub(m.Expense) }

// CategoryQuery selects a series over the inclusive month range [From, To].
type CategoryQuery struct {
	Type     ledger.TransactionType
	Category string
	From     ledger.Period
	To       ledger.Period
	Currency string
}

func (q CategoryQuery) series() Series {
	return Series{Type: q.Type, Category: CategoryKey(q.Category), Currency: q.Currency}
}

// Adjustment is one transaction's contribution to its buckets. Sign is +1 for
// an increment and -1 for a decrement.
type Adjustment struct {
	Series Series
	Period ledger.Period
	Amount money.Amount
	Sign   int
}

// Store persists buckets.
//
// Adjust is atomic across the category and month bucket and fails with
// errs.ErrNotApplied when a decrement would drive either below zero.
// FetchRange answers with a single range predicate over (year, month).
type Store interface {
	FetchRange(ctx context.Context, q CategoryQuery) ([]CategoryBucket, error)
	FetchMonthly(ctx context.Context, from, to ledger.Period, currency string) ([]MonthBucket, error)
	Adjust(ctx context.Context, adj Adjustment) error
	Replace(ctx context.Context, cats []CategoryBucket, months []MonthBucket) error
	Buckets(ctx context.Context) ([]CategoryBucket, []MonthBucket, error)
}

// Sum totals buckets in currency. An empty slice sums to zero.
func Sum(currency string, bs []CategoryBucket) (money.Amount, error) {
	total, err := ledger.Zero(currency)
	if err != nil {
		return money.Amount{}, fmt.Errorf("%w: currency %q", errs.ErrInvalid, currency)
	}
	for _, b := range bs {
		if total, err = total.Add(b.Total); err != nil {
			return money.Amount{}, err
		}
	}
	return total, nil
}

// CategoryKey normalises a category name for bucketing. Uncategorised
// transactions share the empty key.
func CategoryKey(name string) string { return slug.Key(name) }
