package aggregate

import (
	"fmt"
	"sort"

	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

// adjustmentFor returns the bucket contribution of tx. Transfers move value
// between accounts and contribute nothing.
func adjustmentFor(tx ledger.Transaction, sign int) (Adjustment, bool) {
	switch tx.Type() {
	case ledger.TypeIncome, ledger.TypeExpense:
	default:
		return Adjustment{}, false
	}
	return Adjustment{
		Series: Series{Type: tx.Type(), Category: CategoryKey(tx.Category), Currency: tx.Currency()},
		Period: tx.Period(),
		Amount: tx.Amount,
		Sign:   sign,
	}, true
}

type periodKey struct {
	Period   ledger.Period
	Currency string
}

type catKey struct {
	Series
	Period ledger.Period
}

// Group regroups txs from scratch. Output is sorted by series then period.
func Group(txs []ledger.Transaction) ([]CategoryBucket, []MonthBucket, error) {
	cats := map[catKey]CategoryBucket{}
	months := map[periodKey]MonthBucket{}
	for _, tx := range txs {
		adj, ok := adjustmentFor(tx, 1)
		if !ok {
			continue
		}
		ck := catKey{Series: adj.Series, Period: adj.Period}
		cb, ok := cats[ck]
		if !ok {
			cb = CategoryBucket{Series: adj.Series, Period: adj.Period, Total: zero(adj.Amount)}
		}
		mk := periodKey{Period: adj.Period, Currency: adj.Series.Currency}
		mb, ok := months[mk]
		if !ok {
			mb = newMonth(adj.Period, adj.Amount)
		}
		var err error
		if cb, mb, err = Apply(cb, mb, adj); err != nil {
			return nil, nil, fmt.Errorf("group %s: %w", tx.ID, err)
		}
		cats[ck] = cb
		months[mk] = mb
	}
	catList := make([]CategoryBucket, 0, len(cats))
	for _, b := range cats {
		catList = append(catList, b)
	}
	sortCategories(catList)
	monthList := make([]MonthBucket, 0, len(months))
	for _, b := range months {
		monthList = append(monthList, b)
	}
	sortMonths(monthList)
	return catList, monthList, nil
}

// Apply adds adj to both buckets, refusing to go negative. Stores call it
// with the current buckets, or EmptyBuckets when none exist yet.
func Apply(cb CategoryBucket, mb MonthBucket, adj Adjustment) (CategoryBucket, MonthBucket, error) {
	delta := adj.Amount
	if adj.Sign < 0 {
		delta = delta.Neg()
	}
	total, err := cb.Total.Add(delta)
	if err != nil {
		return cb, mb, fmt.Errorf("%w: %v", errs.ErrCurrencyMismatch, err)
	}
	side := mb.Income
	if adj.Series.Type == ledger.TypeExpense {
		side = mb.Expense
	}
	side, err = side.Add(delta)
	if err != nil {
		return cb, mb, fmt.Errorf("%w: %v", errs.ErrCurrencyMismatch, err)
	}
	if total.IsNeg() || side.IsNeg() || cb.Count+adj.Sign < 0 || mb.Count+adj.Sign < 0 {
		return cb, mb, fmt.Errorf("%w: bucket %s/%s %s would go negative",
			errs.ErrNotApplied, adj.Series.Type, adj.Series.Category, adj.Period)
	}
	cb.Total = total
	cb.Count += adj.Sign
	if adj.Series.Type == ledger.TypeExpense {
		mb.Expense = side
	} else {
		mb.Income = side
	}
	mb.Count += adj.Sign
	return cb, mb, nil
}

// EmptyBuckets returns the zero category and month buckets adj lands in.
func EmptyBuckets(adj Adjustment) (CategoryBucket, MonthBucket) {
	return CategoryBucket{Series: adj.Series, Period: adj.Period, Total: zero(adj.Amount)}, newMonth(adj.Period, adj.Amount)
}

func zero(like money.Amount) money.Amount {
	z, _ := money.NewAmount(like.Curr().Code(), 0, 0)
	return z
}

func newMonth(p ledger.Period, like money.Amount) MonthBucket {
	return MonthBucket{Period: p, Currency: like.Curr().Code(), Income: zero(like), Expense: zero(like)}
}

func seriesLess(a, b Series) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Currency < b.Currency
}

func sortCategories(bs []CategoryBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Series != bs[j].Series {
			return seriesLess(bs[i].Series, bs[j].Series)
		}
		return bs[i].Period.Before(bs[j].Period)
	})
}

func sortMonths(bs []MonthBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Currency != bs[j].Currency {
			return bs[i].Currency < bs[j].Currency
		}
		return bs[i].Period.Before(bs[j].Period)
	})
}
