// Package fx converts amounts between currencies using rates supplied by a
// ledger.CurrencyConverter. StaticTable is an in-memory converter for
// development, tests and fixed-rate imports.
package fx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/govalues/decimal"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
)

// Convert expresses a in currency to using rate (units of to per unit of a),
// rounded to the minor unit of to.
func Convert(a money.Amount, to string, rate decimal.Decimal) (money.Amount, error) {
	curr, err := money.ParseCurr(to)
	if err != nil {
		return money.Amount{}, err
	}
	d, err := a.Decimal().Mul(rate)
	if err != nil {
		return money.Amount{}, fmt.Errorf("convert %s to %s: %w", a, to, err)
	}
	out, err := money.NewAmountFromDecimal(curr, d)
	if err != nil {
		return money.Amount{}, err
	}
	return out.RoundToCurr(), nil
}

// StaticTable is a fixed table of rates keyed by "FROM/TO". The inverse of a
// registered pair is derived on lookup.
type StaticTable struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

func NewStaticTable() *StaticTable { return &StaticTable{rates: map[string]decimal.Decimal{}} }

// Set registers the rate for from→to.
func (t *StaticTable) Set(from, to string, rate decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[pair(from, to)] = rate
}

// Rate implements ledger.CurrencyConverter. The date is ignored.
func (t *StaticTable) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	if strings.EqualFold(from, to) {
		return decimal.MustNew(1, 0), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rates[pair(from, to)]; ok {
		return r, nil
	}
	if r, ok := t.rates[pair(to, from)]; ok && !r.IsZero() {
		return decimal.MustNew(1, 0).Quo(r)
	}
	return decimal.Decimal{}, fmt.Errorf("%w: no rate %s/%s", errs.ErrNotFound, from, to)
}

// ParseTable reads rates written as "EUR/USD=1.08,GBP/USD=1.27". An empty
// string yields an empty table.
func ParseTable(rates string) (*StaticTable, error) {
	t := NewStaticTable()
	for _, item := range strings.Split(rates, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, raw, ok := strings.Cut(item, "=")
		from, to, ok2 := strings.Cut(key, "/")
		if !ok || !ok2 {
			return nil, fmt.Errorf("%w: rate %q: want FROM/TO=rate", errs.ErrInvalid, item)
		}
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if _, err := money.ParseCurr(from); err != nil {
			return nil, fmt.Errorf("%w: rate %q: %v", errs.ErrInvalid, item, err)
		}
		if _, err := money.ParseCurr(to); err != nil {
			return nil, fmt.Errorf("%w: rate %q: %v", errs.ErrInvalid, item, err)
		}
		rate, err := decimal.Parse(strings.TrimSpace(raw))
		if err != nil || !rate.IsPos() {
			return nil, fmt.Errorf("%w: rate %q must be a positive number", errs.ErrInvalid, item)
		}
		t.Set(from, to, rate)
	}
	return t, nil
}

func pair(from, to string) string { return strings.ToUpper(from) + "/" + strings.ToUpper(to) }
