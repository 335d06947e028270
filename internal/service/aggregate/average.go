package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/govalues/decimal"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

// WindowMode selects how AverageSpending sizes its lookback.
type WindowMode string

const (
	// WindowFixed averages per month over Lookback complete months.
	WindowFixed WindowMode = "fixed"
	// WindowGranularity averages per period of Granularity months over
	// Lookback such periods.
	WindowGranularity WindowMode = "granularity"
)

func ParseWindowMode(s string) (WindowMode, error) {
	switch WindowMode(s) {
	case WindowFixed, WindowGranularity:
		return WindowMode(s), nil
	}
	return "", fmt.Errorf("%w: unknown window mode %q", errs.ErrInvalid, s)
}

// Window is the lookback used by AverageSpending.
type Window struct {
	Mode        WindowMode
	Lookback    int
	Granularity int
}

// span returns the number of months covered and the divisor.
func (w Window) span() (months, periods int, err error) {
	if w.Lookback <= 0 {
		return 0, 0, fmt.Errorf("%w: lookback must be > 0", errs.ErrInvalid)
	}
	switch w.Mode {
	case WindowFixed, "":
		return w.Lookback, w.Lookback, nil
	case WindowGranularity:
		if w.Granularity <= 0 {
			return 0, 0, fmt.Errorf("%w: granularity must be > 0", errs.ErrInvalid)
		}
		return w.Lookback * w.Granularity, w.Lookback, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown window mode %q", errs.ErrInvalid, w.Mode)
}

// AverageSpending averages a series over the complete months before asOf.
// q.From and q.To are ignored; an empty q.Type means expense.
func (c *Coordinator) AverageSpending(ctx context.Context, q CategoryQuery, asOf time.Time, w Window) (money.Amount, error) {
	months, periods, err := w.span()
	if err != nil {
		return money.Amount{}, err
	}
	if q.Type == "" {
		q.Type = ledger.TypeExpense
	}
	q.To = ledger.PeriodOf(asOf).AddMonths(-1)
	q.From = q.To.AddMonths(-(months - 1))
	total, err := c.RangeTotal(ctx, q)
	if err != nil {
		return money.Amount{}, err
	}
	avg, err := total.Decimal().Quo(decimal.MustNew(int64(periods), 0))
	if err != nil {
		return money.Amount{}, err
	}
	out, err := money.NewAmountFromDecimal(total.Curr(), avg)
	if err != nil {
		return money.Amount{}, err
	}
	return out.RoundToCurr(), nil
}
