package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/metrics"
)

// Coordinator keeps a Store in step with the transaction log. Callers drive
// it explicitly: increments and decrements for single edits, Rebuild after
// bulk changes, Invalidate when the log changed behind its back. A stale
// coordinator rebuilds from the repository on the next read.
type Coordinator struct {
	mu    sync.Mutex
	store Store
	repo  ledger.TransactionRepository
	log   *slog.Logger
	stale bool
}

func NewCoordinator(store Store, repo ledger.TransactionRepository, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, repo: repo, log: log}
}

// ApplyIncrement adds tx to its buckets. Transfers are ignored.
func (c *Coordinator) ApplyIncrement(ctx context.Context, tx ledger.Transaction) error {
	return c.adjust(ctx, tx, 1)
}

// ApplyDecrement removes tx from its buckets.
func (c *Coordinator) ApplyDecrement(ctx context.Context, tx ledger.Transaction) error {
	return c.adjust(ctx, tx, -1)
}

// ApplyUpdate moves old's contribution to updated.
func (c *Coordinator) ApplyUpdate(ctx context.Context, old, updated ledger.Transaction) error {
	if err := c.adjust(ctx, old, -1); err != nil {
		return err
	}
	if err := c.adjust(ctx, updated, 1); err != nil {
		// put old back so the store stays consistent with the log
		if rerr := c.adjust(ctx, old, 1); rerr != nil {
			c.Invalidate()
		}
		return err
	}
	return nil
}

func (c *Coordinator) adjust(ctx context.Context, tx ledger.Transaction, sign int) error {
	adj, ok := adjustmentFor(tx, sign)
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		// the next read rebuilds from the log anyway
		return nil
	}
	return c.store.Adjust(ctx, adj)
}

// Rebuild regroups txs and replaces every bucket.
func (c *Coordinator) Rebuild(ctx context.Context, txs []ledger.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuild(ctx, txs, "explicit")
}

func (c *Coordinator) rebuild(ctx context.Context, txs []ledger.Transaction, trigger string) error {
	cats, months, err := Group(txs)
	if err != nil {
		return err
	}
	if err := c.store.Replace(ctx, cats, months); err != nil {
		return fmt.Errorf("replace aggregates: %w", err)
	}
	c.stale = false
	metrics.AggregateRebuilds.WithLabelValues(trigger).Inc()
	c.log.Debug("aggregates rebuilt", "trigger", trigger, "transactions", len(txs), "category_buckets", len(cats), "month_buckets", len(months))
	return nil
}

// Invalidate marks the buckets stale.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Stale reports whether the next read will rebuild.
func (c *Coordinator) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *Coordinator) fresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stale {
		return nil
	}
	if c.repo == nil {
		return fmt.Errorf("aggregates stale and no repository to rebuild from")
	}
	txs, err := c.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}
	return c.rebuild(ctx, txs, "stale")
}

// FetchRange returns the non-empty month buckets of one series over
// [q.From, q.To], oldest first.
func (c *Coordinator) FetchRange(ctx context.Context, q CategoryQuery) ([]CategoryBucket, error) {
	if !q.From.Valid() || !q.To.Valid() {
		return nil, fmt.Errorf("%w: invalid period range", errs.ErrInvalid)
	}
	if _, err := ledger.Zero(q.Currency); err != nil {
		return nil, fmt.Errorf("%w: currency %q", errs.ErrInvalid, q.Currency)
	}
	if err := c.fresh(ctx); err != nil {
		return nil, err
	}
	return c.store.FetchRange(ctx, q)
}

// RangeTotal sums one series over [q.From, q.To].
func (c *Coordinator) RangeTotal(ctx context.Context, q CategoryQuery) (money.Amount, error) {
	bs, err := c.FetchRange(ctx, q)
	if err != nil {
		return money.Amount{}, err
	}
	return Sum(q.Currency, bs)
}

// FetchMonthly returns the non-empty month buckets in [from, to].
func (c *Coordinator) FetchMonthly(ctx context.Context, from, to ledger.Period, currency string) ([]MonthBucket, error) {
	if err := c.fresh(ctx); err != nil {
		return nil, err
	}
	return c.store.FetchMonthly(ctx, from, to, currency)
}

// CategoryTotal is the single-month total of a series.
func (c *Coordinator) CategoryTotal(ctx context.Context, typ ledger.TransactionType, category string, p ledger.Period, currency string) (money.Amount, error) {
	return c.RangeTotal(ctx, CategoryQuery{Type: typ, Category: category, From: p, To: p, Currency: currency})
}

// MonthTotals returns the month bucket for p, zero-valued when empty.
func (c *Coordinator) MonthTotals(ctx context.Context, p ledger.Period, currency string) (MonthBucket, error) {
	bs, err := c.FetchMonthly(ctx, p, p, currency)
	if err != nil {
		return MonthBucket{}, err
	}
	if len(bs) == 1 {
		return bs[0], nil
	}
	z, err := ledger.Zero(currency)
	if err != nil {
		return MonthBucket{}, fmt.Errorf("%w: currency %q", errs.ErrInvalid, currency)
	}
	return MonthBucket{Period: p, Currency: currency, Income: z, Expense: z}, nil
}

// Drift is a bucket whose stored total differs from a fresh grouping.
type Drift struct {
	Series   Series
	Period   ledger.Period
	Stored   money.Amount
	Expected money.Amount
}

// Verify compares stored category buckets with a fresh grouping of txs.
func (c *Coordinator) Verify(ctx context.Context, txs []ledger.Transaction) ([]Drift, error) {
	want, _, err := Group(txs)
	if err != nil {
		return nil, err
	}
	if err := c.fresh(ctx); err != nil {
		return nil, err
	}
	got, _, err := c.store.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	stored := make(map[catKey]CategoryBucket, len(got))
	for _, b := range got {
		stored[catKey{Series: b.Series, Period: b.Period}] = b
	}
	var drift []Drift
	for _, w := range want {
		k := catKey{Series: w.Series, Period: w.Period}
		s, ok := stored[k]
		delete(stored, k)
		if ok {
			if cmp, err := s.Total.Cmp(w.Total); err == nil && cmp == 0 {
				continue
			}
		} else {
			s.Total = zero(w.Total)
		}
		drift = append(drift, Drift{Series: w.Series, Period: w.Period, Stored: s.Total, Expected: w.Total})
	}
	for k, s := range stored {
		drift = append(drift, Drift{Series: k.Series, Period: k.Period, Stored: s.Total, Expected: zero(s.Total)})
	}
	for _, d := range drift {
		c.log.Error("aggregate drift", "type", d.Series.Type, "category", d.Series.Category,
			"period", d.Period.String(), "stored", d.Stored.String(), "expected", d.Expected.String())
	}
	return drift, nil
}
