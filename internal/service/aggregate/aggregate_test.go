package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/decimal"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRepo struct {
	txs   []ledger.Transaction
	loads int
}

func (f *fakeRepo) Load(context.Context) ([]ledger.Transaction, error) {
	f.loads++
	return f.txs, nil
}
func (f *fakeRepo) SaveBatch(_ context.Context, txs []ledger.Transaction) error {
	f.txs = append(f.txs, txs...)
	return nil
}
func (f *fakeRepo) Delete(context.Context, uuid.UUID) error { return nil }

func amt(v string) money.Amount { return money.MustParseAmount("EUR", v) }

func mkTx(typ ledger.TransactionType, category string, date time.Time, v string) ledger.Transaction {
	var k ledger.Kind
	switch typ {
	case ledger.TypeIncome:
		k = ledger.Income{}
	case ledger.TypeExpense:
		k = ledger.Expense{}
	default:
		k = ledger.Transfer{TargetAccountID: uuid.New()}
	}
	return ledger.Transaction{ID: uuid.New(), Date: date, Kind: k, Amount: amt(v), AccountID: uuid.New(), Category: category}
}

func mustEqual(t *testing.T, got, want money.Amount) {
	t.Helper()
	if c, err := got.Cmp(want); err != nil || c != 0 {
		t.Fatalf("got %s want %s", got, want)
	}
}

func randomHistory(r *rand.Rand, start ledger.Period, months, n int) []ledger.Transaction {
	cats := []string{"Food", "food ", "Rent", ""}
	out := make([]ledger.Transaction, 0, n)
	for i := 0; i < n; i++ {
		p := start.AddMonths(r.Intn(months))
		date := time.Date(p.Year, p.Month, 1+r.Intn(28), 0, 0, 0, 0, time.UTC)
		typ := []ledger.TransactionType{ledger.TypeIncome, ledger.TypeExpense, ledger.TypeExpense, ledger.TypeTransfer}[r.Intn(4)]
		v := decimal.MustNew(int64(r.Intn(50000)+1), 2).String()
		out = append(out, mkTx(typ, cats[r.Intn(len(cats))], date, v))
	}
	return out
}

func TestRangeEqualsSumOfMonths(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(11))
	start := ledger.Period{Year: 2015, Month: time.January}
	txs := randomHistory(r, start, 160, 3000)
	c := NewCoordinator(NewMemoryStore(), nil, quiet)
	if err := c.Rebuild(ctx, txs); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	for n := 1; n <= 150; n++ {
		from := start.AddMonths(r.Intn(10))
		to := from.AddMonths(n - 1)
		q := CategoryQuery{Type: ledger.TypeExpense, Category: "food", From: from, To: to, Currency: "EUR"}
		buckets, err := c.FetchRange(ctx, q)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		got, err := Sum("EUR", buckets)
		if err != nil {
			t.Fatalf("sum: %v", err)
		}
		gotCount := 0
		for i, b := range buckets {
			if b.Period.Before(from) || to.Before(b.Period) || (i > 0 && !buckets[i-1].Period.Before(b.Period)) {
				t.Fatalf("bucket %d period %s outside or out of order in [%s, %s]", i, b.Period, from, to)
			}
			gotCount += b.Count
		}
		sum, count := amt("0"), 0
		for p := from; !to.Before(p); p = p.AddMonths(1) {
			m, err := c.CategoryTotal(ctx, ledger.TypeExpense, "FOOD", p, "EUR")
			if err != nil {
				t.Fatalf("month: %v", err)
			}
			sum, _ = sum.Add(m)
			for _, tx := range txs {
				if tx.Type() == ledger.TypeExpense && CategoryKey(tx.Category) == "food" && tx.Period() == p {
					count++
				}
			}
		}
		mustEqual(t, got, sum)
		if gotCount != count {
			t.Fatalf("range %s..%s count %d, want %d", from, to, gotCount, count)
		}
	}
}

func TestIncrementalEqualsRebuild(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(3))
	txs := randomHistory(r, ledger.Period{Year: 2023, Month: time.June}, 18, 800)

	inc := NewCoordinator(NewMemoryStore(), nil, quiet)
	var live []ledger.Transaction
	for _, tx := range txs {
		if err := inc.ApplyIncrement(ctx, tx); err != nil {
			t.Fatalf("increment: %v", err)
		}
		live = append(live, tx)
		if r.Intn(4) == 0 {
			k := r.Intn(len(live))
			if err := inc.ApplyDecrement(ctx, live[k]); err != nil {
				t.Fatalf("decrement: %v", err)
			}
			live = append(live[:k], live[k+1:]...)
		}
	}
	drift, err := inc.Verify(ctx, live)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("incremental drifted from regroup: %+v", drift[0])
	}

	full := NewCoordinator(NewMemoryStore(), nil, quiet)
	if err := full.Rebuild(ctx, live); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	from, to := ledger.Period{Year: 2023, Month: time.June}, ledger.Period{Year: 2024, Month: time.December}
	a, _ := inc.FetchMonthly(ctx, from, to, "EUR")
	b, _ := full.FetchMonthly(ctx, from, to, "EUR")
	if len(a) != len(b) {
		t.Fatalf("month buckets: %d vs %d", len(a), len(b))
	}
	for i := range a {
		mustEqual(t, a[i].Income, b[i].Income)
		mustEqual(t, a[i].Expense, b[i].Expense)
		if a[i].Count != b[i].Count {
			t.Fatalf("count mismatch at %s", a[i].Period)
		}
	}
}

func TestTransfersExcluded(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil, quiet)
	d := time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC)
	_ = c.ApplyIncrement(ctx, mkTx(ledger.TypeTransfer, "", d, "500"))
	_ = c.ApplyIncrement(ctx, mkTx(ledger.TypeIncome, "Salary", d, "10"))
	m, err := c.MonthTotals(ctx, ledger.PeriodOf(d), "EUR")
	if err != nil {
		t.Fatalf("month totals: %v", err)
	}
	mustEqual(t, m.Income, amt("10"))
	mustEqual(t, m.Expense, amt("0"))
	if m.Count != 1 {
		t.Fatalf("expected 1 counted transaction, got %d", m.Count)
	}
}

func TestDecrementBelowZero(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil, quiet)
	d := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	tx := mkTx(ledger.TypeExpense, "Food", d, "5")
	if err := c.ApplyDecrement(ctx, tx); !errors.Is(err, errs.ErrNotApplied) {
		t.Fatalf("expected not applied, got %v", err)
	}
	_ = c.ApplyIncrement(ctx, tx)
	bigger := tx
	bigger.Amount = amt("6")
	if err := c.ApplyDecrement(ctx, bigger); !errors.Is(err, errs.ErrNotApplied) {
		t.Fatalf("expected not applied, got %v", err)
	}
	got, _ := c.CategoryTotal(ctx, ledger.TypeExpense, "food", ledger.PeriodOf(d), "EUR")
	mustEqual(t, got, amt("5"))
}

func TestApplyUpdateMovesBucket(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil, quiet)
	d := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	old := mkTx(ledger.TypeExpense, "Food", d, "5")
	_ = c.ApplyIncrement(ctx, old)
	moved := old
	moved.Category = "Rent"
	moved.Date = d.AddDate(0, 1, 0)
	if err := c.ApplyUpdate(ctx, old, moved); err != nil {
		t.Fatalf("update: %v", err)
	}
	food, _ := c.CategoryTotal(ctx, ledger.TypeExpense, "Food", ledger.PeriodOf(d), "EUR")
	rent, _ := c.CategoryTotal(ctx, ledger.TypeExpense, "Rent", ledger.PeriodOf(moved.Date), "EUR")
	mustEqual(t, food, amt("0"))
	mustEqual(t, rent, amt("5"))
}

func TestStaleReadRebuildsFromRepository(t *testing.T) {
	ctx := context.Background()
	d := time.Date(2024, time.May, 9, 0, 0, 0, 0, time.UTC)
	repo := &fakeRepo{txs: []ledger.Transaction{mkTx(ledger.TypeExpense, "Food", d, "7.25")}}
	c := NewCoordinator(NewMemoryStore(), repo, quiet)
	c.Invalidate()
	if !c.Stale() {
		t.Fatalf("expected stale")
	}
	// increments while stale are dropped; the rebuild covers them
	_ = c.ApplyIncrement(ctx, mkTx(ledger.TypeExpense, "Food", d, "100"))
	got, err := c.CategoryTotal(ctx, ledger.TypeExpense, "Food", ledger.PeriodOf(d), "EUR")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	mustEqual(t, got, amt("7.25"))
	if repo.loads != 1 || c.Stale() {
		t.Fatalf("expected one reload, got %d (stale=%v)", repo.loads, c.Stale())
	}
	_, _ = c.CategoryTotal(ctx, ledger.TypeExpense, "Food", ledger.PeriodOf(d), "EUR")
	if repo.loads != 1 {
		t.Fatalf("fresh reads must not reload")
	}
}

func TestAverageSpending(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(NewMemoryStore(), nil, quiet)
	var txs []ledger.Transaction
	for m := time.January; m <= time.June; m++ {
		txs = append(txs, mkTx(ledger.TypeExpense, "Food", time.Date(2024, m, 10, 0, 0, 0, 0, time.UTC), "100"))
	}
	txs = append(txs, mkTx(ledger.TypeExpense, "Food", time.Date(2024, time.June, 11, 0, 0, 0, 0, time.UTC), "50"))
	_ = c.Rebuild(ctx, txs)
	asOf := time.Date(2024, time.July, 15, 0, 0, 0, 0, time.UTC)
	q := CategoryQuery{Category: "food", Currency: "EUR"}

	got, err := c.AverageSpending(ctx, q, asOf, Window{Mode: WindowFixed, Lookback: 3})
	if err != nil {
		t.Fatalf("fixed: %v", err)
	}
	mustEqual(t, got, amt("116.67"))

	got, err = c.AverageSpending(ctx, q, asOf, Window{Mode: WindowGranularity, Lookback: 2, Granularity: 3})
	if err != nil {
		t.Fatalf("granularity: %v", err)
	}
	mustEqual(t, got, amt("325"))

	if _, err := c.AverageSpending(ctx, q, asOf, Window{Mode: WindowGranularity, Lookback: 2}); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected invalid window, got %v", err)
	}
}
