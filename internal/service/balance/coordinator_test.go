package balance

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
	"github.com/tinoosan/tally/internal/fx"
	"github.com/tinoosan/tally/internal/ledger"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func amt(curr, v string) money.Amount { return money.MustParseAmount(curr, v) }

func account(curr, opening string) ledger.Account {
	return ledger.Account{ID: uuid.New(), Name: curr, Currency: curr, InitialBalance: amt(curr, opening), Mode: ledger.ModeComputed, Active: true}
}

func day(d int) time.Time { return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC) }

func expense(acc ledger.Account, v string, d int) ledger.Transaction {
	return ledger.Transaction{ID: uuid.New(), Date: day(d), Kind: ledger.Expense{}, Amount: amt(acc.Currency, v), AccountID: acc.ID}
}

func income(acc ledger.Account, v string, d int) ledger.Transaction {
	return ledger.Transaction{ID: uuid.New(), Date: day(d), Kind: ledger.Income{}, Amount: amt(acc.Currency, v), AccountID: acc.ID}
}

func transfer(from, to ledger.Account, v string, d int) ledger.Transaction {
	return ledger.Transaction{ID: uuid.New(), Date: day(d), Kind: ledger.Transfer{TargetAccountID: to.ID}, Amount: amt(from.Currency, v), AccountID: from.ID}
}

func wantBalance(t *testing.T, c *Coordinator, id uuid.UUID, want money.Amount) {
	t.Helper()
	got, ok := c.Balance(id)
	if !ok {
		t.Fatalf("no balance for %s", id)
	}
	if cmp, err := got.Cmp(want); err != nil || cmp != 0 {
		t.Fatalf("balance %s: got %s want %s", id, got, want)
	}
}

func newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	return New(append([]Option{WithLogger(quiet)}, opts...)...)
}

func TestAddRemoveUpdate(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a := account("EUR", "100")
	if err := c.RegisterAccounts(a); err != nil {
		t.Fatalf("register: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "100"))

	tx := expense(a, "30", 1)
	if err := c.Add(ctx, tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "70"))

	if err := c.Add(ctx, tx); !errors.Is(err, errs.ErrAlreadyApplied) {
		t.Fatalf("expected already applied, got %v", err)
	}

	updated := tx
	updated.Kind = ledger.Income{}
	updated.Amount = amt("EUR", "5")
	if err := c.Update(ctx, tx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "105"))

	if err := c.Remove(ctx, updated); err != nil {
		t.Fatalf("remove: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "100"))

	if err := c.Remove(ctx, updated); !errors.Is(err, errs.ErrNotApplied) {
		t.Fatalf("expected not applied, got %v", err)
	}
}

func TestCrossCurrencyTransfer(t *testing.T) {
	ctx := context.Background()
	rates := fx.NewStaticTable()
	rates.Set("USD", "KZT", decimal.MustParse("450"))
	c := newCoordinator(t, WithConverter(rates))
	usd := account("USD", "1000")
	kzt := account("KZT", "500000")
	if err := c.RegisterAccounts(usd, kzt); err != nil {
		t.Fatalf("register: %v", err)
	}

	tx := transfer(usd, kzt, "100", 5)
	if err := c.Add(ctx, tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	wantBalance(t, c, usd.ID, amt("USD", "900"))
	wantBalance(t, c, kzt.ID, amt("KZT", "545000"))

	if err := c.Remove(ctx, tx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	wantBalance(t, c, usd.ID, amt("USD", "1000"))
	wantBalance(t, c, kzt.ID, amt("KZT", "500000"))

	if err := c.Add(ctx, tx); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	bigger := tx
	bigger.Amount = amt("USD", "200")
	if err := c.Update(ctx, tx, bigger); err != nil {
		t.Fatalf("update: %v", err)
	}
	wantBalance(t, c, usd.ID, amt("USD", "800"))
	wantBalance(t, c, kzt.ID, amt("KZT", "590000"))
}

func TestExplicitTargetAmountSkipsConversion(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	usd := account("USD", "0")
	eur := account("EUR", "0")
	_ = c.RegisterAccounts(usd, eur)
	target := amt("EUR", "91.50")
	tx := transfer(usd, eur, "100", 1)
	tx.Kind = ledger.Transfer{TargetAccountID: eur.ID, TargetAmount: &target}
	if err := c.Add(ctx, tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	wantBalance(t, c, usd.ID, amt("USD", "-100"))
	wantBalance(t, c, eur.ID, amt("EUR", "91.50"))
}

func TestUnconvertibleLegRejectsWholeOperation(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	usd := account("USD", "10")
	kzt := account("KZT", "10")
	_ = c.RegisterAccounts(usd, kzt)
	before := c.Snapshot().Version

	err := c.Add(ctx, transfer(usd, kzt, "5", 1))
	if !errors.Is(err, errs.ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
	if c.Snapshot().Version != before {
		t.Fatalf("rejected op must not publish")
	}
	wantBalance(t, c, usd.ID, amt("USD", "10"))
}

func TestMissingAndManualAccountsAreSkipped(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	src := account("EUR", "50")
	manual := account("EUR", "7")
	manual.Mode = ledger.ModeManual
	_ = c.RegisterAccounts(src, manual)

	ghost := account("EUR", "0")
	if err := c.Add(ctx, transfer(src, ghost, "10", 1)); err != nil {
		t.Fatalf("add with missing target: %v", err)
	}
	wantBalance(t, c, src.ID, amt("EUR", "40"))
	if _, ok := c.Balance(ghost.ID); ok {
		t.Fatalf("missing account must not appear")
	}

	tx := transfer(src, manual, "10", 2)
	if err := c.Add(ctx, tx); err != nil {
		t.Fatalf("add to manual: %v", err)
	}
	wantBalance(t, c, manual.ID, amt("EUR", "7"))
	wantBalance(t, c, src.ID, amt("EUR", "30"))

	// switching modes between add and remove only reverts what was applied
	if err := c.MarkAsComputed(manual.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := c.Remove(ctx, tx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	wantBalance(t, c, manual.ID, amt("EUR", "7"))
	wantBalance(t, c, src.ID, amt("EUR", "40"))
}

func TestSetManualBalance(t *testing.T) {
	c := newCoordinator(t)
	a := account("EUR", "0")
	_ = c.RegisterAccounts(a)
	if err := c.SetManualBalance(a.ID, amt("EUR", "1")); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected invalid for computed account, got %v", err)
	}
	if err := c.MarkAsManual(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.SetManualBalance(a.ID, amt("EUR", "123.45")); err != nil {
		t.Fatalf("set manual: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "123.45"))
	if err := c.SetManualBalance(uuid.New(), amt("EUR", "1")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManualBalanceSurvivesColdStart(t *testing.T) {
	ctx := context.Background()
	a := account("EUR", "10")
	a.Mode = ledger.ModeManual
	mb := amt("EUR", "77")
	a.ManualBalance = &mb
	txs := []ledger.Transaction{income(a, "5", 1)}

	c := newCoordinator(t)
	if _, err := c.RecalculateAll(ctx, []ledger.Account{a}, txs); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	wantBalance(t, c, a.ID, mb)

	fresh := newCoordinator(t)
	_ = fresh.RegisterAccounts(a)
	wantBalance(t, fresh, a.ID, mb)
}

func TestSetManualBalanceTracksValue(t *testing.T) {
	c := newCoordinator(t)
	a := account("EUR", "20")
	_ = c.RegisterAccounts(a)
	if err := c.MarkAsManual(a.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Account(a.ID)
	if got.ManualBalance == nil || got.ManualBalance.Decimal().Trim(0).String() != "20" {
		t.Fatalf("marking manual should keep the live balance, got %v", got.ManualBalance)
	}
	_ = c.SetManualBalance(a.ID, amt("EUR", "3"))
	got, _ = c.Account(a.ID)
	if got.ManualBalance == nil || got.ManualBalance.Decimal().Trim(0).String() != "3" {
		t.Fatalf("manual balance not tracked: %v", got.ManualBalance)
	}
	_ = c.MarkAsComputed(a.ID)
	if got, _ = c.Account(a.ID); got.ManualBalance != nil {
		t.Fatalf("derived account keeps a manual balance")
	}
}

func TestModeSwitchIsNotReportedAsDrift(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a := account("EUR", "100")
	_ = c.RegisterAccounts(a)
	tx := expense(a, "10", 1)
	_ = c.Add(ctx, tx)
	if _, err := c.RecalculateAll(ctx, []ledger.Account{a}, []ledger.Transaction{tx}); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	_ = c.MarkAsManual(a.ID)
	_ = c.SetManualBalance(a.ID, amt("EUR", "500"))
	_ = c.MarkAsComputed(a.ID)

	report, err := c.RecalculateAll(ctx, []ledger.Account{a}, []ledger.Transaction{tx})
	if err != nil || len(report.Mismatches) != 0 {
		t.Fatalf("mode switch reported as mismatch: %+v %v", report, err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "90"))

	// later drift on the same account is reported again
	missed := expense(a, "5", 2)
	report, err = c.RecalculateAll(ctx, []ledger.Account{a}, []ledger.Transaction{tx, missed})
	if err != nil || len(report.Mismatches) != 1 {
		t.Fatalf("expected one mismatch after the switch was absorbed, got %+v %v", report, err)
	}
}

func TestSetInitialBalanceShiftsDerived(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a := account("EUR", "100")
	_ = c.RegisterAccounts(a)
	_ = c.Add(ctx, expense(a, "40", 1))
	if err := c.SetInitialBalance(a.ID, amt("EUR", "250")); err != nil {
		t.Fatalf("set initial: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "210"))
	if err := c.SetInitialBalance(a.ID, amt("USD", "1")); !errors.Is(err, errs.ErrCurrencyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestImportedPreserveNotDemoted(t *testing.T) {
	c := newCoordinator(t)
	a := account("EUR", "0")
	a.Mode = ledger.ModeImportedPreserve
	_ = c.RegisterAccounts(a)
	a.Mode = ledger.ModeManual
	_ = c.RegisterAccounts(a)
	got, _ := c.Account(a.ID)
	if got.Mode != ledger.ModeImportedPreserve {
		t.Fatalf("mode demoted to %s", got.Mode)
	}
}

func TestBatchPublishesOnce(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a := account("EUR", "0")
	_ = c.RegisterAccounts(a)

	var seen []Snapshot
	cancel := c.Subscribe(func(s Snapshot) { seen = append(seen, s) })
	defer cancel()

	c.BeginImport()
	for i := 1; i <= 10; i++ {
		if err := c.Add(ctx, income(a, "1", i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if b, _ := c.Balance(a.ID); !b.IsZero() {
		t.Fatalf("batch changes leaked before EndBatch: %s", b)
	}
	c.FinishImport()
	if len(seen) != 1 {
		t.Fatalf("expected one publish, got %d", len(seen))
	}
	wantBalance(t, c, a.ID, amt("EUR", "10"))

	c.BeginBatch()
	c.EndBatch()
	if len(seen) != 1 {
		t.Fatalf("empty batch must not publish")
	}
}

func TestRecalculateAgreesWithIncremental(t *testing.T) {
	ctx := context.Background()
	rates := fx.NewStaticTable()
	rates.Set("USD", "EUR", decimal.MustParse("0.9"))
	c := newCoordinator(t, WithConverter(rates))
	accs := []ledger.Account{account("EUR", "100"), account("EUR", "0"), account("USD", "500")}
	_ = c.RegisterAccounts(accs...)

	rng := rand.New(rand.NewSource(7))
	var live []ledger.Transaction
	for i := 0; i < 400; i++ {
		switch {
		case len(live) > 0 && rng.Intn(5) == 0:
			k := rng.Intn(len(live))
			if err := c.Remove(ctx, live[k]); err != nil {
				t.Fatalf("remove: %v", err)
			}
			live = append(live[:k], live[k+1:]...)
			continue
		}
		from := accs[rng.Intn(len(accs))]
		v := decimal.MustNew(int64(rng.Intn(10000)+1), 2).String()
		var tx ledger.Transaction
		switch rng.Intn(3) {
		case 0:
			tx = income(from, v, 1+rng.Intn(28))
		case 1:
			tx = expense(from, v, 1+rng.Intn(28))
		default:
			to := accs[rng.Intn(len(accs))]
			if to.ID == from.ID {
				continue
			}
			tx = transfer(from, to, v, 1+rng.Intn(28))
		}
		if err := c.Add(ctx, tx); err != nil {
			t.Fatalf("add: %v", err)
		}
		live = append(live, tx)
	}

	before := c.Snapshot()
	report, err := c.RecalculateAll(ctx, accs, live)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if report.Err() != nil || report.Rejected != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, a := range accs {
		want, _ := before.Get(a.ID)
		wantBalance(t, c, a.ID, want)
	}
}

func TestRecalculateReportsAndRepairsDrift(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a := account("EUR", "100")
	_ = c.RegisterAccounts(a)
	tx := expense(a, "10", 1)
	_ = c.Add(ctx, tx)

	// the repository also holds a transaction the coordinator never saw
	missed := expense(a, "5", 2)
	report, err := c.RecalculateAll(ctx, []ledger.Account{a}, []ledger.Transaction{tx, missed})
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(report.Mismatches) != 1 || !errors.Is(report.Err(), errs.ErrReconciliationMismatch) {
		t.Fatalf("expected one mismatch, got %+v", report)
	}
	wantBalance(t, c, a.ID, amt("EUR", "85"))

	if err := c.Remove(ctx, missed); err != nil {
		t.Fatalf("recalculated transactions must be removable: %v", err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "90"))
}

func TestColdStartRecalculateHasNoMismatches(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a := account("EUR", "0")
	_ = c.RegisterAccounts(a)
	report, err := c.RecalculateAll(ctx, []ledger.Account{a}, []ledger.Transaction{income(a, "3", 1)})
	if err != nil || len(report.Mismatches) != 0 {
		t.Fatalf("cold start: %+v %v", report, err)
	}
	wantBalance(t, c, a.ID, amt("EUR", "3"))
}

func TestRecalculateRejectsUnconvertible(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	usd := account("USD", "0")
	kzt := account("KZT", "0")
	report, err := c.RecalculateAll(ctx, []ledger.Account{usd, kzt}, []ledger.Transaction{
		transfer(usd, kzt, "1", 1),
		income(usd, "2", 2),
	})
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if report.Rejected != 1 {
		t.Fatalf("expected 1 rejected, got %d", report.Rejected)
	}
	wantBalance(t, c, usd.ID, amt("USD", "2"))
	wantBalance(t, c, kzt.ID, amt("KZT", "0"))
}
