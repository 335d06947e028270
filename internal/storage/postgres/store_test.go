package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/aggregate"
)

func getTestDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping Postgres store tests")
	}
	return dsn
}

// openClean migrates the schema and empties every table.
func openClean(t *testing.T) *Store {
	t.Helper()
	dsn := getTestDSN(t)
	if err := RunMigrations(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(s.Close)
	if _, err := s.pool.Exec(ctx, `truncate table transactions, subcategories, categories, accounts, category_monthly, monthly cascade`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/tally":   "pgx5://u:p@db:5432/tally",
		"postgresql://u:p@db:5432/tally": "pgx5://u:p@db:5432/tally",
		"pgx5://db/tally":                "pgx5://db/tally",
	}
	for in, want := range cases {
		if got := migrateURL(in); got != want {
			t.Fatalf("migrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStore_AccountsAndTransactions(t *testing.T) {
	s := openClean(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	usd := ledger.Account{ID: uuid.New(), Name: "Checking", Currency: "USD", InitialBalance: money.MustParseAmount("USD", "1000"), Mode: ledger.ModeComputed, Active: true}
	kzt := ledger.Account{ID: uuid.New(), Name: "Tenge", Currency: "KZT", InitialBalance: money.MustParseAmount("KZT", "500000"), Mode: ledger.ModeImportedPreserve, Active: true}
	if _, err := s.CreateAccounts(ctx, []ledger.Account{usd, kzt}); err != nil {
		t.Fatalf("create accounts: %v", err)
	}
	if _, err := s.CreateAccount(ctx, usd); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("duplicate account err = %v, want conflict", err)
	}
	got, err := s.GetAccount(ctx, kzt.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Mode != ledger.ModeImportedPreserve {
		t.Fatalf("mode = %s", got.Mode)
	}
	if c, _ := got.InitialBalance.Cmp(kzt.InitialBalance); c != 0 {
		t.Fatalf("initial balance = %s", got.InitialBalance)
	}
	got.Mode = ledger.ModeManual
	if _, err := s.UpdateAccount(ctx, got); err != nil {
		t.Fatalf("update account: %v", err)
	}
	if _, err := s.GetAccount(ctx, uuid.New()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing account err = %v", err)
	}

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	target := money.MustParseAmount("KZT", "45000")
	txs := []ledger.Transaction{
		{ID: uuid.New(), Date: day, Kind: ledger.Expense{}, Amount: money.MustParseAmount("USD", "12.50"), AccountID: usd.ID, Category: "Groceries", CreatedAt: day},
		{ID: uuid.New(), Date: day.AddDate(0, 0, -1), Kind: ledger.Transfer{TargetAccountID: kzt.ID, TargetAmount: &target}, Amount: money.MustParseAmount("USD", "100"), AccountID: usd.ID, CreatedAt: day},
	}
	if err := s.SaveBatch(ctx, txs); err != nil {
		t.Fatalf("save batch: %v", err)
	}
	// the second batch repeats an ID, so nothing from it may land
	extra := ledger.Transaction{ID: uuid.New(), Date: day, Kind: ledger.Income{}, Amount: money.MustParseAmount("USD", "5"), AccountID: usd.ID, CreatedAt: day}
	if err := s.SaveBatch(ctx, []ledger.Transaction{extra, txs[0]}); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("conflicting batch err = %v", err)
	}
	all, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("loaded %d transactions, want 2", len(all))
	}
	if all[0].ID != txs[1].ID {
		t.Fatalf("load not in date order")
	}
	tr, ok := all[0].AsTransfer()
	if !ok || tr.TargetAccountID != kzt.ID || tr.TargetAmount == nil {
		t.Fatalf("transfer round trip: %+v", all[0])
	}
	if c, _ := tr.TargetAmount.Cmp(target); c != 0 {
		t.Fatalf("target amount = %s", tr.TargetAmount)
	}

	from := day
	ranged, err := s.ListTransactions(ctx, &from, nil)
	if err != nil || len(ranged) != 1 {
		t.Fatalf("ranged list = %d, %v", len(ranged), err)
	}

	upd := all[1]
	upd.Amount = money.MustParseAmount("USD", "20")
	upd.Category = "Dining"
	if _, err := s.UpdateTransaction(ctx, upd); err != nil {
		t.Fatalf("update tx: %v", err)
	}
	back, err := s.GetTransaction(ctx, upd.ID)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if back.Category != "Dining" || back.Amount.Decimal().Trim(0).String() != "20" {
		t.Fatalf("updated tx = %+v", back)
	}
	if err := s.Delete(ctx, upd.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, upd.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestStore_Aggregates(t *testing.T) {
	s := openClean(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	series := aggregate.Series{Type: ledger.TypeExpense, Category: aggregate.CategoryKey("Groceries"), Currency: "USD"}
	jan := ledger.Period{Year: 2024, Month: time.January}
	for i, v := range []string{"10", "20", "30"} {
		adj := aggregate.Adjustment{Series: series, Period: jan.AddMonths(i), Amount: money.MustParseAmount("USD", v), Sign: 1}
		if err := s.Adjust(ctx, adj); err != nil {
			t.Fatalf("adjust %d: %v", i, err)
		}
	}
	buckets, err := s.FetchRange(ctx, aggregate.CategoryQuery{Type: ledger.TypeExpense, Category: "groceries", From: jan, To: jan.AddMonths(1), Currency: "USD"})
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Period != jan || buckets[1].Period != jan.AddMonths(1) || buckets[1].Count != 1 {
		t.Fatalf("range buckets = %+v", buckets)
	}
	total, err := aggregate.Sum("USD", buckets)
	if err != nil || total.Decimal().Trim(0).String() != "30" {
		t.Fatalf("range total = %s, want 30 (%v)", total, err)
	}

	under := aggregate.Adjustment{Series: series, Period: jan, Amount: money.MustParseAmount("USD", "11"), Sign: -1}
	if err := s.Adjust(ctx, under); !errors.Is(err, errs.ErrNotApplied) {
		t.Fatalf("negative decrement err = %v", err)
	}
	undo := aggregate.Adjustment{Series: series, Period: jan, Amount: money.MustParseAmount("USD", "10"), Sign: -1}
	if err := s.Adjust(ctx, undo); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	months, err := s.FetchMonthly(ctx, jan, jan.AddMonths(11), "USD")
	if err != nil {
		t.Fatalf("fetch monthly: %v", err)
	}
	if len(months) != 2 {
		t.Fatalf("months = %d, want 2 after emptying January", len(months))
	}

	if err := s.Replace(ctx, nil, nil); err != nil {
		t.Fatalf("replace: %v", err)
	}
	cats, ms, err := s.Buckets(ctx)
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if len(cats) != 0 || len(ms) != 0 {
		t.Fatalf("buckets after replace = %d/%d", len(cats), len(ms))
	}
}
