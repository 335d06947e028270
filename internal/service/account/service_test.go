package account_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/account"
	"github.com/tinoosan/tally/internal/service/balance"
	"github.com/tinoosan/tally/internal/storage/memory"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func setup() (account.Service, *balance.Coordinator, *memory.Store) {
	st := memory.New()
	bal := balance.New(balance.WithLogger(quiet))
	return account.New(st, st, bal, quiet), bal, st
}

func TestCreateRegistersOpeningBalance(t *testing.T) {
	ctx := context.Background()
	svc, bal, _ := setup()
	a, err := svc.Create(ctx, ledger.Account{Name: "Checking", Currency: "eur", InitialBalance: money.MustParseAmount("EUR", "25")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Currency != "EUR" || a.Mode != ledger.ModeComputed || !a.Active {
		t.Fatalf("unexpected account %+v", a)
	}
	got, ok := bal.Balance(a.ID)
	if !ok || got.Decimal().Trim(0).String() != "25" {
		t.Fatalf("balance not registered: %v %v", got, ok)
	}
	if _, err := svc.Create(ctx, ledger.Account{Name: "  checking ", Currency: "EUR"}); !errors.Is(err, account.ErrNameExists) {
		t.Fatalf("expected name conflict, got %v", err)
	}
}

func TestValidateCreate(t *testing.T) {
	svc, _, _ := setup()
	cases := map[string]ledger.Account{
		"no name":     {Currency: "EUR"},
		"no currency": {Name: "x"},
		"bad mode":    {Name: "x", Currency: "EUR", Mode: "weird"},
		"opening":     {Name: "x", Currency: "EUR", InitialBalance: money.MustParseAmount("USD", "1")},
	}
	for name, a := range cases {
		if err := svc.ValidateCreate(a); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	svc, _, st := setup()
	_, items, err := svc.EnsureAccountsBatch(ctx, []ledger.Account{
		{Name: "A", Currency: "EUR"},
		{Name: "a", Currency: "EUR"},
	})
	if err != nil || len(items) != 2 {
		t.Fatalf("expected two conflict items, got %v %v", items, err)
	}
	if as, _ := st.ListAccounts(ctx); len(as) != 0 {
		t.Fatalf("nothing should be created")
	}
	created, items, err := svc.EnsureAccountsBatch(ctx, []ledger.Account{{Name: "A", Currency: "EUR"}, {Name: "B", Currency: "USD"}})
	if err != nil || len(items) != 0 || len(created) != 2 {
		t.Fatalf("batch: %v %v %v", created, items, err)
	}
}

func TestModeAndManualBalance(t *testing.T) {
	ctx := context.Background()
	svc, bal, _ := setup()
	a, _ := svc.Create(ctx, ledger.Account{Name: "Cash", Currency: "EUR"})
	if err := svc.SetManualBalance(ctx, a.ID, money.MustParseAmount("EUR", "5")); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := svc.SetMode(ctx, a.ID, ledger.ModeManual); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if tracked, _ := bal.Account(a.ID); tracked.Mode != ledger.ModeManual {
		t.Fatalf("mode not mirrored: %s", tracked.Mode)
	}
	if err := svc.SetManualBalance(ctx, a.ID, money.MustParseAmount("EUR", "5")); err != nil {
		t.Fatalf("manual balance: %v", err)
	}
	if got, _ := bal.Balance(a.ID); got.Decimal().Trim(0).String() != "5" {
		t.Fatalf("balance %s", got)
	}
}

func TestManualBalancePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	svc, _, st := setup()
	a, _ := svc.Create(ctx, ledger.Account{Name: "Cash", Currency: "EUR", InitialBalance: money.MustParseAmount("EUR", "10")})
	if _, err := svc.SetMode(ctx, a.ID, ledger.ModeManual); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := svc.SetManualBalance(ctx, a.ID, money.MustParseAmount("USD", "77")); !errors.Is(err, errs.ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
	if err := svc.SetManualBalance(ctx, a.ID, money.MustParseAmount("EUR", "77")); err != nil {
		t.Fatalf("manual balance: %v", err)
	}

	// a new process replays the same store into an empty table
	restarted := balance.New(balance.WithLogger(quiet))
	accounts, _ := st.ListAccounts(ctx)
	txs, _ := st.Load(ctx)
	if _, err := restarted.RecalculateAll(ctx, accounts, txs); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if got, _ := restarted.Balance(a.ID); got.Decimal().Trim(0).String() != "77" {
		t.Fatalf("manual balance after cold start = %s, want 77", got)
	}
}

func TestLeavingManualModeRederives(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	bal := balance.New(balance.WithLogger(quiet))
	svc := account.New(st, st, bal, quiet, account.WithTransactions(st))
	a, _ := svc.Create(ctx, ledger.Account{Name: "Cash", Currency: "EUR", InitialBalance: money.MustParseAmount("EUR", "40")})
	if _, err := bal.RecalculateAll(ctx, []ledger.Account{a}, nil); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if _, err := svc.SetMode(ctx, a.ID, ledger.ModeManual); err != nil {
		t.Fatalf("to manual: %v", err)
	}
	_ = svc.SetManualBalance(ctx, a.ID, money.MustParseAmount("EUR", "900"))
	updated, err := svc.SetMode(ctx, a.ID, ledger.ModeComputed)
	if err != nil {
		t.Fatalf("to computed: %v", err)
	}
	if updated.ManualBalance != nil {
		t.Fatalf("computed account keeps a manual balance")
	}
	if got, _ := bal.Balance(a.ID); got.Decimal().Trim(0).String() != "40" {
		t.Fatalf("balance after leaving manual = %s, want 40", got)
	}
	accounts, _ := st.ListAccounts(ctx)
	report, err := bal.RecalculateAll(ctx, accounts, nil)
	if err != nil || len(report.Mismatches) != 0 {
		t.Fatalf("unexpected drift: %+v %v", report, err)
	}
}

func TestUpdateKeepsCurrencyImmutable(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup()
	a, _ := svc.Create(ctx, ledger.Account{Name: "Cash", Currency: "EUR"})
	a.Currency = "USD"
	if _, err := svc.Update(ctx, a); !errors.Is(err, errs.ErrImmutable) {
		t.Fatalf("expected immutable, got %v", err)
	}
	a.Currency = "EUR"
	a.Name = "Wallet"
	got, err := svc.Update(ctx, a)
	if err != nil || got.Name != "Wallet" {
		t.Fatalf("update: %+v %v", got, err)
	}
	if err := svc.Deactivate(ctx, a.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got, _ := svc.Get(ctx, a.ID); got.Active {
		t.Fatalf("still active")
	}
}
