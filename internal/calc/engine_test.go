package calc

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

func amt(curr, v string) money.Amount { return money.MustParseAmount(curr, v) }

func mustEqual(t *testing.T, got, want money.Amount) {
	t.Helper()
	c, err := got.Cmp(want)
	if err != nil || c != 0 {
		t.Fatalf("got %v, want %v (err=%v)", got, want, err)
	}
}

func transfer(from, to ledger.Account, amount money.Amount, target *money.Amount) ledger.Transaction {
	return ledger.Transaction{
		ID:        uuid.New(),
		Date:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Kind:      ledger.Transfer{TargetAccountID: to.ID, TargetAmount: target},
		Amount:    amount,
		AccountID: from.ID,
	}
}

func TestApplyRules(t *testing.T) {
	usd := ledger.Account{ID: uuid.New(), Currency: "USD"}
	kzt := ledger.Account{ID: uuid.New(), Currency: "KZT"}
	start := amt("USD", "1000")

	income := ledger.Transaction{ID: uuid.New(), Kind: ledger.Income{}, Amount: amt("USD", "25.10"), AccountID: usd.ID}
	got, err := Apply(income, start, usd, true)
	if err != nil {
		t.Fatalf("apply income: %v", err)
	}
	mustEqual(t, got, amt("USD", "1025.10"))

	expense := ledger.Transaction{ID: uuid.New(), Kind: ledger.Expense{}, Amount: amt("USD", "0.10"), AccountID: usd.ID}
	got, _ = Apply(expense, start, usd, true)
	mustEqual(t, got, amt("USD", "999.90"))

	target := amt("KZT", "45000")
	tr := transfer(usd, kzt, amt("USD", "100"), &target)
	got, _ = Apply(tr, start, usd, true)
	mustEqual(t, got, amt("USD", "900"))
	got, err = Apply(tr, amt("KZT", "500000"), kzt, false)
	if err != nil {
		t.Fatalf("apply target leg: %v", err)
	}
	mustEqual(t, got, amt("KZT", "545000"))
}

func TestTargetLegNeverReusesSourceAmount(t *testing.T) {
	usd := ledger.Account{ID: uuid.New(), Currency: "USD"}
	kzt := ledger.Account{ID: uuid.New(), Currency: "KZT"}
	target := amt("KZT", "45000")
	tr := transfer(usd, kzt, amt("USD", "100"), &target)
	// treating the target account as the source is caught by the currency check
	if _, err := Apply(tr, amt("KZT", "0"), kzt, true); !errors.Is(err, errs.ErrCurrencyMismatch) {
		t.Fatalf("expected currency mismatch, got %v", err)
	}
	same := ledger.Account{ID: uuid.New(), Currency: "USD"}
	sameTr := transfer(usd, same, amt("USD", "40"), nil)
	got, _ := Apply(sameTr, amt("USD", "0"), same, false)
	mustEqual(t, got, amt("USD", "40"))
}

func TestInvalidLegs(t *testing.T) {
	acc := ledger.Account{ID: uuid.New(), Currency: "USD"}
	for _, k := range []ledger.Kind{ledger.Income{}, ledger.Expense{}} {
		tx := ledger.Transaction{ID: uuid.New(), Kind: k, Amount: amt("USD", "1"), AccountID: acc.ID}
		if _, err := Apply(tx, amt("USD", "0"), acc, false); !errors.Is(err, errs.ErrInvalidLeg) {
			t.Fatalf("%T target leg: expected ErrInvalidLeg, got %v", k, err)
		}
	}
	if _, err := Apply(ledger.Transaction{Amount: amt("USD", "1")}, amt("USD", "0"), acc, true); !errors.Is(err, errs.ErrInvalidLeg) {
		t.Fatalf("expected ErrInvalidLeg for missing kind, got %v", err)
	}
}

func randomAmount(r *rand.Rand, curr string) money.Amount {
	return amt(curr, fmt.Sprintf("%d.%02d", r.Intn(1_000_000), r.Intn(100)))
}

// Revert(Apply(b)) == b for any tx, account, leg and starting balance.
func TestInverseProperty(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	usd := ledger.Account{ID: uuid.New(), Currency: "USD"}
	eur := ledger.Account{ID: uuid.New(), Currency: "EUR"}
	for i := 0; i < 2000; i++ {
		start := randomAmount(r, "USD")
		if r.Intn(2) == 0 {
			start = start.Neg()
		}
		var tx ledger.Transaction
		isSource := true
		acc := usd
		switch r.Intn(4) {
		case 0:
			tx = ledger.Transaction{ID: uuid.New(), Kind: ledger.Income{}, Amount: randomAmount(r, "USD"), AccountID: usd.ID}
		case 1:
			tx = ledger.Transaction{ID: uuid.New(), Kind: ledger.Expense{}, Amount: randomAmount(r, "USD"), AccountID: usd.ID}
		case 2:
			tx = transfer(usd, eur, randomAmount(r, "USD"), nil)
		default:
			target := randomAmount(r, "USD")
			tx = transfer(eur, usd, randomAmount(r, "EUR"), &target)
			isSource = false
		}
		applied, err := Apply(tx, start, acc, isSource)
		if err != nil {
			t.Fatalf("iteration %d apply: %v", i, err)
		}
		back, err := Revert(tx, applied, acc, isSource)
		if err != nil {
			t.Fatalf("iteration %d revert: %v", i, err)
		}
		mustEqual(t, back, start)
	}
}

// Both legs of a same-currency transfer net to zero across the two accounts.
func TestTransferConservation(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	a := ledger.Account{ID: uuid.New(), Currency: "GBP"}
	b := ledger.Account{ID: uuid.New(), Currency: "GBP"}
	for i := 0; i < 1000; i++ {
		balA, balB := randomAmount(r, "GBP"), randomAmount(r, "GBP")
		before, _ := balA.Add(balB)
		tx := transfer(a, b, randomAmount(r, "GBP"), nil)
		nextA, err := Apply(tx, balA, a, true)
		if err != nil {
			t.Fatalf("source leg: %v", err)
		}
		nextB, err := Apply(tx, balB, b, false)
		if err != nil {
			t.Fatalf("target leg: %v", err)
		}
		after, _ := nextA.Add(nextB)
		mustEqual(t, after, before)
	}
}

// Cross-currency: each currency changes by exactly its own leg.
func TestCrossCurrencyTransferPerCurrencyDeltas(t *testing.T) {
	usd := ledger.Account{ID: uuid.New(), Currency: "USD"}
	kzt := ledger.Account{ID: uuid.New(), Currency: "KZT"}
	target := amt("KZT", "45000")
	tx := transfer(usd, kzt, amt("USD", "100"), &target)
	dSrc, _ := Delta(tx, usd, true)
	dDst, _ := Delta(tx, kzt, false)
	mustEqual(t, dSrc, amt("USD", "-100"))
	mustEqual(t, dDst, amt("KZT", "45000"))
}
