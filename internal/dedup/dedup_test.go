package dedup

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/ledger"
)

func tx(date time.Time, v, category, desc string) ledger.Transaction {
	return ledger.Transaction{
		ID:          uuid.New(),
		Date:        date,
		Kind:        ledger.Expense{},
		Amount:      money.MustParseAmount("EUR", v),
		AccountID:   uuid.New(),
		Category:    category,
		Description: desc,
	}
}

func TestFingerprintIgnoresDescriptionAndCase(t *testing.T) {
	d := time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)
	a := Of(tx(d, "12.50", "Groceries", "LIDL 123"))
	b := Of(tx(d.Add(5*time.Hour), "12.5", "  groceries ", "Lidl store"))
	if a != b {
		t.Fatalf("expected equal fingerprints:\n%v\n%v", a, b)
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("digests differ")
	}
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	d := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	base := tx(d, "10", "Food", "")
	cases := map[string]ledger.Transaction{
		"date":     tx(d.AddDate(0, 0, 1), "10", "Food", ""),
		"amount":   tx(d, "10.01", "Food", ""),
		"category": tx(d, "10", "Rent", ""),
	}
	income := base
	income.Kind = ledger.Income{}
	cases["type"] = income
	usd := base
	usd.Amount = money.MustParseAmount("USD", "10")
	cases["currency"] = usd

	for name, other := range cases {
		if Of(base) == Of(other) {
			t.Fatalf("%s: fingerprints should differ", name)
		}
	}
}

func TestIndexIdempotent(t *testing.T) {
	d := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	existing := []ledger.Transaction{tx(d, "1", "a", ""), tx(d, "2", "a", ""), tx(d, "1", "A", "dup")}
	idx := Build(existing)
	if idx.Len() != 2 {
		t.Fatalf("expected 2 distinct fingerprints, got %d", idx.Len())
	}
	fp := Of(tx(d, "3", "a", ""))
	if idx.Contains(fp) {
		t.Fatalf("unexpected hit")
	}
	if !idx.Add(fp) || idx.Add(fp) {
		t.Fatalf("Add should report new only once")
	}
	if idx.Len() != 3 {
		t.Fatalf("len %d", idx.Len())
	}
}
