package importer

import (
	"errors"
	"testing"
	"time"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"1,234.56":  "1234.56",
		"1.234,56":  "1234.56",
		"-3,20":     "-3.20",
		" 12 000 ":  "12000",
		"+7":        "7",
		"1_000.5":   "1000.5",
		"1'000.00":  "1000.00",
		"1,000,000": "1,000,000",
	}
	for in, want := range cases {
		if got := normalizeAmount(in); got != want {
			t.Fatalf("normalizeAmount(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRow(t *testing.T) {
	opts := Options{}.withDefaults()
	p, rerr := parseRow(RawRow{Line: 3, Date: "05.02.2024", Amount: "-42,10", Currency: "eur", Account: "Checking"}, opts)
	if rerr != nil {
		t.Fatalf("parse: %v", rerr)
	}
	if p.typ != ledger.TypeExpense || p.amount.Decimal().String() != "42.10" || p.amount.Curr().Code() != "EUR" {
		t.Fatalf("unexpected parse %+v", p)
	}
	if !p.date.Equal(time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date %v", p.date)
	}

	p, rerr = parseRow(RawRow{Date: "2024-02-05", Type: "deposit", Amount: "10", Account: "Checking"}, opts)
	if rerr != nil || p.typ != ledger.TypeIncome || p.amount.Curr().Code() != "USD" {
		t.Fatalf("default currency / alias: %+v %v", p, rerr)
	}
}

func TestParseRowErrors(t *testing.T) {
	opts := Options{}.withDefaults()
	cases := []struct {
		name  string
		row   RawRow
		field string
	}{
		{"date", RawRow{Date: "yesterday", Amount: "1", Account: "a"}, "date"},
		{"amount", RawRow{Date: "2024-01-01", Amount: "abc", Account: "a"}, "amount"},
		{"zero", RawRow{Date: "2024-01-01", Amount: "0.00", Account: "a"}, "amount"},
		{"currency", RawRow{Date: "2024-01-01", Amount: "1", Currency: "EURO", Account: "a"}, "currency"},
		{"type", RawRow{Date: "2024-01-01", Type: "gift", Amount: "1", Account: "a"}, "type"},
		{"account", RawRow{Date: "2024-01-01", Amount: "1"}, "account"},
		{"transfer", RawRow{Date: "2024-01-01", Type: "transfer", Amount: "1", Account: "A", TargetAccount: " a "}, "target_account"},
	}
	for _, tc := range cases {
		_, rerr := parseRow(tc.row, opts)
		if rerr == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if rerr.Field != tc.field || !errors.Is(rerr, errs.ErrValidation) {
			t.Fatalf("%s: got field %q kind %v", tc.name, rerr.Field, rerr.Kind)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateCommitting.String() != "committing" || State(99).String() != "state(99)" {
		t.Fatalf("state names")
	}
}
