// Package dictionary holds the curated default categories offered to new
// ledgers and used to canonicalise category names created during import.
package dictionary

import (
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/slug"
)

type CategoryDef struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

var curated = map[ledger.TransactionType][]CategoryDef{
	ledger.TypeExpense: {
		{Code: "groceries", Label: "Groceries"},
		{Code: "eating_out", Label: "Eating Out"},
		{Code: "rent", Label: "Rent"},
		{Code: "utilities", Label: "Utilities"},
		{Code: "transport", Label: "Transport"},
		{Code: "shopping", Label: "Shopping"},
		{Code: "entertainment", Label: "Entertainment"},
		{Code: "health", Label: "Health"},
		{Code: "travel", Label: "Travel"},
		{Code: "gifts", Label: "Gifts"},
		{Code: "personal_care", Label: "Personal Care"},
		{Code: "general", Label: "General"},
	},
	ledger.TypeIncome: {
		{Code: "salary", Label: "Salary"},
		{Code: "interest", Label: "Interest"},
		{Code: "refund", Label: "Refund"},
		{Code: "other_income", Label: "Other Income"},
	},
}

// Lookup finds the curated definition whose code matches name once slugified.
func Lookup(t ledger.TransactionType, name string) (CategoryDef, bool) {
	code := slug.Slugify(name)
	for _, d := range curated[t] {
		if d.Code == code {
			return d, true
		}
	}
	return CategoryDef{}, false
}

// Canonical returns the curated label for name, or name unchanged.
func Canonical(t ledger.TransactionType, name string) string {
	if d, ok := Lookup(t, name); ok {
		return d.Label
	}
	return name
}

// CategoriesFor lists curated categories; nil means all types.
func CategoriesFor(t *ledger.TransactionType) []CategoryDef {
	if t == nil {
		out := make([]CategoryDef, 0)
		for _, typ := range []ledger.TransactionType{ledger.TypeExpense, ledger.TypeIncome} {
			out = append(out, curated[typ]...)
		}
		return out
	}
	return curated[*t]
}
