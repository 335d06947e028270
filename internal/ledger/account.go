package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/meta"
)

// CalculationMode controls whether an account's balance is derived from transactions.
type CalculationMode string

const (
	// ModeComputed derives the balance as InitialBalance plus all transaction deltas.
	ModeComputed CalculationMode = "computed"
	// ModeManual balances are set directly and never derived from transactions.
	ModeManual CalculationMode = "manual"
	// ModeImportedPreserve behaves like computed but bulk operations must not
	// demote it to manual.
	ModeImportedPreserve CalculationMode = "imported_preserve"
)

// Derived reports whether transactions drive the balance.
func (m CalculationMode) Derived() bool {
	return m == ModeComputed || m == ModeImportedPreserve || m == ""
}

func ParseMode(s string) (CalculationMode, error) {
	switch CalculationMode(s) {
	case ModeComputed, ModeManual, ModeImportedPreserve:
		return CalculationMode(s), nil
	}
	return "", fmt.Errorf("%w: unknown calculation mode %q", errs.ErrInvalid, s)
}

// Account is a balance-carrying record. It never holds its transactions;
// those reference it by ID.
type Account struct {
	ID             uuid.UUID
	Name           string
	Currency       string
	InitialBalance money.Amount
	Mode           CalculationMode
	// ManualBalance is the directly set balance of a manual account. It is
	// nil until one is set.
	ManualBalance *money.Amount
	Active         bool
	Metadata       meta.Metadata `json:"metadata,omitempty"`
}

// Opening returns the initial balance expressed in the account currency.
// A zero-valued InitialBalance is treated as zero in that currency.
func (a Account) Opening() (money.Amount, error) {
	if a.InitialBalance.Curr().Code() == a.Currency {
		return a.InitialBalance, nil
	}
	if a.InitialBalance.IsZero() {
		return Zero(a.Currency)
	}
	return money.Amount{}, fmt.Errorf("%w: account %s is %s, initial balance is %s",
		errs.ErrCurrencyMismatch, a.ID, a.Currency, a.InitialBalance.Curr().Code())
}

// Manual returns the persisted manual balance when one is set in the account
// currency.
func (a Account) Manual() (money.Amount, bool) {
	if a.ManualBalance == nil || a.ManualBalance.Curr().Code() != a.Currency {
		return money.Amount{}, false
	}
	return *a.ManualBalance, true
}

// Category is a user-visible spending/income bucket.
type Category struct {
	ID   uuid.UUID
	Name string
	Type TransactionType
}

// Subcategory refines a Category.
type Subcategory struct {
	ID         uuid.UUID
	CategoryID uuid.UUID
	Name       string
}
