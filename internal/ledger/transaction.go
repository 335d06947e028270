package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/meta"
)

// TransactionType names the kind of a transaction on the wire and in storage.
type TransactionType string

const (
	TypeIncome   TransactionType = "income"
	TypeExpense  TransactionType = "expense"
	TypeTransfer TransactionType = "internal_transfer"
)

// ParseType accepts the canonical names plus the spellings bank exports use.
func ParseType(s string) (TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "income", "in", "credit", "deposit":
		return TypeIncome, nil
	case "expense", "out", "debit", "withdrawal", "payment":
		return TypeExpense, nil
	case "internal_transfer", "internaltransfer", "transfer", "internal transfer":
		return TypeTransfer, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// Kind is the closed set of transaction kinds. Only Transfer carries target
// fields, so a non-transfer with a target account cannot be constructed.
type Kind interface {
	Type() TransactionType
	isKind()
}

// Income credits the owning account.
type Income struct{}

// Expense debits the owning account.
type Expense struct{}

// Transfer moves value from the owning account to TargetAccountID.
// TargetAmount is set when the target account uses a different currency.
type Transfer struct {
	TargetAccountID uuid.UUID
	TargetAmount    *money.Amount
}

func (Income) Type() TransactionType   { return TypeIncome }
func (Expense) Type() TransactionType  { return TypeExpense }
func (Transfer) Type() TransactionType { return TypeTransfer }
func (Income) isKind()                 {}
func (Expense) isKind()                {}
func (Transfer) isKind()               {}

// Transaction is an immutable ledger record. Edits replace the whole value.
type Transaction struct {
	ID          uuid.UUID
	Date        time.Time
	Kind        Kind
	Amount      money.Amount
	AccountID   uuid.UUID
	Category    string
	Subcategory string
	Description string
	CreatedAt   time.Time
	Metadata    meta.Metadata `json:"metadata,omitempty"`
}

// Leg is one side of a transaction as seen by a single account.
type Leg struct {
	AccountID uuid.UUID
	IsSource  bool
}

var (
	ErrMissingKind      = errors.New("transaction kind is required")
	ErrNonPositive      = errors.New("amount must be > 0")
	ErrTransferAccounts = errors.New("transfer requires distinct source and target accounts")
	ErrTargetAmount     = errors.New("transfer target amount must be > 0")
	ErrTargetSameCurr   = errors.New("same-currency transfer target amount must equal amount")
)

// Type returns the kind's type, or "" for a zero transaction.
func (t Transaction) Type() TransactionType {
	if t.Kind == nil {
		return ""
	}
	return t.Kind.Type()
}

// Currency is the nominal currency of Amount.
func (t Transaction) Currency() string { return t.Amount.Curr().Code() }

// AsTransfer returns the transfer payload when t is a transfer.
func (t Transaction) AsTransfer() (Transfer, bool) {
	tr, ok := t.Kind.(Transfer)
	return tr, ok
}

// TargetAmount is what the receiving account gains: the explicit target
// amount for cross-currency transfers, otherwise Amount.
func (t Transaction) TargetAmount() money.Amount {
	if tr, ok := t.AsTransfer(); ok && tr.TargetAmount != nil {
		return *tr.TargetAmount
	}
	return t.Amount
}

// Legs lists the accounts t touches: one for income/expense, two for transfers.
func (t Transaction) Legs() []Leg {
	legs := []Leg{{AccountID: t.AccountID, IsSource: true}}
	if tr, ok := t.AsTransfer(); ok {
		legs = append(legs, Leg{AccountID: tr.TargetAccountID, IsSource: false})
	}
	return legs
}

// Touches reports whether accountID is on either leg.
func (t Transaction) Touches(accountID uuid.UUID) bool {
	for _, l := range t.Legs() {
		if l.AccountID == accountID {
			return true
		}
	}
	return false
}

// Period is the calendar month the transaction is bucketed into.
func (t Transaction) Period() Period { return PeriodOf(t.Date) }

// Less orders by date, then CreatedAt, then ID.
func (t Transaction) Less(o Transaction) bool {
	if !t.Date.Equal(o.Date) {
		return t.Date.Before(o.Date)
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID.String() < o.ID.String()
}

// Validate checks the structural invariants of a transaction.
func (t Transaction) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	}
	if t.Kind == nil {
		return ErrMissingKind
	}
	if t.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidTransaction)
	}
	if !t.Amount.IsPos() {
		return ErrNonPositive
	}
	tr, ok := t.AsTransfer()
	if !ok {
		return nil
	}
	if t.AccountID == uuid.Nil || tr.TargetAccountID == uuid.Nil || t.AccountID == tr.TargetAccountID {
		return ErrTransferAccounts
	}
	if tr.TargetAmount != nil {
		if !tr.TargetAmount.IsPos() {
			return ErrTargetAmount
		}
		if tr.TargetAmount.Curr() == t.Amount.Curr() {
			if c, err := tr.TargetAmount.Cmp(t.Amount); err != nil || c != 0 {
				return ErrTargetSameCurr
			}
		}
	}
	return nil
}

// ErrInvalidTransaction wraps structural problems without a dedicated sentinel.
var ErrInvalidTransaction = errors.New("invalid transaction")

// DateOf truncates t to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Zero returns a zero amount in curr.
func Zero(curr string) (money.Amount, error) { return money.NewAmount(curr, 0, 0) }
