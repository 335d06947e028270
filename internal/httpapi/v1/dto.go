package v1

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/meta"
	"github.com/tinoosan/tally/internal/service/aggregate"
	"github.com/tinoosan/tally/internal/service/balance"
)

// Amounts travel as decimal strings so no precision is lost in JSON.

type postAccountRequest struct {
	Name           string            `json:"name"`
	Currency       string            `json:"currency"`
	InitialBalance string            `json:"initial_balance,omitempty"`
	Mode           string            `json:"mode,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// patchAccountRequest carries optional edits; nil fields are left alone.
type patchAccountRequest struct {
	Name           *string            `json:"name,omitempty"`
	Mode           *string            `json:"mode,omitempty"`
	InitialBalance *string            `json:"initial_balance,omitempty"`
	ManualBalance  *string            `json:"manual_balance,omitempty"`
	Metadata       *map[string]string `json:"metadata,omitempty"`
}

type accountResponse struct {
	ID             uuid.UUID              `json:"id"`
	Name           string                 `json:"name"`
	Currency       string                 `json:"currency"`
	InitialBalance string                 `json:"initial_balance"`
	Mode           ledger.CalculationMode `json:"mode"`
	Active         bool                   `json:"active"`
	Balance        *string                `json:"balance,omitempty"`
	Metadata       meta.Metadata          `json:"metadata,omitempty"`
}

type transactionRequest struct {
	Date            string            `json:"date"`
	Type            string            `json:"type"`
	Amount          string            `json:"amount"`
	Currency        string            `json:"currency,omitempty"`
	AccountID       uuid.UUID         `json:"account_id"`
	TargetAccountID *uuid.UUID        `json:"target_account_id,omitempty"`
	TargetAmount    string            `json:"target_amount,omitempty"`
	TargetCurrency  string            `json:"target_currency,omitempty"`
	Category        string            `json:"category,omitempty"`
	Subcategory     string            `json:"subcategory,omitempty"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type transactionResponse struct {
	ID              uuid.UUID              `json:"id"`
	Date            string                 `json:"date"`
	Type            ledger.TransactionType `json:"type"`
	Amount          string                 `json:"amount"`
	Currency        string                 `json:"currency"`
	AccountID       uuid.UUID              `json:"account_id"`
	TargetAccountID *uuid.UUID             `json:"target_account_id,omitempty"`
	TargetAmount    *string                `json:"target_amount,omitempty"`
	TargetCurrency  string                 `json:"target_currency,omitempty"`
	Category        string                 `json:"category,omitempty"`
	Subcategory     string                 `json:"subcategory,omitempty"`
	Description     string                 `json:"description,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	Metadata        meta.Metadata          `json:"metadata,omitempty"`
}

type balanceItem struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
}

type balancesResponse struct {
	Version  uint64        `json:"version"`
	Balances []balanceItem `json:"balances"`
}

type categoryMonthResponse struct {
	Period string `json:"period"`
	Total  string `json:"total"`
	Count  int    `json:"count"`
}

type monthResponse struct {
	Period   string `json:"period"`
	Currency string `json:"currency"`
	Income   string `json:"income"`
	Expense  string `json:"expense"`
	Net      string `json:"net"`
	Count    int    `json:"count"`
}

type mismatchResponse struct {
	AccountID    uuid.UUID `json:"account_id"`
	Incremental  string    `json:"incremental"`
	Recalculated string    `json:"recalculated"`
}

type reconcileResponse struct {
	Accounts       int                `json:"accounts"`
	Transactions   int                `json:"transactions"`
	Rejected       int                `json:"rejected"`
	Mismatches     []mismatchResponse `json:"mismatches"`
	AggregateDrift int                `json:"aggregate_drift"`
}

func amountString(a money.Amount) string { return a.Decimal().String() }

// parseAmount reads a decimal string in curr; an empty string is zero.
func parseAmount(curr, raw string) (money.Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ledger.Zero(curr)
	}
	a, err := money.ParseAmount(curr, raw)
	if err != nil {
		return money.Amount{}, fmt.Errorf("%w: amount %q in %s", errs.ErrInvalid, raw, curr)
	}
	return a, nil
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q: want YYYY-MM-DD or RFC3339", errs.ErrInvalid, raw)
}

func toAccountResponse(a ledger.Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Name:           a.Name,
		Currency:       a.Currency,
		InitialBalance: amountString(a.InitialBalance),
		Mode:           a.Mode,
		Active:         a.Active,
		Metadata:       a.Metadata,
	}
}

func toTransactionResponse(tx ledger.Transaction) transactionResponse {
	out := transactionResponse{
		ID:          tx.ID,
		Date:        tx.Date.Format("2006-01-02"),
		Type:        tx.Type(),
		Amount:      amountString(tx.Amount),
		Currency:    tx.Currency(),
		AccountID:   tx.AccountID,
		Category:    tx.Category,
		Subcategory: tx.Subcategory,
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt,
		Metadata:    tx.Metadata,
	}
	if tr, ok := tx.AsTransfer(); ok {
		target := tr.TargetAccountID
		out.TargetAccountID = &target
		if tr.TargetAmount != nil {
			amt := amountString(*tr.TargetAmount)
			out.TargetAmount = &amt
			out.TargetCurrency = tr.TargetAmount.Curr().Code()
		}
	}
	return out
}

func toBalancesResponse(snap balance.Snapshot) balancesResponse {
	out := balancesResponse{Version: snap.Version, Balances: make([]balanceItem, 0, len(snap.Balances))}
	for id, b := range snap.Balances {
		out.Balances = append(out.Balances, balanceItem{AccountID: id, Balance: amountString(b), Currency: b.Curr().Code()})
	}
	sort.Slice(out.Balances, func(i, j int) bool {
		return out.Balances[i].AccountID.String() < out.Balances[j].AccountID.String()
	})
	return out
}

func toMonthResponse(b aggregate.MonthBucket) monthResponse {
	out := monthResponse{
		Period:   b.Period.String(),
		Currency: b.Currency,
		Income:   amountString(b.Income),
		Expense:  amountString(b.Expense),
		Count:    b.Count,
	}
	if net, err := b.Net(); err == nil {
		out.Net = amountString(net)
	}
	return out
}

func toReconcileResponse(report balance.Report, drift int) reconcileResponse {
	out := reconcileResponse{
		Accounts:       report.Accounts,
		Transactions:   report.Transactions,
		Rejected:       report.Rejected,
		Mismatches:     make([]mismatchResponse, 0, len(report.Mismatches)),
		AggregateDrift: drift,
	}
	for _, m := range report.Mismatches {
		out.Mismatches = append(out.Mismatches, mismatchResponse{
			AccountID:    m.AccountID,
			Incremental:  amountString(m.Incremental),
			Recalculated: amountString(m.Recalculated),
		})
	}
	return out
}
