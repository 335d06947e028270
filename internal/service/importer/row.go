package importer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/slug"
)

// RawRow is one pre-tokenised input row. Line is the 1-based position in
// the source and is echoed in row errors.
type RawRow struct {
	Line           int    `json:"line"`
	Date           string `json:"date"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency,omitempty"`
	Account        string `json:"account"`
	TargetAccount  string `json:"target_account,omitempty"`
	TargetAmount   string `json:"target_amount,omitempty"`
	TargetCurrency string `json:"target_currency,omitempty"`
	Category       string `json:"category,omitempty"`
	Subcategory    string `json:"subcategory,omitempty"`
	Description    string `json:"description,omitempty"`
}

// RowSource streams rows. Next returns io.EOF after the last row.
type RowSource interface {
	Next(ctx context.Context) (RawRow, error)
}

type sliceSource struct {
	rows []RawRow
	pos  int
}

// Rows returns a RowSource over rows. Rows without a Line are numbered by
// position.
func Rows(rows ...RawRow) RowSource { return &sliceSource{rows: rows} }

func (s *sliceSource) Next(context.Context) (RawRow, error) {
	if s.pos >= len(s.rows) {
		return RawRow{}, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	if r.Line == 0 {
		r.Line = s.pos
	}
	return r, nil
}

// DefaultDateLayouts are tried in order when Options.DateLayouts is empty.
var DefaultDateLayouts = []string{"2006-01-02", time.RFC3339, "2006/01/02", "02.01.2006", "02/01/2006"}

// parsedRow is a row that passed validation; names are still unresolved.
type parsedRow struct {
	line           int
	date           time.Time
	typ            ledger.TransactionType
	amount         money.Amount
	account        string
	targetAccount  string
	targetAmount   string
	targetCurrency string
	category       string
	subcategory    string
	description    string
}

func invalid(line int, field, value string, err error) *errs.RowError {
	return &errs.RowError{Row: line, Kind: errs.ErrValidation, Field: field, Value: value, Err: err}
}

func parseRow(r RawRow, opts Options) (parsedRow, *errs.RowError) {
	p := parsedRow{
		line:           r.Line,
		account:        strings.TrimSpace(r.Account),
		targetAccount:  strings.TrimSpace(r.TargetAccount),
		targetAmount:   strings.TrimSpace(r.TargetAmount),
		targetCurrency: strings.ToUpper(strings.TrimSpace(r.TargetCurrency)),
		category:       strings.TrimSpace(r.Category),
		subcategory:    strings.TrimSpace(r.Subcategory),
		description:    strings.TrimSpace(r.Description),
	}

	date, err := parseDate(r.Date, opts.DateLayouts)
	if err != nil {
		return p, invalid(r.Line, "date", r.Date, err)
	}
	p.date = date

	curr := strings.ToUpper(strings.TrimSpace(r.Currency))
	if curr == "" {
		curr = opts.DefaultCurrency
	}
	if _, err := money.ParseCurr(curr); err != nil {
		return p, invalid(r.Line, "currency", r.Currency, err)
	}
	raw := normalizeAmount(r.Amount)
	if raw == "" {
		return p, invalid(r.Line, "amount", r.Amount, fmt.Errorf("amount is required"))
	}
	amt, err := money.ParseAmount(curr, raw)
	if err != nil {
		return p, invalid(r.Line, "amount", r.Amount, err)
	}
	if amt.IsZero() {
		return p, invalid(r.Line, "amount", r.Amount, ledger.ErrNonPositive)
	}

	if strings.TrimSpace(r.Type) == "" {
		// signed exports: negative is money out
		p.typ = ledger.TypeIncome
		if amt.IsNeg() {
			p.typ = ledger.TypeExpense
		}
	} else if p.typ, err = ledger.ParseType(r.Type); err != nil {
		return p, invalid(r.Line, "type", r.Type, err)
	}
	p.amount = amt.Abs()

	if p.account == "" {
		return p, invalid(r.Line, "account", r.Account, fmt.Errorf("account is required"))
	}
	if p.typ == ledger.TypeTransfer {
		if p.targetAccount == "" || slug.Equal(p.account, p.targetAccount) {
			return p, invalid(r.Line, "target_account", r.TargetAccount, ledger.ErrTransferAccounts)
		}
	}
	return p, nil
}

func parseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return ledger.DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// normalizeAmount strips spacing and thousands separators. A lone comma is
// read as the decimal separator.
func normalizeAmount(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '_', '\'':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ",") == 1:
		s = strings.Replace(s, ",", ".", 1)
	}
	return strings.TrimPrefix(s, "+")
}
