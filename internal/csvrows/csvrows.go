// Package csvrows tokenises a bank-statement CSV into importer rows. Columns
// are matched by header name; unknown columns are ignored.
package csvrows

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tinoosan/tally/internal/service/importer"
	"github.com/tinoosan/tally/internal/slug"
)

// field identifies a RawRow column.
type field int

const (
	fDate field = iota
	fType
	fAmount
	fCurrency
	fAccount
	fTargetAccount
	fTargetAmount
	fTargetCurrency
	fCategory
	fSubcategory
	fDescription
)

// aliases maps slugified header names to fields.
var aliases = map[string]field{
	"date":             fDate,
	"booking_date":     fDate,
	"transaction_date": fDate,
	"type":             fType,
	"kind":             fType,
	"amount":           fAmount,
	"value":            fAmount,
	"sum":              fAmount,
	"currency":         fCurrency,
	"ccy":              fCurrency,
	"account":          fAccount,
	"from_account":     fAccount,
	"source_account":   fAccount,
	"target_account":   fTargetAccount,
	"to_account":       fTargetAccount,
	"target_amount":    fTargetAmount,
	"to_amount":        fTargetAmount,
	"target_currency":  fTargetCurrency,
	"to_currency":      fTargetCurrency,
	"category":         fCategory,
	"subcategory":      fSubcategory,
	"sub_category":     fSubcategory,
	"description":      fDescription,
	"memo":             fDescription,
	"note":             fDescription,
	"notes":            fDescription,
	"payee":            fDescription,
}

// Options tune the reader. A zero Comma means ','.
type Options struct {
	Comma rune
}

// Reader is an importer.RowSource over CSV input with a header line.
type Reader struct {
	r       *csv.Reader
	columns map[field]int
	line    int
}

var _ importer.RowSource = (*Reader)(nil)

// ErrMissingColumn is returned by New when a required column is absent.
var ErrMissingColumn = errors.New("missing required column")

// New reads the header and returns a Reader positioned at the first data row.
func New(in io.Reader, opts Options) (*Reader, error) {
	r := csv.NewReader(in)
	if opts.Comma != 0 {
		r.Comma = opts.Comma
	}
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[field]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		f, ok := aliases[slug.Slugify(h)]
		if !ok {
			continue
		}
		if _, dup := cols[f]; !dup {
			cols[f] = i
		}
	}
	for _, req := range []struct {
		f    field
		name string
	}{{fDate, "date"}, {fAmount, "amount"}} {
		if _, ok := cols[req.f]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, req.name)
		}
	}
	return &Reader{r: r, columns: cols, line: 1}, nil
}

// Next returns the next non-blank row. Line counts the header as line 1.
func (r *Reader) Next(ctx context.Context) (importer.RawRow, error) {
	for {
		if err := ctx.Err(); err != nil {
			return importer.RawRow{}, err
		}
		rec, err := r.r.Read()
		if err != nil {
			return importer.RawRow{}, err
		}
		r.line++
		if blank(rec) {
			continue
		}
		get := func(f field) string {
			i, ok := r.columns[f]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		return importer.RawRow{
			Line:           r.line,
			Date:           get(fDate),
			Type:           get(fType),
			Amount:         get(fAmount),
			Currency:       get(fCurrency),
			Account:        get(fAccount),
			TargetAccount:  get(fTargetAccount),
			TargetAmount:   get(fTargetAmount),
			TargetCurrency: get(fTargetCurrency),
			Category:       get(fCategory),
			Subcategory:    get(fSubcategory),
			Description:    get(fDescription),
		}, nil
	}
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
