// Package dedup fingerprints transactions so re-importing the same statement
// does not create duplicates.
package dedup

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/slug"
)

// Fingerprint is the identity of a transaction for duplicate detection:
// calendar date, amount at the currency's minor unit, type, currency and
// normalised category. Description and account are deliberately absent so
// differently worded exports of one statement collide.
type Fingerprint struct {
	Date     string
	Amount   string
	Type     ledger.TransactionType
	Currency string
	Category string
}

// Of computes the fingerprint of tx.
func Of(tx ledger.Transaction) Fingerprint {
	return Fingerprint{
		Date:     ledger.DateOf(tx.Date).Format("2006-01-02"),
		Amount:   tx.Amount.RoundToCurr().Decimal().Trim(0).String(),
		Type:     tx.Type(),
		Currency: tx.Currency(),
		Category: slug.Key(tx.Category),
	}
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", f.Date, f.Amount, f.Type, f.Currency, f.Category)
}

// Digest is a compact hash of the fingerprint for logs and storage.
func (f Fingerprint) Digest() string {
	return strconv.FormatUint(xxhash.Sum64String(f.String()), 16)
}

// Index is a set of fingerprints. It is not safe for concurrent use; each
// import run owns one.
type Index struct {
	seen map[Fingerprint]struct{}
}

// Build indexes the fingerprints of existing transactions.
func Build(txs []ledger.Transaction) *Index {
	idx := &Index{seen: make(map[Fingerprint]struct{}, len(txs))}
	for _, tx := range txs {
		idx.Add(Of(tx))
	}
	return idx
}

func (i *Index) Contains(fp Fingerprint) bool {
	_, ok := i.seen[fp]
	return ok
}

// Add records fp and reports whether it was new.
func (i *Index) Add(fp Fingerprint) bool {
	if i.Contains(fp) {
		return false
	}
	i.seen[fp] = struct{}{}
	return true
}

func (i *Index) Len() int { return len(i.seen) }
