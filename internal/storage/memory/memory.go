// Package memory provides an in-memory implementation of the repositories,
// used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

// txKey orders transactions by (Date, CreatedAt, ID).
type txKey struct {
	Date      time.Time
	CreatedAt time.Time
	ID        uuid.UUID
}

func (k txKey) less(o txKey) bool {
	return ledger.Transaction{ID: k.ID, Date: k.Date, CreatedAt: k.CreatedAt}.
		Less(ledger.Transaction{ID: o.ID, Date: o.Date, CreatedAt: o.CreatedAt})
}

func keyOf(tx ledger.Transaction) txKey {
	return txKey{Date: tx.Date, CreatedAt: tx.CreatedAt, ID: tx.ID}
}

// Store is guarded by an RWMutex for concurrent reads/writes.
type Store struct {
	mu            sync.RWMutex
	accounts      map[uuid.UUID]ledger.Account
	categories    map[uuid.UUID]ledger.Category
	subcategories map[uuid.UUID]ledger.Subcategory
	txs           map[uuid.UUID]ledger.Transaction
	// sorted index for ordered scans and date ranges
	keys []txKey
}

func New() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// SeedAccount inserts an account directly, for local dev and tests.
func (s *Store) SeedAccount(a ledger.Account) { s.mu.Lock(); s.accounts[a.ID] = a; s.mu.Unlock() }

func (s *Store) Reset() {
	s.mu.Lock()
	s.accounts = map[uuid.UUID]ledger.Account{}
	s.categories = map[uuid.UUID]ledger.Category{}
	s.subcategories = map[uuid.UUID]ledger.Subcategory{}
	s.txs = map[uuid.UUID]ledger.Transaction{}
	s.keys = nil
	s.mu.Unlock()
}

// Load returns every transaction in ledger order.
func (s *Store) Load(ctx context.Context) ([]ledger.Transaction, error) {
	return s.ListTransactions(ctx, nil, nil)
}

// ListTransactions returns transactions dated within [from, to], either
// bound optional, in ledger order.
func (s *Store) ListTransactions(_ context.Context, from, to *time.Time) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.keys
	start := 0
	if from != nil {
		f := *from
		start = sort.Search(len(keys), func(i int) bool { return !keys[i].Date.Before(f) })
	}
	end := len(keys)
	if to != nil {
		t := *to
		end = sort.Search(len(keys), func(i int) bool { return keys[i].Date.After(t) })
	}
	if start > end {
		return nil, nil
	}
	out := make([]ledger.Transaction, 0, end-start)
	for _, k := range keys[start:end] {
		out = append(out, s.txs[k.ID])
	}
	return out, nil
}

// SaveBatch stores all of txs or none of them.
func (s *Store) SaveBatch(_ context.Context, txs []ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{}, len(txs))
	for _, tx := range txs {
		if _, ok := s.txs[tx.ID]; ok {
			return fmt.Errorf("%w: transaction %s exists", errs.ErrConflict, tx.ID)
		}
		if _, ok := seen[tx.ID]; ok {
			return fmt.Errorf("%w: transaction %s repeated in batch", errs.ErrConflict, tx.ID)
		}
		seen[tx.ID] = struct{}{}
	}
	for _, tx := range txs {
		s.txs[tx.ID] = tx
		s.insertKeyLocked(keyOf(tx))
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	return tx, nil
}

// UpdateTransaction replaces a stored transaction.
func (s *Store) UpdateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.txs[tx.ID]
	if !ok {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	s.removeKeyLocked(keyOf(old))
	s.txs[tx.ID] = tx
	s.insertKeyLocked(keyOf(tx))
	return tx, nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return errs.ErrNotFound
	}
	delete(s.txs, id)
	s.removeKeyLocked(keyOf(tx))
	return nil
}

// insertKeyLocked keeps s.keys sorted. Caller must hold s.mu (write lock).
func (s *Store) insertKeyLocked(k txKey) {
	i := sort.Search(len(s.keys), func(i int) bool { return k.less(s.keys[i]) })
	s.keys = append(s.keys, txKey{})
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = k
}

func (s *Store) removeKeyLocked(k txKey) {
	i := sort.Search(len(s.keys), func(i int) bool { return !s.keys[i].less(k) })
	if i < len(s.keys) && s.keys[i].ID == k.ID {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
}

func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, errs.ErrNotFound
	}
	return a, nil
}

func (s *Store) CreateAccount(_ context.Context, a ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return ledger.Account{}, errs.ErrConflict
	}
	s.accounts[a.ID] = a
	return a, nil
}

// CreateAccounts stores all accounts or none.
func (s *Store) CreateAccounts(_ context.Context, as []ledger.Account) ([]ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range as {
		if _, ok := s.accounts[a.ID]; ok {
			return nil, errs.ErrConflict
		}
	}
	for _, a := range as {
		s.accounts[a.ID] = a
	}
	return as, nil
}

func (s *Store) UpdateAccount(_ context.Context, a ledger.Account) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return ledger.Account{}, errs.ErrNotFound
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Store) ListCategories(_ context.Context) ([]ledger.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateCategory(_ context.Context, c ledger.Category) (ledger.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.categories[c.ID] = c
	return c, nil
}

func (s *Store) ListSubcategories(_ context.Context) ([]ledger.Subcategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Subcategory, 0, len(s.subcategories))
	for _, c := range s.subcategories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateSubcategory(_ context.Context, c ledger.Subcategory) (ledger.Subcategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.subcategories[c.ID] = c
	return c, nil
}
