// Package balance owns the live per-account balance table. Every mutation is
// staged against the current table and committed in one step, so readers of
// Snapshot only ever observe the state before or after an operation.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/calc"
	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/metrics"
)

// Snapshot is a published, read-only view of the balance table.
type Snapshot struct {
	Version  uint64
	Balances map[uuid.UUID]money.Amount
}

// Get returns the balance of id in the snapshot.
func (s Snapshot) Get(id uuid.UUID) (money.Amount, bool) {
	a, ok := s.Balances[id]
	return a, ok
}

// Mismatch records an account whose incremental balance disagreed with a
// full replay.
type Mismatch struct {
	AccountID    uuid.UUID
	Incremental  money.Amount
	Recalculated money.Amount
}

// Report summarises a RecalculateAll run.
type Report struct {
	Accounts     int
	Transactions int
	Rejected     int
	Mismatches   []Mismatch
}

// Err returns ErrReconciliationMismatch when any account disagreed.
func (r Report) Err() error {
	if len(r.Mismatches) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d accounts", errs.ErrReconciliationMismatch, len(r.Mismatches))
}

// appliedLeg is a leg as it was actually applied, with its amount already
// expressed in the account currency.
type appliedLeg struct {
	AccountID uuid.UUID
	IsSource  bool
	Resolved  ledger.Transaction
}

type Option func(*Coordinator)

// WithConverter sets the converter used for legs whose currency differs from
// the account currency. Without one such legs are rejected.
func WithConverter(c ledger.CurrencyConverter) Option {
	return func(co *Coordinator) { co.conv = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

// Coordinator applies transactions to the balance table.
//
// Writers are serialised by mu. Readers go through the atomically published
// snapshot and never block. Observers are invoked synchronously after each
// publish, while mu is held, and must not call back into mutating methods.
type Coordinator struct {
	mu         sync.Mutex
	log        *slog.Logger
	conv       ledger.CurrencyConverter
	accounts   map[uuid.UUID]ledger.Account
	table      map[uuid.UUID]money.Amount
	applied    map[uuid.UUID][]appliedLeg
	reconciled bool
	// rederive holds accounts switched back to a derived mode since the last
	// RecalculateAll. Their table value is not incremental state.
	rederive map[uuid.UUID]bool

	batchDepth int
	batchDirty bool

	version   uint64
	published atomic.Pointer[Snapshot]
	observers map[int]func(Snapshot)
	nextObs   int
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       slog.Default(),
		accounts:  map[uuid.UUID]ledger.Account{},
		table:     map[uuid.UUID]money.Amount{},
		applied:   map[uuid.UUID][]appliedLeg{},
		rederive:  map[uuid.UUID]bool{},
		observers: map[int]func(Snapshot){},
	}
	for _, o := range opts {
		o(c)
	}
	c.published.Store(&Snapshot{Balances: map[uuid.UUID]money.Amount{}})
	return c
}

// Snapshot returns the latest published table. It never blocks on writers.
func (c *Coordinator) Snapshot() Snapshot { return *c.published.Load() }

// Balance returns the published balance of one account.
func (c *Coordinator) Balance(id uuid.UUID) (money.Amount, bool) {
	return c.Snapshot().Get(id)
}

// Account returns the tracked account record.
func (c *Coordinator) Account(id uuid.UUID) (ledger.Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[id]
	return a, ok
}

// Subscribe registers fn to receive every published snapshot. The returned
// func unregisters it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// RegisterAccounts starts tracking accounts. Untracked accounts are seeded
// with their opening balance, or their manual balance in manual mode. A
// tracked imported_preserve account is never demoted to manual by a
// re-registration.
func (c *Coordinator) RegisterAccounts(accounts ...ledger.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errList []error
	changed := false
	for _, a := range accounts {
		a = c.merge(a)
		if _, ok := c.table[a.ID]; !ok {
			opening, err := a.Opening()
			if err != nil {
				errList = append(errList, err)
				continue
			}
			if mb, ok := a.Manual(); ok && !a.Mode.Derived() {
				opening = mb
			}
			c.table[a.ID] = opening
			changed = true
		}
		c.accounts[a.ID] = a
	}
	if changed {
		c.publishOrDefer()
	}
	return errors.Join(errList...)
}

func (c *Coordinator) merge(a ledger.Account) ledger.Account {
	prev, ok := c.accounts[a.ID]
	if ok && prev.Mode == ledger.ModeImportedPreserve && a.Mode == ledger.ModeManual {
		c.log.Warn("keeping imported_preserve mode", "account_id", a.ID)
		a.Mode = ledger.ModeImportedPreserve
	}
	return a
}

// SetInitialBalance replaces the opening balance of a tracked account and
// shifts its derived balance by the difference.
func (c *Coordinator) SetInitialBalance(id uuid.UUID, amount money.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	if amount.Curr().Code() != a.Currency {
		return fmt.Errorf("%w: account %s is %s", errs.ErrCurrencyMismatch, id, a.Currency)
	}
	old, err := a.Opening()
	if err != nil {
		return err
	}
	a.InitialBalance = amount
	if a.Mode.Derived() {
		cur := c.table[id]
		next, err := cur.Sub(old)
		if err == nil {
			next, err = next.Add(amount)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCurrencyMismatch, err)
		}
		c.table[id] = next
	}
	c.accounts[id] = a
	c.publishOrDefer()
	return nil
}

// MarkAsManual excludes the account from transaction-driven updates. Its
// current balance is kept as the manual value.
func (c *Coordinator) MarkAsManual(id uuid.UUID) error { return c.setMode(id, ledger.ModeManual) }

// MarkAsImported marks the account imported_preserve.
func (c *Coordinator) MarkAsImported(id uuid.UUID) error {
	return c.setMode(id, ledger.ModeImportedPreserve)
}

// MarkAsComputed returns the account to derived mode. Its balance is
// rederived by the next RecalculateAll, which does not count the switch as a
// mismatch.
func (c *Coordinator) MarkAsComputed(id uuid.UUID) error { return c.setMode(id, ledger.ModeComputed) }

func (c *Coordinator) setMode(id uuid.UUID, m ledger.CalculationMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	if !a.Mode.Derived() && m.Derived() {
		c.rederive[id] = true
	}
	switch {
	case m.Derived():
		a.ManualBalance = nil
	case a.ManualBalance == nil:
		if cur, ok := c.table[id]; ok {
			a.ManualBalance = &cur
		}
	}
	a.Mode = m
	c.accounts[id] = a
	return nil
}

// SetManualBalance sets the balance of a manual account.
func (c *Coordinator) SetManualBalance(id uuid.UUID, amount money.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	if a.Mode.Derived() {
		return fmt.Errorf("%w: account %s is %s", errs.ErrInvalid, id, a.Mode)
	}
	if amount.Curr().Code() != a.Currency {
		return fmt.Errorf("%w: account %s is %s", errs.ErrCurrencyMismatch, id, a.Currency)
	}
	a.ManualBalance = &amount
	c.accounts[id] = a
	c.table[id] = amount
	c.publishOrDefer()
	return nil
}

// Add applies tx to every derived account it touches.
func (c *Coordinator) Add(ctx context.Context, tx ledger.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stage()
	if err := c.stageAdd(ctx, st, tx); err != nil {
		metrics.BalanceOperations.WithLabelValues("add", "error").Inc()
		return err
	}
	c.commit(st)
	metrics.BalanceOperations.WithLabelValues("add", "ok").Inc()
	return nil
}

// Remove reverts exactly the legs that were applied when tx was added.
func (c *Coordinator) Remove(ctx context.Context, tx ledger.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stage()
	if err := c.stageRemove(st, tx); err != nil {
		metrics.BalanceOperations.WithLabelValues("remove", "error").Inc()
		return err
	}
	c.commit(st)
	metrics.BalanceOperations.WithLabelValues("remove", "ok").Inc()
	return nil
}

// Update replaces old with updated as a single atomic step.
func (c *Coordinator) Update(ctx context.Context, old, updated ledger.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stage()
	err := c.stageRemove(st, old)
	if err == nil {
		err = c.stageAdd(ctx, st, updated)
	}
	if err != nil {
		metrics.BalanceOperations.WithLabelValues("update", "error").Inc()
		return err
	}
	c.commit(st)
	metrics.BalanceOperations.WithLabelValues("update", "ok").Inc()
	return nil
}

// BeginBatch defers publication until the matching EndBatch. Batches nest.
func (c *Coordinator) BeginBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchDepth++
}

// EndBatch closes a batch and publishes once if anything changed.
func (c *Coordinator) EndBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batchDepth == 0 {
		c.log.Warn("EndBatch without BeginBatch")
		return
	}
	c.batchDepth--
	if c.batchDepth == 0 && c.batchDirty {
		c.batchDirty = false
		c.publish()
	}
}

// BeginImport opens the batch that spans a bulk import.
func (c *Coordinator) BeginImport() { c.BeginBatch() }

// FinishImport closes the import batch.
func (c *Coordinator) FinishImport() { c.EndBatch() }

// RecalculateAll rebuilds the table from scratch by replaying txs in order
// over accounts, which replace the tracked set. Manual accounts keep their
// persisted manual balance, or the tracked one when none was persisted.
// Where a previous incremental state existed, disagreeing accounts are
// reported and the replayed value wins.
func (c *Coordinator) RecalculateAll(ctx context.Context, accounts []ledger.Account, txs []ledger.Transaction) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accs := make(map[uuid.UUID]ledger.Account, len(accounts))
	fresh := make(map[uuid.UUID]money.Amount, len(accounts))
	for _, a := range accounts {
		a = c.merge(a)
		accs[a.ID] = a
		if !a.Mode.Derived() {
			if mb, ok := a.Manual(); ok {
				fresh[a.ID] = mb
				continue
			}
			if cur, ok := c.table[a.ID]; ok {
				fresh[a.ID] = cur
				continue
			}
		}
		opening, err := a.Opening()
		if err != nil {
			return Report{}, err
		}
		fresh[a.ID] = opening
	}

	ordered := make([]ledger.Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	report := Report{Accounts: len(accs), Transactions: len(txs)}
	applied := make(map[uuid.UUID][]appliedLeg, len(ordered))
	for _, tx := range ordered {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		st := &staging{base: fresh, accounts: accs, applied: applied}
		if err := c.stageAdd(ctx, st, tx); err != nil {
			report.Rejected++
			c.log.Warn("recalculate: transaction rejected", "tx_id", tx.ID, "err", err)
			continue
		}
		st.commitInto(fresh, applied)
	}

	if c.reconciled || len(c.applied) > 0 {
		ids := make([]uuid.UUID, 0, len(fresh))
		for id := range fresh {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		for _, id := range ids {
			want := fresh[id]
			got, ok := c.table[id]
			if !ok || !accs[id].Mode.Derived() || c.rederive[id] {
				continue
			}
			if cmp, err := got.Cmp(want); err == nil && cmp == 0 {
				continue
			}
			report.Mismatches = append(report.Mismatches, Mismatch{AccountID: id, Incremental: got, Recalculated: want})
			metrics.ReconciliationMismatches.Inc()
			c.log.Error("balance reconciliation mismatch",
				"account_id", id, "incremental", got.String(), "recalculated", want.String())
		}
	}

	c.accounts = accs
	c.table = fresh
	c.applied = applied
	c.reconciled = true
	c.rederive = map[uuid.UUID]bool{}
	c.publishOrDefer()
	metrics.BalanceOperations.WithLabelValues("recalculate", "ok").Inc()
	return report, nil
}

// staging holds the changes of one operation until commit.
type staging struct {
	base     map[uuid.UUID]money.Amount
	accounts map[uuid.UUID]ledger.Account
	applied  map[uuid.UUID][]appliedLeg

	balances map[uuid.UUID]money.Amount
	added    map[uuid.UUID][]appliedLeg
	removed  map[uuid.UUID]bool
}

func (c *Coordinator) stage() *staging {
	return &staging{base: c.table, accounts: c.accounts, applied: c.applied}
}

func (s *staging) balance(id uuid.UUID, a ledger.Account) (money.Amount, error) {
	if b, ok := s.balances[id]; ok {
		return b, nil
	}
	if b, ok := s.base[id]; ok {
		return b, nil
	}
	return a.Opening()
}

func (s *staging) set(id uuid.UUID, b money.Amount) {
	if s.balances == nil {
		s.balances = map[uuid.UUID]money.Amount{}
	}
	s.balances[id] = b
}

func (s *staging) lookup(id uuid.UUID) ([]appliedLeg, bool) {
	if legs, ok := s.added[id]; ok {
		return legs, true
	}
	if s.removed[id] {
		return nil, false
	}
	legs, ok := s.applied[id]
	return legs, ok
}

func (s *staging) commitInto(table map[uuid.UUID]money.Amount, applied map[uuid.UUID][]appliedLeg) {
	for id, b := range s.balances {
		table[id] = b
	}
	for id := range s.removed {
		delete(applied, id)
	}
	for id, legs := range s.added {
		applied[id] = legs
	}
}

func (c *Coordinator) commit(st *staging) {
	st.commitInto(c.table, c.applied)
	c.publishOrDefer()
}

func (c *Coordinator) stageAdd(ctx context.Context, st *staging, tx ledger.Transaction) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	if _, ok := st.lookup(tx.ID); ok {
		return fmt.Errorf("%w: %s", errs.ErrAlreadyApplied, tx.ID)
	}
	legs := make([]appliedLeg, 0, 2)
	for _, leg := range tx.Legs() {
		if leg.AccountID == uuid.Nil {
			c.skip(tx, leg, "unresolved")
			continue
		}
		a, ok := st.accounts[leg.AccountID]
		if !ok {
			c.skip(tx, leg, "missing")
			continue
		}
		if !a.Mode.Derived() {
			c.skip(tx, leg, "manual")
			continue
		}
		resolved, err := calc.Resolve(ctx, c.conv, tx, a, leg.IsSource)
		if err != nil {
			return err
		}
		cur, err := st.balance(a.ID, a)
		if err != nil {
			return err
		}
		next, err := calc.Apply(resolved, cur, a, leg.IsSource)
		if err != nil {
			return err
		}
		st.set(a.ID, next)
		legs = append(legs, appliedLeg{AccountID: a.ID, IsSource: leg.IsSource, Resolved: resolved})
	}
	if st.added == nil {
		st.added = map[uuid.UUID][]appliedLeg{}
	}
	st.added[tx.ID] = legs
	return nil
}

func (c *Coordinator) stageRemove(st *staging, tx ledger.Transaction) error {
	legs, ok := st.lookup(tx.ID)
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrNotApplied, tx.ID)
	}
	for _, leg := range legs {
		a, ok := st.accounts[leg.AccountID]
		if !ok || !a.Mode.Derived() {
			c.skip(tx, ledger.Leg{AccountID: leg.AccountID, IsSource: leg.IsSource}, "not_derived")
			continue
		}
		cur, err := st.balance(a.ID, a)
		if err != nil {
			return err
		}
		prev, err := calc.Revert(leg.Resolved, cur, a, leg.IsSource)
		if err != nil {
			return err
		}
		st.set(a.ID, prev)
	}
	if st.removed == nil {
		st.removed = map[uuid.UUID]bool{}
	}
	st.removed[tx.ID] = true
	delete(st.added, tx.ID)
	return nil
}

func (c *Coordinator) skip(tx ledger.Transaction, leg ledger.Leg, reason string) {
	metrics.SkippedLegs.WithLabelValues(reason).Inc()
	c.log.Debug("skipping leg", "tx_id", tx.ID, "account_id", leg.AccountID, "source", leg.IsSource, "reason", reason)
}

func (c *Coordinator) publishOrDefer() {
	if c.batchDepth > 0 {
		c.batchDirty = true
		return
	}
	c.publish()
}

func (c *Coordinator) publish() {
	c.version++
	snap := &Snapshot{Version: c.version, Balances: maps.Clone(c.table)}
	c.published.Store(snap)
	metrics.BalancePublishes.Inc()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c.observers[id](*snap)
	}
}
