// Package importer turns streams of raw statement rows into ledger
// transactions: validate, resolve names to entities, drop duplicates, commit
// in batches, then reconcile the balance table and aggregates once at the
// end.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tally/internal/dedup"
	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/meta"
	"github.com/tinoosan/tally/internal/metrics"
	"github.com/tinoosan/tally/internal/service/balance"
)

// State is the pipeline's position in a run.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateResolving
	StateDeduplicating
	StateBatched
	StateCommitting
	StateFinalizing
	StateCancelled
)

var stateNames = [...]string{"idle", "validating", "resolving", "deduplicating", "batched", "committing", "finalizing", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const (
	DefaultBatchSize       = 500
	DefaultMaxErrorSamples = 50
)

// Options tune one run.
type Options struct {
	// Source names the input in provenance metadata.
	Source          string
	BatchSize       int
	DefaultCurrency string
	DateLayouts     []string
	Mappings        Mappings
	// WithinFile also drops rows that duplicate an earlier row of the same run.
	WithinFile      bool
	MaxErrorSamples int
	CacheCapacity   int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxErrorSamples <= 0 {
		o.MaxErrorSamples = DefaultMaxErrorSamples
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = DefaultCacheCapacity
	}
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = "USD"
	}
	return o
}

// Balances is the balance coordinator surface the pipeline drives.
type Balances interface {
	BeginImport()
	FinishImport()
	Add(ctx context.Context, tx ledger.Transaction) error
	RecalculateAll(ctx context.Context, accounts []ledger.Account, txs []ledger.Transaction) (balance.Report, error)
}

// Aggregates is the aggregate coordinator surface the pipeline drives.
type Aggregates interface {
	ApplyIncrement(ctx context.Context, tx ledger.Transaction) error
	Rebuild(ctx context.Context, txs []ledger.Transaction) error
}

// Pipeline runs imports. Runs are exclusive: a second concurrent Run fails
// with errs.ErrConflict.
type Pipeline struct {
	repo       ledger.TransactionRepository
	accounts   Accounts
	categories ledger.CategoryRepository
	balances   Balances
	aggregates Aggregates
	sink       StatsSink
	log        *slog.Logger
	now        func() time.Time

	running atomic.Bool
	state   atomic.Int32
}

func New(repo ledger.TransactionRepository, accounts Accounts, categories ledger.CategoryRepository,
	balances Balances, aggregates Aggregates, sink StatsSink, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		repo:       repo,
		accounts:   accounts,
		categories: categories,
		balances:   balances,
		aggregates: aggregates,
		sink:       sink,
		log:        log.With("component", "importer"),
		now:        time.Now,
	}
}

// State reports the current state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) {
	if prev := State(p.state.Swap(int32(s))); prev != s {
		p.log.Debug("import state", "from", prev.String(), "to", s.String())
	}
}

type pending struct {
	line int
	fp   dedup.Fingerprint
	tx   ledger.Transaction
}

// run carries the per-run state.
type run struct {
	id       string
	opts     Options
	stats    Stats
	resolver *Resolver
	cache    *EntityCache
	index    *dedup.Index
	// inflight holds fingerprints of batched rows not yet committed. They
	// join index only once the row is stored and accepted by the balances.
	inflight map[dedup.Fingerprint]struct{}
}

// Run imports every row of src. Row failures are counted, never returned;
// the error is reserved for failures that stop the run. Cancelling ctx
// stops between rows: rows not yet committed are discarded and the run is
// still finalised.
func (p *Pipeline) Run(ctx context.Context, src RowSource, opts Options) (Stats, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Stats{}, fmt.Errorf("%w: an import is already running", errs.ErrConflict)
	}
	defer p.running.Store(false)

	opts = opts.withDefaults()
	start := p.now()
	r := &run{
		id:       uuid.NewString(),
		opts:     opts,
		cache:    NewEntityCache(opts.CacheCapacity),
		inflight: make(map[dedup.Fingerprint]struct{}),
	}
	r.stats = Stats{RunID: r.id, Source: opts.Source, maxSamples: opts.MaxErrorSamples}
	r.resolver = NewResolver(p.accounts, p.categories, r.cache, opts.Mappings)

	existing, err := p.repo.Load(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load existing transactions: %w", err)
	}
	r.index = dedup.Build(existing)

	p.log.Info("import started", "run_id", r.id, "source", opts.Source, "existing", len(existing))
	p.balances.BeginImport()
	runErr := p.consume(ctx, src, r)

	stats, ferr := p.finalize(context.WithoutCancel(ctx), r, start)
	return stats, errors.Join(runErr, ferr)
}

func (p *Pipeline) consume(ctx context.Context, src RowSource, r *run) error {
	batch := make([]pending, 0, r.opts.BatchSize)
	for {
		if ctx.Err() != nil {
			r.stats.Cancelled = true
			r.stats.Discarded += len(batch)
			return nil
		}
		row, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.stats.Discarded += len(batch)
			return fmt.Errorf("read row: %w", err)
		}
		r.stats.TotalRows++

		p.setState(StateValidating)
		parsed, rerr := parseRow(row, r.opts)
		if rerr != nil {
			p.skip(r, rerr)
			continue
		}

		p.setState(StateResolving)
		tx, rerr := r.resolver.Transaction(ctx, parsed)
		if rerr != nil {
			if ctx.Err() != nil {
				// the row was cut off mid-resolution; treat as not read
				r.stats.TotalRows--
				continue
			}
			p.skip(r, rerr)
			continue
		}

		p.setState(StateDeduplicating)
		fp := dedup.Of(tx)
		if _, ok := r.inflight[fp]; ok {
			// settle the earlier copy first; if it fails this row takes its place
			p.commit(context.WithoutCancel(ctx), r, batch)
			batch = batch[:0]
		}
		if r.index.Contains(fp) {
			r.stats.Duplicates++
			metrics.ImportRows.WithLabelValues("duplicate").Inc()
			p.log.Debug("duplicate row", "row", row.Line, "fingerprint", fp.Digest())
			continue
		}
		if r.opts.WithinFile {
			r.inflight[fp] = struct{}{}
		}

		tx.Metadata = meta.Provenance(r.id, r.opts.Source, row.Line)
		tx.Metadata.Set(meta.KeyFingerprint, fp.Digest())
		tx.CreatedAt = p.now().UTC()
		batch = append(batch, pending{line: row.Line, fp: fp, tx: tx})
		p.setState(StateBatched)

		if len(batch) >= r.opts.BatchSize {
			p.commit(context.WithoutCancel(ctx), r, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		p.commit(context.WithoutCancel(ctx), r, batch)
	}
	return nil
}

func (p *Pipeline) skip(r *run, err *errs.RowError) {
	r.stats.skip(err)
	metrics.ImportRows.WithLabelValues("skipped").Inc()
	p.log.Debug("row skipped", "row", err.Row, "code", err.Code(), "field", err.Field, "err", err.Err)
}

// commit persists a batch and mirrors it into the coordinators. A failed
// batch save is retried row by row so one bad row does not sink the rest.
func (p *Pipeline) commit(ctx context.Context, r *run, batch []pending) {
	p.setState(StateCommitting)
	for _, b := range batch {
		delete(r.inflight, b.fp)
	}
	txs := make([]ledger.Transaction, len(batch))
	for i, b := range batch {
		txs[i] = b.tx
	}
	saved := batch
	if err := p.repo.SaveBatch(ctx, txs); err != nil {
		p.log.Warn("batch save failed; saving rows individually", "rows", len(batch), "err", err)
		saved = make([]pending, 0, len(batch))
		for _, b := range batch {
			if err := p.repo.SaveBatch(ctx, []ledger.Transaction{b.tx}); err != nil {
				p.skip(r, &errs.RowError{Row: b.line, Kind: errs.ErrPersistence, Err: err})
				continue
			}
			saved = append(saved, b)
		}
	}
	for _, b := range saved {
		if err := p.balances.Add(ctx, b.tx); err != nil {
			if derr := p.repo.Delete(ctx, b.tx.ID); derr != nil {
				p.log.Error("remove rejected row", "row", b.line, "tx_id", b.tx.ID, "err", derr)
			}
			p.skip(r, &errs.RowError{Row: b.line, Kind: errs.ErrValidation, Err: err})
			continue
		}
		if err := p.aggregates.ApplyIncrement(ctx, b.tx); err != nil {
			p.log.Warn("aggregate increment", "row", b.line, "err", err)
		}
		if r.opts.WithinFile {
			r.index.Add(b.fp)
		}
		r.stats.Imported++
		metrics.ImportRows.WithLabelValues("imported").Inc()
	}
}

// finalize closes the balance batch, replays the log into both coordinators
// and reports the run. It runs even after cancellation.
func (p *Pipeline) finalize(ctx context.Context, r *run, start time.Time) (Stats, error) {
	p.setState(StateFinalizing)
	p.balances.FinishImport()
	defer r.cache.Clear()

	var errList []error
	accounts, err := p.accounts.List(ctx)
	if err != nil {
		errList = append(errList, fmt.Errorf("list accounts: %w", err))
	}
	txs, err := p.repo.Load(ctx)
	if err != nil {
		errList = append(errList, fmt.Errorf("reload transactions: %w", err))
	}
	if len(errList) == 0 {
		report, err := p.balances.RecalculateAll(ctx, accounts, txs)
		if err != nil {
			errList = append(errList, fmt.Errorf("recalculate balances: %w", err))
		}
		r.stats.Mismatches = len(report.Mismatches)
		if err := p.aggregates.Rebuild(ctx, txs); err != nil {
			errList = append(errList, fmt.Errorf("rebuild aggregates: %w", err))
		}
	}

	r.stats.CreatedAccounts = r.resolver.CreatedAccounts
	r.stats.CreatedCategories = r.resolver.CreatedCategories
	r.stats.CreatedSubcategories = r.resolver.CreatedSubcategories
	r.stats.Duration = p.now().Sub(start)
	if r.stats.Discarded > 0 {
		metrics.ImportRows.WithLabelValues("discarded").Add(float64(r.stats.Discarded))
	}
	metrics.ImportDuration.Observe(r.stats.Duration.Seconds())

	if p.sink != nil {
		if err := p.sink.Record(ctx, r.stats); err != nil {
			p.log.Warn("stats sink", "run_id", r.id, "err", err)
		}
	}
	p.log.Info("import finished", "stats", r.stats)

	if r.stats.Cancelled {
		p.setState(StateCancelled)
	} else {
		p.setState(StateIdle)
	}
	return r.stats, errors.Join(errList...)
}
