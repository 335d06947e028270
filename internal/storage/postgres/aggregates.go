package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/govalues/money"
	"github.com/jackc/pgx/v5"

	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/aggregate"
)

// --- Aggregate buckets ---

// FetchRange reads one series over [From, To] with a single row-value range
// predicate, which the (type, category, currency, year, month) key serves.
func (s *Store) FetchRange(ctx context.Context, q aggregate.CategoryQuery) ([]aggregate.CategoryBucket, error) {
	rows, err := s.pool.Query(ctx, `
        select type, category, currency, year, month, total::text, count
        from category_monthly
        where type = $1 and category = $2 and currency = $3
          and (year, month) between ($4, $5) and ($6, $7)
        order by year, month
    `, string(q.Type), aggregate.CategoryKey(q.Category), q.Currency,
		q.From.Year, int(q.From.Month), q.To.Year, int(q.To.Month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCategories(rows)
}

func (s *Store) FetchMonthly(ctx context.Context, from, to ledger.Period, currency string) ([]aggregate.MonthBucket, error) {
	rows, err := s.pool.Query(ctx, `
        select year, month, currency, income::text, expense::text, count
        from monthly
        where currency = $1 and (year, month) between ($2, $3) and ($4, $5)
        order by year, month
    `, currency, from.Year, int(from.Month), to.Year, int(to.Month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMonths(rows)
}

// Adjust applies one transaction's contribution under row locks so the
// category and month bucket move together.
func (s *Store) Adjust(ctx context.Context, adj aggregate.Adjustment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cb, mb := aggregate.EmptyBuckets(adj)
	var total string
	err = tx.QueryRow(ctx, `
        select total::text, count from category_monthly
        where type=$1 and category=$2 and currency=$3 and year=$4 and month=$5
        for update
    `, string(adj.Series.Type), adj.Series.Category, adj.Series.Currency, adj.Period.Year, int(adj.Period.Month)).
		Scan(&total, &cb.Count)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	default:
		if cb.Total, err = money.ParseAmount(adj.Series.Currency, total); err != nil {
			return err
		}
	}
	var income, expense string
	err = tx.QueryRow(ctx, `
        select income::text, expense::text, count from monthly
        where currency=$1 and year=$2 and month=$3
        for update
    `, adj.Series.Currency, adj.Period.Year, int(adj.Period.Month)).Scan(&income, &expense, &mb.Count)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return err
	default:
		if mb.Income, err = money.ParseAmount(adj.Series.Currency, income); err != nil {
			return err
		}
		if mb.Expense, err = money.ParseAmount(adj.Series.Currency, expense); err != nil {
			return err
		}
	}

	cb, mb, err = aggregate.Apply(cb, mb, adj)
	if err != nil {
		return err
	}
	if err := putCategory(ctx, tx, cb); err != nil {
		return err
	}
	if err := putMonth(ctx, tx, mb); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func putCategory(ctx context.Context, ex execer, b aggregate.CategoryBucket) error {
	if b.Count == 0 {
		_, err := ex.Exec(ctx, `
            delete from category_monthly
            where type=$1 and category=$2 and currency=$3 and year=$4 and month=$5
        `, string(b.Type), b.Category, b.Currency, b.Period.Year, int(b.Period.Month))
		return err
	}
	total, err := numeric(b.Total)
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx, `
        insert into category_monthly (type, category, currency, year, month, total, count)
        values ($1,$2,$3,$4,$5,$6,$7)
        on conflict (type, category, currency, year, month)
        do update set total = excluded.total, count = excluded.count
    `, string(b.Type), b.Category, b.Currency, b.Period.Year, int(b.Period.Month), total, b.Count)
	return err
}

func putMonth(ctx context.Context, ex execer, b aggregate.MonthBucket) error {
	if b.Count == 0 {
		_, err := ex.Exec(ctx, `delete from monthly where currency=$1 and year=$2 and month=$3`,
			b.Currency, b.Period.Year, int(b.Period.Month))
		return err
	}
	income, err := numeric(b.Income)
	if err != nil {
		return err
	}
	expense, err := numeric(b.Expense)
	if err != nil {
		return err
	}
	_, err = ex.Exec(ctx, `
        insert into monthly (currency, year, month, income, expense, count)
        values ($1,$2,$3,$4,$5,$6)
        on conflict (currency, year, month)
        do update set income = excluded.income, expense = excluded.expense, count = excluded.count
    `, b.Currency, b.Period.Year, int(b.Period.Month), income, expense, b.Count)
	return err
}

// Replace swaps every bucket for the given set in one transaction.
func (s *Store) Replace(ctx context.Context, cats []aggregate.CategoryBucket, months []aggregate.MonthBucket) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(`delete from category_monthly`)
	batch.Queue(`delete from monthly`)
	for _, b := range cats {
		total, err := numeric(b.Total)
		if err != nil {
			return err
		}
		batch.Queue(`
            insert into category_monthly (type, category, currency, year, month, total, count)
            values ($1,$2,$3,$4,$5,$6,$7)
        `, string(b.Type), b.Category, b.Currency, b.Period.Year, int(b.Period.Month), total, b.Count)
	}
	for _, b := range months {
		income, err := numeric(b.Income)
		if err != nil {
			return err
		}
		expense, err := numeric(b.Expense)
		if err != nil {
			return err
		}
		batch.Queue(`
            insert into monthly (currency, year, month, income, expense, count)
            values ($1,$2,$3,$4,$5,$6)
        `, b.Currency, b.Period.Year, int(b.Period.Month), income, expense, b.Count)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace buckets: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Buckets(ctx context.Context) ([]aggregate.CategoryBucket, []aggregate.MonthBucket, error) {
	rows, err := s.pool.Query(ctx, `
        select type, category, currency, year, month, total::text, count
        from category_monthly
        order by type, category, currency, year, month
    `)
	if err != nil {
		return nil, nil, err
	}
	cats, err := scanCategories(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	mrows, err := s.pool.Query(ctx, `
        select year, month, currency, income::text, expense::text, count
        from monthly
        order by currency, year, month
    `)
	if err != nil {
		return nil, nil, err
	}
	defer mrows.Close()
	months, err := scanMonths(mrows)
	if err != nil {
		return nil, nil, err
	}
	return cats, months, nil
}

func scanCategories(rows pgx.Rows) ([]aggregate.CategoryBucket, error) {
	var out []aggregate.CategoryBucket
	for rows.Next() {
		var b aggregate.CategoryBucket
		var typ, total string
		var month int
		if err := rows.Scan(&typ, &b.Category, &b.Currency, &b.Period.Year, &month, &total, &b.Count); err != nil {
			return nil, err
		}
		b.Type = ledger.TransactionType(typ)
		b.Period.Month = time.Month(month)
		var err error
		if b.Total, err = money.ParseAmount(b.Currency, total); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanMonths(rows pgx.Rows) ([]aggregate.MonthBucket, error) {
	var out []aggregate.MonthBucket
	for rows.Next() {
		var b aggregate.MonthBucket
		var month int
		var income, expense string
		if err := rows.Scan(&b.Period.Year, &month, &b.Currency, &income, &expense, &b.Count); err != nil {
			return nil, err
		}
		b.Period.Month = time.Month(month)
		var err error
		if b.Income, err = money.ParseAmount(b.Currency, income); err != nil {
			return nil, err
		}
		if b.Expense, err = money.ParseAmount(b.Currency, expense); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
