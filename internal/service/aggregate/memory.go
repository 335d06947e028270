package aggregate

import (
	"context"
	"sort"
	"sync"

	"github.com/tinoosan/tally/internal/ledger"
)

// MemoryStore keeps each series as a slice sorted by period, so a range is
// two binary searches and a contiguous copy.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[Series][]CategoryBucket
	months map[string][]MonthBucket
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: map[Series][]CategoryBucket{}, months: map[string][]MonthBucket{}}
}

func (m *MemoryStore) FetchRange(_ context.Context, q CategoryQuery) ([]CategoryBucket, error) {
	if q.To.Before(q.From) {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.series[q.series()]
	lo := sort.Search(len(bs), func(i int) bool { return !bs[i].Period.Before(q.From) })
	hi := sort.Search(len(bs), func(i int) bool { return q.To.Before(bs[i].Period) })
	out := make([]CategoryBucket, hi-lo)
	copy(out, bs[lo:hi])
	return out, nil
}

func (m *MemoryStore) FetchMonthly(_ context.Context, from, to ledger.Period, currency string) ([]MonthBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.months[currency]
	lo := sort.Search(len(bs), func(i int) bool { return !bs[i].Period.Before(from) })
	hi := sort.Search(len(bs), func(i int) bool { return to.Before(bs[i].Period) })
	if hi < lo {
		return nil, nil
	}
	out := make([]MonthBucket, hi-lo)
	copy(out, bs[lo:hi])
	return out, nil
}

func (m *MemoryStore) Adjust(_ context.Context, adj Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := m.series[adj.Series]
	ci := sort.Search(len(bs), func(i int) bool { return !bs[i].Period.Before(adj.Period) })
	cb := CategoryBucket{Series: adj.Series, Period: adj.Period, Total: zero(adj.Amount)}
	catExists := ci < len(bs) && bs[ci].Period == adj.Period
	if catExists {
		cb = bs[ci]
	}
	ms := m.months[adj.Series.Currency]
	mi := sort.Search(len(ms), func(i int) bool { return !ms[i].Period.Before(adj.Period) })
	mb := newMonth(adj.Period, adj.Amount)
	monthExists := mi < len(ms) && ms[mi].Period == adj.Period
	if monthExists {
		mb = ms[mi]
	}

	cb, mb, err := Apply(cb, mb, adj)
	if err != nil {
		return err
	}

	switch {
	case catExists && cb.Count == 0:
		bs = append(bs[:ci], bs[ci+1:]...)
	case catExists:
		bs[ci] = cb
	default:
		bs = append(bs, CategoryBucket{})
		copy(bs[ci+1:], bs[ci:])
		bs[ci] = cb
	}
	if len(bs) == 0 {
		delete(m.series, adj.Series)
	} else {
		m.series[adj.Series] = bs
	}

	switch {
	case monthExists && mb.Count == 0:
		ms = append(ms[:mi], ms[mi+1:]...)
	case monthExists:
		ms[mi] = mb
	default:
		ms = append(ms, MonthBucket{})
		copy(ms[mi+1:], ms[mi:])
		ms[mi] = mb
	}
	if len(ms) == 0 {
		delete(m.months, adj.Series.Currency)
	} else {
		m.months[adj.Series.Currency] = ms
	}
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, cats []CategoryBucket, months []MonthBucket) error {
	series := map[Series][]CategoryBucket{}
	for _, b := range cats {
		series[b.Series] = append(series[b.Series], b)
	}
	for _, bs := range series {
		sortCategories(bs)
	}
	byCurr := map[string][]MonthBucket{}
	for _, b := range months {
		byCurr[b.Currency] = append(byCurr[b.Currency], b)
	}
	for _, bs := range byCurr {
		sortMonths(bs)
	}
	m.mu.Lock()
	m.series = series
	m.months = byCurr
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Buckets(_ context.Context) ([]CategoryBucket, []MonthBucket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cats []CategoryBucket
	for _, bs := range m.series {
		cats = append(cats, bs...)
	}
	var months []MonthBucket
	for _, bs := range m.months {
		months = append(months, bs...)
	}
	sortCategories(cats)
	sortMonths(months)
	return cats, months, nil
}
