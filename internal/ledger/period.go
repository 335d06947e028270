package ledger

import (
	"fmt"
	"time"
)

// Period is a calendar month. Index gives a linear month number so ranges can
// be expressed as a single [from, to] predicate.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period { return Period{Year: t.Year(), Month: t.Month()} }

// PeriodFromIndex is the inverse of Index.
func PeriodFromIndex(i int) Period {
	y := i / 12
	m := i % 12
	if m < 0 {
		m += 12
		y--
	}
	return Period{Year: y, Month: time.Month(m + 1)}
}

func (p Period) Index() int { return p.Year*12 + int(p.Month) - 1 }

// AddMonths shifts p by n months (n may be negative).
func (p Period) AddMonths(n int) Period { return PeriodFromIndex(p.Index() + n) }

func (p Period) Before(q Period) bool { return p.Index() < q.Index() }

func (p Period) Valid() bool { return p.Month >= time.January && p.Month <= time.December }

// Start is the first instant of the period in UTC.
func (p Period) Start() time.Time { return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC) }

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: want YYYY-MM", s)
	}
	return PeriodOf(t), nil
}

// MonthsBetween counts the periods in [from, to]; zero when to precedes from.
func MonthsBetween(from, to Period) int {
	n := to.Index() - from.Index() + 1
	if n < 0 {
		return 0
	}
	return n
}
