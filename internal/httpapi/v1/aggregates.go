package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/aggregate"
)

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	toJSON(w, http.StatusOK, toBalancesResponse(s.deps.Balances.Snapshot()))
}

func (s *Server) currencyParam(r *http.Request) string {
	if c := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency"))); c != "" {
		return c
	}
	return s.deps.DefaultCurrency
}

// periodRange reads from/to as YYYY-MM. A missing to means a single month.
func periodRange(r *http.Request) (from, to ledger.Period, err error) {
	q := r.URL.Query()
	if from, err = ledger.ParsePeriod(q.Get("from")); err != nil {
		return
	}
	to = from
	if raw := q.Get("to"); raw != "" {
		to, err = ledger.ParsePeriod(raw)
	}
	return
}

// getCategoryTotal answers GET /v1/aggregates/categories?type=&category=&from=&to=&currency=.
func (s *Server) getCategoryTotal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := ledger.ParseType(q.Get("type"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	category := q.Get("category")
	if category == "" {
		badRequest(w, "category is required")
		return
	}
	from, to, err := periodRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	cq := aggregate.CategoryQuery{Type: typ, Category: category, From: from, To: to, Currency: s.currencyParam(r)}
	buckets, err := s.deps.Aggregates.FetchRange(r.Context(), cq)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	total, err := aggregate.Sum(cq.Currency, buckets)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	months := make([]categoryMonthResponse, 0, len(buckets))
	count := 0
	for _, b := range buckets {
		months = append(months, categoryMonthResponse{Period: b.Period.String(), Total: amountString(b.Total), Count: b.Count})
		count += b.Count
	}
	toJSON(w, http.StatusOK, map[string]any{
		"type":     typ,
		"category": category,
		"from":     from.String(),
		"to":       to.String(),
		"currency": cq.Currency,
		"total":    amountString(total),
		"count":    count,
		"months":   months,
	})
}

func (s *Server) getMonthly(w http.ResponseWriter, r *http.Request) {
	from, to, err := periodRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	months, err := s.deps.Aggregates.FetchMonthly(r.Context(), from, to, s.currencyParam(r))
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	out := make([]monthResponse, 0, len(months))
	for _, m := range months {
		out = append(out, toMonthResponse(m))
	}
	toJSON(w, http.StatusOK, map[string]any{"months": out})
}

// getAverage answers the forecast query. The configured window can be
// overridden per request with mode, lookback and granularity.
func (s *Server) getAverage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cq := aggregate.CategoryQuery{Category: q.Get("category"), Currency: s.currencyParam(r)}
	if cq.Category == "" {
		badRequest(w, "category is required")
		return
	}
	if raw := q.Get("type"); raw != "" {
		typ, err := ledger.ParseType(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		cq.Type = typ
	}
	asOf := time.Now().UTC()
	if raw := q.Get("as_of"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		asOf = t
	}
	win := s.deps.Window
	if raw := q.Get("mode"); raw != "" {
		mode, err := aggregate.ParseWindowMode(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		win.Mode = mode
	}
	var err error
	if win.Lookback, err = queryInt(r, "lookback", win.Lookback); err != nil {
		badRequest(w, err.Error())
		return
	}
	if win.Granularity, err = queryInt(r, "granularity", win.Granularity); err != nil {
		badRequest(w, err.Error())
		return
	}
	avg, err := s.deps.Aggregates.AverageSpending(r.Context(), cq, asOf, win)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, map[string]any{
		"category":    cq.Category,
		"currency":    cq.Currency,
		"as_of":       asOf.Format("2006-01-02"),
		"mode":        win.Mode,
		"lookback":    win.Lookback,
		"granularity": win.Granularity,
		"average":     amountString(avg),
	})
}
