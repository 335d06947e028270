package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/tinoosan/tally/internal/dictionary"
	"github.com/tinoosan/tally/internal/ledger"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
	defer cancel()
	if err := s.deps.Ready.Ready(ctx); err != nil {
		s.log.WarnContext(r.Context(), "not ready", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// postReconcile replays the log through both oracles. Mismatches are part of
// the report, not an error.
func (s *Server) postReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Journal.Reconcile(r.Context())
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toReconcileResponse(rec.Balances, rec.AggregateDrift))
}

// listCuratedCategories returns the curated categories, optionally for one
// type.
func (s *Server) listCuratedCategories(w http.ResponseWriter, r *http.Request) {
	var typ *ledger.TransactionType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := ledger.ParseType(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		typ = &t
	}
	toJSON(w, http.StatusOK, map[string]any{"categories": dictionary.CategoriesFor(typ)})
}
