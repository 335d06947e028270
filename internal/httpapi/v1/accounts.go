package v1

import (
	"encoding/json"
	"io"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/meta"
)

const maxBatchAccounts = 100

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func toAccountDomain(req postAccountRequest) (ledger.Account, error) {
	a := ledger.Account{
		Name:     req.Name,
		Currency: req.Currency,
		Mode:     ledger.CalculationMode(req.Mode),
		Metadata: meta.New(req.Metadata),
	}
	if req.InitialBalance != "" {
		amt, err := parseAmount(req.Currency, req.InitialBalance)
		if err != nil {
			return ledger.Account{}, err
		}
		a.InitialBalance = amt
	}
	return a, nil
}

// withBalance attaches the live balance when the table holds one.
func (s *Server) withBalance(a ledger.Account) accountResponse {
	out := toAccountResponse(a)
	if b, ok := s.deps.Balances.Balance(a.ID); ok {
		str := amountString(b)
		out.Balance = &str
	}
	return out
}

func (s *Server) postAccount(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req postAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := toAccountDomain(req)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	if err := s.deps.Accounts.ValidateCreate(a); err != nil {
		s.serviceErr(w, r, err)
		return
	}
	created, err := s.deps.Accounts.Create(r.Context(), a)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusCreated, s.withBalance(created))
}

// postAccountsBatch creates several accounts all-or-nothing. It answers 201
// with {accounts:[...]} or 422 with per-item {errors:[...]}.
func (s *Server) postAccountsBatch(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "read body: "+err.Error())
		return
	}
	var req struct {
		Accounts []postAccountRequest `json:"accounts"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Accounts) == 0 {
		badRequest(w, "accounts is required")
		return
	}
	if len(req.Accounts) > maxBatchAccounts {
		unprocessable(w, "too_many_items", "too_many_items")
		return
	}
	// hash the decoded form so formatting differences replay
	norm, _ := json.Marshal(req)
	s.idempotent(w, r, "accounts", norm, func(w http.ResponseWriter) {
		type item struct {
			Index int    `json:"index"`
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		var bad []item
		specs := make([]ledger.Account, 0, len(req.Accounts))
		for i, a := range req.Accounts {
			spec, err := toAccountDomain(a)
			if err != nil {
				_, code := errorCode(err)
				bad = append(bad, item{Index: i, Code: code, Error: err.Error()})
				continue
			}
			specs = append(specs, spec)
		}
		if len(bad) > 0 {
			toJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": bad})
			return
		}
		created, itemErrs, err := s.deps.Accounts.EnsureAccountsBatch(r.Context(), specs)
		if err != nil {
			s.serviceErr(w, r, err)
			return
		}
		if len(itemErrs) > 0 {
			for _, e := range itemErrs {
				bad = append(bad, item{Index: e.Index, Code: e.Code, Error: e.Err.Error()})
			}
			toJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": bad})
			return
		}
		resp := struct {
			Accounts []accountResponse `json:"accounts"`
		}{Accounts: make([]accountResponse, 0, len(created))}
		for _, a := range created {
			resp.Accounts = append(resp.Accounts, s.withBalance(a))
		}
		toJSON(w, http.StatusCreated, resp)
	})
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Accounts.List(r.Context())
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		if !a.Active && !includeInactive {
			continue
		}
		out = append(out, s.withBalance(a))
	}
	toJSON(w, http.StatusOK, out)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, s.withBalance(a))
}

// updateAccount applies the present fields in a fixed order: descriptive
// fields, mode, initial balance, then the manual balance override, so a
// single request can switch an account to manual and set its balance.
func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req patchAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	acc, err := s.deps.Accounts.Get(ctx, id)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	if req.Name != nil || req.Metadata != nil {
		next := acc
		if req.Name != nil {
			next.Name = *req.Name
		}
		if req.Metadata != nil {
			next.Metadata = meta.New(*req.Metadata)
		}
		if acc, err = s.deps.Accounts.Update(ctx, next); err != nil {
			s.serviceErr(w, r, err)
			return
		}
	}
	if req.Mode != nil {
		mode, err := ledger.ParseMode(*req.Mode)
		if err != nil {
			s.serviceErr(w, r, err)
			return
		}
		if acc, err = s.deps.Accounts.SetMode(ctx, id, mode); err != nil {
			s.serviceErr(w, r, err)
			return
		}
	}
	if req.InitialBalance != nil {
		amt, err := parseAmount(acc.Currency, *req.InitialBalance)
		if err != nil {
			s.serviceErr(w, r, err)
			return
		}
		if acc, err = s.deps.Accounts.SetInitialBalance(ctx, id, amt); err != nil {
			s.serviceErr(w, r, err)
			return
		}
	}
	if req.ManualBalance != nil {
		amt, err := parseAmount(acc.Currency, *req.ManualBalance)
		if err != nil {
			s.serviceErr(w, r, err)
			return
		}
		if err := s.deps.Accounts.SetManualBalance(ctx, id, amt); err != nil {
			s.serviceErr(w, r, err)
			return
		}
	}
	toJSON(w, http.StatusOK, s.withBalance(acc))
}

// deactivateAccount soft-deletes; existing transactions keep applying.
func (s *Server) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Accounts.Deactivate(r.Context(), id); err != nil {
		s.serviceErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAccountBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	acc, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	b, ok := s.deps.Balances.Balance(id)
	if !ok {
		notFound(w)
		return
	}
	toJSON(w, http.StatusOK, struct {
		AccountID uuid.UUID              `json:"account_id"`
		Balance   string                 `json:"balance"`
		Currency  string                 `json:"currency"`
		Mode      ledger.CalculationMode `json:"mode"`
	}{AccountID: id, Balance: amountString(b), Currency: acc.Currency, Mode: acc.Mode})
}
