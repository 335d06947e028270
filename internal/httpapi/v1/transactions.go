package v1

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/meta"
	"github.com/tinoosan/tally/internal/service/journal"
)

// toTransactionDomain builds a transaction from the request. A missing
// currency defaults to the owning account's; a missing target currency to
// the target account's.
func (s *Server) toTransactionDomain(ctx context.Context, req transactionRequest) (ledger.Transaction, error) {
	date, err := parseDate(req.Date)
	if err != nil {
		return ledger.Transaction{}, err
	}
	typ, err := ledger.ParseType(req.Type)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}
	if req.AccountID == uuid.Nil {
		return ledger.Transaction{}, fmt.Errorf("%w: account_id is required", errs.ErrInvalid)
	}
	curr := strings.ToUpper(strings.TrimSpace(req.Currency))
	if curr == "" {
		acc, err := s.deps.Accounts.Get(ctx, req.AccountID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		curr = acc.Currency
	}
	amount, err := parseAmount(curr, req.Amount)
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx := ledger.Transaction{
		Date:        date,
		Amount:      amount,
		AccountID:   req.AccountID,
		Category:    req.Category,
		Subcategory: req.Subcategory,
		Description: req.Description,
		Metadata:    meta.New(req.Metadata),
	}
	switch typ {
	case ledger.TypeIncome:
		tx.Kind = ledger.Income{}
	case ledger.TypeExpense:
		tx.Kind = ledger.Expense{}
	case ledger.TypeTransfer:
		if req.TargetAccountID == nil {
			return ledger.Transaction{}, fmt.Errorf("%w: target_account_id is required for %s", errs.ErrInvalid, typ)
		}
		tr := ledger.Transfer{TargetAccountID: *req.TargetAccountID}
		if req.TargetAmount != "" {
			tcurr := strings.ToUpper(strings.TrimSpace(req.TargetCurrency))
			if tcurr == "" {
				target, err := s.deps.Accounts.Get(ctx, tr.TargetAccountID)
				if err != nil {
					return ledger.Transaction{}, err
				}
				tcurr = target.Currency
			}
			ta, err := parseAmount(tcurr, req.TargetAmount)
			if err != nil {
				return ledger.Transaction{}, err
			}
			tr.TargetAmount = &ta
		}
		tx.Kind = tr
	}
	if typ != ledger.TypeTransfer && (req.TargetAccountID != nil || req.TargetAmount != "") {
		return ledger.Transaction{}, fmt.Errorf("%w: target fields are only valid for %s", errs.ErrInvalid, ledger.TypeTransfer)
	}
	return tx, nil
}

func (s *Server) postTransaction(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req transactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := s.toTransactionDomain(r.Context(), req)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	created, err := s.deps.Journal.Create(r.Context(), tx)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusCreated, toTransactionResponse(created))
}

// listTransactions supports account_id, type, from and to (YYYY-MM-DD).
func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f journal.Filter
	if raw := q.Get("account_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(w, "invalid account_id")
			return
		}
		f.AccountID = id
	}
	if raw := q.Get("type"); raw != "" {
		typ, err := ledger.ParseType(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		f.Type = typ
	}
	var err error
	if f.From, err = optionalDate(q.Get("from")); err != nil {
		badRequest(w, err.Error())
		return
	}
	if f.To, err = optionalDate(q.Get("to")); err != nil {
		badRequest(w, err.Error())
		return
	}
	txs, err := s.deps.Journal.List(r.Context(), f)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	toJSON(w, http.StatusOK, out)
}

func optionalDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := parseDate(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	tx, err := s.deps.Journal.Get(r.Context(), id)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// putTransaction replaces the whole transaction; the id and creation time
// are kept.
func (s *Server) putTransaction(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := s.toTransactionDomain(r.Context(), req)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	tx.ID = id
	updated, err := s.deps.Journal.Update(r.Context(), tx)
	if err != nil {
		s.serviceErr(w, r, err)
		return
	}
	toJSON(w, http.StatusOK, toTransactionResponse(updated))
}

func (s *Server) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Journal.Delete(r.Context(), id); err != nil {
		s.serviceErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
