package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/account"
)

// errorResponse is the standard error payload for the API.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeErr(w http.ResponseWriter, status int, msg, code string) {
	toJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) { writeErr(w, http.StatusBadRequest, msg, "bad_request") }
func notFound(w http.ResponseWriter)               { writeErr(w, http.StatusNotFound, "not_found", "not_found") }
func conflict(w http.ResponseWriter, msg string)   { writeErr(w, http.StatusConflict, msg, "conflict") }
func unprocessable(w http.ResponseWriter, msg, code string) {
	writeErr(w, http.StatusUnprocessableEntity, msg, code)
}

// errorCode maps a service error to its API code and status.
func errorCode(err error) (status int, code string) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, account.ErrNameExists):
		return http.StatusConflict, "name_exists"
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errs.ErrAlreadyApplied), errors.Is(err, errs.ErrNotApplied):
		return http.StatusConflict, "not_applicable"
	case errors.Is(err, errs.ErrImmutable):
		return http.StatusUnprocessableEntity, "immutable"
	case errors.Is(err, errs.ErrInactive):
		return http.StatusUnprocessableEntity, "inactive_account"
	case errors.Is(err, errs.ErrCurrencyMismatch):
		return http.StatusUnprocessableEntity, "currency_mismatch"
	case errors.Is(err, errs.ErrInvalidLeg):
		return http.StatusUnprocessableEntity, "invalid_leg"
	case errors.Is(err, ledger.ErrNonPositive), errors.Is(err, ledger.ErrTargetAmount):
		return http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, ledger.ErrTransferAccounts), errors.Is(err, ledger.ErrTargetSameCurr):
		return http.StatusUnprocessableEntity, "invalid_transfer"
	case errors.Is(err, errs.ErrInvalid), errors.Is(err, errs.ErrValidation),
		errors.Is(err, ledger.ErrInvalidTransaction), errors.Is(err, ledger.ErrMissingKind):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.Is(err, errs.ErrPersistence):
		return http.StatusInternalServerError, "persistence_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// serviceErr writes err with the status its sentinel maps to. Internal
// failures are logged and their text is not echoed.
func (s *Server) serviceErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeErr(w, status, code, code)
		return
	}
	writeErr(w, status, err.Error(), code)
}
