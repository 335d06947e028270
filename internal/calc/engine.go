// Package calc is the stateless balance calculation engine: given a
// transaction, an account and which leg the account is on, it computes the
// balance change. It never converts currencies; callers resolve a leg into the
// account currency first.
package calc

import (
	"fmt"

	"github.com/govalues/money"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/ledger"
)

// Delta returns the signed change tx causes on account for the given leg.
//
//	income,   source: +amount
//	expense,  source: -amount
//	transfer, source: -amount           (source currency)
//	transfer, target: +targetAmount     (falls back to amount)
func Delta(tx ledger.Transaction, account ledger.Account, isSource bool) (money.Amount, error) {
	var d money.Amount
	switch tx.Kind.(type) {
	case ledger.Income:
		if !isSource {
			return money.Amount{}, fmt.Errorf("%w: income %s has no target leg", errs.ErrInvalidLeg, tx.ID)
		}
		d = tx.Amount
	case ledger.Expense:
		if !isSource {
			return money.Amount{}, fmt.Errorf("%w: expense %s has no target leg", errs.ErrInvalidLeg, tx.ID)
		}
		d = tx.Amount.Neg()
	case ledger.Transfer:
		if isSource {
			d = tx.Amount.Neg()
		} else {
			d = tx.TargetAmount()
		}
	default:
		return money.Amount{}, fmt.Errorf("%w: transaction %s has no kind", errs.ErrInvalidLeg, tx.ID)
	}
	if d.Curr().Code() != account.Currency {
		return money.Amount{}, fmt.Errorf("%w: leg of %s is %s, account %s is %s",
			errs.ErrCurrencyMismatch, tx.ID, d.Curr().Code(), account.ID, account.Currency)
	}
	return d, nil
}

// Apply returns current with tx's leg applied.
func Apply(tx ledger.Transaction, current money.Amount, account ledger.Account, isSource bool) (money.Amount, error) {
	d, err := Delta(tx, account, isSource)
	if err != nil {
		return money.Amount{}, err
	}
	next, err := current.Add(d)
	if err != nil {
		return money.Amount{}, fmt.Errorf("%w: %v", errs.ErrCurrencyMismatch, err)
	}
	return next, nil
}

// Revert is the exact inverse of Apply for the same (tx, account, isSource).
func Revert(tx ledger.Transaction, current money.Amount, account ledger.Account, isSource bool) (money.Amount, error) {
	d, err := Delta(tx, account, isSource)
	if err != nil {
		return money.Amount{}, err
	}
	prev, err := current.Sub(d)
	if err != nil {
		return money.Amount{}, fmt.Errorf("%w: %v", errs.ErrCurrencyMismatch, err)
	}
	return prev, nil
}
