package calc

import (
	"context"
	"fmt"

	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/fx"
	"github.com/tinoosan/tally/internal/ledger"
)

// Resolve returns tx with the given leg's amount expressed in the account
// currency, converting at conv's rate for the transaction date. Legs already
// in the account currency are returned unchanged. A nil conv rejects any leg
// that would need conversion.
func Resolve(ctx context.Context, conv ledger.CurrencyConverter, tx ledger.Transaction, account ledger.Account, isSource bool) (ledger.Transaction, error) {
	amt := tx.Amount
	if !isSource {
		amt = tx.TargetAmount()
	}
	from := amt.Curr().Code()
	if from == account.Currency {
		return tx, nil
	}
	if conv == nil {
		return tx, fmt.Errorf("%w: %s leg of %s on %s account %s", errs.ErrCurrencyMismatch, from, tx.ID, account.Currency, account.ID)
	}
	rate, err := conv.Rate(ctx, from, account.Currency, tx.Date)
	if err != nil {
		return tx, fmt.Errorf("%w: rate %s/%s for %s: %v", errs.ErrCurrencyMismatch, from, account.Currency, tx.ID, err)
	}
	converted, err := fx.Convert(amt, account.Currency, rate)
	if err != nil {
		return tx, fmt.Errorf("%w: %v", errs.ErrCurrencyMismatch, err)
	}
	out := tx
	tr, isTransfer := tx.AsTransfer()
	if isSource {
		if isTransfer {
			// pin the target leg before Amount changes currency
			target := tx.TargetAmount()
			tr.TargetAmount = &target
			out.Kind = tr
		}
		out.Amount = converted
		return out, nil
	}
	tr.TargetAmount = &converted
	out.Kind = tr
	return out, nil
}
