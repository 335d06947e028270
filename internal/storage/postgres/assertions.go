package postgres

import (
	"github.com/tinoosan/tally/internal/ledger"
	"github.com/tinoosan/tally/internal/service/account"
	"github.com/tinoosan/tally/internal/service/aggregate"
	"github.com/tinoosan/tally/internal/service/journal"
)

// Compile-time interface assertions documenting which interfaces Store satisfies.
var (
	_ ledger.TransactionRepository = (*Store)(nil)
	_ ledger.AccountRepository     = (*Store)(nil)
	_ ledger.CategoryRepository    = (*Store)(nil)
	_ aggregate.Store              = (*Store)(nil)

	_ journal.Repo        = (*Store)(nil)
	_ journal.Accounts    = (*Store)(nil)
	_ account.Repo        = (*Store)(nil)
	_ account.Writer      = (*Store)(nil)
	_ account.BatchWriter = (*Store)(nil)
)
