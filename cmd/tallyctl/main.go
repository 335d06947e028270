package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"unicode/utf8"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/tinoosan/tally/internal/app"
	"github.com/tinoosan/tally/internal/config"
	"github.com/tinoosan/tally/internal/csvrows"
)

type globals struct {
	ctx context.Context
	app *app.App
	out io.Writer
}

var cli struct {
	Import   importCmd   `cmd:"" help:"Import transactions from a CSV file."`
	Recalc   recalcCmd   `cmd:"" help:"Replay the stored log and report balance mismatches."`
	Balances balancesCmd `cmd:"" help:"Print the current balance of every account."`
}

type importCmd struct {
	File       string `arg:"" help:"CSV file to import." type:"existingfile"`
	Source     string `help:"Source name recorded on imported transactions."`
	Delimiter  string `help:"Field delimiter." default:","`
	BatchSize  int    `help:"Rows per commit batch; 0 uses the configured size."`
	WithinFile *bool  `help:"Also drop rows that duplicate an earlier row of the same file."`
	Currency   string `help:"Currency for rows that do not name one."`
}

func (c *importCmd) Run(g *globals) error {
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()

	comma, size := utf8.DecodeRuneInString(c.Delimiter)
	if size == 0 || size != len(c.Delimiter) {
		return fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter)
	}
	rows, err := csvrows.New(f, csvrows.Options{Comma: comma})
	if err != nil {
		return err
	}

	opts := g.app.ImportOptions()
	opts.Source = c.Source
	if opts.Source == "" {
		opts.Source = c.File
	}
	if c.BatchSize > 0 {
		opts.BatchSize = c.BatchSize
	}
	if c.WithinFile != nil {
		opts.WithinFile = *c.WithinFile
	}
	if c.Currency != "" {
		opts.DefaultCurrency = c.Currency
	}

	stats, err := g.app.Importer.Run(g.ctx, rows, opts)
	if perr := printJSON(g.out, stats); perr != nil {
		return perr
	}
	return err
}

type recalcCmd struct {
	Strict bool `help:"Exit non-zero when any account disagreed."`
}

func (c *recalcCmd) Run(g *globals) error {
	rec, err := g.app.Journal.Reconcile(g.ctx)
	if err != nil {
		return err
	}
	r := rec.Balances
	fmt.Fprintf(g.out, "accounts=%d transactions=%d rejected=%d aggregate_drift=%d\n",
		r.Accounts, r.Transactions, r.Rejected, rec.AggregateDrift)
	for _, m := range r.Mismatches {
		fmt.Fprintf(g.out, "mismatch %s incremental=%s recalculated=%s\n",
			m.AccountID, m.Incremental.Decimal(), m.Recalculated.Decimal())
	}
	if c.Strict {
		return rec.Balances.Err()
	}
	return nil
}

type balancesCmd struct{}

func (c *balancesCmd) Run(g *globals) error {
	accounts, err := g.app.Accounts.List(g.ctx)
	if err != nil {
		return err
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	snap := g.app.Balances.Snapshot()
	for _, acc := range accounts {
		b, ok := snap.Get(acc.ID)
		if !ok {
			continue
		}
		fmt.Fprintf(g.out, "%-30s %12s %s %s\n", acc.Name, b.Decimal().String(), b.Curr().Code(), acc.Mode)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("tallyctl"),
		kong.Description("Offline tools for the tally ledger."),
		kong.UsageOnError(),
	)

	_ = godotenv.Load()
	cfg := config.Load()
	kctx.FatalIfErrorf(cfg.Validate())

	logger := app.BuildLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	kctx.FatalIfErrorf(err)
	defer a.Close()

	_, err = a.Warm(ctx)
	kctx.FatalIfErrorf(err)

	err = kctx.Run(&globals{ctx: ctx, app: a, out: os.Stdout})
	a.Close()
	kctx.FatalIfErrorf(err)
}
