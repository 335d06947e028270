package importer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinoosan/tally/internal/errs"
)

// RowIssue is a sampled row failure.
type RowIssue struct {
	Row     int    `json:"row"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// Stats summarises one import run.
type Stats struct {
	RunID                string        `json:"run_id"`
	Source               string        `json:"source,omitempty"`
	TotalRows            int           `json:"total_rows"`
	Imported             int           `json:"imported"`
	Skipped              int           `json:"skipped"`
	Duplicates           int           `json:"duplicates"`
	Discarded            int           `json:"discarded"`
	CreatedAccounts      int           `json:"created_accounts"`
	CreatedCategories    int           `json:"created_categories"`
	CreatedSubcategories int           `json:"created_subcategories"`
	Mismatches           int           `json:"reconciliation_mismatches"`
	Duration             time.Duration `json:"duration_ns"`
	Errors               []RowIssue    `json:"errors,omitempty"`
	Cancelled            bool          `json:"cancelled"`

	maxSamples int
}

func (s *Stats) skip(err *errs.RowError) {
	s.Skipped++
	if len(s.Errors) >= s.maxSamples {
		return
	}
	issue := RowIssue{Row: err.Row, Code: err.Code(), Field: err.Field, Value: err.Value, Message: err.Error()}
	s.Errors = append(s.Errors, issue)
}

// LogValue renders the summary without the error samples.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.Int("total", s.TotalRows),
		slog.Int("imported", s.Imported),
		slog.Int("skipped", s.Skipped),
		slog.Int("duplicates", s.Duplicates),
		slog.Int("discarded", s.Discarded),
		slog.Int("created_accounts", s.CreatedAccounts),
		slog.Duration("duration", s.Duration),
		slog.Bool("cancelled", s.Cancelled),
	)
}

// StatsSink receives the summary of every finished run.
type StatsSink interface {
	Record(ctx context.Context, s Stats) error
}

// SinkFunc adapts a function to StatsSink.
type SinkFunc func(ctx context.Context, s Stats) error

func (f SinkFunc) Record(ctx context.Context, s Stats) error { return f(ctx, s) }

// MultiSink fans a summary out to several sinks.
type MultiSink []StatsSink

func (m MultiSink) Record(ctx context.Context, s Stats) error {
	var errList []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, s); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// IssueLogger logs the sampled row failures of a run, one line each.
func IssueLogger(log *slog.Logger) StatsSink {
	return SinkFunc(func(ctx context.Context, s Stats) error {
		for _, issue := range s.Errors {
			log.WarnContext(ctx, "import row rejected",
				"run_id", s.RunID, "row", issue.Row, "code", issue.Code, "field", issue.Field, "err", issue.Message)
		}
		return nil
	})
}
