package importer_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinoosan/tally/internal/service/importer"
)

func TestMultiSinkRecordsEverySink(t *testing.T) {
	var calls []string
	boom := errors.New("broker down")
	sinks := importer.MultiSink{
		importer.SinkFunc(func(_ context.Context, s importer.Stats) error {
			calls = append(calls, "first:"+s.RunID)
			return boom
		}),
		nil,
		importer.SinkFunc(func(_ context.Context, s importer.Stats) error {
			calls = append(calls, "second:"+s.RunID)
			return nil
		}),
	}
	err := sinks.Record(context.Background(), importer.Stats{RunID: "r1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the failing sink's error", err)
	}
	if len(calls) != 2 || calls[0] != "first:r1" || calls[1] != "second:r1" {
		t.Fatalf("calls %v", calls)
	}
}

func TestIssueLoggerLogsSampledRows(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	e := newEnv(t, nil)
	log := slog.New(slog.NewTextHandler(&buf, nil))
	p := importer.New(e.st, e.accts, e.st, e.bal, e.agg, importer.MultiSink{importer.IssueLogger(log)}, quiet)
	_, err := p.Run(ctx, importer.Rows(
		importer.RawRow{Date: "2024-03-01", Type: "income", Amount: "5", Currency: "EUR", Account: "Main"},
		importer.RawRow{Date: "someday", Type: "income", Amount: "6", Currency: "EUR", Account: "Main"},
	), importer.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := buf.String()
	if strings.Count(out, "import row rejected") != 1 || !strings.Contains(out, "row=2") || !strings.Contains(out, "field=date") {
		t.Fatalf("issue log %q", out)
	}
}
