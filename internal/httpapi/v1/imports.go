package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/tinoosan/tally/internal/csvrows"
	"github.com/tinoosan/tally/internal/errs"
	"github.com/tinoosan/tally/internal/service/importer"
)

const maxImportBytes = 32 << 20

type importRequest struct {
	Source     string            `json:"source,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	WithinFile *bool             `json:"within_file,omitempty"`
	BatchSize  int               `json:"batch_size,omitempty"`
	Mappings   importer.Mappings `json:"mappings"`
	Rows       []importer.RawRow `json:"rows"`
}

// postImport runs one import. JSON bodies carry pre-tokenised rows; text/csv
// bodies are tokenised by header, with source, currency, delimiter and
// within_file taken from the query string. An Idempotency-Key makes a
// retried upload replay the first summary instead of importing twice.
func (s *Server) postImport(w http.ResponseWriter, r *http.Request) {
	mt := mediaType(r)
	if mt != "application/json" && mt != "text/csv" {
		writeErr(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "unsupported_media_type")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeErr(w, http.StatusRequestEntityTooLarge, "body too large", "too_large")
		return
	}
	opts := s.deps.ImportDefaults
	var src importer.RowSource
	if mt == "application/json" {
		var req importRequest
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			badRequest(w, "invalid JSON: "+err.Error())
			return
		}
		if req.Source != "" {
			opts.Source = req.Source
		}
		if req.Currency != "" {
			opts.DefaultCurrency = req.Currency
		}
		if req.WithinFile != nil {
			opts.WithinFile = *req.WithinFile
		}
		if req.BatchSize > 0 {
			opts.BatchSize = req.BatchSize
		}
		opts.Mappings = req.Mappings
		src = importer.Rows(req.Rows...)
	} else {
		q := r.URL.Query()
		if v := q.Get("source"); v != "" {
			opts.Source = v
		}
		if v := q.Get("currency"); v != "" {
			opts.DefaultCurrency = v
		}
		if v := q.Get("within_file"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				badRequest(w, "invalid within_file")
				return
			}
			opts.WithinFile = b
		}
		var copts csvrows.Options
		if v := q.Get("delimiter"); v != "" {
			c, size := utf8.DecodeRuneInString(v)
			if size != len(v) {
				badRequest(w, "delimiter must be a single character")
				return
			}
			copts.Comma = c
		}
		rd, err := csvrows.New(bytes.NewReader(body), copts)
		if err != nil {
			unprocessable(w, err.Error(), "invalid_csv")
			return
		}
		src = rd
	}
	if opts.Source == "" {
		opts.Source = "api"
	}

	fingerprint := append([]byte(r.URL.RawQuery+"\n"), body...)
	s.idempotent(w, r, "imports", fingerprint, func(w http.ResponseWriter) {
		stats, err := s.deps.Importer.Run(r.Context(), src, opts)
		if errors.Is(err, errs.ErrConflict) {
			conflict(w, "an import is already running")
			return
		}
		if err != nil {
			s.log.ErrorContext(r.Context(), "import failed", "run_id", stats.RunID, "err", err)
			if stats.RunID == "" {
				s.serviceErr(w, r, err)
				return
			}
			// the run was finalised; report what landed
			toJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "code": "import_failed", "stats": stats})
			return
		}
		toJSON(w, http.StatusOK, stats)
	})
}

func (s *Server) getImportState(w http.ResponseWriter, r *http.Request) {
	toJSON(w, http.StatusOK, map[string]string{"state": s.deps.Importer.State().String()})
}
