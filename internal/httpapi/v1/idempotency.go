package v1

import (
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// storedResponse is a replayable response for one Idempotency-Key.
type storedResponse struct {
	BodyHash    string
	Status      int
	ContentType string
	Payload     []byte
}

func hashBytes(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    []byte
}

func (w *captureWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }
func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.buf = append(w.buf, b...)
	return w.ResponseWriter.Write(b)
}

// idempotent runs fn once per Idempotency-Key. A repeat with the same body
// replays the stored response; a repeat with a different body is a 409.
// Without the header fn simply runs. Conflicts and server errors are not
// stored so the client can retry them.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, scope string, body []byte, fn func(http.ResponseWriter)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		fn(w)
		return
	}
	key = scope + ":" + key
	h := hashBytes(body)
	if prev, ok := s.idem.Get(key); ok {
		if prev.BodyHash != h {
			writeErr(w, http.StatusConflict, "idempotency_mismatch", "idempotency_mismatch")
			return
		}
		s.log.DebugContext(r.Context(), "idempotent replay", "key", key, "status", prev.Status)
		if prev.ContentType != "" {
			w.Header().Set("Content-Type", prev.ContentType)
		}
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(prev.Status)
		_, _ = w.Write(prev.Payload)
		return
	}
	rw := &captureWriter{ResponseWriter: w}
	fn(rw)
	if rw.status == 0 || rw.status == http.StatusConflict || rw.status >= http.StatusInternalServerError {
		return
	}
	if n := s.idem.CleanExpired(); n > 0 {
		s.log.DebugContext(r.Context(), "idempotency keys expired", "count", n)
	}
	s.idem.Set(key, storedResponse{
		BodyHash:    h,
		Status:      rw.status,
		ContentType: rw.Header().Get("Content-Type"),
		Payload:     append([]byte(nil), rw.buf...),
	})
}
