package lib

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxBodySize bounds request bodies. Receipts and challenges are a few
// hundred bytes.
const maxBodySize = 64 << 10

var (
	errEmptyBody    = errors.New("lib: request body is empty")
	errMalformed    = errors.New("lib: request body is not valid JSON")
	errTrailingData = errors.New("lib: request body has trailing data")
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
	Error  string   `json:"error,omitempty"`
	Hint   string   `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, lg *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		lg.Debug("can't write response", "err", err)
	}
}

func (s *Server) respondWithErrors(w http.ResponseWriter, lg *slog.Logger, status int, errs ...string) {
	writeJSON(w, lg, status, errorResponse{Errors: errs})
}

// decodeJSON reads a JSON object from the request body into v. An empty body
// is reported as errEmptyBody so callers that accept defaults can ignore it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: %w", errMalformed, err)
	}

	if dec.More() {
		return errTrailingData
	}

	return nil
}

// publicErrors flattens a joined error into one message per cause, with the
// package prefixes stripped.
func publicErrors(err error) []string {
	var causes []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		causes = joined.Unwrap()
	} else {
		causes = []error{err}
	}

	result := make([]string, 0, len(causes))
	for _, cause := range causes {
		msg := cause.Error()
		if before, rest, ok := strings.Cut(msg, ": "); ok && !strings.Contains(before, " ") {
			msg = rest
		}
		result = append(result, msg)
	}

	return result
}
