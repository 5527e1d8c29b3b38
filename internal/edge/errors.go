package edge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/pkg/errors"
)

// APIError is the client-facing error envelope. Message is always a single
// line, stripped of SQL text and bound parameters — see sanitizeDBError.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: APIError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// wrapTableError annotates a statement failure with the table/row it
// happened against, using errors.Wrap so the request-scoped log line keeps
// a full stack trace while the client-facing message stays one line.
func wrapTableError(err error, table, rowID string) error {
	return errors.Wrap(err, fmt.Sprintf("table=%s rowId=%s", table, rowID))
}

// sqlNoiseRe strips a trailing "DETAIL:"/"HINT:"/"CONTEXT:" section (and
// everything after it) from an error's text, keeping only the first part of
// the message for the client.
var sqlNoiseRe = regexp.MustCompile(`(?s)\s*(DETAIL|HINT|CONTEXT):.*$`)

// sanitizeDBError collapses a driver error (possibly carrying a
// PG-code/constraint/detail/hint) into one client-safe line.
func sanitizeDBError(err error) string {
	cause := errors.Cause(err)
	msg := sqlNoiseRe.ReplaceAllString(cause.Error(), "")
	return msg
}
