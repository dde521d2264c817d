// Package httpapi serves spec §6's wire protocol over HTTP+JSON using
// github.com/go-chi/chi/v5, grounded on the teacher's pkg/server/server.go
// (router + middleware assembly) and pkg/server/handlers/handlers.go
// (typed-error-to-status-code mapping, parseJSONBody/writeError helpers).
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
)

// conflictError maps to 409: another open transaction on the same object,
// or a prepare phase that didn't reach unanimous yes (spec §7's Conflict
// and PrepareNack/InvalidReply, which are surfaced identically).
type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

// badRequestError maps to 400: a malformed request body.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

// internalError maps to 500: a durability failure (spec §7's
// LogWriteFailure), surfaced to the caller with no partial state visible.
type internalError struct{ msg string }

func (e *internalError) Error() string { return e.msg }

func parseJSONBody(r *http.Request, target interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &badRequestError{msg: "failed to read request body"}
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return &badRequestError{msg: "request body is empty"}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &badRequestError{msg: "invalid JSON: " + err.Error()}
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *badRequestError:
		status = http.StatusBadRequest
	case *conflictError:
		status = http.StatusConflict
	case *internalError:
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
}

func writeEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
