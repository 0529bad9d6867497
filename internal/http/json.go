package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// DecodeJSON strictly decodes the request body into dst, rejecting unknown
// fields so client typos surface as 400s instead of silently dropped options.
// On failure the error response has already been written; callers just return.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: err})
		return false
	}

	return true
}

// WriteJSON encodes v into a buffer before touching the ResponseWriter, so an
// encoding failure can still produce a clean 500 instead of a half-written
// body behind a 200 already on the wire.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Client went away mid-response; nothing left to clean up.
		return
	}
}

// ErrorParams carries the HTTP status, the machine-readable error code, and
// the underlying error for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError renders the uniform error body: a stable "error" code clients
// can branch on plus a human-readable "message". Internal detail never leaks
// beyond Err's message, so wrap infrastructure errors before passing them.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}
