package model

import (
	"errors"
	"fmt"
	"net/http"
)

// RateLimitError indicates an external provider exhausted its quota window.
// Handlers let it propagate unmodified so the orchestrator can recognise it
// and re-queue the whole job instead of failing it.
type RateLimitError struct {
	Provider string
	Msg      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s", e.Provider, e.Msg)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// APIError describes a failed call to an external service, keyed by the
// remote HTTP status. The retry classifier inspects StatusCode to decide
// whether the call is worth repeating.
type APIError struct {
	Provider   string
	StatusCode int
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Msg)
}

// RateLimited reports whether the remote status indicates quota exhaustion.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ValidationError indicates a malformed payload or contract violation.
// Never retried: repeating a malformed request cannot succeed.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}
