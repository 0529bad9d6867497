package errors

import (
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/clipforge/taskd/internal/domain/model"
)

// Classify returns a normalized error type name suitable for tagging metrics/logs.
// Well-known domain errors get stable names; everything else falls back to the
// innermost concrete type converted to snake_case-ish.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var rateLimitErr *model.RateLimitError
	if goerrors.As(err, &rateLimitErr) {
		return "rate_limit"
	}
	var apiErr *model.APIError
	if goerrors.As(err, &apiErr) {
		return "api_error"
	}
	var validationErr *model.ValidationError
	if goerrors.As(err, &validationErr) {
		return "validation"
	}

	// Unwrap to the innermost error for better signal.
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ToLower(strings.ReplaceAll(t.String(), "*", ""))
	name = strings.ReplaceAll(name, ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
