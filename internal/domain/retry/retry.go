// Package retry provides the backoff policy and failure classification used
// by both retry layers of the job engine: the inner API-call loop and the
// outer job re-queue loop. Classification is pure data; no side effects.
package retry

import (
	"errors"
	"net/http"
	"time"

	"github.com/clipforge/taskd/internal/domain/model"
)

// Class is the outcome of classifying a failure.
type Class int

const (
	// Fatal means the failure will not be retried. Unclassified errors are
	// fatal by default; a new failure mode must be explicitly added to the
	// retryable set, never assumed retryable.
	Fatal Class = iota
	// Retryable means a delayed re-attempt is warranted.
	Retryable
)

// String returns the classification tag used in logs and error summaries.
func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Classifier decides whether a failure is worth retrying.
type Classifier func(error) Class

// Policy is a deterministic capped exponential backoff curve. The same shape
// is instantiated twice with different constants: once for single API calls
// and once for whole-job re-queues. No jitter, so behaviour is reproducible.
// MaxAttempts counts total attempts including the first one, not retries.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before re-attempting after failure number attempt
// (0-indexed): min(Initial * 2^attempt, Max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether attempt (0-indexed) is at or beyond the bound.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Default policies. The inner constants mirror the retry envelope appropriate
// for one remote call (the first attempt plus three retries); the outer
// constants use a coarser scale appropriate for re-queueing a whole job. The
// two loops are operationally independent.
var (
	DefaultAPICallPolicy = Policy{Initial: 1 * time.Second, Max: 10 * time.Second, MaxAttempts: 4}
	DefaultJobPolicy     = Policy{Initial: 5 * time.Second, Max: 5 * time.Minute, MaxAttempts: 3}
)

// retryableStatuses is the fixed, enumerable set of remote conditions worth
// retrying at the API-call layer.
var retryableStatuses = map[int]struct{}{
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
	http.StatusTooManyRequests:     {},
}

// ClassifyAPICall classifies a failure from a single external-service call.
// Transient transport/service conditions are retryable; everything else,
// including validation errors, is fatal at this layer.
func ClassifyAPICall(err error) Class {
	if err == nil {
		return Fatal
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		if _, ok := retryableStatuses[apiErr.StatusCode]; ok {
			return Retryable
		}
		return Fatal
	}
	if model.IsRateLimit(err) {
		return Retryable
	}
	return Fatal
}

// ClassifyJob classifies whatever error propagates out of a handler. Only the
// dedicated rate-limit error re-queues the whole job: once a quota window is
// exhausted, retrying inside a single call cannot succeed, but a later
// dispatch cycle can. Every other failure is fatal, including errors that
// already exhausted their inner retries.
func ClassifyJob(err error) Class {
	if model.IsRateLimit(err) {
		return Retryable
	}
	return Fatal
}
