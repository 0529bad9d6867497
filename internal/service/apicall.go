package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/domain/retry"
	"github.com/clipforge/taskd/internal/domain/usage"
	"github.com/clipforge/taskd/internal/observability/metrics"
)

// APICall performs one attempt against an external provider, returning the
// response payload and the usage counters that single attempt consumed.
type APICall func(ctx context.Context) (json.RawMessage, usage.Record, error)

// Sleeper waits for d or until ctx is done. Injectable so tests can record
// delays instead of waiting them out.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// APICallExecutorOptions configures an APICallExecutor.
type APICallExecutorOptions struct {
	Policy   *retry.Policy    // Optional: defaults to retry.DefaultAPICallPolicy
	Classify retry.Classifier // Optional: defaults to retry.ClassifyAPICall
	Logger   *slog.Logger     // Optional: structured logger
	Metrics  *metrics.Collector
	Sleep    Sleeper          // Optional: defaults to context-aware time.Sleep
	Now      func() time.Time // Optional: defaults to time.Now
}

// APICallExecutor runs a single external-service call under the inner retry
// loop. It is independent of the job-level retry loop: delays here block only
// the current attempt of the current job, and exhausting this loop surfaces
// one error to the caller.
type APICallExecutor struct {
	policy   retry.Policy
	classify retry.Classifier
	logger   *slog.Logger
	metrics  *metrics.Collector
	sleep    Sleeper
	now      func() time.Time
}

// NewAPICallExecutor constructs an executor, filling unset options with the
// defaults above.
func NewAPICallExecutor(opts APICallExecutorOptions) *APICallExecutor {
	policy := retry.DefaultAPICallPolicy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	classify := opts.Classify
	if classify == nil {
		classify = retry.ClassifyAPICall
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &APICallExecutor{
		policy:   policy,
		classify: classify,
		logger:   resolveLogger(opts.Logger).With("component", "api_call_executor"),
		metrics:  opts.Metrics,
		sleep:    sleep,
		now:      now,
	}
}

// Do invokes call until it succeeds, fails fatally, or the retry budget runs
// out. On success the returned usage record carries start/end timestamps for
// the whole call (first attempt start to last attempt end) and an
// attempt_count of how many attempts were consumed. When the budget runs out
// on rate limiting, the error is wrapped in *model.RateLimitError so the
// job-level classifier can re-queue the whole job.
func (e *APICallExecutor) Do(ctx context.Context, provider string, call APICall) (json.RawMessage, usage.Record, error) {
	started := e.now()

	var lastErr error
	for attempt := 0; !e.policy.Exhausted(attempt); attempt++ {
		result, rec, err := call(ctx)
		if err == nil {
			e.metrics.RecordAPICallAttempt(provider, metrics.ResultSuccess)
			if rec == nil {
				rec = usage.Record{}
			}
			rec[usage.KeyAttemptCount] = attempt + 1
			return result, usage.Stamp(rec, started, e.now()), nil
		}
		lastErr = err
		e.metrics.RecordAPICallAttempt(provider, metrics.ResultError)

		if e.classify(err) == retry.Fatal {
			e.logger.DebugContext(ctx, "api call failed fatally",
				"provider", provider,
				"attempt", attempt+1,
				"error", err,
			)
			return nil, nil, err
		}
		if e.policy.Exhausted(attempt + 1) {
			break
		}

		delay := e.policy.Delay(attempt)
		e.logger.DebugContext(ctx, "api call failed, retrying",
			"provider", provider,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}

	if isRateLimited(lastErr) && !model.IsRateLimit(lastErr) {
		lastErr = &model.RateLimitError{Provider: provider, Msg: lastErr.Error()}
	}
	return nil, nil, fmt.Errorf("call to %s failed after %d attempts: %w", provider, e.policy.MaxAttempts, lastErr)
}

// isRateLimited reports whether err is rate limiting in either shape: the
// dedicated error type or a 429 status from the provider.
func isRateLimited(err error) bool {
	if model.IsRateLimit(err) {
		return true
	}
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}
