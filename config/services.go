package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clipforge/taskd/internal/domain/retry"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the in-process worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for stuck-job recovery.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns
// the enabled services. It validates that all service names are valid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for _, part := range strings.Split(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of jobs the pool runs at once.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// BatchSize is the maximum number of jobs claimed per tenant per pass.
	BatchSize int `env:"WORKER_BATCH_SIZE" envDefault:"10"`

	// PollInterval is the fallback claim interval when no notification
	// arrives. Delayed retries become due without firing a notification, so
	// this also bounds how stale a due retry can sit unclaimed.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// TenantScanLimit caps how many tenants one claim pass considers.
	TenantScanLimit int `env:"WORKER_TENANT_SCAN_LIMIT" envDefault:"100"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.BatchSize < 1 {
		w.BatchSize = 1
	}
	if w.PollInterval < time.Second {
		w.PollInterval = time.Second
	}
	if w.TenantScanLimit < 1 {
		w.TenantScanLimit = 1
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// AssignedMaxAge is how long a job may sit assigned without starting
	// before it returns to pending.
	AssignedMaxAge time.Duration `env:"REAPER_ASSIGNED_MAX_AGE" envDefault:"5m"`

	// PendingMaxAge is how long a pending job may remain unclaimed past its
	// scheduled_at before it is failed as expired. Retries reset the clock
	// because requeueing moves scheduled_at forward.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"24h"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.AssignedMaxAge < time.Minute {
		r.AssignedMaxAge = time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
}

// RetryConfig overrides the default backoff constants of the two retry
// layers. The API-call layer retries a single remote call inside one job
// attempt; the job layer re-queues the whole job. Both MAX_ATTEMPTS knobs
// count total attempts including the first, so the default of 4 means one
// call plus three retries. RETRY_JOB_MAX_ATTEMPTS additionally clamps any
// larger per-job max_attempts at dispatch time.
type RetryConfig struct {
	APICallInitialDelay time.Duration `env:"RETRY_API_CALL_INITIAL_DELAY" envDefault:"1s"`
	APICallMaxDelay     time.Duration `env:"RETRY_API_CALL_MAX_DELAY"     envDefault:"10s"`
	APICallMaxAttempts  int           `env:"RETRY_API_CALL_MAX_ATTEMPTS"  envDefault:"4"`

	JobInitialDelay time.Duration `env:"RETRY_JOB_INITIAL_DELAY" envDefault:"5s"`
	JobMaxDelay     time.Duration `env:"RETRY_JOB_MAX_DELAY"     envDefault:"5m"`
	JobMaxAttempts  int           `env:"RETRY_JOB_MAX_ATTEMPTS"  envDefault:"3"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	if r.APICallInitialDelay <= 0 {
		r.APICallInitialDelay = retry.DefaultAPICallPolicy.Initial
	}
	if r.APICallMaxDelay < r.APICallInitialDelay {
		r.APICallMaxDelay = r.APICallInitialDelay
	}
	if r.APICallMaxAttempts < 1 {
		r.APICallMaxAttempts = retry.DefaultAPICallPolicy.MaxAttempts
	}
	if r.JobInitialDelay <= 0 {
		r.JobInitialDelay = retry.DefaultJobPolicy.Initial
	}
	if r.JobMaxDelay < r.JobInitialDelay {
		r.JobMaxDelay = r.JobInitialDelay
	}
	if r.JobMaxAttempts < 1 {
		r.JobMaxAttempts = retry.DefaultJobPolicy.MaxAttempts
	}
}

// APICallPolicy returns the configured inner retry policy.
func (r RetryConfig) APICallPolicy() retry.Policy {
	return retry.Policy{
		Initial:     r.APICallInitialDelay,
		Max:         r.APICallMaxDelay,
		MaxAttempts: r.APICallMaxAttempts,
	}
}

// JobPolicy returns the configured job re-queue policy.
func (r RetryConfig) JobPolicy() retry.Policy {
	return retry.Policy{
		Initial:     r.JobInitialDelay,
		Max:         r.JobMaxDelay,
		MaxAttempts: r.JobMaxAttempts,
	}
}

// GatewayConfig contains the upstream generation gateway configuration.
type GatewayConfig struct {
	// BaseURL is the generation gateway base URL.
	BaseURL string `env:"GATEWAY_BASE_URL" envDefault:"http://localhost:9090"`

	// APIKey is the bearer token presented to the gateway.
	APIKey string `env:"GATEWAY_API_KEY" envDefault:""`

	// Provider is the tag used for the gateway in logs, metrics and errors.
	Provider string `env:"GATEWAY_PROVIDER" envDefault:"generation-gateway"`

	// Timeout bounds one generation call attempt.
	Timeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"5m"`
}
