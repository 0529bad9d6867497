package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/taskd/internal/domain/model"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorEmitJobLifecycle(t *testing.T) {
	c := NewCollector()

	c.EmitJobLifecycle(JobMetric{
		JobType:    "narration",
		Transition: "complete",
		Result:     ResultSuccess,
		Duration:   3 * time.Second,
	})
	c.EmitJobLifecycle(JobMetric{
		JobType:    "narration",
		Transition: "fail",
		Result:     ResultError,
		Err:        &model.RateLimitError{Provider: "generation", Msg: "quota"},
	})

	body := scrape(t, c)
	assert.Contains(t, body, `taskd_job_transitions_total{error_class="",job_type="narration",result="success",transition="complete"} 1`)
	assert.Contains(t, body, `taskd_job_transitions_total{error_class="rate_limit",job_type="narration",result="error",transition="fail"} 1`)
	assert.Contains(t, body, `taskd_job_duration_seconds_count{job_type="narration",result="success"} 1`)
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.RecordRetry("dubbing")
	c.RecordRetry("dubbing")
	c.RecordAPICallAttempt("generation", ResultError)
	c.SetQueueDepth("tenant-1", "pending", 7)

	body := scrape(t, c)
	assert.Contains(t, body, `taskd_job_retries_total{job_type="dubbing"} 2`)
	assert.Contains(t, body, `taskd_api_call_attempts_total{provider="generation",result="error"} 1`)
	assert.Contains(t, body, `taskd_jobs_by_state{state="pending",tenant_id="tenant-1"} 7`)
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	c.EmitJobLifecycle(JobMetric{JobType: "narration", Result: ResultError, Err: errors.New("boom")})
	c.RecordRetry("narration")
	c.RecordAPICallAttempt("generation", ResultSuccess)
	c.SetQueueDepth("tenant-1", "running", 1)

	body := scrape(t, c)
	assert.NotContains(t, body, "taskd_")
}
