package handlers

import (
	"context"
	"time"

	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/domain/usage"
	"github.com/clipforge/taskd/internal/service"
)

// EchoHandler returns the job payload as its result. Useful for smoke-testing
// a deployment's full submit/claim/run/status path without touching the
// generation gateway.
type EchoHandler struct {
	now func() time.Time
}

// NewEchoHandler constructs an EchoHandler.
func NewEchoHandler() *EchoHandler {
	return &EchoHandler{now: time.Now}
}

func (h *EchoHandler) Handle(_ context.Context, job *model.Job) (*service.HandlerResult, error) {
	start := h.now()
	rec := usage.Stamp(usage.Record{"calls": 1}, start, h.now())
	rec[usage.KeyAttemptCount] = 1

	total := usage.Record{}
	usage.Merge(total, rec)

	return &service.HandlerResult{Result: job.Payload, Usage: total}, nil
}
