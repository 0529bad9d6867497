package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/clipforge/taskd/internal/domain/model"
)

// UnknownJobTypeError indicates a job names a type no handler was registered
// for. It is fatal: retrying cannot make a handler appear.
type UnknownJobTypeError struct {
	JobType model.JobType
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.JobType)
}

// HandlerResult carries the outputs of a successful handler invocation.
type HandlerResult struct {
	Result json.RawMessage
	Usage  map[string]any
}

// Handler executes one job. Implementations return a retryable or fatal error
// on failure; classification happens in the orchestrator, not here.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *model.Job) (*HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) (*HandlerResult, error) {
	return f(ctx, job)
}

// HandlerRegistry maps job types to handlers. Registration normally happens
// during startup, but the registry is safe for concurrent use so handlers can
// be added while dispatch is running.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[model.JobType]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[model.JobType]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *HandlerRegistry) Register(jobType model.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Resolve returns the handler for a job type, or *UnknownJobTypeError when
// none is registered.
func (r *HandlerRegistry) Resolve(jobType model.JobType) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownJobTypeError{JobType: jobType}
	}
	return h, nil
}

// Types returns the registered job types, for diagnostics.
func (r *HandlerRegistry) Types() []model.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
