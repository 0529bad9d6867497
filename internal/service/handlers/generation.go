// Package handlers provides the built-in job handlers: media generation
// types backed by an upstream generation gateway, and a diagnostic echo type.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clipforge/taskd/internal/domain/model"
	"github.com/clipforge/taskd/internal/domain/usage"
	"github.com/clipforge/taskd/internal/service"
)

// rateLimitMarkers are substrings of upstream error messages that indicate
// quota exhaustion even when the status code does not say 429.
var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"quota",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
}

// DetectRateLimit reports whether an upstream error message describes quota
// exhaustion.
func DetectRateLimit(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// generationPayload is the accepted payload shape for generation job types.
// Single-segment jobs may inline Input; multi-segment jobs list one input per
// segment and produce one upstream call each.
type generationPayload struct {
	Input    json.RawMessage   `json:"input,omitempty"`
	Segments []json.RawMessage `json:"segments,omitempty"`
}

func (p *generationPayload) inputs() []json.RawMessage {
	if len(p.Segments) > 0 {
		return p.Segments
	}
	if len(p.Input) > 0 {
		return []json.RawMessage{p.Input}
	}
	return nil
}

// generationResponse is the upstream gateway's response envelope.
type generationResponse struct {
	Output       json.RawMessage `json:"output"`
	DownloadPath string          `json:"download_path"`
	Usage        usage.Record    `json:"usage"`
}

// GenerationHandlerOptions configures a GenerationHandler.
type GenerationHandlerOptions struct {
	BaseURL    string                   // Required: upstream gateway base URL
	APIKey     string                   // Optional: bearer token for the gateway
	Provider   string                   // Optional: provider tag, defaults to "generation-gateway"
	Executor   *service.APICallExecutor // Required: inner retry loop
	HTTPClient *http.Client             // Optional: defaults to a 5 minute timeout client
	Logger     *slog.Logger             // Optional: structured logger
}

// GenerationHandler runs narration, dubbing, editing-script and localization
// jobs by delegating each segment to the upstream generation gateway. All
// remote calls go through the executor's retry loop; usage counters from
// every segment merge into one session total on the job.
type GenerationHandler struct {
	baseURL  string
	apiKey   string
	provider string
	executor *service.APICallExecutor
	client   *http.Client
	logger   *slog.Logger
}

// NewGenerationHandler constructs a GenerationHandler.
func NewGenerationHandler(opts GenerationHandlerOptions) (*GenerationHandler, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("APICallExecutor is required")
	}
	provider := opts.Provider
	if provider == "" {
		provider = "generation-gateway"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandler{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		provider: provider,
		executor: opts.Executor,
		client:   client,
		logger:   logger.With("component", "generation_handler"),
	}, nil
}

// Handle generates every segment of the job and assembles the combined
// result. A failing segment fails the whole job; already-generated segments
// are not persisted partially.
func (h *GenerationHandler) Handle(ctx context.Context, job *model.Job) (*service.HandlerResult, error) {
	var payload generationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, &model.ValidationError{Field: "payload", Msg: fmt.Sprintf("malformed payload: %v", err)}
	}
	inputs := payload.inputs()
	if len(inputs) == 0 {
		return nil, &model.ValidationError{Field: "payload", Msg: "input or segments is required"}
	}

	total := usage.Record{}
	outputs := make([]json.RawMessage, 0, len(inputs))
	downloadPath := ""

	for i, input := range inputs {
		raw, rec, err := h.executor.Do(ctx, h.provider, h.segmentCall(job.Type, input))
		if err != nil {
			return nil, fmt.Errorf("segment %d of %d: %w", i+1, len(inputs), err)
		}
		usage.Merge(total, rec)

		var resp generationResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("segment %d: malformed gateway response: %w", i+1, err)
		}
		outputs = append(outputs, resp.Output)
		if resp.DownloadPath != "" {
			downloadPath = resp.DownloadPath
		}
	}

	result, err := assembleResult(outputs, downloadPath)
	if err != nil {
		return nil, err
	}
	return &service.HandlerResult{Result: result, Usage: total}, nil
}

// segmentCall builds the executor call for one segment. Each invocation is
// one upstream attempt; the executor decides whether to repeat it.
func (h *GenerationHandler) segmentCall(jobType model.JobType, input json.RawMessage) service.APICall {
	return func(ctx context.Context) (json.RawMessage, usage.Record, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			h.baseURL+"/v1/generate/"+string(jobType), bytes.NewReader(input))
		if err != nil {
			return nil, nil, fmt.Errorf("build gateway request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("call gateway: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, nil, fmt.Errorf("read gateway response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := strings.TrimSpace(string(body))
			if resp.StatusCode == http.StatusTooManyRequests || DetectRateLimit(msg) {
				return nil, nil, &model.RateLimitError{Provider: h.provider, Msg: msg}
			}
			return nil, nil, &model.APIError{Provider: h.provider, StatusCode: resp.StatusCode, Msg: msg}
		}

		var envelope generationResponse
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, nil, fmt.Errorf("decode gateway response: %w", err)
		}
		return body, envelope.Usage, nil
	}
}

func assembleResult(outputs []json.RawMessage, downloadPath string) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(outputs) == 1 {
		doc["output"] = outputs[0]
	} else {
		doc["segments"] = outputs
	}
	if downloadPath != "" {
		doc["download_path"] = downloadPath
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("assemble result: %w", err)
	}
	return encoded, nil
}

// Register binds the generation handler to every built-in generation job
// type, and the echo handler to the echo type.
func Register(registry *service.HandlerRegistry, generation *GenerationHandler) {
	for _, jobType := range []model.JobType{
		model.JobTypeNarration,
		model.JobTypeDubbing,
		model.JobTypeEditingScript,
		model.JobTypeLocalization,
	} {
		registry.Register(jobType, generation)
	}
	registry.Register(model.JobTypeEcho, NewEchoHandler())
}
