// Package httpexec executes tasks against an HTTP completion endpoint.
// Transient failures (429, 5xx, network) retry with exponential backoff,
// honouring Retry-After.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"openskelo/internal/adapters/cliexec"
	"openskelo/internal/dispatch"
	domainerr "openskelo/internal/errors"
	"openskelo/internal/logging"
	"openskelo/internal/task"
)

// Config describes one HTTP backend.
type Config struct {
	// Name is the routing name matched against the task backend.
	Name string
	// URL receives POSTed requests; backend_config.url overrides per task.
	URL string
	// TaskTypes the adapter serves.
	TaskTypes []string
	// Model is the default model; backend override wins.
	Model   string
	APIKey  string
	Headers map[string]string
	// DefaultTimeout applies when the task's backend_config has none.
	DefaultTimeout time.Duration
	Retry          domainerr.RetryConfig
}

// request is the wire shape POSTed to the endpoint.
type request struct {
	TaskID string `json:"task_id"`
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// response is the accepted reply shape.
type response struct {
	Output     string         `json:"output"`
	ExitCode   int            `json:"exit_code"`
	Structured map[string]any `json:"structured,omitempty"`
}

// Adapter runs tasks as HTTP calls.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger logging.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an HTTP adapter.
func New(cfg Config, logger logging.Logger) (*Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("httpexec: adapter name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("httpexec: url is required")
	}
	if len(cfg.TaskTypes) == 0 {
		cfg.TaskTypes = []string{"coding"}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = domainerr.DefaultRetryConfig()
	}
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{},
		logger:  logging.OrNop(logger),
		running: make(map[string]context.CancelFunc),
	}, nil
}

func (a *Adapter) Name() string        { return a.cfg.Name }
func (a *Adapter) TaskTypes() []string { return a.cfg.TaskTypes }

// CanHandle accepts tasks whose type is served by this adapter.
func (a *Adapter) CanHandle(t *task.Task) bool {
	for _, tt := range a.cfg.TaskTypes {
		if t.Type == tt {
			return true
		}
	}
	return false
}

// Execute POSTs the rendered prompt and returns the endpoint's output.
func (a *Adapter) Execute(ctx context.Context, input dispatch.TaskInput) (*dispatch.AdapterResult, error) {
	timeout := a.cfg.DefaultTimeout
	if input.BackendConfig != nil && input.BackendConfig.TimeoutMS > 0 {
		timeout = time.Duration(input.BackendConfig.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.mu.Lock()
	a.running[input.ID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.running, input.ID)
		a.mu.Unlock()
	}()

	body, err := json.Marshal(request{
		TaskID: input.ID,
		Model:  a.model(input),
		Prompt: cliexec.RenderPrompt(input),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := domainerr.RetryWithResult(runCtx, a.cfg.Retry, func(ctx context.Context) (*response, error) {
		return a.post(ctx, a.url(input), body)
	})
	duration := time.Since(start)
	if err != nil {
		return nil, &domainerr.AdapterError{Adapter: a.cfg.Name, TaskID: input.ID, Err: err}
	}

	a.logger.Debug("http %s finished task %s (exit=%d, %s)", a.cfg.Name, input.ID, resp.ExitCode, duration.Round(time.Millisecond))
	return &dispatch.AdapterResult{
		Output:     resp.Output,
		ExitCode:   resp.ExitCode,
		DurationMS: duration.Milliseconds(),
		Structured: resp.Structured,
	}, nil
}

// Abort cancels the in-flight request for the task.
func (a *Adapter) Abort(taskID string) {
	a.mu.Lock()
	cancel, ok := a.running[taskID]
	a.mu.Unlock()
	if ok {
		a.logger.Info("aborting task %s on %s", taskID, a.cfg.Name)
		cancel()
	}
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	httpResp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &domainerr.HTTPStatusError{
			StatusCode: httpResp.StatusCode,
			RetryAfter: domainerr.ParseRetryAfter(httpResp.Header.Get("Retry-After")),
			Body:       string(raw),
		}
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Endpoints that answer plain text still count as success.
		parsed = response{Output: string(raw)}
	}
	return &parsed, nil
}

func (a *Adapter) url(input dispatch.TaskInput) string {
	if input.BackendConfig != nil && input.BackendConfig.URL != "" {
		return input.BackendConfig.URL
	}
	return a.cfg.URL
}

func (a *Adapter) model(input dispatch.TaskInput) string {
	if input.BackendConfig != nil && input.BackendConfig.Model != "" {
		return input.BackendConfig.Model
	}
	return a.cfg.Model
}
