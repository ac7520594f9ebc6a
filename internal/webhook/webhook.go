// Package webhook emits best-effort, fire-and-forget event notifications
// to configured URLs. Delivery failures are logged and never affect task
// state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"openskelo/internal/async"
	"openskelo/internal/logging"
	"openskelo/internal/task"
)

// Event names.
const (
	EventReview           = "review"
	EventBlocked          = "blocked"
	EventDone             = "done"
	EventPipelineHeld     = "pipeline_held"
	EventPipelineResumed  = "pipeline_resumed"
	EventPipelineComplete = "pipeline_complete"
)

// Event is the delivered payload.
type Event struct {
	Event       string         `json:"event"`
	TaskID      string         `json:"task_id,omitempty"`
	TaskSummary string         `json:"task_summary,omitempty"`
	TaskType    string         `json:"task_type,omitempty"`
	TaskStatus  string         `json:"task_status,omitempty"`
	PipelineID  string         `json:"pipeline_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Notifier posts events to every configured URL.
type Notifier struct {
	urls   []string
	client *http.Client
	logger logging.Logger
}

// New creates a notifier. With no URLs every emit is a no-op.
func New(urls []string, logger logging.Logger) *Notifier {
	return &Notifier{
		urls:   urls,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logging.OrNop(logger),
	}
}

// EmitTask fires an event derived from a task's current state.
func (n *Notifier) EmitTask(event string, t *task.Task) {
	if t == nil {
		return
	}
	n.Emit(Event{
		Event:       event,
		TaskID:      t.ID,
		TaskSummary: t.Summary,
		TaskType:    t.Type,
		TaskStatus:  string(t.Status),
		PipelineID:  t.PipelineID,
	})
}

// EmitPipeline fires a pipeline-scoped event.
func (n *Notifier) EmitPipeline(event, pipelineID string, metadata map[string]any) {
	n.Emit(Event{Event: event, PipelineID: pipelineID, Metadata: metadata})
}

// Emit posts the event to every URL in the background.
func (n *Notifier) Emit(event Event) {
	if len(n.urls) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("webhook %s: encode: %v", event.Event, err)
		return
	}
	for _, url := range n.urls {
		url := url
		async.Go(n.logger, "webhook-"+event.Event, func() {
			if err := n.post(url, body); err != nil {
				n.logger.Warn("webhook %s to %s: %v", event.Event, url, err)
			}
		})
	}
}

func (n *Notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
