// Package gate evaluates deterministic validators over task output. A gate
// is a tagged variant over {regex, word_count, json_schema, expression,
// custom}; the engine dispatches on the Type tag. Gates are used standalone
// via Evaluate, as task-level checks at finalize time, and inside the Gated
// retry-with-feedback loop.
package gate

import (
	"context"
	"encoding/json"
)

// Gate type tags.
const (
	TypeRegex      = "regex"
	TypeWordCount  = "word_count"
	TypeJSONSchema = "json_schema"
	TypeExpression = "expression"
	TypeCustom     = "custom"
)

// CustomFunc is a user-provided predicate for custom gates. It must return
// a fully-populated Result; panics and errors are converted to failures.
type CustomFunc func(ctx context.Context, data any) Result

// Spec describes one gate. Only the fields for the tagged Type are
// meaningful. Specs serialize as JSON on the task row; Fn is process-local
// and never persisted.
type Spec struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`

	// regex
	Pattern string `json:"pattern,omitempty"`
	Flags   string `json:"flags,omitempty"`
	Invert  bool   `json:"invert,omitempty"`

	// word_count
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`

	// json_schema
	Schema json.RawMessage `json:"schema,omitempty"`

	// expression
	Expr string `json:"expr,omitempty"`

	// custom
	Fn CustomFunc `json:"-"`
}

// Label returns the display name for a spec: Name when set, else Type.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// Result is the outcome of evaluating one gate against one data value.
type Result struct {
	Gate       string         `json:"gate"`
	Passed     bool           `json:"passed"`
	Reason     string         `json:"reason,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Details    map[string]any `json:"details,omitempty"`
}
