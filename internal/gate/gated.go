package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Producer generates one attempt's raw output. Feedback from the previous
// failing attempt is passed in when retry feedback is enabled.
type Producer func(ctx context.Context, in ProducerInput) (string, error)

// ProducerInput carries per-attempt context into a Producer.
type ProducerInput struct {
	Attempt  int    // 1-based
	Feedback string // empty on the first attempt
}

// ExtractMode selects how raw producer output becomes the gated data value.
type ExtractMode string

const (
	// ExtractAuto parses JSON when possible, else keeps the raw text.
	ExtractAuto ExtractMode = "auto"
	// ExtractText keeps the raw text.
	ExtractText ExtractMode = "text"
	// ExtractJSON requires valid JSON; a parse failure fails the attempt.
	ExtractJSON ExtractMode = "json"
)

// ExtractFunc is a custom extraction hook.
type ExtractFunc func(raw string) (any, error)

// RetryPolicy bounds the gated loop.
type RetryPolicy struct {
	Max      int  // total attempts; 0 or 1 means a single attempt
	Feedback bool // compose gate failures into the next attempt's feedback
}

// Options configures a Gated run.
type Options struct {
	Extract     ExtractMode
	ExtractFunc ExtractFunc // overrides Extract when set
	Gates       []Spec
	Retry       RetryPolicy
	OnAttempt   func(Attempt)
	Timeout     time.Duration // per-attempt producer timeout
}

// Attempt records one iteration of the gated loop.
type Attempt struct {
	Number   int      `json:"number"`
	Raw      string   `json:"raw,omitempty"`
	Data     any      `json:"data,omitempty"`
	Results  []Result `json:"results,omitempty"`
	Passed   bool     `json:"passed"`
	Error    string   `json:"error,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// GatedResult is the successful outcome of a Gated run.
type GatedResult struct {
	Attempts int       `json:"attempts"`
	Raw      string    `json:"raw"`
	Data     any       `json:"data"`
	History  []Attempt `json:"history"`
}

// ExhaustionError reports that every attempt failed its gates.
type ExhaustionError struct {
	History      []Attempt
	LastFailures []Result
}

func (e *ExhaustionError) Error() string {
	var names []string
	for _, res := range e.LastFailures {
		if !res.Passed {
			names = append(names, res.Gate)
		}
	}
	return fmt.Sprintf("gates exhausted after %d attempts (failing: %s)",
		len(e.History), strings.Join(names, ", "))
}

// Gated repeatedly invokes producer until its extracted output passes every
// gate, or the retry budget runs out. Gates run in listed order and
// short-circuit on the first failure; with Retry.Feedback the failure is
// rendered into feedback for the next attempt.
func Gated(ctx context.Context, producer Producer, opts Options) (*GatedResult, error) {
	maxAttempts := opts.Retry.Max
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var history []Attempt
	var lastFailures []Result
	feedback := ""

	for number := 1; number <= maxAttempts; number++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt := Attempt{Number: number, Feedback: feedback}

		raw, err := runProducer(ctx, producer, ProducerInput{Attempt: number, Feedback: feedback}, opts.Timeout)
		if err != nil {
			attempt.Error = err.Error()
			feedback = fmt.Sprintf("producer failed: %v", err)
			lastFailures = nil
			history = append(history, attempt)
			if opts.OnAttempt != nil {
				opts.OnAttempt(attempt)
			}
			continue
		}
		attempt.Raw = raw

		data, err := extract(raw, opts)
		if err != nil {
			attempt.Error = err.Error()
			feedback = fmt.Sprintf("output extraction failed: %v", err)
			lastFailures = nil
			history = append(history, attempt)
			if opts.OnAttempt != nil {
				opts.OnAttempt(attempt)
			}
			continue
		}
		attempt.Data = data

		results, passed := EvaluateAll(ctx, opts.Gates, data)
		attempt.Results = results
		attempt.Passed = passed
		history = append(history, attempt)
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt)
		}

		if passed {
			return &GatedResult{
				Attempts: number,
				Raw:      raw,
				Data:     data,
				History:  history,
			}, nil
		}

		lastFailures = results
		if opts.Retry.Feedback {
			feedback = ComposeFeedback(results)
		} else {
			feedback = ""
		}
	}

	return nil, &ExhaustionError{History: history, LastFailures: lastFailures}
}

// ComposeFeedback renders failing gate results into a correction prompt for
// the next attempt.
func ComposeFeedback(results []Result) string {
	var lines []string
	for _, res := range results {
		if res.Passed {
			continue
		}
		lines = append(lines, fmt.Sprintf("- gate %q failed: %s", res.Gate, res.Reason))
	}
	if len(lines) == 0 {
		return ""
	}
	return "The previous output failed validation:\n" + strings.Join(lines, "\n") +
		"\nProduce a corrected output."
}

func runProducer(ctx context.Context, producer Producer, in ProducerInput, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return producer(ctx, in)
}

func extract(raw string, opts Options) (any, error) {
	if opts.ExtractFunc != nil {
		return opts.ExtractFunc(raw)
	}
	mode := opts.Extract
	if mode == "" {
		mode = ExtractAuto
	}
	switch mode {
	case ExtractText:
		return raw, nil
	case ExtractJSON:
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("expected JSON output: %w", err)
		}
		return parsed, nil
	case ExtractAuto:
		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err == nil {
			return parsed, nil
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown extract mode %q", mode)
	}
}
