package review

import (
	"strings"

	"openskelo/internal/jsonx"
	"openskelo/internal/task"
)

// Decision is a parsed reviewer verdict.
type Decision struct {
	Approved  bool           `json:"approved"`
	Reasoning string         `json:"reasoning,omitempty"`
	Feedback  *task.Feedback `json:"feedback,omitempty"`
}

// ParseDecision extracts a verdict from reviewer output: fenced or bare
// JSON first, then substring heuristics, finally a rejection.
func ParseDecision(output string) Decision {
	var decision Decision
	if err := jsonx.Parse(output, &decision); err == nil {
		if decision.Approved || decision.Feedback != nil || decision.Reasoning != "" {
			return decision
		}
	}

	lower := strings.ToLower(output)
	for _, marker := range []string{"approved", "lgtm", "looks good"} {
		if strings.Contains(lower, marker) {
			// "not approved" must not read as approval.
			if strings.Contains(lower, "not "+marker) || strings.Contains(lower, "isn't "+marker) {
				continue
			}
			return Decision{Approved: true, Reasoning: "heuristic match on " + marker}
		}
	}

	return Decision{
		Approved:  false,
		Reasoning: "could not parse an approval from reviewer output",
		Feedback: &task.Feedback{
			What: "Reviewer output was not a recognizable verdict",
			Fix:  "Re-run the work and ensure the reviewer answers with the JSON decision shape",
		},
	}
}
