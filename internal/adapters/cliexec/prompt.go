package cliexec

import (
	"encoding/json"
	"fmt"
	"strings"

	"openskelo/internal/dispatch"
)

// RenderPrompt composes the full text handed to the backend: the task
// prompt plus criteria, prior reviewer feedback, and upstream results.
func RenderPrompt(input dispatch.TaskInput) string {
	var sb strings.Builder
	sb.WriteString("# Task: ")
	sb.WriteString(input.Summary)
	sb.WriteString("\n\n")
	sb.WriteString(input.Prompt)

	if len(input.AcceptanceCriteria) > 0 {
		sb.WriteString("\n\n## Acceptance criteria\n")
		for _, item := range input.AcceptanceCriteria {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}
	if len(input.DefinitionOfDone) > 0 {
		sb.WriteString("\n## Definition of done\n")
		for _, item := range input.DefinitionOfDone {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}
	if len(input.FeedbackHistory) > 0 {
		sb.WriteString("\n## Reviewer feedback from previous attempts\n")
		for i, fb := range input.FeedbackHistory {
			fmt.Fprintf(&sb, "%d. What: %s", i+1, fb.What)
			if fb.Where != "" {
				fmt.Fprintf(&sb, " | Where: %s", fb.Where)
			}
			if fb.Fix != "" {
				fmt.Fprintf(&sb, " | Fix: %s", fb.Fix)
			}
			sb.WriteString("\n")
		}
	}
	if len(input.UpstreamResults) > 0 {
		sb.WriteString("\n## Upstream results\n")
		if raw, err := json.MarshalIndent(input.UpstreamResults, "", "  "); err == nil {
			sb.WriteString("```json\n")
			sb.Write(raw)
			sb.WriteString("\n```\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
