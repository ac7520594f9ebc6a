// Package jsonx parses JSON out of model output, which routinely arrives
// wrapped in markdown fences or mildly malformed. Strict parsing is tried
// first; jsonrepair is the fallback.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractFenced returns the contents of the first ```json (or bare ```)
// fenced block, or the input unchanged when no fence is present.
func ExtractFenced(raw string) string {
	s := raw
	start := strings.Index(s, "```")
	if start < 0 {
		return raw
	}
	s = s[start+3:]
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		lang := strings.TrimSpace(s[:nl])
		if lang == "" || strings.EqualFold(lang, "json") {
			s = s[nl+1:]
		} else {
			return raw // fenced, but not JSON
		}
	}
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// Parse unmarshals raw into v, extracting a fenced block when present and
// falling back to jsonrepair when strict parsing fails.
func Parse(raw string, v any) error {
	candidate := strings.TrimSpace(ExtractFenced(raw))
	if candidate == "" {
		return fmt.Errorf("empty JSON payload")
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("unparseable JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("unparseable JSON after repair: %w", err)
	}
	return nil
}

// ParseAny is Parse into an untyped value.
func ParseAny(raw string) (any, error) {
	var v any
	if err := Parse(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
