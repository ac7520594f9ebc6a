package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Evaluate runs a single gate spec against data. Data is either a raw string
// or an already-parsed JSON value; individual gates coerce as they need.
// Evaluate never returns an error: every failure mode is a Result with
// Passed=false and a Reason.
func Evaluate(ctx context.Context, spec Spec, data any) Result {
	start := time.Now()
	var res Result
	switch spec.Type {
	case TypeRegex:
		res = evalRegex(spec, data)
	case TypeWordCount:
		res = evalWordCount(spec, data)
	case TypeJSONSchema:
		res = evalJSONSchema(spec, data)
	case TypeExpression:
		res = evalExpression(spec, data)
	case TypeCustom:
		res = evalCustom(ctx, spec, data)
	default:
		res = Result{Passed: false, Reason: fmt.Sprintf("unknown gate type %q", spec.Type)}
	}
	res.Gate = spec.Label()
	res.DurationMS = time.Since(start).Milliseconds()
	return res
}

// EvaluateAll runs gates in listed order, short-circuiting on the first
// failure. The returned slice holds every executed gate's result.
func EvaluateAll(ctx context.Context, specs []Spec, data any) (results []Result, passed bool) {
	passed = true
	for _, spec := range specs {
		res := Evaluate(ctx, spec, data)
		results = append(results, res)
		if !res.Passed {
			passed = false
			break
		}
	}
	return results, passed
}

// asText coerces data to its string form: strings pass through, everything
// else is re-marshalled as JSON.
func asText(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func evalRegex(spec Spec, data any) Result {
	pattern := spec.Pattern
	if prefix := regexFlagPrefix(spec.Flags); prefix != "" {
		pattern = prefix + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("Invalid regex: %v", err)}
	}
	matched := re.MatchString(asText(data))
	if matched == spec.Invert {
		if spec.Invert {
			return Result{Passed: false, Reason: fmt.Sprintf("pattern %q matched but was inverted", spec.Pattern)}
		}
		return Result{Passed: false, Reason: fmt.Sprintf("pattern %q did not match", spec.Pattern)}
	}
	return Result{Passed: true}
}

// regexFlagPrefix maps JS-style flag letters onto Go inline flags. The "g"
// flag is meaningless for a presence test and is ignored.
func regexFlagPrefix(flags string) string {
	var b strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			b.WriteRune(f)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "(?" + b.String() + ")"
}

func evalWordCount(spec Spec, data any) Result {
	count := len(strings.Fields(asText(data)))
	min := 0
	if spec.Min != nil {
		min = *spec.Min
	}
	details := map[string]any{"count": count}
	if count < min {
		return Result{
			Passed:  false,
			Reason:  fmt.Sprintf("word count %d below minimum %d", count, min),
			Details: details,
		}
	}
	if spec.Max != nil && count > *spec.Max {
		return Result{
			Passed:  false,
			Reason:  fmt.Sprintf("word count %d above maximum %d", count, *spec.Max),
			Details: details,
		}
	}
	return Result{Passed: true, Details: details}
}

// schemaNode is the lightweight schema subset: type, required, and
// per-property type checks.
type schemaNode struct {
	Type       string                `json:"type"`
	Required   []string              `json:"required"`
	Properties map[string]schemaNode `json:"properties"`
}

func evalJSONSchema(spec Spec, data any) Result {
	if len(spec.Schema) == 0 {
		return Result{Passed: false, Reason: "json_schema gate missing schema"}
	}
	var schema schemaNode
	if err := json.Unmarshal(spec.Schema, &schema); err != nil {
		return Result{Passed: false, Reason: fmt.Sprintf("invalid schema: %v", err)}
	}

	value := data
	if raw, ok := data.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return Result{Passed: false, Reason: fmt.Sprintf("data is not valid JSON: %v", err)}
		}
		value = parsed
	}

	if reason := checkSchema(schema, value, "$"); reason != "" {
		return Result{Passed: false, Reason: reason}
	}
	return Result{Passed: true}
}

func checkSchema(schema schemaNode, value any, path string) string {
	if schema.Type != "" && !typeMatches(schema.Type, value) {
		return fmt.Sprintf("%s: expected type %s, got %s", path, schema.Type, jsonTypeName(value))
	}
	obj, isObj := value.(map[string]any)
	for _, name := range schema.Required {
		if !isObj {
			return fmt.Sprintf("%s: required property %q on non-object", path, name)
		}
		if _, ok := obj[name]; !ok {
			return fmt.Sprintf("%s: missing required property %q", path, name)
		}
	}
	if isObj {
		for name, prop := range schema.Properties {
			child, ok := obj[name]
			if !ok {
				continue
			}
			if reason := checkSchema(prop, child, path+"."+name); reason != "" {
				return reason
			}
		}
	}
	return ""
}

func typeMatches(want string, value any) bool {
	switch want {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	default:
		return false
	}
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func evalCustom(ctx context.Context, spec Spec, data any) (res Result) {
	if spec.Fn == nil {
		return Result{Passed: false, Reason: "custom gate missing fn"}
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Passed: false, Reason: fmt.Sprintf("%v", r)}
		}
	}()
	return spec.Fn(ctx, data)
}
