package toolregistry

import (
	"regexp"
	"strings"
)

// RetryReason categorizes why a tool invocation failed, so callers can pick
// a recovery strategy without parsing free-form error strings.
type RetryReason string

const (
	RetryReasonInvalidArguments    RetryReason = "invalid_arguments"
	RetryReasonMissingFields       RetryReason = "missing_fields"
	RetryReasonConstitutionBlocked RetryReason = "constitution_blocked"
	RetryReasonToolUnavailable     RetryReason = "tool_unavailable"
	RetryReasonExecutionFailed     RetryReason = "execution_failed"
)

// RetryHint carries structured guidance a failed Invoke attaches to its
// Result, consumed by planner.Replan instead of free-text error parsing.
type RetryHint struct {
	Reason RetryReason
	Tool   string
	// RestrictToTool signals the next plan attempt should not repeat this
	// tool call at all (e.g. a constitution block), as opposed to retrying
	// it with corrected arguments.
	RestrictToTool bool
	MissingFields  []string
	ExampleInput   map[string]any
	Message        string
}

// buildValidationHint turns a jsonschema validation failure into a
// RetryHint, best-effort extracting field names from the schema library's
// error text (it does not expose a stable structured issue list here).
func buildValidationHint(tool string, validationErr error, schema map[string]any) *RetryHint {
	msg := validationErr.Error()
	missing := extractMissingProperties(msg)
	reason := RetryReasonInvalidArguments
	if len(missing) > 0 {
		reason = RetryReasonMissingFields
	}
	return &RetryHint{
		Reason: reason, Tool: tool, MissingFields: missing,
		ExampleInput: exampleFromSchema(schema),
		Message:      "invalid arguments: " + msg,
	}
}

func buildConstitutionHint(tool string, blockErr error) *RetryHint {
	return &RetryHint{
		Reason: RetryReasonConstitutionBlocked, Tool: tool, RestrictToTool: true,
		Message: blockErr.Error(),
	}
}

func buildExecutionHint(tool string, execErr error) *RetryHint {
	return &RetryHint{Reason: RetryReasonExecutionFailed, Tool: tool, Message: execErr.Error()}
}

var quotedFieldPattern = regexp.MustCompile(`'([^']+)'`)

// extractMissingProperties scrapes jsonschema/v6's "missing properties"
// phrasing out of its error text, pulling every quoted field name from the
// line mentioning it. Returns nil when the message doesn't name any
// missing-property line, which is a normal (non-missing-field) validation
// failure, not a parse error.
func extractMissingProperties(msg string) []string {
	var fields []string
	for _, line := range strings.Split(msg, "\n") {
		if !strings.Contains(line, "missing propert") {
			continue
		}
		for _, m := range quotedFieldPattern.FindAllStringSubmatch(line, -1) {
			fields = append(fields, m[1])
		}
	}
	return fields
}

// exampleFromSchema builds a minimal example payload from a JSON schema's
// top-level "properties" map, one zero-value per declared type, so a
// planner retrying a tool call has something concrete to shape its next
// attempt around.
func exampleFromSchema(schema map[string]any) map[string]any {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(props))
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			out[name] = ""
			continue
		}
		switch prop["type"] {
		case "integer", "number":
			out[name] = 0
		case "boolean":
			out[name] = false
		case "array":
			out[name] = []any{}
		case "object":
			out[name] = map[string]any{}
		default:
			out[name] = ""
		}
	}
	return out
}
