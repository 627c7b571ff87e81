package planner

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrParseFailure signals that ExtractJSON could not locate any JSON value
// in text. Callers treat this as a parse failure requiring escalation or a
// fallback, per spec §4.6/§7 — it is never silently swallowed into
// malformed data (spec §8 testable property).
var ErrParseFailure = errors.New("planner: could not extract JSON from model output")

var jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var firstObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON tolerantly parses a JSON object out of raw model output
// (spec §4.6 "plan" step): it strips ```json fences, tries a direct parse,
// then falls back to a regex-extracted first `{...}` span. On success it
// unmarshals into out (a pointer); on failure it returns ErrParseFailure —
// it never returns a silently malformed partial result.
func ExtractJSON(raw string, out any) error {
	candidate := strings.TrimSpace(raw)

	if m := jsonFencePattern.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	if m := firstObjectPattern.FindString(candidate); m != "" {
		if err := json.Unmarshal([]byte(m), out); err == nil {
			return nil
		}
	}

	return ErrParseFailure
}
