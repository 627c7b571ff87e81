// Package constitution implements the immutable rule set that guards
// prompts, tool invocations, and outputs (spec §4.2). A Constitution is
// sealed at construction — New(...) is the only way to build one, and every
// subsequent method is read-only, mirroring the teacher's object-freeze
// idiom (construct once, expose only read methods, no setters).
package constitution

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Severity orders rule violations; only Critical aborts a task immediately.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
)

var severityRank = map[Severity]int{Critical: 4, High: 3, Medium: 2, Low: 1}

// ArgPattern matches a regex against one argument field (or the whole
// argument bag, when Field is empty) of invocations to Tool.
type ArgPattern struct {
	Tool  string
	Field string
	regex *regexp.Regexp
}

// ArgLimit bounds a numeric argument field of invocations to Tool.
type ArgLimit struct {
	Tool  string
	Field string
	Max   float64
}

// Enforcement is the machine-checkable half of a Rule: patterns the tool
// guard walks, numeric limits it compares, and output regexes the output
// scanner applies.
type Enforcement struct {
	BlockedTools   []string
	ArgPatterns    []ArgPattern
	OutputPatterns []*regexp.Regexp
	ArgLimits      []ArgLimit
}

// Rule is one immutable constitutional rule.
type Rule struct {
	ID          string
	Name        string
	Severity    Severity
	Category    string
	Description string
	Enforce     Enforcement
}

// Violation reports that invocation or output matched a Rule.
type Violation struct {
	RuleID   string
	RuleName string
	Severity Severity
	Message  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("constitution violation %s [%s]: %s", v.RuleID, v.Severity, v.Message)
}

// ToolInvocation is the narrow view of a tool call the guard inspects; it
// mirrors the fields toolregistry.Invocation carries without creating an
// import cycle between the two packages.
type ToolInvocation struct {
	ToolName string
	Args     map[string]any
}

// Constitution is the sealed, immutable rule set. Build one with New;
// every method below is read-only.
type Constitution struct {
	rules []Rule
	byID  map[string]struct{}
}

// New seals defaultRules() merged with userRules, per the merge policy in
// spec §4.2: user rules may only *add* new ids; any user rule whose ID
// collides with a default rule is dropped (defaults cannot be overridden).
func New(userRules ...Rule) *Constitution {
	c := &Constitution{byID: make(map[string]struct{})}
	for _, r := range defaultRules() {
		c.rules = append(c.rules, r)
		c.byID[r.ID] = struct{}{}
	}
	for _, r := range userRules {
		if _, exists := c.byID[r.ID]; exists {
			continue
		}
		c.rules = append(c.rules, r)
		c.byID[r.ID] = struct{}{}
	}
	return c
}

// Rules returns a defensive copy of the sealed rule set.
func (c *Constitution) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// BuildPromptInjection produces the fixed-format block enumerating every
// rule, concatenated to every system prompt (spec §4.2.1). It is a pure
// function of the sealed rule set: calling it twice on the same
// Constitution yields a byte-identical string (spec §8 round-trip
// property).
func (c *Constitution) BuildPromptInjection() string {
	var b strings.Builder
	b.WriteString("CONSTITUTION — the following rules are immutable and bind every action you take:\n")
	for _, r := range c.rules {
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", r.ID, strings.ToUpper(string(r.Severity)), r.Name, r.Description)
	}
	b.WriteString("Violating a CRITICAL rule terminates this task immediately.\n")
	return b.String()
}

// ValidateTask rejects a task description that attempts to override safety
// (regexes matching "ignore/disable/bypass/override ... constitution|rules|
// safety"). Returns a Violation when matched, nil otherwise.
func (c *Constitution) ValidateTask(description string) *Violation {
	if taskOverridePattern.MatchString(description) {
		return &Violation{
			RuleID:   "SAFETY-000",
			RuleName: "no-safety-override",
			Severity: Critical,
			Message:  "task description attempts to override the constitution",
		}
	}
	return nil
}

var taskOverridePattern = regexp.MustCompile(
	`(?i)\b(ignore|disable|bypass|override)\b[^.]{0,40}\b(constitution|rules|safety)\b`,
)

// ValidateToolCall walks every rule's enforcement patterns against inv. It
// returns the first critical violation found (callers must abort
// immediately), plus every violation found of any severity so the caller
// can decide what to do with the non-critical ones.
func (c *Constitution) ValidateToolCall(inv ToolInvocation) (critical *Violation, all []*Violation) {
	for i := range c.rules {
		r := &c.rules[i]
		for _, blocked := range r.Enforce.BlockedTools {
			if strings.EqualFold(blocked, inv.ToolName) {
				v := &Violation{RuleID: r.ID, RuleName: r.Name, Severity: r.Severity,
					Message: fmt.Sprintf("tool %q is blocked by rule %s", inv.ToolName, r.ID)}
				all = append(all, v)
				if r.Severity == Critical && critical == nil {
					critical = v
				}
			}
		}
		for _, p := range r.Enforce.ArgPatterns {
			if !strings.EqualFold(p.Tool, inv.ToolName) {
				continue
			}
			subject := argSubject(inv.Args, p.Field)
			if p.regex != nil && p.regex.MatchString(subject) {
				v := &Violation{RuleID: r.ID, RuleName: r.Name, Severity: r.Severity,
					Message: fmt.Sprintf("argument %q of tool %q matched rule %s", p.Field, inv.ToolName, r.ID)}
				all = append(all, v)
				if r.Severity == Critical && critical == nil {
					critical = v
				}
			}
		}
		for _, lim := range r.Enforce.ArgLimits {
			if !strings.EqualFold(lim.Tool, inv.ToolName) {
				continue
			}
			if n, ok := numericArg(inv.Args, lim.Field); ok && n > lim.Max {
				v := &Violation{RuleID: r.ID, RuleName: r.Name, Severity: r.Severity,
					Message: fmt.Sprintf("argument %q of tool %q (%v) exceeds limit %v", lim.Field, inv.ToolName, n, lim.Max)}
				all = append(all, v)
				if r.Severity == Critical && critical == nil {
					critical = v
				}
			}
		}
	}
	return critical, all
}

// argSubject returns the configured argument field's string form, or a
// serialization of the whole argument bag when field is empty.
func argSubject(args map[string]any, field string) string {
	if field == "" {
		var b strings.Builder
		for k, v := range args {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
		return b.String()
	}
	v, ok := args[field]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func numericArg(args map[string]any, field string) (float64, bool) {
	v, ok := args[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ValidateOutput applies every output-pattern regex (case-insensitive) and
// returns the first match as a Violation, or nil if output is clean.
func (c *Constitution) ValidateOutput(output string) *Violation {
	for i := range c.rules {
		r := &c.rules[i]
		for _, p := range r.Enforce.OutputPatterns {
			if p.MatchString(output) {
				return &Violation{RuleID: r.ID, RuleName: r.Name, Severity: r.Severity,
					Message: fmt.Sprintf("output matched rule %s", r.ID)}
			}
		}
	}
	return nil
}

// mustCompile is a tiny helper for building Enforcement literals with
// case-insensitive regexes in default/user rule tables.
func mustCompile(pattern string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + pattern)
}

// NewArgPattern constructs an ArgPattern, compiling its regex.
func NewArgPattern(tool, field, pattern string) ArgPattern {
	return ArgPattern{Tool: tool, Field: field, regex: mustCompile(pattern)}
}

// NewOutputPattern compiles an output-scan regex.
func NewOutputPattern(pattern string) *regexp.Regexp {
	return mustCompile(pattern)
}

// Less reports whether a is strictly less severe than b, used by callers
// that need to rank violations.
func (s Severity) Less(o Severity) bool { return severityRank[s] < severityRank[o] }
