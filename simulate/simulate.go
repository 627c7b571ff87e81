// Package simulate implements the Simulator (spec §4.5): a pure,
// side-effect-free static validator of an ExecutionPlan against a Tool
// Registry.
package simulate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/toolregistry"
)

// IssueType enumerates the kinds of problem a simulation can find.
type IssueType string

const (
	MissingTool       IssueType = "missing_tool"
	InvalidArgs       IssueType = "invalid_args"
	MissingDependency IssueType = "missing_dependency"
	HighRisk          IssueType = "high_risk"
)

// Severity orders issues; Simulate.Valid is false iff any issue's severity
// is high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is one finding against a single plan step.
type Issue struct {
	StepIndex int
	Type      IssueType
	Severity  Severity
	Message   string
}

// Result is the outcome of simulating a plan (spec's SimulationResult).
type Result struct {
	Valid         bool
	Issues        []Issue
	EstimatedCost float64
}

// riskMap is the static risk table from spec §4.5: medium for irreversible
// system/UI writes, low for reversible side-effectful actions. Tools absent
// from this table are not flagged high_risk at all (their risk is implied
// by missing_tool/invalid_args checks instead).
var riskMap = map[string]Severity{
	"file_write":       SeverityMedium,
	"os_keyboard":      SeverityMedium,
	"os_mouse":         SeverityMedium,
	"browser_evaluate": SeverityMedium,
	"browser_click":    SeverityLow,
	"browser_type":     SeverityLow,
	"clipboard_write":  SeverityLow,
	"http_fetch":       SeverityLow,
}

var navigateTools = map[string]struct{}{"browser_navigate": {}}

var browserActionTools = regexp.MustCompile(`^browser_`)

var forwardRefPattern = regexp.MustCompile(`\$output_(\d+)`)

// estimatedCostPerStep is a rough per-step cost estimate (USD) used only to
// populate Result.EstimatedCost for planner/executor budgeting previews; it
// is not an enforcement value.
const estimatedCostPerStep = 0.01

// Simulate runs every static check in spec §4.5 against p using reg to
// resolve tool existence/schemas. It never invokes a tool and is a pure
// function of (p, reg): calling it twice on the same inputs yields an
// identical Result (spec §8 idempotence property).
func Simulate(p plan.ExecutionPlan, reg *toolregistry.Registry) Result {
	var issues []Issue
	seenNavigate := false

	for i, step := range p.Steps {
		def, ok := reg.Lookup(step.ToolName)
		if !ok {
			issues = append(issues, Issue{
				StepIndex: i, Type: MissingTool, Severity: SeverityHigh,
				Message: fmt.Sprintf("tool %q is not registered", step.ToolName),
			})
			continue // downstream checks need a resolved definition
		}

		if len(def.InputSchema) > 0 {
			if missing := missingRequiredFields(def.InputSchema, step.ToolArgs); len(missing) > 0 {
				issues = append(issues, Issue{
					StepIndex: i, Type: InvalidArgs, Severity: SeverityHigh,
					Message: fmt.Sprintf("missing required argument(s): %s", strings.Join(missing, ", ")),
				})
			}
		}

		if browserActionTools.MatchString(step.ToolName) && step.ToolName != "browser_navigate" && !seenNavigate {
			issues = append(issues, Issue{
				StepIndex: i, Type: MissingDependency, Severity: SeverityMedium,
				Message: "browser action has no preceding browser_navigate step",
			})
		}
		if _, isNav := navigateTools[step.ToolName]; isNav {
			seenNavigate = true
		}

		for _, v := range step.ToolArgs {
			s, ok := v.(string)
			if !ok {
				continue
			}
			m := forwardRefPattern.FindStringSubmatch(s)
			if m == nil {
				continue
			}
			var n int
			fmt.Sscanf(m[1], "%d", &n)
			if n >= i {
				issues = append(issues, Issue{
					StepIndex: i, Type: MissingDependency, Severity: SeverityHigh,
					Message: fmt.Sprintf("forward reference to step %d has not yet run", n),
				})
			}
		}

		if sev, ok := riskMap[step.ToolName]; ok {
			issues = append(issues, Issue{
				StepIndex: i, Type: HighRisk, Severity: sev,
				Message: fmt.Sprintf("tool %q performs a %s-risk action", step.ToolName, sev),
			})
		}
	}

	valid := true
	for _, iss := range issues {
		if iss.Severity == SeverityHigh {
			valid = false
			break
		}
	}

	return Result{
		Valid:         valid,
		Issues:        issues,
		EstimatedCost: float64(len(p.Steps)) * estimatedCostPerStep,
	}
}

// missingRequiredFields returns the "required" schema fields absent from
// args. It only understands the top-level {"required": [...]} shape, which
// is sufficient for the flat tool-argument schemas this core defines.
func missingRequiredFields(schema map[string]any, args map[string]any) []string {
	reqAny, ok := schema["required"]
	if !ok {
		return nil
	}
	reqList, ok := reqAny.([]any)
	if !ok {
		return nil
	}
	var missing []string
	for _, r := range reqList {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			missing = append(missing, name)
		}
	}
	return missing
}
