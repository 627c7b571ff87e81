package executor

import (
	"regexp"

	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/toolregistry"
)

var (
	visionIntentPattern = regexp.MustCompile(`(?i)\b(screenshot|visual|appearance|look[s]? like)\b`)
	apiIntentPattern    = regexp.MustCompile(`(?i)\b(api|rest|endpoint|fetch)\b`)
)

// annotateStrategies assigns each step an automation Strategy (spec §4.7
// simulate step): DOM by default, vision for screenshot/visual-appearance
// intent, API for api/rest/endpoint/fetch intent or the http_fetch tool.
func annotateStrategies(steps []plan.PlanStep, reg *toolregistry.Registry) {
	for i := range steps {
		s := &steps[i]
		switch {
		case s.ToolName == "http_fetch" || apiIntentPattern.MatchString(s.Description):
			s.Strategy = &plan.Strategy{Primary: plan.StrategyAPI, Reason: "api/endpoint intent"}
		case visionIntentPattern.MatchString(s.Description):
			s.Strategy = &plan.Strategy{Primary: plan.StrategyVision, FallbackChain: []plan.StrategyKind{plan.StrategyDOM}, Reason: "visual/appearance intent"}
		default:
			s.Strategy = &plan.Strategy{Primary: plan.StrategyDOM, Reason: "default strategy"}
		}
	}
}

// buildFallbackSteps implements the strategy-fallback step construction spec
// §4.7 describes for a failed step whose Strategy carries a fallback chain:
// vision -> screenshot + click-at-coords placeholders, api -> http_fetch with
// the URL from args if present, dom -> no fallback.
func buildFallbackSteps(failed plan.PlanStep, reg *toolregistry.Registry) []plan.PlanStep {
	if failed.Strategy == nil {
		return nil
	}
	switch failed.Strategy.Primary {
	case plan.StrategyVision:
		var steps []plan.PlanStep
		if _, ok := reg.Lookup("browser_screenshot"); ok {
			steps = append(steps, plan.PlanStep{Description: "Capture a screenshot to recover visual context", ToolName: "browser_screenshot", ToolArgs: map[string]any{}})
		}
		if _, ok := reg.Lookup("browser_click"); ok {
			steps = append(steps, plan.PlanStep{Description: "Click at last-known coordinates", ToolName: "browser_click", ToolArgs: map[string]any{"x": 0, "y": 0}})
		}
		return steps
	case plan.StrategyAPI:
		if _, ok := reg.Lookup("http_fetch"); !ok {
			return nil
		}
		args := map[string]any{}
		if url, ok := failed.ToolArgs["url"]; ok {
			args["url"] = url
		}
		return []plan.PlanStep{{Description: "Fall back to a direct HTTP fetch", ToolName: "http_fetch", ToolArgs: args}}
	default:
		return nil
	}
}
