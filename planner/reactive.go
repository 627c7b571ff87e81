package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/trace"
)

// ReactiveInput carries the context PlanReactiveSteps needs: the step that
// just succeeded, its output, and the last-known page content (if any).
type ReactiveInput struct {
	TaskGoal        string
	LastStep        plan.PlanStep
	LastStepOutput  any
	LastPageContent string
}

// PlanReactiveSteps implements spec §4.6 planReactiveSteps. It is invoked
// after each successful step whose tool name begins with browser_ or os_,
// only when escalation is affordable. Returns zero or more steps to run
// *before* the remaining plan tail, filtered to tools that exist in the
// registry; an empty slice means "no change".
func (p *Planner) PlanReactiveSteps(ctx context.Context, in ReactiveInput, env *budget.Envelope, span *trace.Span) []plan.PlanStep {
	if !isBrowserOrOSTool(in.LastStep.ToolName) {
		return nil
	}
	if env == nil || !env.CanAffordEscalation() {
		return nil
	}

	decision := p.Router.Escalate("reactive step planning", env)
	if span != nil {
		span.AddEvent(trace.EventEscalation, map[string]any{"reason": "reactive_steps", "after_step": in.LastStep.ToolName})
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Goal: %s\n", in.TaskGoal)
	fmt.Fprintf(&prompt, "Just executed: %s (tool=%s)\n", in.LastStep.Description, in.LastStep.ToolName)
	fmt.Fprintf(&prompt, "Output: %v\n", in.LastStepOutput)
	if in.LastPageContent != "" {
		fmt.Fprintf(&prompt, "Page content:\n%s\n", in.LastPageContent)
	}
	prompt.WriteString("\nIf anything must be dismissed (ad, cookie banner, login wall) or if the next interactive " +
		"element should be picked, respond with additional steps to run first. Otherwise return an empty list.")

	resp, err := p.call(ctx, decision, providers.ModelRequest{
		System:         reactiveSystemPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: prompt.String()}},
		ResponseFormat: providers.FormatJSON,
	}, env)
	if err != nil {
		return nil
	}
	var pr planResponse
	if perr := ExtractJSON(resp.Content, &pr); perr != nil {
		return nil
	}
	steps := wireStepsToPlanSteps(pr.Steps)
	filtered := make([]plan.PlanStep, 0, len(steps))
	for _, s := range steps {
		if _, ok := p.Registry.Lookup(s.ToolName); ok {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func isBrowserOrOSTool(name string) bool {
	return strings.HasPrefix(name, "browser_") || strings.HasPrefix(name, "os_")
}

const reactiveSystemPrompt = `You plan reactive follow-up steps during task execution. Respond with strict JSON ` +
	`{"steps": [{"description":"...", "toolName":"...", "toolArgs": {}}]}, using only known tools. An empty steps ` +
	`array means no reaction is needed. No other text.`
