package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// ReplanInput carries the recovery context spec §4.6 replan describes:
// the original task, the failed step, its error, and a compact summary of
// completed steps.
type ReplanInput struct {
	TaskDescription string
	FailedStep      plan.PlanStep
	FailureError    string
	CompletedSteps  []plan.PlanStep
	ReplanDepth     int
	// RetryHint carries structured guidance from the tool invocation that
	// failed, when the toolregistry attached one, so the replan prompt can
	// steer around the exact problem instead of re-deriving it from
	// FailureError's free text.
	RetryHint *toolregistry.RetryHint
}

// ErrReplanDepthExceeded signals Replan was called at or beyond
// MaxReplanDepth; callers must not call Replan again for this task.
var ErrReplanDepthExceeded = fmt.Errorf("planner: replan depth exceeded")

// ErrEscalationUnaffordable signals Replan was called without first
// checking budget.Envelope.CanAffordEscalation().
var ErrEscalationUnaffordable = fmt.Errorf("planner: escalation not affordable")

// Replan implements spec §4.6 replan: called when a step fails and
// escalation is affordable and replan depth is below MaxReplanDepth.
// Always uses the LLM tier and consumes one escalation. The returned plan
// *replaces* the remaining tail of the current plan — callers splice it in,
// Replan does not know about the tail itself.
func (p *Planner) Replan(ctx context.Context, in ReplanInput, env *budget.Envelope, span *trace.Span) (plan.ExecutionPlan, error) {
	if in.ReplanDepth >= p.MaxReplanDepth {
		return plan.ExecutionPlan{}, ErrReplanDepthExceeded
	}
	if env == nil || !env.CanAffordEscalation() {
		return plan.ExecutionPlan{}, ErrEscalationUnaffordable
	}

	decision := p.Router.Escalate("step failure recovery replan", env)
	if span != nil {
		span.AddEvent(trace.EventReplan, map[string]any{"failed_step": in.FailedStep.ToolName, "depth": in.ReplanDepth})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original task: %s\n", in.TaskDescription)
	fmt.Fprintf(&b, "Failed step: %s (tool=%s args=%v)\n", in.FailedStep.Description, in.FailedStep.ToolName, in.FailedStep.ToolArgs)
	fmt.Fprintf(&b, "Error: %s\n", in.FailureError)
	if h := in.RetryHint; h != nil {
		fmt.Fprintf(&b, "Retry hint: reason=%s", h.Reason)
		if h.RestrictToTool {
			fmt.Fprintf(&b, " (do not retry tool %q, use a different approach)", h.Tool)
		}
		if len(h.MissingFields) > 0 {
			fmt.Fprintf(&b, " missing_fields=%v", h.MissingFields)
		}
		if h.ExampleInput != nil {
			fmt.Fprintf(&b, " example_input=%v", h.ExampleInput)
		}
		b.WriteString("\n")
	}
	b.WriteString("Completed steps so far:\n")
	for _, s := range in.CompletedSteps {
		fmt.Fprintf(&b, "- %s (tool=%s)\n", s.Description, s.ToolName)
	}
	b.WriteString("\nAvailable tools:\n")
	for _, def := range p.Registry.Definitions() {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	b.WriteString("\nPropose a replacement plan (remaining steps only) to recover and complete the task.")

	resp, err := p.call(ctx, decision, providers.ModelRequest{
		System:         replanSystemPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: b.String()}},
		ResponseFormat: providers.FormatJSON,
	}, env)
	if err != nil {
		return plan.ExecutionPlan{}, err
	}
	var pr planResponse
	if perr := ExtractJSON(resp.Content, &pr); perr != nil {
		return plan.ExecutionPlan{}, perr
	}
	steps := wireStepsToPlanSteps(pr.Steps)
	for i := range steps {
		steps[i].Index = i
	}
	return plan.ExecutionPlan{Complexity: 1, Steps: steps}, nil
}

const replanSystemPrompt = `You are a recovery planner invoked after a step failed. Respond with strict JSON ` +
	`{"steps": [{"description":"...", "toolName":"...", "toolArgs": {}}]} describing the replacement remaining ` +
	`plan. No other text.`
