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

type critiqueResponse struct {
	Overall         float64       `json:"overall"`
	StepConfidences []float64     `json:"stepConfidences"`
	Issues          []string      `json:"issues"`
	RefinedPlan     *planResponse `json:"refinedPlan,omitempty"`
}

// CritiquePlan implements spec §4.6 critiquePlan: always routed to the LLM
// tier, always returns a usable Score even on parse failure (a neutral
// fallback of overall=0.7, stepConfidences all 0.7, no issues).
func (p *Planner) CritiquePlan(ctx context.Context, exec plan.ExecutionPlan, env *budget.Envelope, span *trace.Span) plan.Score {
	decision := p.Router.Escalate("plan critique always uses the LLM tier", nil) // no escalation consumed: critique is a scheduled LLM step, not an escalation
	if span != nil {
		span.AddEvent(trace.EventRoutingDecision, map[string]any{"operation": "critique", "model": decision.Model})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan for task %s (complexity %.2f):\n", exec.TaskID, exec.Complexity)
	for _, s := range exec.Steps {
		fmt.Fprintf(&b, "%d. %s (tool=%s args=%v)\n", s.Index, s.Description, s.ToolName, s.ToolArgs)
	}
	b.WriteString("\nAvailable tools:\n")
	for _, def := range p.Registry.Definitions() {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}

	resp, err := p.call(ctx, decision, providers.ModelRequest{
		System:         critiqueSystemPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: b.String()}},
		ResponseFormat: providers.FormatJSON,
	}, env)

	fallback := neutralScore(len(exec.Steps))
	if err != nil {
		return fallback
	}
	var cr critiqueResponse
	if perr := ExtractJSON(resp.Content, &cr); perr != nil {
		if span != nil {
			span.AddEvent(trace.EventPlanCritique, map[string]any{"parse_failed": true})
		}
		return fallback
	}

	score := plan.Score{Overall: clamp01(cr.Overall), Issues: cr.Issues}
	for _, c := range cr.StepConfidences {
		score.StepConfidences = append(score.StepConfidences, clamp01(c))
	}
	if len(score.StepConfidences) == 0 {
		for range exec.Steps {
			score.StepConfidences = append(score.StepConfidences, score.Overall)
		}
	}
	if cr.RefinedPlan != nil {
		refined := exec.Clone()
		refined.Steps = wireStepsToPlanSteps(cr.RefinedPlan.Steps)
		for i := range refined.Steps {
			refined.Steps[i].Index = i
		}
		score.RefinedPlan = &refined
	}
	if span != nil {
		span.AddEvent(trace.EventPlanCritique, map[string]any{"overall": score.Overall, "issues": len(score.Issues)})
	}
	return score
}

func neutralScore(stepCount int) plan.Score {
	confidences := make([]float64, stepCount)
	for i := range confidences {
		confidences[i] = 0.7
	}
	return plan.Score{Overall: 0.7, StepConfidences: confidences}
}

const critiqueSystemPrompt = `You are a plan critic. Respond with strict JSON of the form ` +
	`{"overall": <0..1>, "stepConfidences": [<0..1>, ...], "issues": ["..."], "refinedPlan": {"steps": [...]} }. ` +
	`Omit refinedPlan entirely when no changes are needed. No other text.`
