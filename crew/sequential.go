package crew

import (
	"context"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/trace"
)

const defaultSequentialRetries = 2

// runSequential runs agents in def.AgentOrder (falling back to declaration
// order), one at a time. A failing agent never stops the pipeline (spec
// §4.8 "sequential").
func (cr *Crew) runSequential(ctx context.Context, def CrewDefinition, shares map[string]*budget.Envelope, bb *Blackboard, root *trace.Span) []AgentResult {
	order := resolveOrder(def)
	results := make([]AgentResult, 0, len(order))
	for _, id := range order {
		a, ok := findAgent(def.Agents, id)
		if !ok {
			continue
		}
		results = append(results, cr.runAgentWithRetries(ctx, a, shares[a.ID], bb, root, retriesFor(a)))
	}
	return results
}

func retriesFor(a AgentDefinition) int {
	if a.MaxRetries > 0 {
		return a.MaxRetries
	}
	return defaultSequentialRetries
}

// runAgentWithRetries wraps runAgent with the sequential strategy's own
// retry count (distinct from runAgent's internal outputSchema retry loop):
// a tool/provider failure gets up to retries additional attempts before the
// agent is recorded as failed.
func (cr *Crew) runAgentWithRetries(ctx context.Context, a AgentDefinition, env *budget.Envelope, bb *Blackboard, root *trace.Span, retries int) AgentResult {
	var result AgentResult
	for attempt := 0; attempt <= retries; attempt++ {
		result = cr.runAgent(ctx, a, env, bb, root)
		if result.Status == "succeeded" || isBudgetExhausted(result.Error) {
			return result
		}
	}
	return result
}

func resolveOrder(def CrewDefinition) []string {
	if len(def.AgentOrder) > 0 {
		return def.AgentOrder
	}
	order := make([]string, 0, len(def.Agents))
	for _, a := range def.Agents {
		order = append(order, a.ID)
	}
	return order
}

func findAgent(agents []AgentDefinition, id string) (AgentDefinition, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentDefinition{}, false
}
