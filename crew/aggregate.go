package crew

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/providers"
)

// aggregate implements spec §4.8's three aggregation modes. custom falls
// back to concat on any failure (no provider, call error, empty response).
func (cr *Crew) aggregate(ctx context.Context, def CrewDefinition, results []AgentResult, bb *Blackboard) string {
	switch def.Aggregation {
	case AggregationLast:
		if len(results) == 0 {
			return ""
		}
		return results[len(results)-1].Text
	case AggregationCustom:
		if text, ok := cr.aggregateCustom(ctx, def, results); ok {
			return text
		}
		return concatResults(results)
	default:
		return concatResults(results)
	}
}

func concatResults(results []AgentResult) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "[%s]: %s\n", r.AgentID, r.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (cr *Crew) aggregateCustom(ctx context.Context, def CrewDefinition, results []AgentResult) (string, bool) {
	decision := cr.Router.Route(modelrouter.OpPlan, 0.5, nil)
	prov, ok := cr.Providers.Resolve(decision.Provider)
	if !ok {
		return "", false
	}
	prompt := def.AggregationPrompt
	if prompt == "" {
		prompt = "Combine the following crew agent results into one coherent final answer."
	}
	resp, err := prov.Chat(ctx, providers.ModelRequest{
		Model: decision.Model, Provider: decision.Provider, Tier: decision.Tier,
		System:   prompt,
		Messages: []providers.Message{{Role: providers.RoleUser, Content: concatResults(results)}},
	})
	if err != nil || resp.Content == "" {
		return "", false
	}
	return resp.Content, true
}
