package crew

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/trace"
)

// maxConcurrentAgents bounds how many agents run at once within one layer,
// so a wide crew doesn't open unbounded concurrent provider/tool calls.
const maxConcurrentAgents = 8

// runParallel launches every agent concurrently on its pre-allocated
// envelope. Outcomes are collected via settled-promises semantics: a
// panicking or erroring agent never aborts its siblings, it just becomes a
// failed-result entry. Results are returned in start order, independent of
// completion order (spec §5).
func (cr *Crew) runParallel(ctx context.Context, def CrewDefinition, shares map[string]*budget.Envelope, bb *Blackboard, root *trace.Span) []AgentResult {
	return cr.runLayer(ctx, def.Agents, shares, bb, root)
}

// runLayer is the shared settled-concurrency primitive parallel and graph
// (per-layer) strategies both use. Every result slot is filled regardless of
// individual agent outcome, so g.Wait()'s return is always nil here — errors
// are captured per-agent in AgentResult rather than aborting the group.
func (cr *Crew) runLayer(ctx context.Context, agents []AgentDefinition, shares map[string]*budget.Envelope, bb *Blackboard, root *trace.Span) []AgentResult {
	results := make([]AgentResult, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentAgents)
	for i, a := range agents {
		i, a := i, a
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = AgentResult{AgentID: a.ID, Status: "failed", Error: "agent panicked during execution"}
					bb.Write(a.ID, nil, BlackboardFailed)
				}
			}()
			results[i] = cr.runAgent(gctx, a, shares[a.ID], bb, root)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
