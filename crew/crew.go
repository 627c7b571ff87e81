// Package crew implements the Crew Orchestrator (spec §4.8): runs a set of
// AgentDefinitions under one of four strategies (sequential, parallel,
// hierarchical, graph) over a shared Blackboard, with budget shares
// pre-allocated from the parent envelope so sub-agents mirror their
// token/cost usage upward automatically.
package crew

import (
	"context"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/telemetry"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// Strategy names one of the four execution topologies a CrewDefinition can
// run under.
type Strategy string

const (
	StrategySequential   Strategy = "sequential"
	StrategyParallel     Strategy = "parallel"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyGraph        Strategy = "graph"
)

// AggregationMode selects how per-agent results are combined into the
// crew's final text.
type AggregationMode string

const (
	AggregationLast   AggregationMode = "last"
	AggregationConcat AggregationMode = "concat"
	AggregationCustom AggregationMode = "custom"
)

// ExecutionMode selects how a single agent is driven: a tight tool-use loop
// or the full Task Executor state machine.
type ExecutionMode string

const (
	ExecutionDirect ExecutionMode = "direct"
	ExecutionFull   ExecutionMode = "full"
)

// GraphEdge is one edge of a graph-strategy DAG, optionally gated by a
// Condition matched against the closed safe-pattern set (spec §4.8).
type GraphEdge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// AgentDefinition describes one crew member.
type AgentDefinition struct {
	ID           string        `json:"id"`
	Instructions string        `json:"instructions"`
	AllowedTools []string      `json:"allowedTools,omitempty"`
	BudgetShare  float64       `json:"budgetShare,omitempty"` // 0 means "share the remainder equally"
	Mode         ExecutionMode `json:"mode,omitempty"`
	OutputSchema []string      `json:"outputSchema,omitempty"` // required top-level keys, checked after a run
	MaxRetries   int           `json:"maxRetries,omitempty"`   // sequential-strategy retry count; 0 -> default 2
}

// CrewDefinition is the full spec for one crew.RunCrew invocation.
type CrewDefinition struct {
	Strategy          Strategy          `json:"strategy"`
	Agents            []AgentDefinition `json:"agents"`
	AgentOrder        []string          `json:"agentOrder,omitempty"` // sequential fallback: declaration order
	Edges             []GraphEdge       `json:"edges,omitempty"`
	Aggregation       AggregationMode   `json:"aggregation,omitempty"`
	AggregationPrompt string            `json:"aggregationPrompt,omitempty"`
}

// AgentResult is the outcome of running one agent.
type AgentResult struct {
	AgentID string       `json:"agentId"`
	Status  string       `json:"status"` // "succeeded" or "failed"
	Text    string       `json:"text"`
	Error   string       `json:"error,omitempty"`
	Budget  budget.Usage `json:"budget"`
}

// CrewResult is the terminal outcome of RunCrew.
type CrewResult struct {
	AgentResults []AgentResult `json:"agentResults"`
	Status       string        `json:"status"` // "succeeded", "partial", or "failed"
	Text         string        `json:"text"`
	Error        string        `json:"error,omitempty"`
	Budget       budget.Usage  `json:"budget"`
}

const (
	CrewStatusSucceeded = "succeeded"
	CrewStatusPartial   = "partial"
	CrewStatusFailed    = "failed"
)

// crewStatus derives CrewResult.Status from the per-agent outcomes (spec §8
// scenarios 5-6): every agent succeeded -> succeeded; at least one succeeded
// and at least one failed -> partial; none succeeded (and at least one ran)
// -> failed.
func crewStatus(results []AgentResult) string {
	if len(results) == 0 {
		return CrewStatusFailed
	}
	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Status == "succeeded" {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return CrewStatusSucceeded
	case succeeded == 0:
		return CrewStatusFailed
	default:
		return CrewStatusPartial
	}
}

// Crew bundles the collaborators agent execution needs: a planner and
// executor for full-mode agents, a tool registry to filter per agent, a
// model router for direct-mode calls and custom aggregation, and the
// providers direct mode dials.
type Crew struct {
	Planner      *planner.Planner
	Executor     *executor.Executor
	Registry     *toolregistry.Registry
	Constitution *constitution.Constitution
	Router       *modelrouter.Router
	Providers    planner.ProviderResolver
	Logger       telemetry.Logger
}

// New constructs a Crew. A nil Logger is replaced with a no-op
// implementation.
func New(p *planner.Planner, ex *executor.Executor, reg *toolregistry.Registry, c *constitution.Constitution, router *modelrouter.Router, resolver planner.ProviderResolver, logger telemetry.Logger) *Crew {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Crew{Planner: p, Executor: ex, Registry: reg, Constitution: c, Router: router, Providers: resolver, Logger: logger}
}

// RunCrew dispatches to the strategy named in def.Strategy and aggregates
// the resulting AgentResults.
func (cr *Crew) RunCrew(ctx context.Context, def CrewDefinition, parent *budget.Envelope, root *trace.Span) CrewResult {
	bb := NewBlackboard()
	shares := allocateBudgets(def.Agents, parent)

	var results []AgentResult
	if def.Strategy == StrategyGraph {
		var err error
		results, err = cr.runGraph(ctx, def, shares, bb, root)
		if err != nil {
			return CrewResult{Status: CrewStatusFailed, Error: err.Error(), Budget: parent.Usage()}
		}
	} else {
		switch def.Strategy {
		case StrategyParallel:
			results = cr.runParallel(ctx, def, shares, bb, root)
		case StrategyHierarchical:
			results = cr.runHierarchical(ctx, def, shares, bb, root)
		default:
			results = cr.runSequential(ctx, def, shares, bb, root)
		}
	}

	text := cr.aggregate(ctx, def, results, bb)
	return CrewResult{AgentResults: results, Status: crewStatus(results), Text: text, Budget: parent.Usage()}
}
