// Package modelrouter implements the Model Router (spec §4.3): given an
// operation, remaining budget, and a complexity hint, it chooses a
// (provider, model, tier) and records the choice as a RoutingDecision.
package modelrouter

import (
	"context"
	"fmt"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/providers"
)

// Operation identifies which planner/executor phase is requesting a route.
type Operation string

const (
	OpClassify   Operation = "classify"
	OpPlan       Operation = "plan"
	OpSynthesize Operation = "synthesize"
)

// ModelChoice names the concrete (provider, model) pair a Router returns for
// a given tier.
type ModelChoice struct {
	Provider string
	Model    string
	// CostPer1KTokens estimates USD per 1,000 tokens for this choice, used to
	// produce RoutingDecision.EstimatedCost.
	CostPer1KTokens float64
}

// Policy supplies the concrete model catalogue the Router chooses from. A
// deployer constructs one Policy per process; tests use a fixed fake.
type Policy struct {
	SLM ModelChoice
	LLM ModelChoice
}

// DefaultPolicy is a reasonable default catalogue wiring Anthropic's Haiku
// (SLM) and Sonnet (LLM) tiers; deployers override via NewRouter.
func DefaultPolicy() Policy {
	return Policy{
		SLM: ModelChoice{Provider: "anthropic", Model: "claude-haiku-4-5", CostPer1KTokens: 0.001},
		LLM: ModelChoice{Provider: "anthropic", Model: "claude-sonnet-4-5", CostPer1KTokens: 0.015},
	}
}

// RoutingDecision is the result of a routing call (spec's RoutingDecision
// entity).
type RoutingDecision struct {
	Provider      string
	Model         string
	Tier          providers.Tier
	EstimatedCost float64
	Reason        string
}

// Router chooses routes for planner/executor operations given the sealed
// Policy it was constructed with.
type Router struct {
	policy Policy

	// Escalations, when set, is notified of every Escalate call so the
	// cluster-wide escalation rate can be tracked alongside this process's
	// own per-task budget. Nil disables cluster coordination entirely.
	Escalations *EscalationCoordinator
}

// NewRouter constructs a Router over policy.
func NewRouter(policy Policy) *Router {
	return &Router{policy: policy}
}

// estimatedTokens is a rough per-operation token estimate used only to
// produce an EstimatedCost figure for the trace/telemetry; it is not an
// enforcement value (the envelope's own deductions are the source of
// truth).
const estimatedTokens = 1500

// Route implements the policy table in spec §4.3.
func (r *Router) Route(op Operation, complexity float64, env *budget.Envelope) RoutingDecision {
	switch op {
	case OpClassify:
		return r.decide(r.policy.SLM, "classification always uses the SLM tier")
	case OpPlan:
		return r.routePlan(complexity, env)
	case OpSynthesize:
		return r.routeSynthesize(complexity, env)
	default:
		return r.decide(r.policy.SLM, fmt.Sprintf("unknown operation %q defaults to SLM", op))
	}
}

func (r *Router) routePlan(complexity float64, env *budget.Envelope) RoutingDecision {
	if complexity < 0.6 {
		return r.decide(r.policy.SLM, "plan complexity below 0.6 threshold")
	}
	if env != nil {
		u := env.Usage()
		if u.Allocated[budget.Cost] > 0 && u.Remaining[budget.Cost]/u.Allocated[budget.Cost] < 0.40 {
			return r.decide(r.policy.SLM, "high-complexity plan downgraded: remaining cost below 40%")
		}
		if u.Allocated[budget.Tokens] > 0 && u.Remaining[budget.Tokens]/u.Allocated[budget.Tokens] < 0.30 {
			return r.decide(r.policy.SLM, "high-complexity plan downgraded: remaining tokens below 30%")
		}
	}
	return r.decide(r.policy.LLM, "plan complexity >= 0.6 and budget headroom sufficient")
}

// SynthesizeInput carries the bits of executor state that influence the
// synthesize routing decision (spec: "LLM when any step failed or
// complexity >= 0.6; SLM for short direct answers").
type SynthesizeInput struct {
	Complexity    float64
	AnyStepFailed bool
	StepCount     int
}

func (r *Router) RouteSynthesize(in SynthesizeInput) RoutingDecision {
	if in.AnyStepFailed || in.Complexity >= 0.6 {
		reason := "complexity >= 0.6"
		if in.AnyStepFailed {
			reason = "a step failed during execution"
		}
		return r.decide(r.policy.LLM, reason)
	}
	return r.decide(r.policy.SLM, "short direct answer (no failures, low complexity)")
}

// routeSynthesize is retained to satisfy the Operation dispatch table in
// Route(); it routes on complexity alone because Route() does not carry
// step-failure information — callers needing step-aware synthesis
// routing should call RouteSynthesize directly (the executor does).
func (r *Router) routeSynthesize(complexity float64, _ *budget.Envelope) RoutingDecision {
	return r.RouteSynthesize(SynthesizeInput{Complexity: complexity})
}

// Escalate forces the LLM tier regardless of complexity/budget heuristics
// and consumes one escalation from env. Callers must have already confirmed
// env.CanAffordEscalation().
func (r *Router) Escalate(reason string, env *budget.Envelope) RoutingDecision {
	if env != nil {
		env.DeductEscalation()
	}
	if r.Escalations != nil {
		r.Escalations.RecordEscalation(context.Background())
	}
	d := r.decide(r.policy.LLM, reason)
	d.Tier = providers.TierLLM
	return d
}

// ClusterEscalationCount reports the cluster-wide escalation counter from
// the configured EscalationCoordinator, or 0 if none is set.
func (r *Router) ClusterEscalationCount() int {
	if r.Escalations == nil {
		return 0
	}
	return r.Escalations.ClusterEscalationCount()
}

func (r *Router) decide(choice ModelChoice, reason string) RoutingDecision {
	tier := providers.TierSLM
	if choice == r.policy.LLM {
		tier = providers.TierLLM
	}
	return RoutingDecision{
		Provider:      choice.Provider,
		Model:         choice.Model,
		Tier:          tier,
		EstimatedCost: choice.CostPer1KTokens * estimatedTokens / 1000.0,
		Reason:        reason,
	}
}
