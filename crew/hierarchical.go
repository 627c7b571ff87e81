package crew

import (
	"context"
	"fmt"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/trace"
)

const managerDelegationPrompt = `You are the manager of this crew. Given your instructions and the list of ` +
	`available workers, decide how to delegate the task. Respond with strict JSON: {"delegations":` +
	`[{"agentId":"...","instructions":"..."}], "synthesis":"<note on how you'll combine results>"}.`

const managerSynthesisPrompt = `You are the manager of this crew. Combine the workers' results below into a ` +
	`single final answer for the original task. Respond with plain text, not JSON.`

type delegationResponse struct {
	Delegations []struct {
		AgentID      string `json:"agentId"`
		Instructions string `json:"instructions"`
	} `json:"delegations"`
	Synthesis string `json:"synthesis"`
}

// runHierarchical implements spec §4.8 "hierarchical": the first agent is
// the manager, the rest are workers. Phase 1 delegates (30% of the
// manager's share), phase 2 runs workers in manager-specified order, phase 3
// synthesizes (the remaining 70%).
func (cr *Crew) runHierarchical(ctx context.Context, def CrewDefinition, shares map[string]*budget.Envelope, bb *Blackboard, root *trace.Span) []AgentResult {
	if len(def.Agents) == 0 {
		return nil
	}
	manager := def.Agents[0]
	workers := def.Agents[1:]
	managerEnv := shares[manager.ID]

	delegationEnv := budget.CreateSubEnvelope(managerEnv, 0.30)

	bb.SetStatus(manager.ID, BlackboardRunning)
	delegation := cr.delegate(ctx, manager, workers, delegationEnv, root)

	// Carved only after delegate() has consumed (and mirrored upward) its
	// share, so this actually is the remaining ~70% of managerEnv rather
	// than the full pre-delegation amount.
	synthesisEnv := budget.CreateSubEnvelope(managerEnv, 1.0)

	order := delegation.order(workers)
	workerResults := make([]AgentResult, 0, len(workers))
	for _, id := range order {
		w, ok := findAgent(workers, id)
		if !ok {
			continue
		}
		instructions := w.Instructions
		if d, ok := delegation.instructionsFor(id); ok && d != "" {
			instructions = d
		}
		wa := w
		wa.Instructions = instructions
		workerResults = append(workerResults, cr.runAgent(ctx, wa, shares[w.ID], bb, root))
	}

	synthesisText, err := cr.synthesizeManager(ctx, manager, workerResults, synthesisEnv, root)
	managerResult := AgentResult{AgentID: manager.ID, Status: "succeeded", Text: synthesisText, Budget: managerEnv.Usage()}
	if err != nil {
		managerResult.Status, managerResult.Error = "failed", err.Error()
	}
	bb.Write(manager.ID, synthesisText, statusFor(managerResult))

	return append([]AgentResult{managerResult}, workerResults...)
}

func statusFor(r AgentResult) BlackboardStatus {
	if r.Status == "succeeded" {
		return BlackboardSucceeded
	}
	return BlackboardFailed
}

type managerDelegation struct {
	byAgent map[string]string
	ids     []string
}

func (d managerDelegation) order(workers []AgentDefinition) []string {
	if len(d.ids) > 0 {
		return d.ids
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	return ids
}

func (d managerDelegation) instructionsFor(id string) (string, bool) {
	v, ok := d.byAgent[id]
	return v, ok
}

// delegate calls the manager with managerDelegationPrompt and parses the
// delegation plan tolerantly; on failure it falls back to worker
// declaration order with unmodified instructions.
func (cr *Crew) delegate(ctx context.Context, manager AgentDefinition, workers []AgentDefinition, env *budget.Envelope, root *trace.Span) managerDelegation {
	decision := cr.Router.Route(modelrouter.OpPlan, 0.5, env)
	prov, ok := cr.Providers.Resolve(decision.Provider)
	if !ok {
		return managerDelegation{}
	}
	var workerList string
	for _, w := range workers {
		workerList += fmt.Sprintf("- %s: %s\n", w.ID, w.Instructions)
	}
	resp, err := prov.Chat(ctx, providers.ModelRequest{
		Model: decision.Model, Provider: decision.Provider, Tier: decision.Tier,
		System:         manager.Instructions + "\n\n" + managerDelegationPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: "Workers:\n" + workerList}},
		ResponseFormat: providers.FormatJSON,
	})
	if err != nil {
		return managerDelegation{}
	}
	env.DeductTokens(resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens, resp.Model)
	env.DeductCost(resp.CostUsd)

	var dr delegationResponse
	if perr := planner.ExtractJSON(resp.Content, &dr); perr != nil {
		return managerDelegation{}
	}
	md := managerDelegation{byAgent: make(map[string]string, len(dr.Delegations))}
	for _, d := range dr.Delegations {
		md.byAgent[d.AgentID] = d.Instructions
		md.ids = append(md.ids, d.AgentID)
	}
	return md
}

// synthesizeManager runs phase 3: the manager sees every worker's output and
// produces the crew's final text.
func (cr *Crew) synthesizeManager(ctx context.Context, manager AgentDefinition, workerResults []AgentResult, env *budget.Envelope, root *trace.Span) (string, error) {
	decision := cr.Router.Route(modelrouter.OpSynthesize, 0.5, env)
	prov, ok := cr.Providers.Resolve(decision.Provider)
	if !ok {
		return "", fmt.Errorf("crew: no provider registered for %q", decision.Provider)
	}
	var body string
	for _, r := range workerResults {
		status := r.Status
		body += fmt.Sprintf("[%s] (%s): %s\n", r.AgentID, status, r.Text)
	}
	resp, err := prov.Chat(ctx, providers.ModelRequest{
		Model: decision.Model, Provider: decision.Provider, Tier: decision.Tier,
		System:   manager.Instructions + "\n\n" + managerSynthesisPrompt,
		Messages: []providers.Message{{Role: providers.RoleUser, Content: body}},
	})
	if err != nil {
		return "", err
	}
	env.DeductTokens(resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens, resp.Model)
	env.DeductCost(resp.CostUsd)
	return resp.Content, nil
}
