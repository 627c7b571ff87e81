package crew

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// retryBackoffBase is the base delay for agent-run retries (spec §5:
// "exponential backoff base x 2^attempt, base default 1s").
const retryBackoffBase = time.Second

// runAgent executes one agent in its configured mode, retrying on an
// outputSchema mismatch with exponential backoff. Retries are skipped when
// the failure is a budget exhaustion (spec §4.8, §5).
func (cr *Crew) runAgent(ctx context.Context, a AgentDefinition, env *budget.Envelope, bb *Blackboard, root *trace.Span) AgentResult {
	bb.SetStatus(a.ID, BlackboardRunning)
	emitStream(ctx, StreamEvent{Type: StreamAgentStart, AgentID: a.ID})

	maxAttempts := 1
	if len(a.OutputSchema) > 0 {
		maxAttempts = 3
	}

	var result AgentResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				result = AgentResult{AgentID: a.ID, Status: "failed", Error: ctx.Err().Error(), Budget: env.Usage()}
				bb.Write(a.ID, result.Text, BlackboardFailed)
				return result
			case <-time.After(retryBackoffBase * time.Duration(1<<uint(attempt-1))):
			}
		}

		result = cr.runAgentOnce(ctx, a, env, bb, root)
		if result.Status != "succeeded" {
			if isBudgetExhausted(result.Error) {
				break
			}
			continue
		}
		if schemaSatisfied(a.OutputSchema, result.Text) {
			break
		}
		result.Status = "failed"
		result.Error = "agent output missing required schema keys"
	}

	status := BlackboardSucceeded
	evType := StreamAgentComplete
	if result.Status != "succeeded" {
		status = BlackboardFailed
		evType = StreamAgentError
	}
	bb.Write(a.ID, result.Text, status)
	res := result
	emitStream(ctx, StreamEvent{Type: evType, AgentID: a.ID, Result: &res})
	return result
}

func isBudgetExhausted(errMsg string) bool {
	return strings.Contains(strings.ToLower(errMsg), "budget")
}

// schemaSatisfied runs the lightweight required-key check spec §4.8
// describes: every key in schema must appear as a `"key"` substring in the
// agent's raw JSON-ish output text.
func schemaSatisfied(schema []string, text string) bool {
	for _, key := range schema {
		if !strings.Contains(text, `"`+key+`"`) {
			return false
		}
	}
	return true
}

func (cr *Crew) runAgentOnce(ctx context.Context, a AgentDefinition, env *budget.Envelope, bb *Blackboard, root *trace.Span) AgentResult {
	registry := cr.Registry
	if len(a.AllowedTools) > 0 {
		registry = cr.Registry.Filtered(a.AllowedTools)
	}

	var (
		text string
		err  error
	)
	if a.Mode == ExecutionFull {
		text, err = cr.runFull(ctx, a, registry, env, root)
	} else {
		text, err = cr.runDirect(ctx, a, registry, env, bb, root)
	}
	if err != nil {
		return AgentResult{AgentID: a.ID, Status: "failed", Error: err.Error(), Budget: env.Usage()}
	}
	return AgentResult{AgentID: a.ID, Status: "succeeded", Text: text, Budget: env.Usage()}
}

// runFull drives the agent through the full Task Executor pipeline with a
// registry scoped to the agent and the agent's instructions used as the
// task description.
func (cr *Crew) runFull(ctx context.Context, a AgentDefinition, registry *toolregistry.Registry, env *budget.Envelope, root *trace.Span) (string, error) {
	ex := *cr.Executor
	pl := *cr.Planner
	pl.Registry = registry
	ex.Planner = &pl
	ex.Registry = registry

	result := ex.Run(ctx, env, executor.Input{
		TaskID:      a.ID,
		Description: a.Instructions,
	})
	if result.Status == string(executor.StatusFailed) {
		return "", fmt.Errorf("agent %s: %s", a.ID, result.Error)
	}
	return result.Text, nil
}

// runDirect implements the tight 1-3 model-call tool-use loop (spec §4.8
// "direct mode"): the agent may call at most one tool per turn, then either
// calls another tool or responds with final text.
func (cr *Crew) runDirect(ctx context.Context, a AgentDefinition, registry *toolregistry.Registry, env *budget.Envelope, bb *Blackboard, root *trace.Span) (string, error) {
	decision := cr.Router.Route(modelrouter.OpPlan, 0.3, env)
	if root != nil {
		root.AddEvent(trace.EventRoutingDecision, map[string]any{"agent": a.ID, "operation": "direct", "model": decision.Model})
	}
	prov, ok := cr.Providers.Resolve(decision.Provider)
	if !ok {
		return "", fmt.Errorf("crew: no provider registered for %q", decision.Provider)
	}

	messages := []providers.Message{{Role: providers.RoleUser, Content: a.Instructions + peerResultsContext(bb, a.ID)}}
	const maxTurns = 3
	for turn := 0; turn < maxTurns; turn++ {
		if err := env.CheckBudget(); err != nil {
			return "", err
		}
		resp, err := prov.Chat(ctx, providers.ModelRequest{
			Model: decision.Model, Provider: decision.Provider, Tier: decision.Tier,
			System:         directModeSystemPrompt(a, registry),
			Messages:       messages,
			ResponseFormat: providers.FormatJSON,
		})
		if err != nil {
			return "", err
		}
		env.DeductTokens(resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens, resp.Model)
		env.DeductCost(resp.CostUsd)

		var action directAction
		if perr := planner.ExtractJSON(resp.Content, &action); perr != nil || action.Action == "respond" || action.ToolName == "" {
			if action.Text != "" {
				return action.Text, nil
			}
			return resp.Content, nil
		}

		emitStream(ctx, StreamEvent{Type: StreamAgentProgress, AgentID: a.ID, Progress: "calling tool " + action.ToolName})
		invRes, err := registry.Invoke(ctx, toolregistry.Invocation{ToolName: action.ToolName, Args: action.ToolArgs})
		if err != nil {
			// A critical constitution violation: the tool was never
			// executed. Abort the agent instead of feeding a blocked call's
			// result back into the loop (spec §8 scenario 4).
			return "", err
		}
		env.DeductToolCall()
		messages = append(messages,
			providers.Message{Role: providers.RoleAssistant, Content: resp.Content},
			providers.Message{Role: providers.RoleTool, Content: fmt.Sprintf("%v", invRes.Output)},
		)
	}
	return "", fmt.Errorf("crew: agent %s exhausted direct-mode turns without responding", a.ID)
}

type directAction struct {
	Action   string         `json:"action"`
	ToolName string         `json:"toolName"`
	ToolArgs map[string]any `json:"toolArgs"`
	Text     string         `json:"text"`
}

// peerResultsContext renders every already-committed blackboard entry other
// than the agent's own key, giving direct-mode agents read access to peer
// results without granting write access to anything but their own key.
func peerResultsContext(bb *Blackboard, selfID string) string {
	snap := bb.Snapshot()
	if len(snap) == 0 {
		return ""
	}
	var b strings.Builder
	for key, entry := range snap {
		if key == selfID || entry.Status != BlackboardSucceeded {
			continue
		}
		fmt.Fprintf(&b, "\n\nPeer result (%s): %v", key, entry.Value)
	}
	return b.String()
}

func directModeSystemPrompt(a AgentDefinition, registry *toolregistry.Registry) string {
	var tools []string
	for _, d := range registry.Definitions() {
		tools = append(tools, d.Name)
	}
	return "You are a crew agent. " + a.Instructions + " Available tools: " + strings.Join(tools, ", ") +
		`. Respond with strict JSON: {"action":"call_tool","toolName":"...","toolArgs":{}} or {"action":"respond","text":"..."}.`
}
