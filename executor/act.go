package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// act runs every step of rn.execPlan in order, handling reactive-step
// injection, strategy fallback, checkpointing, and failure-driven recovery
// replans (spec §4.7 step 6). Returns a *budget.ExhaustedError when
// checkBudget fails mid-loop, or a *constitution.Violation when a tool
// invocation is blocked by a critical rule; every other error is absorbed
// into step results.
func (ex *Executor) act(ctx context.Context, rn *run) error {
	steps := rn.execPlan.Steps
	interval := checkpointInterval(len(steps))

	for i := 0; i < len(steps); i++ {
		step := steps[i]

		confidence := estimateConfidence(
			critiqueConfidenceFor(rn), rn.recentFailures(),
			hasKnownFailurePattern(rn, step.ToolName), rn.toolSucceededRecently(step.ToolName),
		)

		if err := rn.env.CheckBudget(); err != nil {
			return err
		}

		var res toolregistry.Result
		if ex.requiresConfirmation(step) && !ex.confirm(ctx, rn, step) {
			res = toolregistry.Result{Success: false, Error: "confirmation denied",
				RetryHint: &toolregistry.RetryHint{Reason: toolregistry.RetryReasonConstitutionBlocked, Tool: step.ToolName, RestrictToTool: true, Message: "user denied confirmation"}}
		} else {
			var err error
			res, err = ex.Registry.Invoke(ctx, toolregistry.Invocation{ToolName: step.ToolName, Args: step.ToolArgs})
			if err != nil {
				// A critical constitution violation: the tool was never
				// executed. Abort the run instead of recording an ordinary
				// failed step (spec §8 scenario 4).
				return err
			}
		}
		rn.env.DeductToolCall()
		rn.env.DeductLatencyTick()

		sr := StepResult{
			Index: step.Index, ToolName: step.ToolName, ToolArgs: step.ToolArgs,
			Success: res.Success, Output: res.Output, Error: res.Error,
			Confidence: confidence, DurationMs: res.DurationMs,
			RetryHint: res.RetryHint, ExpectedChildren: expectedChildren(res.Output),
		}
		rn.steps = append(rn.steps, sr)
		rn.recordOutcome(res.Success)
		rn.root.AddEvent(trace.EventToolCall, map[string]any{
			"tool": step.ToolName, "success": res.Success, "expected_children": sr.ExpectedChildren,
		})

		if res.Success {
			reactive := ex.Planner.PlanReactiveSteps(ctx, planner.ReactiveInput{
				TaskGoal: rn.spec.Goal, LastStep: step, LastStepOutput: res.Output,
			}, rn.env, rn.root)
			if len(reactive) > 0 {
				steps = spliceSteps(steps, i+1, reactive)
			}

			if step.Verify != nil && step.Verify.Type != plan.VerifyNone {
				if err := ex.verify(ctx, rn, &steps, i); err != nil {
					return err
				}
			}
		} else {
			if fallback := buildFallbackSteps(step, ex.Registry); len(fallback) > 0 {
				steps = spliceSteps(steps, i+1, fallback)
			} else if rn.replanDepth < ex.MaxReplanDepth && rn.env.CanAffordEscalation() {
				ex.recover(ctx, rn, &steps, i)
			}
		}

		if (i+1)%interval == 0 && i+1 < len(steps) {
			ex.checkpoint(ctx, rn, &steps, i)
		}
	}
	rn.execPlan.Steps = steps
	return nil
}

// recover implements spec §4.7's recover transition: call replan and replace
// the remaining tail with the recovery steps; log and continue with the
// original tail on replan failure.
func (ex *Executor) recover(ctx context.Context, rn *run, steps *[]plan.PlanStep, idx int) {
	rn.transition(StateRecover)
	last := rn.steps[len(rn.steps)-1]
	recovered, err := ex.Planner.Replan(ctx, planner.ReplanInput{
		TaskDescription: rn.description,
		FailedStep:      (*steps)[idx],
		FailureError:    last.Error,
		CompletedSteps:  (*steps)[:idx],
		ReplanDepth:     rn.replanDepth,
		RetryHint:       last.RetryHint,
	}, rn.env, rn.root)
	rn.transition(StateAct)
	if err != nil {
		ex.Logger.Warn(ctx, "recover: replan failed, continuing with original tail", "error", err.Error())
		return
	}
	rn.replanDepth++
	tail := append([]plan.PlanStep{}, recovered.Steps...)
	*steps = append(append([]plan.PlanStep{}, (*steps)[:idx+1]...), tail...)
	for i := range *steps {
		(*steps)[i].Index = i
	}
}

// checkpoint asks an SLM whether execution remains on track given a
// compressed history (spec §4.7 step 6, final bullet).
func (ex *Executor) checkpoint(ctx context.Context, rn *run, steps *[]plan.PlanStep, idx int) {
	rn.transition(StateCheckpoint)
	defer rn.transition(StateAct)

	decision := ex.Router.Route(modelrouter.OpClassify, 0, rn.env)
	rn.root.AddEvent(trace.EventGoalCheckpoint, map[string]any{"after_step": idx})

	prov, ok := ex.Providers.Resolve(decision.Provider)
	if !ok {
		return
	}
	resp, err := prov.Chat(ctx, providers.ModelRequest{
		Model: decision.Model, Provider: decision.Provider, Tier: decision.Tier,
		System:         "Given the goal, success criteria, and compressed step history, answer strict JSON {\"onTrack\": true|false}.",
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: compressedHistory(rn, *steps)}},
		ResponseFormat: providers.FormatJSON,
	})
	if err != nil {
		return
	}
	rn.env.DeductTokens(resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens, resp.Model)
	rn.env.DeductCost(resp.CostUsd)

	var cr struct {
		OnTrack bool `json:"onTrack"`
	}
	if err := planner.ExtractJSON(resp.Content, &cr); err != nil {
		return
	}
	if !cr.OnTrack && rn.replanDepth < ex.MaxReplanDepth && rn.env.CanAffordEscalation() {
		ex.recover(ctx, rn, steps, idx)
	}
}

func compressedHistory(rn *run, steps []plan.PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", rn.spec.Goal)
	for _, c := range rn.spec.SuccessCriteria {
		fmt.Fprintf(&b, "Criterion: %s\n", c.Description)
	}
	n := len(rn.steps)
	ok, fail := 0, 0
	for _, s := range rn.steps {
		if s.Success {
			ok++
		} else {
			fail++
		}
	}
	head := rn.steps
	if n > 5 {
		first2 := rn.steps[:2]
		last3 := rn.steps[n-3:]
		fmt.Fprintf(&b, "First steps: %v\n", summarize(first2))
		fmt.Fprintf(&b, "… %d steps (%d ok, %d failed) …\n", n-5, ok, fail)
		fmt.Fprintf(&b, "Last steps: %v\n", summarize(last3))
		return b.String()
	}
	fmt.Fprintf(&b, "Steps: %v\n", summarize(head))
	return b.String()
}

func summarize(steps []StepResult) string {
	var parts []string
	for _, s := range steps {
		parts = append(parts, fmt.Sprintf("%s(ok=%v)", s.ToolName, s.Success))
	}
	return strings.Join(parts, ", ")
}

func spliceSteps(steps []plan.PlanStep, at int, insert []plan.PlanStep) []plan.PlanStep {
	out := make([]plan.PlanStep, 0, len(steps)+len(insert))
	out = append(out, steps[:at]...)
	out = append(out, insert...)
	out = append(out, steps[at:]...)
	for i := range out {
		out[i].Index = i
	}
	return out
}

// expectedChildren reads a tool output's declared child-call count, when it
// reports one (e.g. a search tool returning {"results": [...], "expected_children": 4}
// for documents it expects the plan to fetch next). Most tool outputs don't
// declare this; those report 0, which planner.PlanReactiveSteps and
// streaming progress both treat as "not applicable".
func expectedChildren(output any) int {
	m, ok := output.(map[string]any)
	if !ok {
		return 0
	}
	raw, ok := m["expected_children"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func critiqueConfidenceFor(rn *run) float64 {
	// The critique score isn't threaded per-step; act() uses the plan-level
	// overall confidence as the base critiqueConfidence term (spec §4.7 step
	// 6 treats it as a single scalar per act invocation).
	return rn.critiqueOverall
}

func hasKnownFailurePattern(rn *run, tool string) bool {
	for _, s := range rn.steps {
		if s.ToolName == tool && !s.Success {
			return true
		}
	}
	return false
}
