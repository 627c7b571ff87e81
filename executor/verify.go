package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// verify implements spec §4.7 step 7. idx is the index (within *steps) of
// the step that just succeeded and carries a non-none Verify. On failure, if
// retryOnFail and retryCount < maxRetries, re-executes the same step and
// records the attempt as an additional StepResult; execution then always
// returns to act() for the next step. Returns a non-nil error only when a
// tool invocation (the verify-retry or a dom_check's browser_evaluate call)
// is blocked by a critical constitution violation, which the caller must
// treat as fatal to the run.
func (ex *Executor) verify(ctx context.Context, rn *run, steps *[]plan.PlanStep, idx int) error {
	rn.transition(StateVerify)
	defer rn.transition(StateAct)

	step := (*steps)[idx]
	retries := 0
	for {
		last := rn.steps[len(rn.steps)-1]
		passed, err := ex.runVerifyCheck(ctx, step, last)
		if err != nil {
			return err
		}
		rn.root.AddEvent(trace.EventStrategySelected, map[string]any{"verify": string(step.Verify.Type), "passed": passed})
		if passed || !step.Verify.RetryOnFail || retries >= maxVerifyRetries(ex) {
			return nil
		}
		retries++
		res, err := ex.Registry.Invoke(ctx, toolregistry.Invocation{ToolName: step.ToolName, Args: step.ToolArgs})
		if err != nil {
			return err
		}
		rn.env.DeductToolCall()
		sr := StepResult{
			Index: step.Index, ToolName: step.ToolName, ToolArgs: step.ToolArgs,
			Success: res.Success, Output: res.Output, Error: res.Error, DurationMs: res.DurationMs, Retry: true,
		}
		rn.steps = append(rn.steps, sr)
		rn.recordOutcome(res.Success)
	}
}

func maxVerifyRetries(ex *Executor) int {
	if ex.MaxVerifyRetries <= 0 {
		return 2
	}
	return ex.MaxVerifyRetries
}

// runVerifyCheck dispatches to the output_check or dom_check assertion logic
// described in spec §4.7 step 7.
func (ex *Executor) runVerifyCheck(ctx context.Context, step plan.PlanStep, last StepResult) (bool, error) {
	switch step.Verify.Type {
	case plan.VerifyOutput:
		return outputCheck(step.Verify.Assertion, last.Output), nil
	case plan.VerifyDOM:
		if _, ok := ex.Registry.Lookup("browser_evaluate"); ok {
			res, err := ex.Registry.Invoke(ctx, toolregistry.Invocation{
				ToolName: "browser_evaluate", Args: map[string]any{"script": step.Verify.Assertion},
			})
			if err != nil {
				return false, err
			}
			return res.Success && truthy(res.Output), nil
		}
		return outputCheck(step.Verify.Assertion, last.Output), nil
	default:
		return true, nil
	}
}

// outputCheck treats assertion first as a regex, falling back to a
// case-insensitive substring match, against fmt.Sprint(output).
func outputCheck(assertion string, output any) bool {
	text := fmt.Sprintf("%v", output)
	if re, err := regexp.Compile(assertion); err == nil {
		if re.MatchString(text) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(assertion))
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case float64:
		return t != 0
	default:
		return true
	}
}
