package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/providers"
)

// synthesize implements spec §4.7 step 8: route to a model, build messages
// from rn.messages plus either the raw description (zero steps, direct
// answer) or the description plus a step summary, call the model, then pass
// the result through Constitution.ValidateOutput.
func (ex *Executor) synthesize(ctx context.Context, rn *run) (string, error) {
	if err := rn.env.CheckBudget(); err != nil {
		return "", err
	}

	anyFailed := false
	for _, s := range rn.steps {
		if !s.Success {
			anyFailed = true
			break
		}
	}
	decision := ex.Router.RouteSynthesize(modelrouter.SynthesizeInput{
		Complexity: rn.execPlan.Complexity, AnyStepFailed: anyFailed, StepCount: len(rn.steps),
	})

	content := rn.description
	if len(rn.steps) > 0 {
		content = rn.description + "\n\n" + stepSummary(rn.steps)
	}
	messages := append(append([]providers.Message{}, rn.messages...), providers.Message{Role: providers.RoleUser, Content: content})

	prov, ok := ex.Providers.Resolve(decision.Provider)
	if !ok {
		return "", fmt.Errorf("executor: no provider registered for %q", decision.Provider)
	}
	resp, err := prov.Chat(ctx, providers.ModelRequest{
		Model: decision.Model, Provider: decision.Provider, Tier: decision.Tier,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	rn.env.DeductTokens(resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens, resp.Model)
	rn.env.DeductCost(resp.CostUsd)

	text := resp.Content
	if v := ex.Constitution.ValidateOutput(text); v != nil {
		text = "This response was filtered for a constitutional violation."
	}
	return text, nil
}

func stepSummary(steps []StepResult) string {
	var b strings.Builder
	b.WriteString("Steps executed:\n")
	for _, s := range steps {
		status := "ok"
		if !s.Success {
			status = "failed: " + s.Error
		}
		fmt.Fprintf(&b, "- %s (%s): %v\n", s.ToolName, status, s.Output)
	}
	return b.String()
}
