package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

var (
	urlPattern     = regexp.MustCompile(`https?://\S+`)
	youtubePattern = regexp.MustCompile(`(?i)\b(play|watch)\b.*\b(on\s+)?youtube\b`)
	googlePattern  = regexp.MustCompile(`(?i)\b(search|google)\b\s*(for)?`)
	gmailPattern   = regexp.MustCompile(`(?i)\b(compose|send)\b.*\bgmail\b`)
)

// Input carries everything Plan needs beyond the bare description.
type Input struct {
	TaskID            string
	Description       string
	Complexity        float64
	Spec              plan.TaskSpec
	FailurePatternCtx string // optional: compact summary of prior replan failures
}

type planStepWire struct {
	Description string         `json:"description"`
	ToolName    string         `json:"toolName"`
	ToolArgs    map[string]any `json:"toolArgs"`
}

type planResponse struct {
	Steps []planStepWire `json:"steps"`
}

// Plan implements spec §4.6 "plan": builds the system prompt, calls the
// router-chosen model, tolerantly parses the JSON response, and applies the
// three escalation/fallback paths plus the browser_navigate enrichment step.
func (p *Planner) Plan(ctx context.Context, in Input, env *budget.Envelope, span *trace.Span) (plan.ExecutionPlan, error) {
	systemPrompt := p.buildPlannerSystemPrompt(in)

	decision := p.Router.Route(modelrouter.OpPlan, in.Complexity, env)
	if span != nil {
		span.AddEvent(trace.EventRoutingDecision, map[string]any{"operation": "plan", "tier": string(decision.Tier), "reason": decision.Reason})
	}

	resp, err := p.call(ctx, decision, providers.ModelRequest{
		System:         systemPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: in.Description}},
		ResponseFormat: providers.FormatJSON,
	}, env)

	floor := ActionFloor(in.Description)
	var steps []plan.PlanStep
	parseOK := err == nil
	if parseOK {
		var pr planResponse
		if perr := ExtractJSON(resp.Content, &pr); perr != nil {
			parseOK = false
		} else {
			steps = wireStepsToPlanSteps(pr.Steps)
		}
	}

	// Escalation path 1: parse failure.
	if !parseOK && floor > 0 && env != nil && env.CanAffordEscalation() {
		if span != nil {
			span.AddEvent(trace.EventEscalation, map[string]any{"reason": "plan_parse_failure"})
		}
		esc := p.Router.Escalate("plan parse failure retry", env)
		resp2, err2 := p.call(ctx, esc, providers.ModelRequest{
			System: systemPrompt, Messages: []providers.Message{{Role: providers.RoleUser, Content: in.Description}},
			ResponseFormat: providers.FormatJSON,
		}, env)
		if err2 == nil {
			var pr2 planResponse
			if perr := ExtractJSON(resp2.Content, &pr2); perr == nil {
				steps = wireStepsToPlanSteps(pr2.Steps)
				parseOK = true
			}
		}
	}

	// Escalation path 2: empty plan.
	if parseOK && len(steps) == 0 && floor > 0 && env != nil && env.CanAffordEscalation() {
		if span != nil {
			span.AddEvent(trace.EventEscalation, map[string]any{"reason": "plan_empty_steps"})
		}
		esc := p.Router.Escalate("empty plan retry", env)
		resp2, err2 := p.call(ctx, esc, providers.ModelRequest{
			System: systemPrompt, Messages: []providers.Message{{Role: providers.RoleUser, Content: in.Description}},
			ResponseFormat: providers.FormatJSON,
		}, env)
		if err2 == nil {
			var pr2 planResponse
			if perr := ExtractJSON(resp2.Content, &pr2); perr == nil {
				steps = wireStepsToPlanSteps(pr2.Steps)
			}
		}
	}

	// Heuristic fallback: both model calls failed to produce any steps.
	if len(steps) == 0 {
		if fallback := heuristicPlan(in.Description, p.Registry); len(fallback) > 0 {
			if span != nil {
				span.AddEvent(trace.EventReplan, map[string]any{"reason": "heuristic_fallback"})
			}
			steps = fallback
		}
	}

	// Plan enrichment: single browser_navigate step + page-observation tool
	// available + actionFloor >= 0.7 -> append an observation step.
	if len(steps) == 1 && steps[0].ToolName == "browser_navigate" && floor >= 0.7 {
		if _, ok := p.Registry.Lookup("browser_observe"); ok {
			steps = append(steps, plan.PlanStep{
				Description: "Observe the page to discover available interactive elements",
				ToolName:    "browser_observe",
				ToolArgs:    map[string]any{},
			})
		}
	}

	for i := range steps {
		steps[i].Index = i
	}

	return plan.ExecutionPlan{TaskID: in.TaskID, Complexity: in.Complexity, Steps: steps}, nil
}

func wireStepsToPlanSteps(wire []planStepWire) []plan.PlanStep {
	steps := make([]plan.PlanStep, 0, len(wire))
	for _, w := range wire {
		if w.ToolName == "" {
			continue
		}
		steps = append(steps, plan.PlanStep{Description: w.Description, ToolName: w.ToolName, ToolArgs: w.ToolArgs})
	}
	return steps
}

func (p *Planner) buildPlannerSystemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(plannerHeader)
	b.WriteString("\n\nAvailable tools:\n")
	for _, def := range p.Registry.Definitions() {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	if in.FailurePatternCtx != "" {
		b.WriteString("\nKnown failure patterns from prior attempts:\n")
		b.WriteString(in.FailurePatternCtx)
		b.WriteString("\n")
	}
	if len(in.Spec.SuccessCriteria) > 0 {
		b.WriteString("\nSuccess criteria the plan must satisfy:\n")
		for _, c := range in.Spec.SuccessCriteria {
			fmt.Fprintf(&b, "- (%s) %s\n", c.Type, c.Description)
		}
	}
	if p.Constitution != nil {
		b.WriteString("\n")
		b.WriteString(p.Constitution.BuildPromptInjection())
	}
	return b.String()
}

const plannerHeader = `You are a task planner. Respond with strict JSON of the form ` +
	`{"steps": [{"description": "...", "toolName": "...", "toolArgs": {}}]}. Use only the tools listed below. ` +
	`No other text outside the JSON object.`

// heuristicPlan synthesizes a plan from description by pattern-matching
// common intents (spec §4.6 "Heuristic fallback": URL navigation, YouTube
// play, Google search, Gmail compose), returned only when at least one step
// could be produced and its tool exists in reg.
func heuristicPlan(description string, reg *toolregistry.Registry) []plan.PlanStep {
	var steps []plan.PlanStep
	add := func(tool string, args map[string]any, desc string) {
		if _, ok := reg.Lookup(tool); ok {
			steps = append(steps, plan.PlanStep{Description: desc, ToolName: tool, ToolArgs: args})
		}
	}

	switch {
	case urlPattern.MatchString(description):
		url := urlPattern.FindString(description)
		add("browser_navigate", map[string]any{"url": url}, "Navigate to the referenced URL")
	case youtubePattern.MatchString(description):
		query := youtubePattern.ReplaceAllString(description, "")
		add("browser_navigate", map[string]any{"url": "https://www.youtube.com"}, "Open YouTube")
		add("browser_type", map[string]any{"text": strings.TrimSpace(query)}, "Type the search query")
		add("browser_click", map[string]any{"target": "search button"}, "Submit the search")
	case googlePattern.MatchString(description):
		query := googlePattern.ReplaceAllString(description, "")
		add("browser_navigate", map[string]any{"url": "https://www.google.com/search?q=" + strings.TrimSpace(query)}, "Search Google for the query")
	case gmailPattern.MatchString(description):
		add("browser_navigate", map[string]any{"url": "https://mail.google.com/mail/u/0/#inbox?compose=new"}, "Open Gmail compose")
	}

	for i := range steps {
		steps[i].Index = i
	}
	return steps
}
