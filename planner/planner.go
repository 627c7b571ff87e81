// Package planner implements the Planner (spec §4.6): classification, task
// specification, plan generation with escalation/heuristic fallback, plan
// critique, reactive-step injection, and failure-driven replanning. Every
// model call is routed through modelrouter, deducts tokens/cost from the
// task's budget envelope, and is wrapped in a trace span.
package planner

import (
	"context"
	"fmt"
	"regexp"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/telemetry"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// ProviderResolver maps a provider name (as returned in a RoutingDecision)
// to a concrete providers.Provider. Production wiring registers "anthropic",
// "openai", and "bedrock"; tests register a single fake under any name.
type ProviderResolver interface {
	Resolve(name string) (providers.Provider, bool)
}

// MapResolver is the trivial map-backed ProviderResolver most callers use.
type MapResolver map[string]providers.Provider

func (m MapResolver) Resolve(name string) (providers.Provider, bool) {
	p, ok := m[name]
	return p, ok
}

// Planner bundles the collaborators classify/specify/plan/critique/replan
// need: a Router to pick models, a ProviderResolver to dial them, a Registry
// to describe available tools, and a Constitution to inject into prompts.
type Planner struct {
	Router       *modelrouter.Router
	Providers    ProviderResolver
	Registry     *toolregistry.Registry
	Constitution *constitution.Constitution
	Logger       telemetry.Logger

	// MaxReplanDepth bounds replan() recursion (spec default: 2).
	MaxReplanDepth int
}

// New constructs a Planner with spec defaults (MaxReplanDepth=2). A nil
// Logger is replaced with a no-op implementation.
func New(router *modelrouter.Router, resolver ProviderResolver, registry *toolregistry.Registry, c *constitution.Constitution, logger telemetry.Logger) *Planner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Planner{Router: router, Providers: resolver, Registry: registry, Constitution: c, Logger: logger, MaxReplanDepth: 2}
}

func (p *Planner) call(ctx context.Context, decision modelrouter.RoutingDecision, req providers.ModelRequest, env *budget.Envelope) (providers.ModelResponse, error) {
	prov, ok := p.Providers.Resolve(decision.Provider)
	if !ok {
		return providers.ModelResponse{}, fmt.Errorf("planner: no provider registered for %q", decision.Provider)
	}
	req.Model = decision.Model
	req.Provider = decision.Provider
	req.Tier = decision.Tier
	resp, err := prov.Chat(ctx, req)
	if err != nil {
		return providers.ModelResponse{}, err
	}
	if env != nil {
		env.DeductTokens(resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens, resp.Model)
		env.DeductCost(resp.CostUsd)
		if resp.CostUsd == 0 {
			env.DeductCost(decision.EstimatedCost)
		}
	}
	return resp, nil
}

// --- classifyComplexity -----------------------------------------------------

type actionFloorRule struct {
	pattern *regexp.Regexp
	floor   float64
}

// actionFloorRules implements the fixed list in spec §4.6: regex -> floor.
var actionFloorRules = []actionFloorRule{
	{regexp.MustCompile(`(?i)\b(go to|navigate to|open|visit)\b.*\b(https?://|www\.)`), 0.75},
	{regexp.MustCompile(`(?i)\b(send|compose)\b.*\b(email|message|text|sms)\b`), 0.80},
	{regexp.MustCompile(`(?i)\b(read|write|save|download|upload)\b.*\bfile\b`), 0.70},
	{regexp.MustCompile(`(?i)\b(run|execute)\b.*\b(command|script|shell)\b`), 0.70},
	{regexp.MustCompile(`(?i)\b(fetch|call|request)\b.*\b(api|endpoint|http)\b`), 0.70},
	{regexp.MustCompile(`(?i)\b(turn on|turn off|toggle)\b.*\b(light|thermostat|device)\b`), 0.70},
	{regexp.MustCompile(`(?i)\b(click|type|move mouse|take screenshot)\b`), 0.70},
	{regexp.MustCompile(`(?i)\bdesktop\b.*\b(app|window|application)\b`), 0.75},
	{regexp.MustCompile(`https?://\S+`), 0.70},
}

// ActionFloor computes the lower bound on complexity derived from
// regex-matching description against the fixed action-intent patterns.
func ActionFloor(description string) float64 {
	var floor float64
	for _, rule := range actionFloorRules {
		if rule.pattern.MatchString(description) && rule.floor > floor {
			floor = rule.floor
		}
	}
	return floor
}

type classifyResponse struct {
	Complexity float64 `json:"complexity"`
	Reason     string  `json:"reason"`
}

// ClassifyComplexity implements spec §4.6 classifyComplexity: final
// complexity is max(slm-reported, action floor). A provider failure or
// unparsable response degrades to the action floor alone rather than
// failing the task.
func (p *Planner) ClassifyComplexity(ctx context.Context, description string, env *budget.Envelope, span *trace.Span) float64 {
	floor := ActionFloor(description)
	decision := p.Router.Route(modelrouter.OpClassify, 0, env)
	if span != nil {
		span.AddEvent(trace.EventRoutingDecision, map[string]any{"operation": "classify", "model": decision.Model, "reason": decision.Reason})
	}
	resp, err := p.call(ctx, decision, providers.ModelRequest{
		System:         classifierSystemPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: description}},
		ResponseFormat: providers.FormatJSON,
	}, env)
	if err != nil {
		p.Logger.Warn(ctx, "classify: provider call failed, falling back to action floor", "error", err.Error())
		return floor
	}
	var cr classifyResponse
	if err := ExtractJSON(resp.Content, &cr); err != nil {
		p.Logger.Warn(ctx, "classify: could not parse model output, falling back to action floor")
		return floor
	}
	complexity := clamp01(cr.Complexity)
	if floor > complexity {
		complexity = floor
	}
	return complexity
}

const classifierSystemPrompt = `You are a task complexity classifier. Given a task description, respond with ` +
	`strict JSON of the form {"complexity": <0..1 number>, "reason": "<one sentence>"}. Do not include any other text.`

// --- specifyTask -------------------------------------------------------------

type specifyResponse struct {
	Goal            string                 `json:"goal"`
	Constraints     []string               `json:"constraints"`
	SuccessCriteria []specifyCriterionWire `json:"successCriteria"`
}

type specifyCriterionWire struct {
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Check       map[string]any `json:"check"`
}

// SafeFallbackSpec is the never-fail fallback spec §4.6 mandates.
func SafeFallbackSpec(description string) plan.TaskSpec {
	return plan.TaskSpec{
		Goal:        description,
		Constraints: nil,
		SuccessCriteria: []plan.SuccessCriterion{
			{Description: "Task completed successfully", Type: plan.CriterionToolSucceeded, Check: map[string]any{}},
		},
	}
}

// SpecifyTask calls the SLM to extract {goal, constraints, successCriteria}.
// It must never fail the task: any provider or parse error returns
// SafeFallbackSpec(description).
func (p *Planner) SpecifyTask(ctx context.Context, description string, env *budget.Envelope, span *trace.Span) plan.TaskSpec {
	decision := p.Router.Route(modelrouter.OpClassify, 0, env)
	resp, err := p.call(ctx, decision, providers.ModelRequest{
		System:         specifySystemPrompt,
		Messages:       []providers.Message{{Role: providers.RoleUser, Content: description}},
		ResponseFormat: providers.FormatJSON,
	}, env)
	if err != nil {
		p.Logger.Warn(ctx, "specify: provider call failed, using safe fallback", "error", err.Error())
		return SafeFallbackSpec(description)
	}
	var sr specifyResponse
	if err := ExtractJSON(resp.Content, &sr); err != nil {
		p.Logger.Warn(ctx, "specify: could not parse model output, using safe fallback")
		return SafeFallbackSpec(description)
	}
	if sr.Goal == "" {
		return SafeFallbackSpec(description)
	}
	criteria := make([]plan.SuccessCriterion, 0, len(sr.SuccessCriteria))
	for _, c := range sr.SuccessCriteria {
		criteria = append(criteria, plan.SuccessCriterion{Description: c.Description, Type: plan.CriterionType(c.Type), Check: c.Check})
	}
	if len(criteria) == 0 {
		criteria = SafeFallbackSpec(description).SuccessCriteria
	}
	return plan.TaskSpec{Goal: sr.Goal, Constraints: sr.Constraints, SuccessCriteria: criteria}
}

const specifySystemPrompt = `Extract a structured task specification as strict JSON: ` +
	`{"goal": "<one sentence>", "constraints": ["..."], "successCriteria": [{"description":"...", ` +
	`"type":"output_contains|tool_succeeded|page_state|file_exists|custom", "check": {}}]}. No other text.`

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
