// Package executor implements the Task Executor (spec §4.7): the state
// machine that drives a single task from description to TaskResult through
// spec, plan, critique, simulate, act, verify/recover/checkpoint, and
// synthesize. Every state transition is recorded as a state_transition trace
// event.
package executor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/planner/plan"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/simulate"
	"github.com/taskcore/engine/telemetry"
	"github.com/taskcore/engine/toolregistry"
	"github.com/taskcore/engine/trace"
)

// State names every node of the execution state machine.
type State string

const (
	StateIdle     State = "idle"
	StateSpec     State = "spec"
	StatePlan     State = "plan"
	StateCritique State = "critique"
	StateSimulate State = "simulate"
	StateAct      State = "act"
	// StateAwaitingConfirmation suspends act() before invoking a tool
	// registered with RequiresConfirmation, until a ConfirmationResolver
	// approves or denies it.
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateVerify               State = "verify"
	StateRecover              State = "recover"
	StateCheckpoint           State = "checkpoint"
	StateSynthesize           State = "synthesize"
	StateDone                 State = "done"
)

// Status is the terminal outcome recorded on a TaskResult.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusBudgetExhausted Status = "budget_exhausted"
)

// StepResult records the outcome of one executed (or re-executed) step.
type StepResult struct {
	Index      int
	ToolName   string
	ToolArgs   map[string]any
	Success    bool
	Output     any
	Error      string
	Confidence float64
	DurationMs int64
	Retry      bool
	// RetryHint is the toolregistry's structured failure guidance, carried
	// through to recover()'s replan prompt. Nil on success.
	RetryHint *toolregistry.RetryHint
	// ExpectedChildren is set when a tool's output declares it spawned
	// nested tool calls (e.g. a search result with child documents to
	// fetch). It is recorded on the step and mirrored into the trace's
	// tool_call event; the planner does not read it.
	ExpectedChildren int
}

// CriterionResult is the per-criterion outcome of success-criteria evaluation.
type CriterionResult struct {
	Description string
	Type        plan.CriterionType
	Met         bool
}

// TaskResult is the complete record of one task execution (spec's
// TaskResult entity).
type TaskResult struct {
	TaskID          string
	Status          Status
	Text            string
	Steps           []StepResult
	CriteriaResults []CriterionResult
	Error           string
	RuleID          string
	Budget          budget.Usage
	Trace           *trace.Trace
}

// Input carries everything Run needs to execute one task.
type Input struct {
	TaskID      string
	Description string
	Messages    []providers.Message
}

// Executor bundles the planner, simulator, tool registry, and constitution
// collaborators the state machine drives. One Executor is safe to reuse
// across tasks; all per-task state lives in a local run.
type Executor struct {
	Planner      *planner.Planner
	Registry     *toolregistry.Registry
	Constitution *constitution.Constitution
	Router       *modelrouter.Router
	Providers    planner.ProviderResolver
	Logger       telemetry.Logger
	// Confirm resolves RequiresConfirmation tool steps. Nil auto-approves.
	Confirm ConfirmationResolver
	// OnSnapshot, when set, is invoked after every state transition with a
	// read-only Snapshot of the in-flight run — a dashboard/introspection
	// hook, not a durability guarantee (spec's no-cross-restart-durability
	// Non-goal still stands: nothing here is persisted or resumable).
	OnSnapshot func(Snapshot)

	// MaxReplanDepth bounds recovery replans per task (spec default: 2).
	MaxReplanDepth int
	// MaxVerifyRetries bounds verify-step retries (spec default: 2).
	MaxVerifyRetries int
}

// New constructs an Executor with spec defaults. A nil Logger is replaced
// with a no-op implementation.
func New(p *planner.Planner, reg *toolregistry.Registry, c *constitution.Constitution, router *modelrouter.Router, resolver planner.ProviderResolver, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{
		Planner: p, Registry: reg, Constitution: c, Router: router, Providers: resolver, Logger: logger,
		MaxReplanDepth: 2, MaxVerifyRetries: 2,
	}
}

// run is the mutable per-task state threaded through every phase.
type run struct {
	taskID      string
	description string
	messages    []providers.Message
	env         *budget.Envelope
	trace       *trace.Trace
	root        *trace.Span

	spec            plan.TaskSpec
	execPlan        plan.ExecutionPlan
	simResult       simulate.Result
	steps           []StepResult
	replanDepth     int
	recent          []bool // last N step outcomes, newest last
	critiqueOverall float64

	state      State
	onSnapshot func(Snapshot)
}

func (rn *run) transition(to State) {
	rn.state = to
	rn.root.AddEvent(trace.EventStateTransition, map[string]any{"to": string(to)})
	if rn.onSnapshot != nil {
		rn.onSnapshot(rn.Snapshot())
	}
}

func (rn *run) recordOutcome(ok bool) {
	rn.recent = append(rn.recent, ok)
	if len(rn.recent) > 3 {
		rn.recent = rn.recent[len(rn.recent)-3:]
	}
}

func (rn *run) recentFailures() int {
	n := 0
	for _, ok := range rn.recent {
		if !ok {
			n++
		}
	}
	return n
}

func (rn *run) toolSucceededRecently(tool string) bool {
	for _, sr := range rn.steps {
		if sr.ToolName == tool && sr.Success {
			return true
		}
	}
	return false
}

// Run drives in through the full state machine and returns the terminal
// TaskResult. It never panics: every failure path is converted into a
// Status at the top level (spec §4.7 "Failure classification").
func (ex *Executor) Run(ctx context.Context, env *budget.Envelope, in Input) TaskResult {
	tr := trace.New(in.TaskID, time.Now)
	rn := &run{taskID: in.TaskID, description: in.Description, messages: in.Messages, env: env, trace: tr, root: tr.Root, onSnapshot: ex.OnSnapshot}

	result := ex.runStateMachine(ctx, rn)
	result.Trace = tr
	return result
}

func (ex *Executor) runStateMachine(ctx context.Context, rn *run) TaskResult {
	// 1. idle
	rn.transition(StateIdle)
	if v := ex.Constitution.ValidateTask(rn.description); v != nil {
		return ex.failConstitution(rn, v)
	}

	// 2. spec
	rn.transition(StateSpec)
	rn.spec = ex.Planner.SpecifyTask(ctx, rn.description, rn.env, rn.root)

	// 3. plan
	rn.transition(StatePlan)
	if err := rn.env.CheckBudget(); err != nil {
		return ex.failBudget(rn, err)
	}
	complexity := ex.Planner.ClassifyComplexity(ctx, rn.description, rn.env, rn.root)
	execPlan, err := ex.Planner.Plan(ctx, planner.Input{
		TaskID: rn.taskID, Description: rn.description, Complexity: complexity, Spec: rn.spec,
	}, rn.env, rn.root)
	if err != nil {
		// A PlanValidationError-equivalent is absorbed: fall through with an
		// empty plan, which simulate/synthesize handle as a direct answer.
		ex.Logger.Warn(ctx, "plan: generation failed, proceeding with empty plan", "error", err.Error())
		execPlan = plan.ExecutionPlan{TaskID: rn.taskID, Complexity: complexity}
	}
	rn.execPlan = execPlan

	// 4. critique
	rn.transition(StateCritique)
	score := ex.Planner.CritiquePlan(ctx, rn.execPlan, rn.env, rn.root)
	rn.critiqueOverall = score.Overall
	if score.Overall < 0.5 && score.RefinedPlan != nil {
		rn.execPlan = *score.RefinedPlan
	}

	// 5. simulate
	rn.transition(StateSimulate)
	rn.simResult = simulate.Simulate(rn.execPlan, ex.Registry)
	rn.root.AddEvent(trace.EventSimulationResult, map[string]any{"valid": rn.simResult.Valid, "issues": len(rn.simResult.Issues)})
	rn.execPlan.Steps = dropMissingTool(rn.execPlan.Steps, rn.simResult.Issues)
	annotateStrategies(rn.execPlan.Steps, ex.Registry)

	// 6. act
	rn.transition(StateAct)
	if err := ex.act(ctx, rn); err != nil {
		if budgetErr, ok := err.(*budget.ExhaustedError); ok {
			return partialResult(rn, budgetErr)
		}
		if violation, ok := err.(*constitution.Violation); ok {
			return ex.failConstitution(rn, violation)
		}
	}

	// 8. synthesize
	rn.transition(StateSynthesize)
	text, synthErr := ex.synthesize(ctx, rn)
	if synthErr != nil {
		if exhausted, ok := synthErr.(*budget.ExhaustedError); ok {
			return partialResult(rn, exhausted)
		}
		return synthesisFailureResult(rn, synthErr)
	}

	criteria := evaluateCriteria(rn.spec.SuccessCriteria, rn.steps, text)

	rn.transition(StateDone)
	status := StatusSucceeded
	for _, c := range criteria {
		if !c.Met {
			status = StatusFailed
			break
		}
	}
	return TaskResult{
		TaskID: rn.taskID, Status: status, Text: text, Steps: rn.steps,
		CriteriaResults: criteria, Budget: rn.env.Usage(),
	}
}

func (ex *Executor) failConstitution(rn *run, v *constitution.Violation) TaskResult {
	rn.transition(StateDone)
	return TaskResult{
		TaskID: rn.taskID, Status: StatusFailed, Error: v.Error(), RuleID: v.RuleID, Budget: rn.env.Usage(),
	}
}

func (ex *Executor) failBudget(rn *run, err error) TaskResult {
	return partialResult(rn, err.(*budget.ExhaustedError))
}

// partialResult builds the budget_exhausted TaskResult: the result text
// begins with "[Partial Result - Budget Exhausted (<dimension>)]" naming the
// specific dimension that tripped, followed by completed successful steps'
// outputs (spec §4.7, §8 scenario 3).
func partialResult(rn *run, err *budget.ExhaustedError) TaskResult {
	rn.transition(StateDone)
	prefix := fmt.Sprintf("[Partial Result - Budget Exhausted (%s)]", err.Dimension)
	text := prefix + "\n" + joinSuccessfulStepOutputs(rn)
	return TaskResult{
		TaskID: rn.taskID, Status: StatusBudgetExhausted, Text: text, Steps: rn.steps,
		Error: err.Error(), Budget: rn.env.Usage(),
	}
}

// synthesisFailureResult builds the TaskResult for a non-budget synthesize
// error (e.g. a provider/network call failed): fallback text is assembled
// from completed step outputs, mirroring partialResult, rather than letting
// the run proceed to criteria evaluation with invalid synthesized text
// (spec §7).
func synthesisFailureResult(rn *run, err error) TaskResult {
	rn.transition(StateDone)
	text := "[Synthesis Failed]\n" + joinSuccessfulStepOutputs(rn)
	return TaskResult{
		TaskID: rn.taskID, Status: StatusFailed, Text: text, Steps: rn.steps,
		Error: err.Error(), Budget: rn.env.Usage(),
	}
}

func joinSuccessfulStepOutputs(rn *run) string {
	var lines []string
	for _, s := range rn.steps {
		if s.Success {
			lines = append(lines, fmt.Sprintf("%v", s.Output))
		}
	}
	return strings.Join(lines, "\n")
}

func dropMissingTool(steps []plan.PlanStep, issues []simulate.Issue) []plan.PlanStep {
	dropped := make(map[int]struct{})
	for _, iss := range issues {
		if iss.Type == simulate.MissingTool {
			dropped[iss.StepIndex] = struct{}{}
		}
	}
	if len(dropped) == 0 {
		return steps
	}
	out := make([]plan.PlanStep, 0, len(steps))
	for i, s := range steps {
		if _, ok := dropped[i]; ok {
			continue
		}
		out = append(out, s)
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}

func clampConfidence(c float64) float64 {
	if c < 0.1 {
		return 0.1
	}
	if c > 1 {
		return 1
	}
	return c
}

func estimateConfidence(critiqueConfidence float64, recentFailures int, hasKnownFailurePattern, toolSucceededRecently bool) float64 {
	c := critiqueConfidence - 0.2*float64(recentFailures)
	if hasKnownFailurePattern {
		c -= 0.15
	}
	if toolSucceededRecently {
		c += 0.1
	}
	return clampConfidence(c)
}

func checkpointInterval(totalSteps int) int {
	n := int(math.Ceil(float64(totalSteps) / 3))
	if n < 3 {
		n = 3
	}
	return n
}
