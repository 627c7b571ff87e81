// Package plan holds the data model shared by the planner, simulator,
// executor, and crew packages (spec §3): TaskSpec, PlanStep, ExecutionPlan,
// and PlanScore. It is deliberately dependency-free so every consumer can
// import it without creating an import cycle.
package plan

// CriterionType enumerates how a SuccessCriterion is checked (spec §3).
type CriterionType string

const (
	CriterionOutputContains CriterionType = "output_contains"
	CriterionToolSucceeded  CriterionType = "tool_succeeded"
	CriterionPageState      CriterionType = "page_state"
	CriterionFileExists     CriterionType = "file_exists"
	CriterionCustom         CriterionType = "custom"
)

// SuccessCriterion is one check a TaskSpec says the final result must
// satisfy.
type SuccessCriterion struct {
	Description string
	Type        CriterionType
	Check       map[string]any
}

// TaskSpec is the planner's specifyTask output: the one-sentence goal,
// ordered constraints, and ordered success criteria.
type TaskSpec struct {
	Goal            string
	Constraints     []string
	SuccessCriteria []SuccessCriterion
}

// VerifyType enumerates the verification mode attached to a PlanStep.
type VerifyType string

const (
	VerifyNone   VerifyType = "none"
	VerifyOutput VerifyType = "output_check"
	VerifyDOM    VerifyType = "dom_check"
)

// Verify describes post-step verification.
type Verify struct {
	Type        VerifyType
	Assertion   string
	RetryOnFail bool
	MaxRetries  int
}

// StrategyKind names the automation approach a step will use.
type StrategyKind string

const (
	StrategyDOM    StrategyKind = "dom"
	StrategyVision StrategyKind = "vision"
	StrategyAPI    StrategyKind = "api"
)

// Strategy is the automation-strategy annotation the simulate phase of the
// executor attaches to a step (spec §4.7 step 5).
type Strategy struct {
	Primary       StrategyKind
	FallbackChain []StrategyKind
	Reason        string
}

// PlanStep is one action in an ExecutionPlan.
type PlanStep struct {
	Index       int
	Description string
	ToolName    string
	ToolArgs    map[string]any
	Verify      *Verify
	Strategy    *Strategy
}

// ExecutionPlan is an ordered sequence of PlanSteps for one task, along with
// the complexity score that produced it.
type ExecutionPlan struct {
	TaskID     string
	Complexity float64
	Steps      []PlanStep
}

// Clone returns a deep-enough copy of p suitable for the executor to mutate
// (insert reactive/recovery steps) without aliasing the planner's original
// slice backing array.
func (p ExecutionPlan) Clone() ExecutionPlan {
	steps := make([]PlanStep, len(p.Steps))
	copy(steps, p.Steps)
	return ExecutionPlan{TaskID: p.TaskID, Complexity: p.Complexity, Steps: steps}
}

// Score is the planner's critiquePlan output (spec's PlanScore entity).
type Score struct {
	Overall         float64
	StepConfidences []float64
	Issues          []string
	RefinedPlan     *ExecutionPlan
}
