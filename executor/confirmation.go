package executor

import (
	"context"

	"github.com/taskcore/engine/planner/plan"
)

// ConfirmationResolver pauses the state machine at StateAwaitingConfirmation
// for any step whose tool definition sets RequiresConfirmation, generalizing
// the teacher's Await/ProvideClarification human-in-the-loop pattern: the
// executor suspends synchronously inside Resolve and resumes with whatever
// it returns. A nil resolver (the default) auto-approves every step, so
// callers that never register one see unchanged behavior.
type ConfirmationResolver interface {
	Resolve(ctx context.Context, step plan.PlanStep) bool
}

// confirmationFunc adapts a plain function to ConfirmationResolver.
type confirmationFunc func(ctx context.Context, step plan.PlanStep) bool

func (f confirmationFunc) Resolve(ctx context.Context, step plan.PlanStep) bool { return f(ctx, step) }

// ConfirmationResolverFunc is the function-adapter constructor for
// ConfirmationResolver, for callers that want to wire a closure (e.g. a
// channel-backed CLI prompt or an HTTP long-poll) without a named type.
func ConfirmationResolverFunc(f func(ctx context.Context, step plan.PlanStep) bool) ConfirmationResolver {
	return confirmationFunc(f)
}

// requiresConfirmation reports whether step's tool definition is registered
// with RequiresConfirmation set.
func (ex *Executor) requiresConfirmation(step plan.PlanStep) bool {
	def, ok := ex.Registry.Lookup(step.ToolName)
	return ok && def.RequiresConfirmation
}

// confirm transitions into StateAwaitingConfirmation and blocks on the
// resolver. Denial is reported back to act() as an ordinary step failure so
// the same fallback/recover machinery handles it.
func (ex *Executor) confirm(ctx context.Context, rn *run, step plan.PlanStep) bool {
	if ex.Confirm == nil {
		return true
	}
	rn.transition(StateAwaitingConfirmation)
	approved := ex.Confirm.Resolve(ctx, step)
	rn.transition(StateAct)
	return approved
}
