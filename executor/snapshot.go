package executor

import "github.com/taskcore/engine/budget"

// Snapshot is a read-only view of a run in progress, generalizing the
// teacher's run_snapshot.go: current state, remaining budget, and how many
// steps have executed so far. Callers use it to drive a dashboard or
// progress UI; it is not a durability mechanism — nothing here survives a
// process restart, matching the core's no-cross-restart-durability Non-goal.
type Snapshot struct {
	TaskID        string
	State         State
	StepsExecuted int
	PendingSteps  int
	ReplanDepth   int
	BudgetUsage   budget.Usage
}

// Snapshot builds the current Snapshot of rn. Safe to call only from within
// the executor goroutine driving rn (e.g. from an OnSnapshot callback or a
// ConfirmationResolver), since run carries no internal locking of its own.
func (rn *run) Snapshot() Snapshot {
	return Snapshot{
		TaskID:        rn.taskID,
		State:         rn.state,
		StepsExecuted: len(rn.steps),
		PendingSteps:  pendingStepCount(rn),
		ReplanDepth:   rn.replanDepth,
		BudgetUsage:   rn.env.Usage(),
	}
}

func pendingStepCount(rn *run) int {
	total := len(rn.execPlan.Steps)
	done := len(rn.steps)
	if total <= done {
		return 0
	}
	return total - done
}
