package crew

import (
	"sort"

	"github.com/taskcore/engine/budget"
)

// allocateBudgets implements spec §4.8's allocation algorithm: explicit
// budgetShare values are honoured, the remainder is split equally among
// agents without one, shares exceeding a total of 1.0 are normalised, and
// because budget.CreateSubEnvelope sizes a child off the parent's *current*
// remaining, shares are handed out in ascending order with each share
// divided by (1 - already-allocated) to compensate for the fact that every
// prior allocation has already shrunk what remains.
func allocateBudgets(agents []AgentDefinition, parent *budget.Envelope) map[string]*budget.Envelope {
	result := make(map[string]*budget.Envelope, len(agents))
	if len(agents) == 0 {
		return result
	}

	shares := make(map[string]float64, len(agents))
	var explicitSum float64
	var unset []string
	for _, a := range agents {
		if a.BudgetShare > 0 {
			shares[a.ID] = a.BudgetShare
			explicitSum += a.BudgetShare
		} else {
			unset = append(unset, a.ID)
		}
	}

	if explicitSum > 1.0 {
		for id := range shares {
			shares[id] /= explicitSum
		}
	} else if len(unset) > 0 {
		each := (1.0 - explicitSum) / float64(len(unset))
		for _, id := range unset {
			shares[id] = each
		}
	}

	order := append([]AgentDefinition{}, agents...)
	sort.SliceStable(order, func(i, j int) bool { return shares[order[i].ID] < shares[order[j].ID] })

	var already float64
	for _, a := range order {
		s := shares[a.ID]
		denom := 1.0 - already
		adjusted := s
		if denom > 0 {
			adjusted = s / denom
		}
		if adjusted > 1 {
			adjusted = 1
		}
		result[a.ID] = budget.CreateSubEnvelope(parent, adjusted)
		already += s
	}
	return result
}
