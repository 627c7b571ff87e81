package decisiongraph

// CriticalPath computes the longest chain of DecisionNode IDs over
// caused|led_to|triggered edges via memoized depth-first search (spec
// §4.9). A node revisited on the current DFS stack breaks the cycle by
// returning a single-node path at that point rather than recursing further.
func CriticalPath(g DecisionGraph) []string {
	adj := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	memo := make(map[string][]string, len(g.Nodes))
	var dfs func(id string, onStack map[string]bool) []string
	dfs = func(id string, onStack map[string]bool) []string {
		if onStack[id] {
			return []string{id}
		}
		if p, ok := memo[id]; ok {
			return p
		}
		onStack[id] = true
		best := []string{id}
		for _, next := range adj[id] {
			sub := dfs(next, onStack)
			if len(sub)+1 > len(best) {
				best = append([]string{id}, sub...)
			}
		}
		delete(onStack, id)
		memo[id] = best
		return best
	}

	var overall []string
	for _, n := range g.Nodes {
		p := dfs(n.ID, make(map[string]bool))
		if len(p) > len(overall) {
			overall = p
		}
	}
	return overall
}
