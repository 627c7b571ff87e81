package crew

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/trace"
)

var (
	statusConditionPattern = regexp.MustCompile(`^\s*([\w-]+)\.status\s*===\s*"([\w-]+)"\s*$`)
	equalsConditionPattern = regexp.MustCompile(`^\s*blackboard\.([\w-]+)\s*===\s*"([^"]*)"\s*$`)
	truthyConditionPattern = regexp.MustCompile(`^\s*blackboard\.([\w-]+)\s*$`)
)

// runGraph implements spec §4.8 "graph": a DAG over agents with optional
// edge conditions, topologically sorted into layers, cycle-rejecting, each
// layer's agents filtered by their inbound edge conditions then run (single
// agent sequentially, multiple concurrently). Returns an error naming the
// unplaced agent ids when def.Edges contains a cycle (spec §8 scenario 6);
// no agent runs in that case.
func (cr *Crew) runGraph(ctx context.Context, def CrewDefinition, shares map[string]*budget.Envelope, bb *Blackboard, root *trace.Span) ([]AgentResult, error) {
	layers, cyclic, unplaced := topoLayers(def.Agents, def.Edges)
	if cyclic {
		return nil, fmt.Errorf("crew: graph strategy rejected: cycle involves agent(s) %s", strings.Join(unplaced, ", "))
	}

	results := make([]AgentResult, 0, len(def.Agents))
	byAgent := make(map[string]AgentDefinition, len(def.Agents))
	for _, a := range def.Agents {
		byAgent[a.ID] = a
	}
	incoming := incomingEdges(def.Edges)

	for _, layer := range layers {
		runnable := make([]AgentDefinition, 0, len(layer))
		for _, id := range layer {
			if conditionsSatisfied(incoming[id], results, bb) {
				runnable = append(runnable, byAgent[id])
			}
		}
		if len(runnable) == 0 {
			continue
		}
		var layerResults []AgentResult
		if len(runnable) == 1 {
			layerResults = []AgentResult{cr.runAgent(ctx, runnable[0], shares[runnable[0].ID], bb, root)}
		} else {
			layerResults = cr.runLayer(ctx, runnable, shares, bb, root)
		}
		results = append(results, layerResults...)
	}
	return results, nil
}

func incomingEdges(edges []GraphEdge) map[string][]GraphEdge {
	m := make(map[string][]GraphEdge)
	for _, e := range edges {
		m[e.To] = append(m[e.To], e)
	}
	return m
}

// topoLayers groups agents into dependency layers (Kahn's algorithm): each
// layer holds every agent whose predecessors have all already been placed
// in a prior layer. Returns cyclic=true and the ids that could never be
// placed if the graph contains a cycle.
func topoLayers(agents []AgentDefinition, edges []GraphEdge) (layers [][]string, cyclic bool, unplaced []string) {
	indegree := make(map[string]int, len(agents))
	for _, a := range agents {
		indegree[a.ID] = 0
	}
	for _, e := range edges {
		indegree[e.To]++
	}

	placed := make(map[string]bool, len(agents))
	for len(placed) < len(agents) {
		var layer []string
		for _, a := range agents {
			if placed[a.ID] {
				continue
			}
			if indegree[a.ID] == 0 {
				layer = append(layer, a.ID)
			}
		}
		if len(layer) == 0 {
			for _, a := range agents {
				if !placed[a.ID] {
					unplaced = append(unplaced, a.ID)
				}
			}
			return layers, true, unplaced
		}
		for _, id := range layer {
			placed[id] = true
		}
		for _, e := range edges {
			if placed[e.From] && !placed[e.To] {
				indegree[e.To]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, false, nil
}

// conditionsSatisfied reports whether every inbound edge's condition holds.
// Conditions are matched only against the closed safe-pattern set spec §4.8
// names; no expression is ever evaluated. Unknown patterns fail open (true).
func conditionsSatisfied(edges []GraphEdge, priorResults []AgentResult, bb *Blackboard) bool {
	statusByAgent := make(map[string]string, len(priorResults))
	for _, r := range priorResults {
		statusByAgent[r.AgentID] = r.Status
	}
	for _, e := range edges {
		if e.Condition == "" {
			continue
		}
		if !matchCondition(e.Condition, statusByAgent, bb) {
			return false
		}
	}
	return true
}

func matchCondition(cond string, statusByAgent map[string]string, bb *Blackboard) bool {
	cond = strings.TrimSpace(cond)
	if m := statusConditionPattern.FindStringSubmatch(cond); m != nil {
		return statusByAgent[m[1]] == m[2]
	}
	if m := equalsConditionPattern.FindStringSubmatch(cond); m != nil {
		entry, ok := bb.Read(m[1])
		if !ok {
			return false
		}
		return valueAsString(entry.Value) == m[2]
	}
	if m := truthyConditionPattern.FindStringSubmatch(cond); m != nil {
		entry, ok := bb.Read(m[1])
		if !ok {
			return false
		}
		return truthyValue(entry.Value)
	}
	return true
}

func valueAsString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func truthyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	default:
		return true
	}
}
