// Package decisiongraph implements the Decision Graph Builder (spec §4.9):
// a post-hoc extraction from a task's trace.Trace into a causal DAG of
// DecisionNodes, used to explain and debug why a task executed the way it
// did.
package decisiongraph

import (
	"fmt"
	"sort"
	"time"

	"github.com/taskcore/engine/trace"
)

// EdgeKind names the causal relationship an edge represents.
type EdgeKind string

const (
	// EdgeLedTo connects every chronologically adjacent pair of recognized
	// events.
	EdgeLedTo EdgeKind = "led_to"
	// EdgeTriggered connects an escalation event to the next state
	// transition into the recover phase.
	EdgeTriggered EdgeKind = "triggered"
	// EdgeCaused is reserved for producers that record a direct causal link
	// outside the chronological/escalation rules above; Build never emits it
	// itself, but CriticalPath traverses it the same as the other two kinds.
	EdgeCaused EdgeKind = "caused"
)

// recognizedTypes is the closed set of trace.EventType values that
// participate in DecisionNode extraction (spec §4.9).
var recognizedTypes = map[trace.EventType]bool{
	trace.EventStateTransition:  true,
	trace.EventRoutingDecision:  true,
	trace.EventPlanCritique:     true,
	trace.EventEscalation:       true,
	trace.EventReplan:           true,
	trace.EventSimulationResult: true,
	trace.EventGoalCheckpoint:   true,
	trace.EventStrategySelected: true,
	trace.EventToolCall:         true,
}

// DecisionNode is one recognized trace event promoted into the decision
// graph.
type DecisionNode struct {
	ID        string
	Type      trace.EventType
	Timestamp time.Time
	SpanID    string
	SpanName  string
	Data      map[string]any
}

// DecisionEdge is one directed causal link between two DecisionNodes.
type DecisionEdge struct {
	From string
	To   string
	Kind EdgeKind
}

// DecisionGraph is the complete extracted graph for one trace.
type DecisionGraph struct {
	Nodes []DecisionNode
	Edges []DecisionEdge
}

// Build walks tr's span tree depth-first, promotes every recognized event
// into a DecisionNode (sorted by timestamp), and wires led_to/triggered
// edges per spec §4.9.
func Build(tr *trace.Trace) DecisionGraph {
	events := tr.AllEvents()

	nodes := make([]DecisionNode, 0, len(events))
	for i, se := range events {
		if !recognizedTypes[se.Event.Type] {
			continue
		}
		nodes = append(nodes, DecisionNode{
			ID:        fmt.Sprintf("n%d", i),
			Type:      se.Event.Type,
			Timestamp: se.Event.Timestamp,
			SpanID:    se.Span.ID,
			SpanName:  se.Span.Name,
			Data:      se.Event.Data,
		})
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Timestamp.Before(nodes[j].Timestamp) })

	var edges []DecisionEdge
	for i := 0; i+1 < len(nodes); i++ {
		edges = append(edges, DecisionEdge{From: nodes[i].ID, To: nodes[i+1].ID, Kind: EdgeLedTo})
	}
	edges = append(edges, triggeredEdges(nodes)...)

	return DecisionGraph{Nodes: nodes, Edges: edges}
}

// triggeredEdges links each escalation event to the next state_transition
// event whose "to" field is "recover" (spec §4.9: "from each escalation
// event to the next node in the recover phase").
func triggeredEdges(nodes []DecisionNode) []DecisionEdge {
	var edges []DecisionEdge
	for i, n := range nodes {
		if n.Type != trace.EventEscalation {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].Type != trace.EventStateTransition {
				continue
			}
			if to, _ := nodes[j].Data["to"].(string); to == "recover" {
				edges = append(edges, DecisionEdge{From: n.ID, To: nodes[j].ID, Kind: EdgeTriggered})
				break
			}
		}
	}
	return edges
}
