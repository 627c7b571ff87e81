package decisiongraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcore/engine/trace"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestBuildPromotesOnlyRecognizedEvents(t *testing.T) {
	clock := fixedClock(time.Unix(0, 0))
	tr := trace.New("task", clock)
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "plan"})
	tr.Root.AddEvent("unrecognized_event", map[string]any{})
	tr.Root.AddEvent(trace.EventSimulationResult, map[string]any{"valid": true})

	g := Build(tr)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, trace.EventStateTransition, g.Nodes[0].Type)
	assert.Equal(t, trace.EventSimulationResult, g.Nodes[1].Type)
}

func TestBuildWiresLedToInTimestampOrder(t *testing.T) {
	clock := fixedClock(time.Unix(0, 0))
	tr := trace.New("task", clock)
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "plan"})
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "act"})
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "done"})

	g := Build(tr)
	require.Len(t, g.Edges, 2)
	assert.Equal(t, EdgeLedTo, g.Edges[0].Kind)
	assert.Equal(t, g.Nodes[0].ID, g.Edges[0].From)
	assert.Equal(t, g.Nodes[1].ID, g.Edges[0].To)
}

func TestBuildWiresTriggeredFromEscalationToRecover(t *testing.T) {
	clock := fixedClock(time.Unix(0, 0))
	tr := trace.New("task", clock)
	tr.Root.AddEvent(trace.EventEscalation, map[string]any{"reason": "step failure recovery replan"})
	tr.Root.AddEvent(trace.EventReplan, map[string]any{"depth": 1})
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "recover"})
	tr.Root.AddEvent(trace.EventStateTransition, map[string]any{"to": "act"})

	g := Build(tr)
	var triggered []DecisionEdge
	for _, e := range g.Edges {
		if e.Kind == EdgeTriggered {
			triggered = append(triggered, e)
		}
	}
	require.Len(t, triggered, 1)
	assert.Equal(t, g.Nodes[0].ID, triggered[0].From)
	assert.Equal(t, g.Nodes[2].ID, triggered[0].To)
}

func TestCriticalPathFollowsLongestChain(t *testing.T) {
	g := DecisionGraph{
		Nodes: []DecisionNode{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Edges: []DecisionEdge{
			{From: "a", To: "b", Kind: EdgeLedTo},
			{From: "b", To: "c", Kind: EdgeLedTo},
			{From: "a", To: "d", Kind: EdgeTriggered},
		},
	}
	path := CriticalPath(g)
	assert.Equal(t, []string{"a", "b", "c"}, path)
}

func TestCriticalPathBreaksCycles(t *testing.T) {
	g := DecisionGraph{
		Nodes: []DecisionNode{{ID: "a"}, {ID: "b"}},
		Edges: []DecisionEdge{
			{From: "a", To: "b", Kind: EdgeLedTo},
			{From: "b", To: "a", Kind: EdgeLedTo},
		},
	}
	path := CriticalPath(g)
	assert.NotEmpty(t, path)
	assert.Equal(t, []string{"a", "b", "a"}, path)
}

func TestCriticalPathEmptyGraphReturnsNil(t *testing.T) {
	path := CriticalPath(DecisionGraph{})
	assert.Empty(t, path)
}
