package crew

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/constitution"
	"github.com/taskcore/engine/executor"
	"github.com/taskcore/engine/modelrouter"
	"github.com/taskcore/engine/planner"
	"github.com/taskcore/engine/providers"
	"github.com/taskcore/engine/toolregistry"
)

// queuedProvider returns queued responses in order, keyed per-call; once
// exhausted it returns a neutral empty-JSON response with no error, mirroring
// executor_test.go's fixture of the same name but private to this package.
type queuedProvider struct {
	mu        sync.Mutex
	responses []providers.ModelResponse
	calls     int
}

func (q *queuedProvider) Chat(_ context.Context, _ providers.ModelRequest) (providers.ModelResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.calls
	q.calls++
	if i >= len(q.responses) {
		return providers.ModelResponse{Content: "{}"}, nil
	}
	return q.responses[i], nil
}

func (q *queuedProvider) ChatStream(context.Context, providers.ModelRequest) (<-chan providers.StreamChunk, error) {
	return nil, assert.AnError
}

type fixedResolver struct{ prov providers.Provider }

func (r fixedResolver) Resolve(string) (providers.Provider, bool) { return r.prov, true }

func testPolicy() modelrouter.Policy {
	return modelrouter.Policy{
		SLM: modelrouter.ModelChoice{Provider: "fake", Model: "fake-slm"},
		LLM: modelrouter.ModelChoice{Provider: "fake", Model: "fake-llm"},
	}
}

func newTestCrew(t *testing.T, prov providers.Provider) *Crew {
	t.Helper()
	c := constitution.New()
	reg := toolregistry.New(c)
	require.NoError(t, reg.Register(toolregistry.Definition{
		Name: "noop_tool",
		Execute: func(context.Context, map[string]any) (any, error) {
			return "ok", nil
		},
	}))
	router := modelrouter.NewRouter(testPolicy())
	resolver := fixedResolver{prov: prov}
	pl := planner.New(router, resolver, reg, c, nil)
	ex := executor.New(pl, reg, c, router, resolver, nil)
	return New(pl, ex, reg, c, router, resolver, nil)
}

func TestAllocateBudgetsSplitsRemainderEqually(t *testing.T) {
	parent := budget.Create(budget.High)
	agents := []AgentDefinition{{ID: "a"}, {ID: "b"}}
	shares := allocateBudgets(agents, parent)
	require.Len(t, shares, 2)
	ua := shares["a"].Usage()
	ub := shares["b"].Usage()
	assert.InDelta(t, ua.Allocated[budget.Tokens], ub.Allocated[budget.Tokens], 1)
}

func TestAllocateBudgetsHonoursExplicitShare(t *testing.T) {
	parent := budget.Create(budget.High)
	agents := []AgentDefinition{{ID: "a", BudgetShare: 0.8}, {ID: "b"}}
	shares := allocateBudgets(agents, parent)
	ua := shares["a"].Usage().Allocated[budget.Tokens]
	ub := shares["b"].Usage().Allocated[budget.Tokens]
	assert.Greater(t, ua, ub)
}

func TestAllocateBudgetsNormalisesOverbookedShares(t *testing.T) {
	parent := budget.Create(budget.High)
	agents := []AgentDefinition{{ID: "a", BudgetShare: 0.7}, {ID: "b", BudgetShare: 0.7}}
	shares := allocateBudgets(agents, parent)
	total := shares["a"].Usage().Allocated[budget.Tokens] + shares["b"].Usage().Allocated[budget.Tokens]
	parentAlloc := parent.Usage().Allocated[budget.Tokens]
	assert.LessOrEqual(t, total, parentAlloc*1.01)
}

func TestAllocateBudgetsEmptyAgentsReturnsEmptyMap(t *testing.T) {
	parent := budget.Create(budget.Medium)
	shares := allocateBudgets(nil, parent)
	assert.Empty(t, shares)
}

func TestBlackboardWriteAndRead(t *testing.T) {
	bb := NewBlackboard()
	bb.SetStatus("a", BlackboardRunning)
	assert.Equal(t, BlackboardRunning, bb.Status("a"))
	bb.Write("a", "result text", BlackboardSucceeded)
	entry, ok := bb.Read("a")
	require.True(t, ok)
	assert.Equal(t, "result text", entry.Value)
	assert.Equal(t, BlackboardSucceeded, entry.Status)
}

func TestBlackboardStatusDefaultsToPending(t *testing.T) {
	bb := NewBlackboard()
	assert.Equal(t, BlackboardPending, bb.Status("missing"))
}

func TestSchemaSatisfiedRequiresEveryKey(t *testing.T) {
	assert.True(t, schemaSatisfied([]string{"goal"}, `{"goal":"x"}`))
	assert.False(t, schemaSatisfied([]string{"goal", "steps"}, `{"goal":"x"}`))
}

func TestRunSequentialContinuesPastFailure(t *testing.T) {
	callTool := providers.ModelResponse{Content: `{"action":"call_tool","toolName":"noop_tool","toolArgs":{}}`}
	responses := []providers.ModelResponse{{Content: `{"action":"respond","text":"a done"}`}}
	// b never responds: three direct-mode turns per attempt, over
	// 1+defaultSequentialRetries attempts.
	for i := 0; i < 3*(1+defaultSequentialRetries); i++ {
		responses = append(responses, callTool)
	}
	prov := &queuedProvider{responses: responses}
	cr := newTestCrew(t, prov)
	env := budget.Create(budget.Medium)
	def := CrewDefinition{
		Strategy: StrategySequential,
		Agents: []AgentDefinition{
			{ID: "a", Instructions: "do a"},
			{ID: "b", Instructions: "do b"},
		},
	}
	result := cr.RunCrew(context.Background(), def, env, nil)
	require.Len(t, result.AgentResults, 2)
	assert.Equal(t, "succeeded", result.AgentResults[0].Status)
	assert.Equal(t, "failed", result.AgentResults[1].Status)
	assert.Equal(t, CrewStatusPartial, result.Status)
}

func TestRunParallelReturnsStartOrder(t *testing.T) {
	prov := &queuedProvider{responses: []providers.ModelResponse{
		{Content: `{"action":"respond","text":"r1"}`},
		{Content: `{"action":"respond","text":"r2"}`},
		{Content: `{"action":"respond","text":"r3"}`},
	}}
	cr := newTestCrew(t, prov)
	env := budget.Create(budget.High)
	def := CrewDefinition{
		Strategy: StrategyParallel,
		Agents: []AgentDefinition{
			{ID: "x", Instructions: "x"}, {ID: "y", Instructions: "y"}, {ID: "z", Instructions: "z"},
		},
	}
	result := cr.RunCrew(context.Background(), def, env, nil)
	require.Len(t, result.AgentResults, 3)
	assert.Equal(t, "x", result.AgentResults[0].AgentID)
	assert.Equal(t, "y", result.AgentResults[1].AgentID)
	assert.Equal(t, "z", result.AgentResults[2].AgentID)
}

func TestTopoLayersOrdersByDependency(t *testing.T) {
	agents := []AgentDefinition{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	edges := []GraphEdge{{From: "a", To: "b"}, {From: "b", To: "c"}}
	layers, cyclic, unplaced := topoLayers(agents, edges)
	require.False(t, cyclic)
	assert.Empty(t, unplaced)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"a"}, layers[0])
	assert.Equal(t, []string{"b"}, layers[1])
	assert.Equal(t, []string{"c"}, layers[2])
}

func TestTopoLayersDetectsCycle(t *testing.T) {
	agents := []AgentDefinition{{ID: "a"}, {ID: "b"}}
	edges := []GraphEdge{{From: "a", To: "b"}, {From: "b", To: "a"}}
	_, cyclic, unplaced := topoLayers(agents, edges)
	assert.True(t, cyclic)
	assert.ElementsMatch(t, []string{"a", "b"}, unplaced)
}

// TestRunGraphRejectsCycle covers spec §8 scenario 6: a cyclic graph
// strategy must reject rather than execute any agent, with CrewResult.Status
// = "failed" and an error naming the unplaced agents.
func TestRunGraphRejectsCycle(t *testing.T) {
	prov := &queuedProvider{}
	cr := newTestCrew(t, prov)
	env := budget.Create(budget.High)
	def := CrewDefinition{
		Strategy: StrategyGraph,
		Agents:   []AgentDefinition{{ID: "a", Instructions: "a"}, {ID: "b", Instructions: "b"}},
		Edges:    []GraphEdge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	result := cr.RunCrew(context.Background(), def, env, nil)
	assert.Equal(t, CrewStatusFailed, result.Status)
	assert.Empty(t, result.AgentResults)
	assert.Contains(t, result.Error, "a")
	assert.Contains(t, result.Error, "b")
}

func TestMatchConditionStatusPattern(t *testing.T) {
	bb := NewBlackboard()
	statusByAgent := map[string]string{"a": "succeeded"}
	assert.True(t, matchCondition(`a.status === "succeeded"`, statusByAgent, bb))
	assert.False(t, matchCondition(`a.status === "failed"`, statusByAgent, bb))
}

func TestMatchConditionBlackboardEquals(t *testing.T) {
	bb := NewBlackboard()
	bb.Write("flag", "yes", BlackboardSucceeded)
	assert.True(t, matchCondition(`blackboard.flag === "yes"`, nil, bb))
	assert.False(t, matchCondition(`blackboard.flag === "no"`, nil, bb))
}

func TestMatchConditionBlackboardTruthy(t *testing.T) {
	bb := NewBlackboard()
	bb.Write("ready", true, BlackboardSucceeded)
	assert.True(t, matchCondition(`blackboard.ready`, nil, bb))
}

func TestMatchConditionUnknownPatternFailsOpen(t *testing.T) {
	bb := NewBlackboard()
	assert.True(t, matchCondition(`something entirely unrecognised`, nil, bb))
}

func TestAggregateConcatJoinsLabelledResults(t *testing.T) {
	cr := newTestCrew(t, &queuedProvider{})
	def := CrewDefinition{Aggregation: AggregationConcat}
	results := []AgentResult{{AgentID: "a", Text: "one"}, {AgentID: "b", Text: "two"}}
	text := cr.aggregate(context.Background(), def, results, NewBlackboard())
	assert.Contains(t, text, "one")
	assert.Contains(t, text, "two")
}

func TestAggregateLastReturnsFinalAgent(t *testing.T) {
	cr := newTestCrew(t, &queuedProvider{})
	def := CrewDefinition{Aggregation: AggregationLast}
	results := []AgentResult{{AgentID: "a", Text: "one"}, {AgentID: "b", Text: "two"}}
	text := cr.aggregate(context.Background(), def, results, NewBlackboard())
	assert.Equal(t, "two", text)
}

func TestExecuteCrewStreamEmitsLifecycleEvents(t *testing.T) {
	prov := &queuedProvider{responses: []providers.ModelResponse{
		{Content: `{"action":"respond","text":"done"}`},
	}}
	cr := newTestCrew(t, prov)
	env := budget.Create(budget.Medium)
	def := CrewDefinition{
		Strategy: StrategySequential,
		Agents:   []AgentDefinition{{ID: "solo", Instructions: "do it"}},
	}
	ch := cr.ExecuteCrewStream(context.Background(), def, env, nil)
	var types []StreamEventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, StreamCrewComplete, types[len(types)-1])
	assert.Contains(t, types, StreamAgentStart)
}
