package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewTraceHasOpenRootSpan(t *testing.T) {
	now := time.Now()
	tr := New("task", fixedClock(now))
	assert.Equal(t, "task", tr.Root.Name)
	assert.Nil(t, tr.Root.EndTime)
	assert.NotEmpty(t, tr.ID)
}

func TestStartSpanNestsUnderParent(t *testing.T) {
	tr := New("task", fixedClock(time.Now()))
	child := tr.StartSpan(tr.Root, "plan")
	require.Len(t, tr.Root.Children, 1)
	assert.Same(t, child, tr.Root.Children[0])
	assert.Equal(t, tr.Root.ID, child.ParentID)
}

func TestEndIsIdempotent(t *testing.T) {
	tr := New("task", fixedClock(time.Now()))
	tr.Root.End()
	first := tr.Root.EndTime
	tr.Root.End()
	assert.Same(t, first, tr.Root.EndTime)
}

func TestAddEventRecordsTypedData(t *testing.T) {
	tr := New("task", fixedClock(time.Now()))
	tr.Root.AddEvent(EventStateTransition, map[string]any{"from": "idle", "to": "spec"})
	require.Len(t, tr.Root.Events, 1)
	assert.Equal(t, EventStateTransition, tr.Root.Events[0].Type)
	assert.Equal(t, "spec", tr.Root.Events[0].Data["to"])
}

func TestAllEventsWalksDepthFirst(t *testing.T) {
	tr := New("task", fixedClock(time.Now()))
	tr.Root.AddEvent(EventStateTransition, nil)
	child := tr.StartSpan(tr.Root, "plan")
	child.AddEvent(EventRoutingDecision, nil)

	events := tr.AllEvents()
	require.Len(t, events, 2)
	assert.Equal(t, EventStateTransition, events[0].Event.Type)
	assert.Equal(t, EventRoutingDecision, events[1].Event.Type)
	assert.Same(t, child, events[1].Span)
}

func TestCloseEndsRootSpan(t *testing.T) {
	tr := New("task", fixedClock(time.Now()))
	tr.Close()
	assert.NotNil(t, tr.Root.EndTime)
}
