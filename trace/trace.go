// Package trace implements the domain Trace Logger (spec §2, §4.7): a
// hierarchical tree of spans carrying typed events, built alongside a task's
// budget envelope and persisted verbatim as part of every TaskResult. This is
// distinct from the ambient OpenTelemetry spans opened by the executor for
// cross-process observability (see package telemetry) — Trace is the
// structured, replayable decision record that the decisiongraph package walks
// to extract a causal DAG.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the typed events the decision graph builder
// recognizes (spec §4.9); additional ad-hoc event types may be recorded but
// only these participate in DecisionNode extraction.
type EventType string

const (
	EventStateTransition  EventType = "state_transition"
	EventRoutingDecision  EventType = "routing_decision"
	EventPlanCritique     EventType = "plan_critique"
	EventEscalation       EventType = "escalation"
	EventReplan           EventType = "replan"
	EventSimulationResult EventType = "simulation_result"
	EventGoalCheckpoint   EventType = "goal_checkpoint"
	EventStrategySelected EventType = "strategy_selected"
	EventToolCall         EventType = "tool_call"
)

// Event is one immutable, timestamped occurrence recorded on a Span.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Span is one node of the hierarchical trace tree (spec's TraceSpan entity).
// A Span's Children are appended in start order; Events are appended in
// recording order. Spans are mutated only through Trace/*Span methods, all of
// which are safe for concurrent use.
type Span struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ParentID  string     `json:"parentId,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Events    []Event    `json:"events"`
	Children  []*Span    `json:"children"`

	mu    *sync.Mutex
	trace *Trace
}

// Trace is the root container: a single tree of Spans rooted at Root, keyed
// by ID for O(1) lookup when closing spans or attaching events mid-flight.
type Trace struct {
	ID   string `json:"id"`
	Root *Span  `json:"root"`

	mu    sync.Mutex
	byID  map[string]*Span
	clock func() time.Time
}

// New constructs a Trace with a freshly opened root span named name. now
// supplies the wall clock (tests pass a fixed function); production callers
// pass time.Now.
func New(name string, now func() time.Time) *Trace {
	if now == nil {
		now = time.Now
	}
	t := &Trace{
		ID:    uuid.NewString(),
		clock: now,
		byID:  make(map[string]*Span),
	}
	root := &Span{
		ID:        uuid.NewString(),
		Name:      name,
		StartTime: now(),
		mu:        &sync.Mutex{},
		trace:     t,
	}
	t.Root = root
	t.byID[root.ID] = root
	return t
}

// StartSpan opens a new child span of parent, named name, and returns it.
func (t *Trace) StartSpan(parent *Span, name string) *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Span{
		ID:        uuid.NewString(),
		Name:      name,
		ParentID:  parent.ID,
		StartTime: t.clock(),
		mu:        &sync.Mutex{},
		trace:     t,
	}
	parent.mu.Lock()
	parent.Children = append(parent.Children, s)
	parent.mu.Unlock()
	t.byID[s.ID] = s
	return s
}

// End closes s, recording the current time as its EndTime. Ending an
// already-closed span is a no-op (idempotent, so defer-based callers never
// double-close inconsistently).
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime != nil {
		return
	}
	now := s.trace.clock()
	s.EndTime = &now
}

// AddEvent appends a typed event to s, stamped with the current trace clock.
func (s *Span) AddEvent(typ EventType, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, Event{
		Type:      typ,
		Timestamp: s.trace.clock(),
		Data:      data,
	})
}

// Close ends the root span, marking the trace as complete. Call once, when
// the owning task/crew run reaches a terminal state.
func (t *Trace) Close() {
	t.Root.End()
}

// AllEvents walks the span tree depth-first and returns every (span, event)
// pair in the tree, used by decisiongraph to build the causal DAG.
func (t *Trace) AllEvents() []SpanEvent {
	var out []SpanEvent
	var walk func(s *Span)
	walk = func(s *Span) {
		s.mu.Lock()
		events := make([]Event, len(s.Events))
		copy(events, s.Events)
		children := make([]*Span, len(s.Children))
		copy(children, s.Children)
		s.mu.Unlock()
		for _, e := range events {
			out = append(out, SpanEvent{Span: s, Event: e})
		}
		for _, c := range children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}

// SpanEvent pairs an Event with the Span that recorded it.
type SpanEvent struct {
	Span  *Span
	Event Event
}
