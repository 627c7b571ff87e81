package crew

import (
	"context"

	"github.com/taskcore/engine/budget"
	"github.com/taskcore/engine/trace"
)

// StreamEventType names the kind of one crew streaming event.
type StreamEventType string

const (
	StreamAgentStart    StreamEventType = "agent-start"
	StreamAgentProgress StreamEventType = "agent-progress"
	StreamAgentComplete StreamEventType = "agent-complete"
	StreamAgentError    StreamEventType = "agent-error"
	StreamCrewComplete  StreamEventType = "crew-complete"
)

// StreamEvent is one event yielded by ExecuteCrewStream.
type StreamEvent struct {
	Type     StreamEventType
	AgentID  string
	Progress string
	Result   *AgentResult
	Crew     *CrewResult
}

type streamSinkKey struct{}

func withStreamSink(ctx context.Context, ch chan<- StreamEvent) context.Context {
	return context.WithValue(ctx, streamSinkKey{}, ch)
}

func emitStream(ctx context.Context, ev StreamEvent) {
	ch, ok := ctx.Value(streamSinkKey{}).(chan<- StreamEvent)
	if !ok || ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// ExecuteCrewStream runs def exactly as RunCrew does, but yields agent-start
// when each agent begins, agent-progress as the agent's per-agent progress
// callback fires, one agent-complete/agent-error per finished agent, and a
// final crew-complete carrying the aggregated CrewResult (spec §4.8
// "Streaming"). The channel is closed after crew-complete is sent.
func (cr *Crew) ExecuteCrewStream(ctx context.Context, def CrewDefinition, parent *budget.Envelope, root *trace.Span) <-chan StreamEvent {
	ch := make(chan StreamEvent, 32)
	go func() {
		defer close(ch)
		sctx := withStreamSink(ctx, ch)
		result := cr.RunCrew(sctx, def, parent, root)
		ch <- StreamEvent{Type: StreamCrewComplete, Crew: &result}
	}()
	return ch
}
