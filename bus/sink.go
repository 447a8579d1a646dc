package bus

import (
	"github.com/vibesapp/vibes/acp"
)

// Sink adapts the engine's event sink onto bus topics so SSE clients
// and background consumers see agent activity as ordinary events.
type Sink struct {
	bus *Bus
}

// NewSink creates a sink publishing onto b.
func NewSink(b *Bus) *Sink {
	return &Sink{bus: b}
}

func (s *Sink) AgentStatus(ev acp.StatusEvent) {
	s.bus.Publish(TopicAgentStatus, ev)
}

func (s *Sink) AgentDraft(ev acp.DraftEvent) {
	s.bus.Publish(TopicAgentDraft, ev)
}

func (s *Sink) AgentThought(ev acp.ThoughtEvent) {
	s.bus.Publish(TopicAgentThought, ev)
}

func (s *Sink) AgentPlan(ev acp.PlanEvent) {
	s.bus.Publish(TopicAgentPlan, ev)
}

func (s *Sink) AgentRequest(ev acp.RequestEvent) {
	s.bus.Publish(TopicAgentRequest, ev)
}

func (s *Sink) AgentRequestTimeout(requestID string) {
	s.bus.Publish(TopicAgentRequestTimeout, requestID)
}

func (s *Sink) TurnComplete(result acp.TurnResult) {
	s.bus.Publish(TopicAgentTurn, result)
}

var _ acp.EventSink = (*Sink)(nil)
