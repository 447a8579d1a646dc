package acp

import "encoding/json"

// StatusEvent summarizes tool and turn lifecycle for live display.
type StatusEvent struct {
	Type     string          `json:"type"` // "tool_call", "tool_status", "turn_start", "turn_end"
	Title    string          `json:"title,omitempty"`
	Status   ToolCallStatus  `json:"status,omitempty"`
	ToolCall *ToolCallRecord `json:"tool_call,omitempty"`
}

// DraftEvent carries one streamed chunk of the in-progress answer or
// plan. Consumers apply Mode themselves: replace resets their view to
// Text, append concatenates.
type DraftEvent struct {
	Text string     `json:"text"`
	Mode StreamMode `json:"-"`
	Kind string     `json:"kind"` // "draft" or "plan"
}

// ThoughtEvent carries the full current thought text snapshot.
type ThoughtEvent struct {
	Text string `json:"text"`
}

// PlanEvent carries the full current plan text.
type PlanEvent struct {
	Text string `json:"text"`
}

// RequestEvent announces a pending permission request awaiting a
// decision from the user.
type RequestEvent struct {
	RequestID string             `json:"request_id"`
	Title     string             `json:"title"`
	ToolCall  json.RawMessage    `json:"tool_call,omitempty"`
	Options   []PermissionOption `json:"options,omitempty"`
}

// TurnResult is the terminal event of a completed turn.
type TurnResult struct {
	TurnID      int64          `json:"turn_id"`
	FinalBlocks []ContentBlock `json:"final_blocks"`
	Text        string         `json:"text"`
}

// EventSink is the narrow outbound boundary through which the engine
// pushes classified events to the surrounding application. One method per
// event kind; the engine stays ignorant of the transport behind it (SSE
// fan-out, logging, tests).
//
// All methods are invoked from the session's internal goroutines and must
// not block.
type EventSink interface {
	AgentStatus(ev StatusEvent)
	AgentDraft(ev DraftEvent)
	AgentThought(ev ThoughtEvent)
	AgentPlan(ev PlanEvent)
	AgentRequest(ev RequestEvent)
	AgentRequestTimeout(requestID string)
	TurnComplete(res TurnResult)
}

// NopSink discards every event. Useful as a default and in tests.
type NopSink struct{}

func (NopSink) AgentStatus(StatusEvent) {}

func (NopSink) AgentDraft(DraftEvent) {}

func (NopSink) AgentThought(ThoughtEvent) {}

func (NopSink) AgentPlan(PlanEvent) {}

func (NopSink) AgentRequest(RequestEvent) {}

func (NopSink) AgentRequestTimeout(string) {}

func (NopSink) TurnComplete(TurnResult) {}

var _ EventSink = NopSink{}
