package acp

import (
	"encoding/json"
	"time"
)

// ToolCallStatus is the lifecycle status reported for a tool call.
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ToolCallRecord is the merged state of one tool call, keyed by its
// agent-assigned toolCallId. Records are created on first sighting of an
// id, via either a tool_call or a tool_call_update event, and live until
// their turn is discarded.
type ToolCallRecord struct {
	ToolCallID    string          `json:"toolCallId"`
	Title         string          `json:"title"`
	Kind          string          `json:"kind,omitempty"`
	Status        ToolCallStatus  `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
	Content       json.RawMessage `json:"content,omitempty"`
	Locations     json.RawMessage `json:"locations,omitempty"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// ToolCallUpdate carries the fields of an incoming tool_call or
// tool_call_update event. Pointer and raw fields distinguish "absent or
// null" from a real value so the merge never clobbers stored data.
type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Title      *string         `json:"title"`
	Kind       *string         `json:"kind"`
	Status     *string         `json:"status"`
	RawInput   json.RawMessage `json:"rawInput"`
	RawOutput  json.RawMessage `json:"rawOutput"`
	Content    json.RawMessage `json:"content"`
	Locations  json.RawMessage `json:"locations"`
}

// merge applies the null-safe merge rule: a field overwrites the stored
// value only when present and non-null in the update.
func (r *ToolCallRecord) merge(upd ToolCallUpdate, now time.Time) {
	if upd.Title != nil {
		r.Title = *upd.Title
	}
	if upd.Kind != nil {
		r.Kind = *upd.Kind
	}
	if upd.Status != nil {
		r.Status = ToolCallStatus(*upd.Status)
	}
	if rawPresent(upd.RawInput) {
		r.RawInput = upd.RawInput
	}
	if rawPresent(upd.RawOutput) {
		r.RawOutput = upd.RawOutput
	}
	if rawPresent(upd.Content) {
		r.Content = upd.Content
	}
	if rawPresent(upd.Locations) {
		r.Locations = upd.Locations
	}
	r.LastUpdatedAt = now
}

// ToolCallRegistry stores tool-call records for one turn.
//
// The registry is written only by the session's reader goroutine, so it
// carries no lock of its own. It is discarded along with its TurnState;
// ids from one turn never leak into the next.
type ToolCallRegistry struct {
	records map[string]*ToolCallRecord
	order   []string
	now     func() time.Time
}

// NewToolCallRegistry returns an empty registry.
func NewToolCallRegistry() *ToolCallRegistry {
	return &ToolCallRegistry{
		records: make(map[string]*ToolCallRecord),
		now:     time.Now,
	}
}

// Observe records a tool_call or tool_call_update event.
//
// An unseen id creates a record (a bare placeholder when the update
// carries few fields) and then merges; a seen id merges into the existing
// record. Updates arriving before their originating tool_call therefore
// still converge on the same merged record, in either order. The returned
// value is a snapshot copy safe to hand to event consumers.
func (reg *ToolCallRegistry) Observe(upd ToolCallUpdate) ToolCallRecord {
	rec, ok := reg.records[upd.ToolCallID]
	if !ok {
		rec = &ToolCallRecord{ToolCallID: upd.ToolCallID, Title: "Tool call"}
		reg.records[upd.ToolCallID] = rec
		reg.order = append(reg.order, upd.ToolCallID)
	}
	rec.merge(upd, reg.now())
	return *rec
}

// Get returns a snapshot of the record for id, if seen this turn.
func (reg *ToolCallRegistry) Get(id string) (ToolCallRecord, bool) {
	rec, ok := reg.records[id]
	if !ok {
		return ToolCallRecord{}, false
	}
	return *rec, true
}

// Len returns the number of distinct tool-call ids seen this turn.
func (reg *ToolCallRegistry) Len() int {
	return len(reg.records)
}

// Snapshot returns copies of all records in first-seen order.
func (reg *ToolCallRegistry) Snapshot() []ToolCallRecord {
	out := make([]ToolCallRecord, 0, len(reg.order))
	for _, id := range reg.order {
		out = append(out, *reg.records[id])
	}
	return out
}
