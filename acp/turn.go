package acp

// TurnState is the aggregation context for a single prompt turn.
//
// One TurnState is created when a prompt is submitted and discarded when
// the prompt's response arrives or the turn is cancelled. Every incoming
// session/update is routed through the currently active turn only, so no
// field of one turn is ever touched by processing belonging to another.
// All mutation happens on the session's reader goroutine.
type TurnState struct {
	turnID int64

	draft   string
	thought string
	plan    string

	// Final blocks are split at the first tool call: text streamed before
	// an agent starts using tools is preamble ("let me look at that"),
	// and the post-tool stream supersedes it.
	preToolBlocks  []ContentBlock
	postToolBlocks []ContentBlock
	sawToolCall    bool

	toolCalls *ToolCallRegistry
	cancelled bool
}

// NewTurnState creates the aggregation context for one prompt, identified
// by the outbound prompt request's id.
func NewTurnState(turnID int64) *TurnState {
	return &TurnState{
		turnID:    turnID,
		toolCalls: NewToolCallRegistry(),
	}
}

// TurnID returns the outbound prompt request id this turn belongs to.
func (t *TurnState) TurnID() int64 {
	return t.turnID
}

// ApplyText applies streamed text to the buffer for ch using the given
// mode: replace overwrites the buffer wholesale, append concatenates.
// Final-channel text does not buffer here; it lands in final blocks.
func (t *TurnState) ApplyText(ch Channel, mode StreamMode, text string) {
	var buf *string
	switch ch {
	case ChannelDraft:
		buf = &t.draft
	case ChannelThought:
		buf = &t.thought
	case ChannelPlan:
		buf = &t.plan
	default:
		return
	}
	if mode == ModeReplace {
		*buf = text
	} else {
		*buf += text
	}
}

// DraftText returns the current draft buffer.
func (t *TurnState) DraftText() string { return t.draft }

// ThoughtText returns the current thought buffer.
func (t *TurnState) ThoughtText() string { return t.thought }

// PlanText returns the current plan buffer.
func (t *TurnState) PlanText() string { return t.plan }

// AddFinalBlock appends a block to the final output in arrival order.
// Blocks classified as thought or plan must never reach this method.
func (t *TurnState) AddFinalBlock(b ContentBlock) {
	if t.sawToolCall {
		t.postToolBlocks = append(t.postToolBlocks, b)
	} else {
		t.preToolBlocks = append(t.preToolBlocks, b)
	}
}

// ObserveToolCall records a tool_call or tool_call_update in this turn's
// registry and returns the merged snapshot. The first tool call of a turn
// discards any pre-tool preamble blocks.
func (t *TurnState) ObserveToolCall(upd ToolCallUpdate) ToolCallRecord {
	rec := t.toolCalls.Observe(upd)
	if !t.sawToolCall {
		t.sawToolCall = true
		t.preToolBlocks = nil
	}
	return rec
}

// ToolCalls exposes this turn's registry.
func (t *TurnState) ToolCalls() *ToolCallRegistry {
	return t.toolCalls
}

// FinalBlocks returns the authoritative final output for this turn: the
// ordered blocks streamed after the last tool call began, or the whole
// stream when no tools ran.
func (t *TurnState) FinalBlocks() []ContentBlock {
	if t.sawToolCall {
		return t.postToolBlocks
	}
	return t.preToolBlocks
}

// FinalText concatenates the text blocks of the final output exactly as
// the agent streamed them.
func (t *TurnState) FinalText() string {
	var out string
	for _, b := range t.FinalBlocks() {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Cancel marks the turn as cancelled. Updates arriving afterwards are
// still routed here harmlessly until the prompt future resolves.
func (t *TurnState) Cancel() {
	t.cancelled = true
}

// Cancelled reports whether the turn was cancelled.
func (t *TurnState) Cancelled() bool {
	return t.cancelled
}
