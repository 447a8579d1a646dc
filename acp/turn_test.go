package acp

import (
	"reflect"
	"testing"
)

func TestTurnState_ReplaceModeKeepsOnlyLastSnapshot(t *testing.T) {
	turn := NewTurnState(1)

	// Snapshot-style agent re-sends the full cumulative text each time.
	for _, chunk := range []string{"H", "He", "Hello"} {
		turn.ApplyText(ChannelDraft, ModeReplace, chunk)
	}
	if got := turn.DraftText(); got != "Hello" {
		t.Errorf("replace mode should keep last snapshot only, got %q", got)
	}
}

func TestTurnState_AppendModeConcatenates(t *testing.T) {
	turn := NewTurnState(1)

	turn.ApplyText(ChannelDraft, ModeAppend, "Hello ")
	turn.ApplyText(ChannelDraft, ModeAppend, "World")
	if got := turn.DraftText(); got != "Hello World" {
		t.Errorf("append mode should concatenate, got %q", got)
	}
}

func TestTurnState_BuffersAreIndependent(t *testing.T) {
	turn := NewTurnState(1)

	turn.ApplyText(ChannelDraft, ModeAppend, "draft")
	turn.ApplyText(ChannelThought, ModeAppend, "thought")
	turn.ApplyText(ChannelPlan, ModeReplace, "plan")

	if turn.DraftText() != "draft" || turn.ThoughtText() != "thought" || turn.PlanText() != "plan" {
		t.Errorf("buffers leaked into each other: draft=%q thought=%q plan=%q",
			turn.DraftText(), turn.ThoughtText(), turn.PlanText())
	}
}

func TestTurnState_FinalChannelDoesNotBuffer(t *testing.T) {
	turn := NewTurnState(1)
	turn.ApplyText(ChannelFinal, ModeAppend, "nope")
	if turn.DraftText() != "" || turn.ThoughtText() != "" || turn.PlanText() != "" {
		t.Error("final-channel text must not land in streaming buffers")
	}
}

func TestTurnState_FinalBlocksInArrivalOrder(t *testing.T) {
	turn := NewTurnState(1)
	turn.AddFinalBlock(ContentBlock{Type: BlockText, Text: "one"})
	turn.AddFinalBlock(ContentBlock{Type: BlockImage, Data: "aWc="})
	turn.AddFinalBlock(ContentBlock{Type: BlockText, Text: "two"})

	blocks := turn.FinalBlocks()
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Text != "one" || blocks[1].Type != BlockImage || blocks[2].Text != "two" {
		t.Errorf("blocks out of order: %+v", blocks)
	}
	if turn.FinalText() != "onetwo" {
		t.Errorf("expected concatenated text blocks, got %q", turn.FinalText())
	}
}

func TestTurnState_FirstToolCallDiscardsPreamble(t *testing.T) {
	turn := NewTurnState(1)
	turn.AddFinalBlock(ContentBlock{Type: BlockText, Text: "Let me look at that."})

	turn.ObserveToolCall(ToolCallUpdate{ToolCallID: "tc1"})
	turn.AddFinalBlock(ContentBlock{Type: BlockText, Text: "Done"})

	want := []ContentBlock{{Type: BlockText, Text: "Done"}}
	if !reflect.DeepEqual(turn.FinalBlocks(), want) {
		t.Errorf("pre-tool preamble should be discarded, got %+v", turn.FinalBlocks())
	}
}

func TestTurnState_NoToolCallKeepsWholeStream(t *testing.T) {
	turn := NewTurnState(1)
	turn.AddFinalBlock(ContentBlock{Type: BlockText, Text: "direct answer"})

	if got := turn.FinalText(); got != "direct answer" {
		t.Errorf("expected full stream without tool calls, got %q", got)
	}
}

func TestTurnState_ToolCallIsolationAcrossTurns(t *testing.T) {
	turn1 := NewTurnState(1)
	turn1.ObserveToolCall(ToolCallUpdate{ToolCallID: "tc1", Status: strPtr("completed")})

	// A fresh turn must not see ids from the previous one, even when the
	// agent reuses them.
	turn2 := NewTurnState(2)
	if _, ok := turn2.ToolCalls().Get("tc1"); ok {
		t.Error("tool call id leaked across turns")
	}

	rec := turn2.ObserveToolCall(ToolCallUpdate{ToolCallID: "tc1"})
	if rec.Status != "" {
		t.Errorf("reused id carried state from previous turn: %+v", rec)
	}
}

func TestTurnState_Cancel(t *testing.T) {
	turn := NewTurnState(1)
	if turn.Cancelled() {
		t.Error("new turn should not be cancelled")
	}
	turn.Cancel()
	if !turn.Cancelled() {
		t.Error("Cancel should mark the turn cancelled")
	}
}
