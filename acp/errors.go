package acp

import "errors"

// Sentinel errors returned by Session operations.
var (
	// ErrAgentBusy is returned by Prompt when another prompt is still in
	// flight. Prompts are strictly serialized; callers retry later.
	ErrAgentBusy = errors.New("agent is busy with another prompt")

	// ErrAgentNotConnected is returned when an operation needs a running
	// agent subprocess and there is none.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrAgentDisconnected resolves pending calls when the agent
	// subprocess exits while they wait for a response.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrSessionStopped is returned by operations on a stopped session.
	ErrSessionStopped = errors.New("session stopped")
)
