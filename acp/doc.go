// Package acp implements the client side of the Agent Client Protocol:
// a JSON-RPC-over-stdio engine that drives a long-lived coding-agent
// subprocess.
//
// The package is organized into focused modules:
//   - frame.go: JSON-RPC frame parsing and classification
//   - content.go: content blocks and metadata-only channel classification
//   - turn.go: per-prompt aggregation state (draft/thought/plan buffers, final blocks)
//   - toolcall.go: tool-call registry with order-independent null-safe merge
//   - permission.go: permission broker with deadlines and exactly-once resolution
//   - capabilities.go: initialize handshake types and capability negotiation
//   - events.go: outbound event sink interface
//   - process.go: agent subprocess lifecycle
//   - session.go: Session controller tying the pieces together
//
// One Session owns one agent subprocess. A single background reader
// goroutine classifies every inbound frame and is the sole writer into
// the active turn state, the tool-call registry, and the pending-response
// table; callers wait on futures resolved by that goroutine.
package acp
