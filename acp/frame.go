package acp

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// FrameKind discriminates the closed set of JSON-RPC message shapes the
// engine understands. Downstream code switches exhaustively on this tag
// instead of probing for optional keys.
type FrameKind int

const (
	// FrameNotification is a message with a method and no id.
	FrameNotification FrameKind = iota
	// FrameRequest is a message with both a method and an id.
	FrameRequest
	// FrameResponse is a message with an id and a result or error, no method.
	FrameResponse
)

// String returns the frame kind name for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameNotification:
		return "notification"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	default:
		return "invalid"
	}
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// JSON-RPC error codes used when answering agent requests.
const (
	CodeMethodNotFound = -32601
)

// Frame is one classified JSON-RPC message.
//
// The ID is kept raw because agents may use numbers or strings; responses
// we send back echo it verbatim. Outbound requests from this client always
// use numeric ids (see Session).
type Frame struct {
	Kind   FrameKind
	ID     json.RawMessage // nil for notifications
	Method string          // empty for responses
	Params json.RawMessage
	Result json.RawMessage // responses only
	Error  *RPCError       // responses only
}

// wireProbe captures just enough of a raw message to classify it.
type wireProbe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// rawPresent reports whether a raw field was present and not JSON null.
func rawPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// ParseFrames parses one line from the agent's stdout into zero or more
// classified frames.
//
// Blank lines yield nothing. A JSON object yields one frame. A JSON array
// (batch) yields its well-formed elements in order; malformed elements are
// dropped with a warning and never abort the batch. Non-JSON input is
// dropped with a warning. Malformed input must never stall the reader
// loop, so this function absorbs every parse failure locally.
func ParseFrames(line []byte, log *slog.Logger) []Frame {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}

	var raw json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		log.Warn("dropping invalid JSON line", "error", err)
		return nil
	}

	if trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			log.Warn("dropping malformed batch", "error", err)
			return nil
		}
		frames := make([]Frame, 0, len(elements))
		dropped := 0
		for _, el := range elements {
			frame, ok := classifyFrame(el)
			if !ok {
				dropped++
				continue
			}
			frames = append(frames, frame)
		}
		if dropped > 0 {
			log.Warn("batch contained unclassifiable elements", "dropped", dropped, "kept", len(frames))
		}
		return frames
	}

	frame, ok := classifyFrame(raw)
	if !ok {
		log.Warn("dropping unclassifiable message", "message", truncateForLog(trimmed, 200))
		return nil
	}
	return []Frame{frame}
}

// classifyFrame classifies a single raw JSON value as a notification,
// request, or response. Anything else (including non-objects) reports
// not-ok and is dropped by the caller.
func classifyFrame(raw json.RawMessage) (Frame, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, false
	}

	var probe wireProbe
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Frame{}, false
	}

	hasID := rawPresent(probe.ID)
	hasMethod := probe.Method != ""
	hasOutcome := rawPresent(probe.Result) || probe.Error != nil

	switch {
	case hasMethod && !hasID:
		return Frame{Kind: FrameNotification, Method: probe.Method, Params: probe.Params}, true
	case hasMethod && hasID:
		return Frame{Kind: FrameRequest, ID: probe.ID, Method: probe.Method, Params: probe.Params}, true
	case hasID && hasOutcome:
		return Frame{Kind: FrameResponse, ID: probe.ID, Result: probe.Result, Error: probe.Error}, true
	default:
		return Frame{}, false
	}
}

// truncateForLog limits a raw message to n bytes for log output.
func truncateForLog(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
