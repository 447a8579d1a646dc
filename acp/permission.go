package acp

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// PermissionOutcome is the terminal state of a permission request.
type PermissionOutcome string

const (
	OutcomeApproved  PermissionOutcome = "approved"
	OutcomeDenied    PermissionOutcome = "denied"
	OutcomeCancelled PermissionOutcome = "cancelled"
	OutcomeTimedOut  PermissionOutcome = "timed_out"
)

// PermissionOption is one selectable answer offered by the agent.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
	Name     string `json:"name,omitempty"`
}

// permissionRequestParams is the wire shape of session/request_permission.
type permissionRequestParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  json.RawMessage    `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionRequest is one in-flight permission request from the agent.
type PermissionRequest struct {
	RequestID string // canonical string form of the wire id
	Title     string
	ToolCall  json.RawMessage
	Options   []PermissionOption
	CreatedAt time.Time
	Deadline  time.Time

	rawID json.RawMessage
	timer *time.Timer
}

// permissionResponder sends the single JSON-RPC response for a resolved
// request back to the agent.
type permissionResponder func(rawID json.RawMessage, result json.RawMessage)

// PermissionBroker tracks in-flight session/request_permission requests,
// each with a deadline, and guarantees that exactly one of explicit
// resolution, cancellation, or timeout removes a request from the pending
// map and sends the single outbound response. The losers of that race see
// the id already gone and become no-ops.
type PermissionBroker struct {
	mu      sync.Mutex
	pending map[string]*PermissionRequest

	timeout   time.Duration
	respond   permissionResponder
	onTimeout func(req *PermissionRequest)
	log       *slog.Logger
}

// NewPermissionBroker creates a broker that resolves requests through
// respond and reports deadline expiry through onTimeout.
func NewPermissionBroker(timeout time.Duration, respond permissionResponder, onTimeout func(req *PermissionRequest), log *slog.Logger) *PermissionBroker {
	return &PermissionBroker{
		pending:   make(map[string]*PermissionRequest),
		timeout:   timeout,
		respond:   respond,
		onTimeout: onTimeout,
		log:       log,
	}
}

// Open registers an incoming permission request and starts its deadline
// timer. The returned request carries the canonical RequestID callers use
// to resolve it later.
func (b *PermissionBroker) Open(rawID json.RawMessage, title string, toolCall json.RawMessage, options []PermissionOption) *PermissionRequest {
	now := time.Now()
	req := &PermissionRequest{
		RequestID: string(rawID),
		Title:     title,
		ToolCall:  toolCall,
		Options:   options,
		CreatedAt: now,
		Deadline:  now.Add(b.timeout),
		rawID:     rawID,
	}

	b.mu.Lock()
	b.pending[req.RequestID] = req
	req.timer = time.AfterFunc(b.timeout, func() { b.expire(req.RequestID) })
	b.mu.Unlock()

	b.log.Info("permission request opened", "requestID", req.RequestID, "title", title, "timeout", b.timeout)
	return req
}

// take atomically removes a pending request. Only the caller that gets it
// back may act on it; everyone else sees false.
func (b *PermissionBroker) take(requestID string) (*PermissionRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(b.pending, requestID)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

// Resolve answers a pending request with an explicit outcome. When
// optionID is empty an option matching the outcome is chosen from the
// agent's offered list. Resolving an id that is no longer pending is a
// no-op and reports false.
func (b *PermissionBroker) Resolve(requestID string, outcome PermissionOutcome, optionID string) bool {
	req, ok := b.take(requestID)
	if !ok {
		b.log.Debug("resolve on non-pending permission request", "requestID", requestID)
		return false
	}
	b.log.Info("permission request resolved", "requestID", requestID, "outcome", outcome, "optionID", optionID)
	b.respond(req.rawID, outcomeResult(req.Options, outcome, optionID))
	return true
}

// Cancel resolves a pending request to the cancelled outcome, used when
// the owning turn or session is cancelled or the client disconnects.
func (b *PermissionBroker) Cancel(requestID string) bool {
	req, ok := b.take(requestID)
	if !ok {
		return false
	}
	b.log.Info("permission request cancelled", "requestID", requestID)
	b.respond(req.rawID, outcomeResult(nil, OutcomeCancelled, ""))
	return true
}

// CancelAll cancels every pending request.
func (b *PermissionBroker) CancelAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Cancel(id)
	}
}

// PendingCount returns the number of unresolved requests.
func (b *PermissionBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// expire fires when a request's deadline passes without resolution. If an
// explicit resolve or cancel already took the request this is a no-op.
func (b *PermissionBroker) expire(requestID string) {
	req, ok := b.take(requestID)
	if !ok {
		return
	}
	b.log.Warn("permission request timed out", "requestID", requestID, "title", req.Title)
	b.respond(req.rawID, outcomeResult(nil, OutcomeTimedOut, ""))
	if b.onTimeout != nil {
		b.onTimeout(req)
	}
}

// outcomeResult builds the JSON-RPC result payload for a permission
// response: {"outcome":{"outcome":"selected","optionId":...}} for
// approve/deny, {"outcome":{"outcome":"cancelled"}} for cancellation and
// timeout.
func outcomeResult(options []PermissionOption, outcome PermissionOutcome, optionID string) json.RawMessage {
	type outcomeObj struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId,omitempty"`
	}
	type resultObj struct {
		Outcome outcomeObj `json:"outcome"`
	}

	var obj outcomeObj
	switch {
	case outcome == OutcomeCancelled || outcome == OutcomeTimedOut:
		obj = outcomeObj{Outcome: "cancelled"}
	case optionID != "":
		obj = outcomeObj{Outcome: "selected", OptionID: optionID}
	case outcome == OutcomeApproved:
		obj = outcomeObj{Outcome: "selected", OptionID: pickOption(options, "allow_once", "allow_always", "allow-once")}
	default:
		obj = outcomeObj{Outcome: "selected", OptionID: pickOption(options, "reject_once", "reject_always", "reject-once")}
	}

	raw, _ := json.Marshal(resultObj{Outcome: obj})
	return raw
}

// pickOption returns the first offered option whose kind matches, else
// the fallback id (last argument).
func pickOption(options []PermissionOption, kinds ...string) string {
	fallback := kinds[len(kinds)-1]
	kinds = kinds[:len(kinds)-1]
	for _, opt := range options {
		for _, kind := range kinds {
			if opt.Kind == kind {
				return opt.OptionID
			}
		}
	}
	return fallback
}
