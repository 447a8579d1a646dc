package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibesapp/vibes/logger"
)

// Session defaults and bounds.
const (
	// DefaultPermissionTimeout bounds how long a permission request waits
	// for a user decision before resolving to timed-out.
	DefaultPermissionTimeout = 5 * time.Minute

	// DefaultDisconnectGrace is how long a disconnected session waits for
	// a reconnecting caller before tearing down.
	DefaultDisconnectGrace = 60 * time.Second

	// MaxSpawnAttempts bounds consecutive failed agent spawns before the
	// session gives up and stops.
	MaxSpawnAttempts = 3
)

// ACP method names.
const (
	methodInitialize        = "initialize"
	methodSessionNew        = "session/new"
	methodSessionPrompt     = "session/prompt"
	methodSessionUpdate     = "session/update"
	methodSessionCancel     = "session/cancel"
	methodRequestPermission = "session/request_permission"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateStarting SessionState = iota
	StateInitializing
	StateReady
	StateRestarting
	StateStopped
)

// String returns the state name for logging.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Session.
type Options struct {
	// AgentCommand is the agent command line, e.g. "copilot --acp".
	AgentCommand string

	// WorkingDir is the agent's working directory. Empty means the
	// current directory.
	WorkingDir string

	// PermissionTimeout bounds permission requests. Zero means
	// DefaultPermissionTimeout.
	PermissionTimeout time.Duration

	// DisconnectGrace is how long to wait after an unexpected agent exit
	// before tearing the session down. Zero means DefaultDisconnectGrace.
	DisconnectGrace time.Duration

	// WireLog enables verbose raw wire logging to a per-session file.
	WireLog bool

	// ThoughtTags overrides the classifier's thought-tag allowlist.
	ThoughtTags []string

	// Sink receives classified events. Nil means a no-op sink.
	Sink EventSink

	// ClientName and ClientVersion identify this client during the
	// initialize handshake.
	ClientName    string
	ClientVersion string
}

// Session owns one agent subprocess and orchestrates the engine around
// it: the handshake, the id-to-future correlation table, the active turn,
// the tool-call registry, and the permission broker.
//
// The subprocess reader goroutine is the sole writer into turn state and
// the tool-call registry. Callers interact only through Prompt,
// RespondPermission, CancelTurn, and Stop, and read results via the
// futures those resolve.
type Session struct {
	id         string
	opts       Options
	log        *slog.Logger
	sink       EventSink
	classifier *Classifier
	broker     *PermissionBroker
	proc       ProcessManagerInterface

	// startMu serializes spawn and handshake.
	startMu sync.Mutex

	mu            sync.Mutex
	state         SessionState
	stopped       bool
	busy          bool
	acpSessionID  string
	nextID        int64
	pending       map[int64]chan Frame
	turn          *TurnState
	whitelist     func(title string) bool
	graceTimer    *time.Timer
	spawnFailures int

	wireMu  sync.Mutex
	wireLog *os.File

	stopOnce sync.Once
}

// NewSession creates a Session for the given agent. The subprocess is not
// spawned until Start or the first Prompt.
func NewSession(opts Options) *Session {
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = DefaultPermissionTimeout
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = DefaultDisconnectGrace
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.ClientName == "" {
		opts.ClientName = "vibes"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "0.1.0"
	}

	id := uuid.NewString()
	log := logger.WithSession(id).With("component", "acp")

	s := &Session{
		id:         id,
		opts:       opts,
		log:        log,
		sink:       opts.Sink,
		classifier: NewClassifier(opts.ThoughtTags...),
		state:      StateStarting,
		pending:    make(map[int64]chan Frame),
	}

	s.broker = NewPermissionBroker(opts.PermissionTimeout, s.respondResult, s.onPermissionTimeout, log)
	s.proc = NewProcessManager(
		ProcessConfig{Command: opts.AgentCommand, WorkingDir: opts.WorkingDir},
		ProcessCallbacks{OnLine: s.handleLine, OnProcessExit: s.handleDisconnect},
		log,
	)

	if opts.WireLog {
		if path, err := logger.WireLogPath(id); err != nil {
			log.Warn("failed to resolve wire log path", "error", err)
		} else if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			log.Warn("failed to open wire log", "path", path, "error", err)
		} else {
			s.wireLog = f
		}
	}

	return s
}

// ID returns the session's client-side identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the agent subprocess is up and the session has
// completed its handshake.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.proc.IsRunning()
}

// SetWhitelist installs a checker consulted before opening a permission
// request; a match auto-approves without waiting for the user.
func (s *Session) SetWhitelist(check func(title string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whitelist = check
}

// Start spawns the agent subprocess and performs the handshake if it is
// not already up.
func (s *Session) Start(ctx context.Context) error {
	return s.ensureStarted(ctx)
}

// ensureStarted spawns and initializes the agent if necessary. The first
// caller after a disconnect triggers the fresh spawn.
func (s *Session) ensureStarted(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	if s.state == StateReady && s.proc.IsRunning() {
		s.mu.Unlock()
		return nil
	}
	if s.spawnFailures >= MaxSpawnAttempts {
		s.mu.Unlock()
		s.Stop()
		return fmt.Errorf("agent failed to start after %d attempts: %w", MaxSpawnAttempts, ErrAgentNotConnected)
	}
	s.state = StateStarting
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.acpSessionID = ""
	s.mu.Unlock()

	if err := s.proc.Start(); err != nil {
		s.noteSpawnFailure()
		return err
	}

	s.mu.Lock()
	s.state = StateInitializing
	s.mu.Unlock()

	initResult, err := s.call(ctx, methodInitialize, InitializeParams{
		ProtocolVersion:    ProtocolVersion,
		ClientCapabilities: ClientCapabilities(),
		ClientInfo:         ClientInfo{Name: s.opts.ClientName, Version: s.opts.ClientVersion},
	})
	if err != nil {
		s.noteSpawnFailure()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(initResult, &init); err == nil {
		s.log.Info("agent initialized", "protocolVersion", init.ProtocolVersion)
	}

	cwd := s.opts.WorkingDir
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	newResult, err := s.call(ctx, methodSessionNew, newSessionParams{Cwd: cwd, MCPServers: []struct{}{}})
	if err != nil {
		s.noteSpawnFailure()
		return fmt.Errorf("session/new failed: %w", err)
	}
	var created newSessionResult
	if err := json.Unmarshal(newResult, &created); err != nil || created.SessionID == "" {
		s.noteSpawnFailure()
		return fmt.Errorf("agent returned no session id")
	}

	s.mu.Lock()
	s.acpSessionID = created.SessionID
	s.state = StateReady
	s.spawnFailures = 0
	s.mu.Unlock()

	s.log.Info("agent session created", "agentSessionID", created.SessionID)
	s.sink.AgentStatus(StatusEvent{Type: "connected"})
	return nil
}

// noteSpawnFailure records a failed spawn or handshake attempt.
func (s *Session) noteSpawnFailure() {
	s.mu.Lock()
	s.spawnFailures++
	attempts := s.spawnFailures
	s.mu.Unlock()
	s.log.Warn("agent start attempt failed", "attempt", attempts, "maxAttempts", MaxSpawnAttempts)
	s.proc.Stop()
}

// Prompt submits one turn: it sends session/prompt, streams updates into
// a fresh TurnState, and returns the turn's final content blocks when the
// response arrives. Only one prompt may be in flight; a second concurrent
// call returns ErrAgentBusy. Cancelling ctx sends session/cancel to the
// agent and cancels permission requests opened within the turn.
func (s *Session) Prompt(ctx context.Context, text string) ([]ContentBlock, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	if s.busy {
		s.mu.Unlock()
		return nil, ErrAgentBusy
	}
	s.busy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	if err := s.ensureStarted(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	agentSession := s.acpSessionID
	s.nextID++
	turnID := s.nextID
	turn := NewTurnState(turnID)
	s.turn = turn
	ch := make(chan Frame, 1)
	s.pending[turnID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.turn == turn {
			s.turn = nil
		}
		delete(s.pending, turnID)
		s.mu.Unlock()
	}()

	s.log.Info("prompt submitted", "turnID", turnID, "length", len(text))
	s.sink.AgentStatus(StatusEvent{Type: "turn_start"})

	params := promptParams{
		SessionID: agentSession,
		Prompt:    []ContentBlock{{Type: BlockText, Text: text}},
	}
	if err := s.sendRequest(turnID, methodSessionPrompt, params); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		turn.Cancel()
		s.notify(methodSessionCancel, cancelParams{SessionID: agentSession})
		s.broker.CancelAll()
		s.log.Info("prompt cancelled", "turnID", turnID)
		return nil, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrAgentDisconnected
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("agent error %d: %s", frame.Error.Code, frame.Error.Message)
		}
		blocks := finalizeTurn(frame.Result, turn)
		result := TurnResult{TurnID: turnID, FinalBlocks: blocks, Text: blocksText(blocks)}
		s.sink.AgentStatus(StatusEvent{Type: "turn_end"})
		s.sink.TurnComplete(result)
		s.log.Info("turn complete", "turnID", turnID, "blocks", len(blocks), "toolCalls", turn.ToolCalls().Len())
		return blocks, nil
	}
}

// RespondPermission answers a pending permission request. Reports false
// when the request is no longer pending (already resolved, cancelled, or
// timed out).
func (s *Session) RespondPermission(requestID string, outcome PermissionOutcome, optionID string) bool {
	return s.broker.Resolve(requestID, outcome, optionID)
}

// CancelTurn cancels the in-flight turn, if any: it marks the turn
// cancelled, tells the agent via session/cancel, and cancels any
// permission requests opened within the turn.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	turn := s.turn
	agentSession := s.acpSessionID
	s.mu.Unlock()

	if turn == nil {
		return
	}
	turn.Cancel()
	s.notify(methodSessionCancel, cancelParams{SessionID: agentSession})
	s.broker.CancelAll()
	s.log.Info("turn cancelled", "turnID", turn.TurnID())
}

// Stop tears the session down: cancels pending permissions, fails
// in-flight calls, and stops the subprocess. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("stopping session")

		s.mu.Lock()
		s.stopped = true
		s.state = StateStopped
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()

		s.broker.CancelAll()
		s.proc.Stop()

		s.wireMu.Lock()
		if s.wireLog != nil {
			s.wireLog.Close()
			s.wireLog = nil
		}
		s.wireMu.Unlock()

		s.sink.AgentStatus(StatusEvent{Type: "stopped"})
	})
}

// --- wire plumbing ---

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonrpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type newSessionParams struct {
	Cwd        string     `json:"cwd"`
	MCPServers []struct{} `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// sendRequest marshals and writes a request with a pre-allocated id. The
// caller must have registered a pending channel for that id.
func (s *Session) sendRequest(id int64, method string, params any) error {
	data, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	return s.writeLine(data)
}

// call sends a request and waits for its response. Used for the
// handshake; Prompt manages its own pending entry to tie the turn id to
// the request id.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	s.nextID++
	id := s.nextID
	ch := make(chan Frame, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.sendRequest(id, method, params); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrAgentDisconnected
		}
		if frame.Error != nil {
			return nil, fmt.Errorf("agent error %d: %s", frame.Error.Code, frame.Error.Message)
		}
		return frame.Result, nil
	}
}

// notify sends a notification (no id, no response expected).
func (s *Session) notify(method string, params any) {
	data, err := json.Marshal(jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		s.log.Warn("failed to marshal notification", "method", method, "error", err)
		return
	}
	if err := s.writeLine(data); err != nil {
		s.log.Debug("failed to send notification", "method", method, "error", err)
	}
}

// respondResult sends a JSON-RPC success response echoing the agent's id.
func (s *Session) respondResult(rawID json.RawMessage, result json.RawMessage) {
	data, err := json.Marshal(jsonrpcResponse{JSONRPC: "2.0", ID: rawID, Result: result})
	if err != nil {
		s.log.Warn("failed to marshal response", "error", err)
		return
	}
	if err := s.writeLine(data); err != nil {
		s.log.Debug("failed to send response", "error", err)
	}
}

// respondError sends a JSON-RPC error response echoing the agent's id.
func (s *Session) respondError(rawID json.RawMessage, code int, message string) {
	data, err := json.Marshal(jsonrpcResponse{JSONRPC: "2.0", ID: rawID, Error: &RPCError{Code: code, Message: message}})
	if err != nil {
		s.log.Warn("failed to marshal error response", "error", err)
		return
	}
	if err := s.writeLine(data); err != nil {
		s.log.Debug("failed to send error response", "error", err)
	}
}

// writeLine writes one newline-terminated message to the agent.
func (s *Session) writeLine(data []byte) error {
	s.logWire(">", data)
	return s.proc.WriteMessage(append(data, '\n'))
}

// logWire appends one raw wire line to the per-session wire log.
func (s *Session) logWire(dir string, data []byte) {
	s.wireMu.Lock()
	defer s.wireMu.Unlock()
	if s.wireLog == nil {
		return
	}
	fmt.Fprintf(s.wireLog, "%s %s %s\n", time.Now().Format(time.RFC3339Nano), dir, strings.TrimRight(string(data), "\n"))
}

// --- inbound dispatch (reader goroutine) ---

// handleLine is the OnLine callback: it classifies one stdout line and
// dispatches the resulting frames in order. Malformed input is absorbed
// by ParseFrames and never stalls the loop.
func (s *Session) handleLine(line string) {
	s.logWire("<", []byte(line))

	for _, frame := range ParseFrames([]byte(line), s.log) {
		switch frame.Kind {
		case FrameResponse:
			s.resolvePending(frame)
		case FrameRequest:
			s.handleAgentRequest(frame)
		case FrameNotification:
			if frame.Method == methodSessionUpdate {
				s.handleSessionUpdate(frame.Params)
			} else {
				s.log.Debug("ignoring notification", "method", frame.Method)
			}
		}
	}
}

// resolvePending delivers a response frame to the matching pending call.
// Unmatched or non-numeric ids are logged and dropped.
func (s *Session) resolvePending(frame Frame) {
	var id int64
	if err := json.Unmarshal(frame.ID, &id); err != nil {
		s.log.Warn("response with non-numeric id dropped", "id", string(frame.ID))
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("response with no pending request dropped", "id", id)
		return
	}
	ch <- frame
}

// handleAgentRequest dispatches a request from the agent. Permission
// requests go to the broker; fs/* and terminal/* are always rejected
// regardless of negotiation; anything else gets method-not-found.
func (s *Session) handleAgentRequest(frame Frame) {
	switch {
	case frame.Method == methodRequestPermission:
		s.handlePermissionRequest(frame)
	case IsUnsupportedMethod(frame.Method):
		s.log.Warn("rejecting unsupported agent request", "method", frame.Method)
		s.respondError(frame.ID, CodeMethodNotFound, "Method not supported")
	default:
		s.log.Warn("unknown agent request", "method", frame.Method)
		s.respondError(frame.ID, CodeMethodNotFound, "Method not found")
	}
}

// toolCallTitle is the minimal shape needed to describe a permission
// request to the user.
type toolCallTitle struct {
	Title string `json:"title"`
}

// handlePermissionRequest checks the whitelist and either auto-approves
// or opens a broker entry and announces it to the application.
func (s *Session) handlePermissionRequest(frame Frame) {
	var params permissionRequestParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		s.log.Warn("malformed permission request", "error", err)
		s.respondError(frame.ID, CodeMethodNotFound, "Malformed params")
		return
	}

	var tc toolCallTitle
	json.Unmarshal(params.ToolCall, &tc)
	title := tc.Title
	if title == "" {
		title = "Unknown"
	}

	s.mu.Lock()
	check := s.whitelist
	s.mu.Unlock()

	if check != nil && check(title) {
		s.log.Info("permission auto-approved by whitelist", "title", title)
		s.respondResult(frame.ID, outcomeResult(params.Options, OutcomeApproved, ""))
		return
	}

	req := s.broker.Open(frame.ID, title, params.ToolCall, params.Options)
	s.sink.AgentRequest(RequestEvent{
		RequestID: req.RequestID,
		Title:     req.Title,
		ToolCall:  req.ToolCall,
		Options:   req.Options,
	})
}

// onPermissionTimeout surfaces a broker deadline expiry to the
// application as an event, not an error.
func (s *Session) onPermissionTimeout(req *PermissionRequest) {
	s.sink.AgentRequestTimeout(req.RequestID)
}

// sessionUpdateEnvelope is the params of a session/update notification.
type sessionUpdateEnvelope struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// sessionUpdateBody is the union of update payload fields across the
// sessionUpdate variants.
type sessionUpdateBody struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content"`
	Mode          string          `json:"mode"`
	Entries       []struct {
		Content string `json:"content"`
	} `json:"entries"`
}

// handleSessionUpdate routes one session/update into the active turn.
// Updates arriving with no active turn are dropped; they belong to no
// prompt this client is waiting on.
func (s *Session) handleSessionUpdate(params json.RawMessage) {
	var env sessionUpdateEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		s.log.Warn("malformed session/update dropped", "error", err)
		return
	}

	var body sessionUpdateBody
	if err := json.Unmarshal(env.Update, &body); err != nil {
		s.log.Warn("malformed update payload dropped", "error", err)
		return
	}

	s.mu.Lock()
	turn := s.turn
	s.mu.Unlock()
	if turn == nil {
		s.log.Debug("session/update with no active turn", "type", body.SessionUpdate)
		return
	}

	switch body.SessionUpdate {
	case "tool_call", "tool_call_update":
		var upd ToolCallUpdate
		if err := json.Unmarshal(env.Update, &upd); err != nil || upd.ToolCallID == "" {
			s.log.Warn("tool call update without toolCallId dropped")
			return
		}
		rec := turn.ObserveToolCall(upd)
		evType := "tool_call"
		if body.SessionUpdate == "tool_call_update" {
			evType = "tool_status"
		}
		s.sink.AgentStatus(StatusEvent{Type: evType, Title: rec.Title, Status: rec.Status, ToolCall: &rec})

	case "plan":
		parts := make([]string, 0, len(body.Entries))
		for _, e := range body.Entries {
			parts = append(parts, e.Content)
		}
		planText := strings.Join(parts, "\n")
		// Plans are snapshots: each update carries the whole plan.
		turn.ApplyText(ChannelPlan, ModeReplace, planText)
		s.sink.AgentPlan(PlanEvent{Text: turn.PlanText()})
		s.sink.AgentDraft(DraftEvent{Text: planText, Mode: ModeReplace, Kind: "plan"})

	case "agent_message_chunk", "agent_thought_chunk":
		var hints updateHints
		json.Unmarshal(env.Update, &hints)
		s.handleContentChunk(turn, body, hints)

	case "user_message_chunk":
		// Echo of our own prompt; nothing to do.

	default:
		s.log.Debug("unhandled session update type", "type", body.SessionUpdate)
	}
}

// handleContentChunk classifies and applies the content blocks of a
// message or thought chunk.
func (s *Session) handleContentChunk(turn *TurnState, body sessionUpdateBody, hints updateHints) {
	mode := ParseStreamMode(body.Mode)

	var wires []wireContentBlock
	collectContentBlocks(body.Content, &wires)

	for i := range wires {
		wire := &wires[i]
		block, ok := parseContentBlock(*wire)
		if !ok {
			continue
		}

		switch s.classifier.ChannelFor(body.SessionUpdate, hints, wire) {
		case ChannelThought:
			if block.Type == BlockText {
				turn.ApplyText(ChannelThought, mode, block.Text)
				s.sink.AgentThought(ThoughtEvent{Text: turn.ThoughtText()})
			}
		case ChannelPlan:
			if block.Type == BlockText {
				turn.ApplyText(ChannelPlan, mode, block.Text)
				s.sink.AgentPlan(PlanEvent{Text: turn.PlanText()})
				s.sink.AgentDraft(DraftEvent{Text: block.Text, Mode: mode, Kind: "plan"})
			}
		default:
			turn.AddFinalBlock(block)
			if block.Type == BlockText {
				turn.ApplyText(ChannelDraft, mode, block.Text)
				s.sink.AgentDraft(DraftEvent{Text: block.Text, Mode: mode, Kind: "draft"})
			}
		}
	}
}

// handleDisconnect is the OnProcessExit callback: the subprocess exited
// unexpectedly. Pending calls resolve with a disconnect failure, pending
// permissions are cancelled, and the session enters Restarting. If no
// caller reconnects within the grace period the session tears down.
func (s *Session) handleDisconnect(err error, stderr string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.log.Warn("agent disconnected", "error", err, "stderr", stderr)
	s.state = StateRestarting
	s.acpSessionID = ""
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(s.opts.DisconnectGrace, s.onGraceExpired)
	s.mu.Unlock()

	s.broker.CancelAll()
	s.sink.AgentStatus(StatusEvent{Type: "disconnected"})
}

// onGraceExpired tears the session down if nobody reconnected within the
// disconnect grace period.
func (s *Session) onGraceExpired() {
	s.mu.Lock()
	teardown := s.state == StateRestarting && !s.stopped
	s.mu.Unlock()

	if teardown {
		s.log.Info("disconnect grace expired, tearing down session")
		s.Stop()
	}
}

// --- final output assembly ---

// turnResultBody is the shape of a session/prompt result that may carry
// final-response fields not already delivered via streaming.
type turnResultBody struct {
	Message *struct {
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	} `json:"message"`
	Content json.RawMessage `json:"content"`
	Text    string          `json:"text"`
}

// finalizeTurn merges the prompt response with the streamed turn state:
// response-carried content takes precedence; otherwise the turn's final
// blocks are the authoritative output.
func finalizeTurn(result json.RawMessage, turn *TurnState) []ContentBlock {
	var body turnResultBody
	if len(result) > 0 {
		json.Unmarshal(result, &body)
	}

	var wires []wireContentBlock
	if body.Message != nil {
		if rawPresent(body.Message.Content) {
			collectContentBlocks(body.Message.Content, &wires)
		} else if body.Message.Text != "" {
			wires = append(wires, wireContentBlock{Type: "text", Text: body.Message.Text})
		}
	}
	if rawPresent(body.Content) {
		collectContentBlocks(body.Content, &wires)
	}

	var blocks []ContentBlock
	for _, w := range wires {
		if b, ok := parseContentBlock(w); ok {
			blocks = append(blocks, b)
		}
	}

	if body.Text != "" && !hasTextBlock(blocks) {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: body.Text})
	}

	if len(blocks) == 0 {
		return turn.FinalBlocks()
	}
	return blocks
}

// hasTextBlock reports whether any block is a text block.
func hasTextBlock(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == BlockText {
			return true
		}
	}
	return false
}

// blocksText concatenates text blocks exactly as streamed.
func blocksText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
