package acp

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// responderRecorder captures the responses a broker sends to the agent.
type responderRecorder struct {
	mu        sync.Mutex
	responses []recordedResponse
}

type recordedResponse struct {
	RawID  string
	Result string
}

func (r *responderRecorder) respond(rawID json.RawMessage, result json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, recordedResponse{RawID: string(rawID), Result: string(result)})
}

func (r *responderRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func (r *responderRecorder) last(t *testing.T) recordedResponse {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses) == 0 {
		t.Fatal("no responses recorded")
	}
	return r.responses[len(r.responses)-1]
}

func newTestBroker(timeout time.Duration, rec *responderRecorder, onTimeout func(*PermissionRequest)) *PermissionBroker {
	return NewPermissionBroker(timeout, rec.respond, onTimeout, discardLogger())
}

func allowRejectOptions() []PermissionOption {
	return []PermissionOption{
		{OptionID: "allow", Kind: "allow_once"},
		{OptionID: "allow-forever", Kind: "allow_always"},
		{OptionID: "deny", Kind: "reject_once"},
	}
}

func TestBroker_ResolveApproved(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	req := b.Open(json.RawMessage(`42`), "Run tests", nil, allowRejectOptions())
	if b.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", b.PendingCount())
	}

	if !b.Resolve(req.RequestID, OutcomeApproved, "") {
		t.Fatal("Resolve should succeed for pending request")
	}
	if b.PendingCount() != 0 {
		t.Errorf("resolved request still pending")
	}

	resp := rec.last(t)
	if resp.RawID != "42" {
		t.Errorf("response should echo raw id, got %s", resp.RawID)
	}
	want := `{"outcome":{"outcome":"selected","optionId":"allow"}}`
	if resp.Result != want {
		t.Errorf("expected %s, got %s", want, resp.Result)
	}
}

func TestBroker_ResolveDeniedPicksRejectOption(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	req := b.Open(json.RawMessage(`1`), "Delete file", nil, allowRejectOptions())
	b.Resolve(req.RequestID, OutcomeDenied, "")

	want := `{"outcome":{"outcome":"selected","optionId":"deny"}}`
	if got := rec.last(t).Result; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestBroker_ResolveExplicitOption(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	req := b.Open(json.RawMessage(`1`), "Edit", nil, allowRejectOptions())
	b.Resolve(req.RequestID, OutcomeApproved, "allow-forever")

	want := `{"outcome":{"outcome":"selected","optionId":"allow-forever"}}`
	if got := rec.last(t).Result; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestBroker_FallbackOptionIDsWithoutOfferedOptions(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	req := b.Open(json.RawMessage(`1`), "X", nil, nil)
	b.Resolve(req.RequestID, OutcomeApproved, "")
	want := `{"outcome":{"outcome":"selected","optionId":"allow-once"}}`
	if got := rec.last(t).Result; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	req = b.Open(json.RawMessage(`2`), "X", nil, nil)
	b.Resolve(req.RequestID, OutcomeDenied, "")
	want = `{"outcome":{"outcome":"selected","optionId":"reject-once"}}`
	if got := rec.last(t).Result; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestBroker_CancelSendsCancelledOutcome(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	req := b.Open(json.RawMessage(`"req-9"`), "Push branch", nil, allowRejectOptions())
	if !b.Cancel(req.RequestID) {
		t.Fatal("Cancel should succeed for pending request")
	}

	resp := rec.last(t)
	if resp.RawID != `"req-9"` {
		t.Errorf("response should echo raw string id, got %s", resp.RawID)
	}
	want := `{"outcome":{"outcome":"cancelled"}}`
	if resp.Result != want {
		t.Errorf("expected %s, got %s", want, resp.Result)
	}
}

func TestBroker_TimeoutFiresExactlyOnce(t *testing.T) {
	rec := &responderRecorder{}
	var timeouts []string
	var mu sync.Mutex
	done := make(chan struct{})
	b := newTestBroker(20*time.Millisecond, rec, func(req *PermissionRequest) {
		mu.Lock()
		timeouts = append(timeouts, req.RequestID)
		mu.Unlock()
		close(done)
	})

	req := b.Open(json.RawMessage(`5`), "Slow thing", nil, allowRejectOptions())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	if b.PendingCount() != 0 {
		t.Errorf("timed-out request still pending")
	}
	want := `{"outcome":{"outcome":"cancelled"}}`
	if got := rec.last(t).Result; got != want {
		t.Errorf("timeout should send cancelled outcome, got %s", got)
	}

	// A resolve attempt after timeout must be a no-op: the pending map no
	// longer contains the id, so no second response is sent.
	if b.Resolve(req.RequestID, OutcomeApproved, "") {
		t.Error("Resolve after timeout should report false")
	}
	if rec.count() != 1 {
		t.Errorf("expected exactly one response, got %d", rec.count())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timeouts) != 1 || timeouts[0] != req.RequestID {
		t.Errorf("expected one timeout event for %s, got %v", req.RequestID, timeouts)
	}
}

func TestBroker_ResolveBeatsTimer(t *testing.T) {
	rec := &responderRecorder{}
	fired := make(chan struct{}, 1)
	b := newTestBroker(30*time.Millisecond, rec, func(*PermissionRequest) {
		fired <- struct{}{}
	})

	req := b.Open(json.RawMessage(`6`), "Fast decision", nil, allowRejectOptions())
	if !b.Resolve(req.RequestID, OutcomeApproved, "") {
		t.Fatal("Resolve should win before the deadline")
	}

	// Give a stale timer a chance to fire; it must not.
	select {
	case <-fired:
		t.Error("timer fired after explicit resolution")
	case <-time.After(80 * time.Millisecond):
	}
	if rec.count() != 1 {
		t.Errorf("expected exactly one response, got %d", rec.count())
	}
}

func TestBroker_DoubleResolveIsNoOp(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	req := b.Open(json.RawMessage(`7`), "Once", nil, allowRejectOptions())
	if !b.Resolve(req.RequestID, OutcomeApproved, "") {
		t.Fatal("first Resolve should succeed")
	}
	if b.Resolve(req.RequestID, OutcomeDenied, "") {
		t.Error("second Resolve should be a no-op")
	}
	if b.Cancel(req.RequestID) {
		t.Error("Cancel after Resolve should be a no-op")
	}
	if rec.count() != 1 {
		t.Errorf("expected exactly one response, got %d", rec.count())
	}
}

func TestBroker_CancelAll(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	b.Open(json.RawMessage(`1`), "A", nil, nil)
	b.Open(json.RawMessage(`2`), "B", nil, nil)
	b.Open(json.RawMessage(`3`), "C", nil, nil)

	b.CancelAll()
	if b.PendingCount() != 0 {
		t.Errorf("expected no pending after CancelAll, got %d", b.PendingCount())
	}
	if rec.count() != 3 {
		t.Errorf("expected 3 cancelled responses, got %d", rec.count())
	}
}

func TestBroker_DeadlineSet(t *testing.T) {
	rec := &responderRecorder{}
	b := newTestBroker(time.Minute, rec, nil)

	before := time.Now()
	req := b.Open(json.RawMessage(`1`), "X", nil, nil)

	if req.Deadline.Before(before.Add(59 * time.Second)) {
		t.Errorf("deadline too early: %v", req.Deadline)
	}
	if req.Deadline.After(before.Add(2 * time.Minute)) {
		t.Errorf("deadline too late: %v", req.Deadline)
	}
	b.Cancel(req.RequestID)
}
