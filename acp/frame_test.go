package acp

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFrames_Notification(t *testing.T) {
	frames := ParseFrames([]byte(`{"jsonrpc":"2.0","method":"session/update","params":{"x":1}}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Kind != FrameNotification {
		t.Errorf("expected notification, got %s", f.Kind)
	}
	if f.Method != "session/update" {
		t.Errorf("expected method session/update, got %q", f.Method)
	}
	if f.ID != nil {
		t.Errorf("notification should have no id, got %s", f.ID)
	}
}

func TestParseFrames_Request(t *testing.T) {
	frames := ParseFrames([]byte(`{"jsonrpc":"2.0","id":7,"method":"session/request_permission","params":{}}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Kind != FrameRequest {
		t.Errorf("expected request, got %s", f.Kind)
	}
	if string(f.ID) != "7" {
		t.Errorf("expected id 7, got %s", f.ID)
	}
}

func TestParseFrames_Response(t *testing.T) {
	frames := ParseFrames([]byte(`{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != FrameResponse {
		t.Errorf("expected response, got %s", frames[0].Kind)
	}
}

func TestParseFrames_ErrorResponse(t *testing.T) {
	frames := ParseFrames([]byte(`{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"nope"}}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if f.Kind != FrameResponse {
		t.Errorf("expected response, got %s", f.Kind)
	}
	if f.Error == nil || f.Error.Code != -32601 {
		t.Errorf("expected error code -32601, got %+v", f.Error)
	}
}

func TestParseFrames_StringID(t *testing.T) {
	frames := ParseFrames([]byte(`{"id":"abc-1","method":"fs/read_text_file"}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != FrameRequest {
		t.Errorf("expected request, got %s", frames[0].Kind)
	}
	if string(frames[0].ID) != `"abc-1"` {
		t.Errorf("expected raw string id, got %s", frames[0].ID)
	}
}

func TestParseFrames_NullIDIsNotification(t *testing.T) {
	// id:null counts as absent, so method+null-id is a notification.
	frames := ParseFrames([]byte(`{"id":null,"method":"session/update"}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != FrameNotification {
		t.Errorf("expected notification, got %s", frames[0].Kind)
	}
}

func TestParseFrames_Invalid(t *testing.T) {
	cases := []string{
		``,
		`   `,
		`not json at all`,
		`42`,
		`"just a string"`,
		`{"no":"method or id"}`,
		`{"id":5}`,
		`{"result":{"x":1}}`,
	}
	for _, line := range cases {
		if frames := ParseFrames([]byte(line), discardLogger()); len(frames) != 0 {
			t.Errorf("input %q: expected no frames, got %d", line, len(frames))
		}
	}
}

func TestParseFrames_BatchPreservesOrderAndDropsGarbage(t *testing.T) {
	line := `[` +
		`{"method":"session/update","params":{"n":1}},` +
		`"garbage",` +
		`{"id":1,"method":"session/request_permission"},` +
		`17,` +
		`{"id":2,"result":{}},` +
		`{"bad":"shape"}` +
		`]`
	frames := ParseFrames([]byte(line), discardLogger())
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames from batch, got %d", len(frames))
	}
	wantKinds := []FrameKind{FrameNotification, FrameRequest, FrameResponse}
	for i, want := range wantKinds {
		if frames[i].Kind != want {
			t.Errorf("frame %d: expected %s, got %s", i, want, frames[i].Kind)
		}
	}
}

func TestParseFrames_EmptyBatch(t *testing.T) {
	if frames := ParseFrames([]byte(`[]`), discardLogger()); len(frames) != 0 {
		t.Errorf("expected no frames from empty batch, got %d", len(frames))
	}
}

func TestParseFrames_RequestWinsOverResponseShape(t *testing.T) {
	// A message with method, id, and result classifies as a request:
	// responses must not carry a method.
	frames := ParseFrames([]byte(`{"id":4,"method":"x","result":{}}`), discardLogger())
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Kind != FrameRequest {
		t.Errorf("expected request, got %s", frames[0].Kind)
	}
}
