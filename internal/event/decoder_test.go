package event_test

import (
	"testing"

	"rally/internal/event"
)

func decodeTranslate(t *testing.T, tabID, line string) (event.Event, bool) {
	t.Helper()
	evs, ok := decodeTranslateAll(t, tabID, line)
	if !ok {
		return event.Event{}, false
	}
	if len(evs) != 1 {
		t.Fatalf("expected exactly one event, got %d: %+v", len(evs), evs)
	}
	return evs[0], true
}

func decodeTranslateAll(t *testing.T, tabID, line string) ([]event.Event, bool) {
	t.Helper()
	raw, err := event.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return event.Translate(tabID, raw)
}

func TestDecode_MalformedLineReturnsError(t *testing.T) {
	if _, err := event.Decode([]byte("{not json")); err == nil {
		t.Fatal("expected decode error for malformed JSON")
	}
}

func TestTranslate_SystemInit(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"system","subtype":"init","session_id":"s-1"}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindSessionStarted || ev.SessionID != "s-1" || ev.TabID != "tab-a" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_AssistantText(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindStreamText || ev.Text != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_ToolUseReserved(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"spawn_siblings","input":{"count":3,"task_hint":"go fast"}}]}}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindSpawnInstances {
		t.Fatalf("expected spawn instances kind, got %v", ev.Kind)
	}
	if ev.Control == nil || ev.Control.Count != 3 || ev.Control.TaskHint != "go fast" {
		t.Fatalf("unexpected control payload: %+v", ev.Control)
	}
}

func TestTranslate_AssistantMultiBlockEmitsEventPerBlock(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"let me check that"},` +
		`{"type":"tool_use","name":"Write"},` +
		`{"type":"tool_use","name":"spawn_siblings","input":{"count":2}}` +
		`]}}`
	evs, ok := decodeTranslateAll(t, "tab-a", line)
	if !ok {
		t.Fatal("expected translated events")
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(evs), evs)
	}
	if evs[0].Kind != event.KindStreamText || evs[0].Text != "let me check that" {
		t.Fatalf("unexpected first event: %+v", evs[0])
	}
	if evs[1].Kind != event.KindToolUse || evs[1].ToolName != "Write" {
		t.Fatalf("unexpected second event: %+v", evs[1])
	}
	if evs[2].Kind != event.KindSpawnInstances || evs[2].Control == nil || evs[2].Control.Count != 2 {
		t.Fatalf("unexpected third event: %+v", evs[2])
	}
}

func TestTranslate_ToolUseOrdinary(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write"}]}}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindToolUse || ev.ToolName != "Write" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_PermissionDenied(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"text","text":"Claude requested permissions to use Write, but you haven't granted it yet."}]}}`
	ev, ok := decodeTranslate(t, "tab-a", line)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindToolPermissionDenied || ev.ToolName != "Write" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_UserWithoutDenialIgnored(t *testing.T) {
	line := `{"type":"user","message":{"content":[{"type":"text","text":"just a normal echo"}]}}`
	_, ok := decodeTranslate(t, "tab-a", line)
	if ok {
		t.Fatal("expected no translated event")
	}
}

func TestTranslate_ResultSuccess(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"result","subtype":"success","is_error":false,"session_id":"s-1"}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindStreamEnd {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_ResultError(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"result","is_error":true,"result":"boom"}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindError || ev.Text != "boom" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_TopLevelError(t *testing.T) {
	ev, ok := decodeTranslate(t, "tab-a", `{"type":"error","error":{"message":"fatal"}}`)
	if !ok {
		t.Fatal("expected translated event")
	}
	if ev.Kind != event.KindError || ev.Text != "fatal" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslate_UnknownTypeIgnored(t *testing.T) {
	_, ok := decodeTranslate(t, "tab-a", `{"type":"future_thing","whatever":1}`)
	if ok {
		t.Fatal("expected unknown type to be ignored")
	}
}

func TestClassifyStderrLine(t *testing.T) {
	if !event.ClassifyStderrLine("Error: something broke") {
		t.Fatal("expected error line to classify as error")
	}
	if event.ClassifyStderrLine("just some debug chatter") {
		t.Fatal("expected non-error line to not classify as error")
	}
}
