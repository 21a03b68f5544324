package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChannelKeyRoundTrip(t *testing.T) {
	key := ChannelKey{Surface: "cli", Channel: "room-1", User: "alice"}
	parsed, err := ParseChannelKey(key.String())
	if err != nil {
		t.Fatalf("ParseChannelKey: %v", err)
	}
	if parsed != key {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, key)
	}
}

func TestParseChannelKeyUserWithColons(t *testing.T) {
	parsed, err := ParseChannelKey("telegram:chat42:user:with:colons")
	if err != nil {
		t.Fatalf("ParseChannelKey: %v", err)
	}
	if parsed.User != "user:with:colons" {
		t.Errorf("user = %q, want %q", parsed.User, "user:with:colons")
	}
}

func TestParseChannelKeyInvalid(t *testing.T) {
	for _, input := range []string{"", "cli", "cli:room", "cli::user", ":room:user"} {
		if _, err := ParseChannelKey(input); err == nil {
			t.Errorf("ParseChannelKey(%q) expected error", input)
		}
	}
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskDone, TaskFailed, TaskAborted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskPending, TaskRunning, TaskPaused} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestToolResultWireShape(t *testing.T) {
	res := FailResult(ErrExecutionError, "handler timed out after 30000ms", 30001)
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["ok"] != false {
		t.Errorf("ok = %v, want false", decoded["ok"])
	}
	if _, present := decoded["data"]; present {
		t.Error("data should be omitted on failure")
	}
	errObj, ok := decoded["error"].(map[string]any)
	if !ok {
		t.Fatal("error object missing")
	}
	if errObj["code"] != ErrExecutionError {
		t.Errorf("error.code = %v, want %s", errObj["code"], ErrExecutionError)
	}
	meta, ok := decoded["meta"].(map[string]any)
	if !ok {
		t.Fatal("meta missing")
	}
	if meta["durationMs"] != float64(30001) {
		t.Errorf("meta.durationMs = %v, want 30001", meta["durationMs"])
	}
}

func TestToolResultErrorCode(t *testing.T) {
	if code := OKResult("x", 1).ErrorCode(); code != "" {
		t.Errorf("ErrorCode on success = %q, want empty", code)
	}
	if code := FailResult(ErrToolNotFound, "no such tool", 0).ErrorCode(); code != ErrToolNotFound {
		t.Errorf("ErrorCode = %q, want %s", code, ErrToolNotFound)
	}
	var nilRes *ToolResult
	if code := nilRes.ErrorCode(); code != "" {
		t.Errorf("ErrorCode on nil = %q, want empty", code)
	}
}

func TestMessageJSONLShape(t *testing.T) {
	msg := Message{
		Type:      MessageResult,
		Content:   "hi\n",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"type", "content", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("field %q missing from JSONL line", field)
		}
	}
	if _, ok := decoded["metadata"]; ok {
		t.Error("empty metadata should be omitted")
	}
}
