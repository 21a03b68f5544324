package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

func TestRunCapturesOutput(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	data := resultData(t, invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"sh", "-c", "echo out; echo err >&2"},
	}))
	if data["stdout"] != "out\n" {
		t.Errorf("stdout = %q", data["stdout"])
	}
	if data["stderr"] != "err\n" {
		t.Errorf("stderr = %q", data["stderr"])
	}
	if data["exitCode"] != 0 {
		t.Errorf("exitCode = %v", data["exitCode"])
	}
	if data["truncated"] != false {
		t.Errorf("truncated = %v", data["truncated"])
	}
}

func TestRunReportsNonZeroExit(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	data := resultData(t, invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"sh", "-c", "exit 3"},
	}))
	if data["exitCode"] != 3 {
		t.Errorf("exitCode = %v", data["exitCode"])
	}
}

func TestRunDoesNotInvokeShell(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	data := resultData(t, invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"echo", "$HOME"},
	}))
	if data["stdout"] != "$HOME\n" {
		t.Errorf("stdout = %q, argv must not be shell expanded", data["stdout"])
	}
}

func TestRunAppliesCwdAndEnv(t *testing.T) {
	reg, dir := newTestRegistry(t, nil)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	data := resultData(t, invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"sh", "-c", `echo "$GREETING"; pwd`},
		"cwd":  "sub",
		"env":  map[string]any{"GREETING": "hola"},
	}))
	stdout := data["stdout"].(string)
	if !strings.Contains(stdout, "hola") {
		t.Errorf("stdout missing env value: %q", stdout)
	}
	if !strings.Contains(stdout, "sub") {
		t.Errorf("stdout missing working directory: %q", stdout)
	}
}

func TestRunRefusesCwdEscape(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	result := invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"true"},
		"cwd":  "../..",
	})
	if result.OK || result.Error.Code != models.ErrInvalidInput {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunRequiresArgv(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	for _, input := range []map[string]any{{}, {"argv": []any{}}} {
		result := invoke(t, reg, "system.run", input)
		if result.OK || result.Error.Code != models.ErrInvalidInput {
			t.Errorf("input %v: result = %+v", input, result)
		}
	}
}

func TestRunTimesOut(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	result := invoke(t, reg, "system.run", map[string]any{
		"argv":      []any{"sleep", "5"},
		"timeoutMs": 50,
	})
	if result.OK || result.Error.Code != models.ErrExecutionError {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Error.Message, "timed out") {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestRunStartFailure(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	result := invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"/nonexistent/binary"},
	})
	if result.OK || result.Error.Code != models.ErrExecutionError {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Error.Message, "start command") {
		t.Errorf("message = %q", result.Error.Message)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	reg, _ := newTestRegistry(t, func(c *Config) { c.MaxOutputBytes = 16 })

	data := resultData(t, invoke(t, reg, "system.run", map[string]any{
		"argv": []any{"sh", "-c", "printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'"},
	}))
	if got := data["stdout"].(string); len(got) != 16 {
		t.Errorf("stdout length = %d, want 16", len(got))
	}
	if data["truncated"] != true {
		t.Error("expected truncated flag")
	}
}

func TestRunEnforcesPerUserLimit(t *testing.T) {
	reg, dir := newTestRegistry(t, func(c *Config) { c.MaxProcsPerUser = 1 })
	desc, ok := reg.Get("system.run")
	if !ok {
		t.Fatal("system.run not registered")
	}

	// Hold the single slot with a command that signals readiness and
	// blocks until told to finish.
	done := make(chan *models.ToolResult, 1)
	go func() {
		done <- desc.Handler.Handle(context.Background(), map[string]any{
			"argv": []any{"sh", "-c", "touch ready && while [ ! -f release ]; do sleep 0.01; done"},
		}, &tools.Call{UserID: "tester"})
	}()
	waitForFile(t, filepath.Join(dir, "ready"))

	second := invoke(t, reg, "system.run", map[string]any{"argv": []any{"echo", "hi"}})
	if second.OK || second.Error.Code != models.ErrConcurrencyLimit {
		t.Fatalf("second call = %+v", second)
	}

	// Limits are per user, not global.
	other := desc.Handler.Handle(context.Background(), map[string]any{
		"argv": []any{"echo", "hi"},
	}, &tools.Call{UserID: "someone-else"})
	if !other.OK {
		t.Fatalf("other user blocked: %+v", other.Error)
	}

	if err := os.WriteFile(filepath.Join(dir, "release"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case first := <-done:
		if !first.OK {
			t.Fatalf("first call = %+v", first.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked command never finished")
	}

	// Slot is released after completion.
	third := invoke(t, reg, "system.run", map[string]any{"argv": []any{"echo", "hi"}})
	if !third.OK {
		t.Fatalf("third call = %+v", third.Error)
	}
}

func TestUserSlots(t *testing.T) {
	slots := &userSlots{inUse: map[string]int{}, max: 2}

	if !slots.acquire("u1") || !slots.acquire("u1") {
		t.Fatal("first two acquires should succeed")
	}
	if slots.acquire("u1") {
		t.Error("third acquire should fail")
	}
	if !slots.acquire("u2") {
		t.Error("other users have their own budget")
	}
	slots.release("u1")
	if !slots.acquire("u1") {
		t.Error("release should free a slot")
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}
