package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/policy"
	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"],
	"additionalProperties": false
}`

func echoDescriptor() tools.Descriptor {
	return tools.Descriptor{
		ID:          "echo",
		Description: "returns its input",
		InputSchema: echoSchema,
		Handler: tools.HandlerFunc(func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
			return models.OKResult(map[string]any{"text": input["text"]}, 1)
		}),
	}
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
		opts.Registry.Register(echoDescriptor())
	}
	return New(opts)
}

func TestInvokeSuccess(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	done, cancel := bus.Subscribe(events.TopicInvocationDone)
	defer cancel()

	rt := newTestRuntime(t, Options{Bus: bus})
	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID:    "echo",
		SessionID: "s1",
		Input:     map[string]any{"text": "hi"},
	})

	if out.InvocationID == "" {
		t.Fatal("expected an invocation id")
	}
	if out.AwaitingApproval {
		t.Fatal("unexpected suspension")
	}
	if out.Result == nil || !out.Result.OK {
		t.Fatalf("expected success, got %+v", out.Result)
	}

	inv, ok := rt.Get(out.InvocationID)
	if !ok {
		t.Fatal("record not found")
	}
	if inv.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", inv.Status, StatusCompleted)
	}
	if inv.EndTime.IsZero() {
		t.Fatal("end time not set")
	}

	select {
	case evt := <-done:
		payload, ok := evt.Payload.(events.InvocationDone)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if payload.InvocationID != out.InvocationID || !payload.OK {
			t.Fatalf("unexpected event payload %+v", payload)
		}
		if payload.SessionID != "s1" {
			t.Fatalf("event session = %q", payload.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no invocation.done event")
	}
}

func TestInvokeToolNotFound(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	out := rt.Invoke(context.Background(), InvokeRequest{ToolID: "nope"})

	if out.InvocationID != "" {
		t.Fatal("no record should exist for unknown tools")
	}
	if got := out.Result.ErrorCode(); got != models.ErrToolNotFound {
		t.Fatalf("code = %q, want %q", got, models.ErrToolNotFound)
	}
	if rt.Stats().Total != 0 {
		t.Fatal("unknown tool must not create a record")
	}
}

func TestInvokeInvalidInput(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": 42},
	})

	if got := out.Result.ErrorCode(); got != models.ErrInvalidInput {
		t.Fatalf("code = %q, want %q", got, models.ErrInvalidInput)
	}
	if out.Result.Error.Details == nil {
		t.Fatal("expected field errors in details")
	}
	if rt.Stats().Total != 0 {
		t.Fatal("invalid input must not create a record")
	}

	// The slot taken during validation must have been returned.
	ok := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": "hi"},
	})
	if ok.Result == nil || !ok.Result.OK {
		t.Fatalf("follow-up invoke failed: %+v", ok.Result)
	}
}

func TestInvokeBrokenSchema(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		ID:          "broken",
		InputSchema: "{not json",
		Handler: tools.HandlerFunc(func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
			return models.OKResult(nil, 0)
		}),
	})
	rt := New(Options{Registry: reg})

	out := rt.Invoke(context.Background(), InvokeRequest{ToolID: "broken"})
	if got := out.Result.ErrorCode(); got != models.ErrExecutionError {
		t.Fatalf("code = %q, want %q", got, models.ErrExecutionError)
	}
	if !strings.Contains(out.Result.Error.Message, "schema") {
		t.Fatalf("message = %q", out.Result.Error.Message)
	}
	if rt.Stats().Total != 0 {
		t.Fatal("broken schema must not create a record")
	}
}

func TestInvokeConcurrencyLimit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		ID:          "slow",
		InputSchema: `{"type": "object"}`,
		Handler: tools.HandlerFunc(func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
			close(started)
			<-release
			return models.OKResult(nil, 1)
		}),
	})
	rt := New(Options{Registry: reg, MaxConcurrent: 1})

	first := make(chan Outcome, 1)
	go func() {
		first <- rt.Invoke(context.Background(), InvokeRequest{ToolID: "slow", Input: map[string]any{}})
	}()
	<-started

	second := rt.Invoke(context.Background(), InvokeRequest{ToolID: "slow", Input: map[string]any{}})
	if got := second.Result.ErrorCode(); got != models.ErrConcurrencyLimit {
		t.Fatalf("code = %q, want %q", got, models.ErrConcurrencyLimit)
	}
	if second.InvocationID != "" {
		t.Fatal("rejected invocation must not create a record")
	}

	close(release)
	out := <-first
	if out.Result == nil || !out.Result.OK {
		t.Fatalf("first invocation failed: %+v", out.Result)
	}
}

func TestInvokeTimeout(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		ID:          "hang",
		InputSchema: `{"type": "object"}`,
		Timeout:     30 * time.Millisecond,
		Handler: tools.HandlerFunc(func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
			<-ctx.Done()
			return models.OKResult(nil, 1)
		}),
	})
	rt := New(Options{Registry: reg, MaxConcurrent: 1})

	out := rt.Invoke(context.Background(), InvokeRequest{ToolID: "hang", Input: map[string]any{}})
	if got := out.Result.ErrorCode(); got != models.ErrExecutionError {
		t.Fatalf("code = %q, want %q", got, models.ErrExecutionError)
	}
	if !strings.Contains(out.Result.Error.Message, "timed out after") {
		t.Fatalf("message = %q", out.Result.Error.Message)
	}

	inv, ok := rt.Get(out.InvocationID)
	if !ok || inv.Status != StatusFailed {
		t.Fatalf("record status = %q, want %q", inv.Status, StatusFailed)
	}

	// The slot must be free again even though the handler ran out the clock.
	reg.Register(echoDescriptor())
	again := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": "hi"},
	})
	if again.Result == nil || !again.Result.OK {
		t.Fatalf("slot not released after timeout: %+v", again.Result)
	}
}

func TestInvokePanicRecovered(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Descriptor{
		ID:          "boom",
		InputSchema: `{"type": "object"}`,
		Handler: tools.HandlerFunc(func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
			panic("kaboom")
		}),
	})
	rt := New(Options{Registry: reg})

	out := rt.Invoke(context.Background(), InvokeRequest{ToolID: "boom", Input: map[string]any{}})
	if got := out.Result.ErrorCode(); got != models.ErrExecutionError {
		t.Fatalf("code = %q, want %q", got, models.ErrExecutionError)
	}
	if !strings.Contains(out.Result.Error.Message, "panicked") {
		t.Fatalf("message = %q", out.Result.Error.Message)
	}
	inv, _ := rt.Get(out.InvocationID)
	if inv.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", inv.Status, StatusFailed)
	}
}

func flaggedDescriptor() tools.Descriptor {
	d := echoDescriptor()
	d.ID = "guarded"
	d.RequiresApproval = true
	return d
}

func TestApprovalSuspendAndApprove(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	requested, cancel := bus.Subscribe(events.TopicApprovalRequested)
	defer cancel()

	reg := tools.NewRegistry()
	reg.Register(flaggedDescriptor())
	rt := New(Options{Registry: reg, Bus: bus, ApprovalsEnabled: true})

	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID:    "guarded",
		SessionID: "s1",
		UserID:    "u1",
		Input:     map[string]any{"text": "hi"},
	})
	if !out.AwaitingApproval {
		t.Fatalf("expected suspension, got %+v", out)
	}
	if out.Result != nil {
		t.Fatal("suspended invocation must not carry a result")
	}

	inv, ok := rt.Get(out.InvocationID)
	if !ok || inv.Status != StatusAwaitingApproval {
		t.Fatalf("status = %q, want %q", inv.Status, StatusAwaitingApproval)
	}
	if !inv.EndTime.IsZero() {
		t.Fatal("suspended invocation must not have an end time")
	}

	select {
	case evt := <-requested:
		payload := evt.Payload.(events.ApprovalRequested)
		if payload.InvocationID != out.InvocationID || payload.ToolID != "guarded" {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if payload.UserID != "u1" || payload.Input["text"] != "hi" {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no approval.requested event")
	}

	resolved := rt.ApproveRequest(context.Background(), out.InvocationID, true)
	if resolved.Result == nil || !resolved.Result.OK {
		t.Fatalf("approved run failed: %+v", resolved.Result)
	}
	inv, _ = rt.Get(out.InvocationID)
	if inv.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", inv.Status, StatusCompleted)
	}
}

func TestApprovalDenied(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(flaggedDescriptor())
	rt := New(Options{Registry: reg, ApprovalsEnabled: true})

	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "guarded",
		Input:  map[string]any{"text": "hi"},
	})
	if !out.AwaitingApproval {
		t.Fatalf("expected suspension, got %+v", out)
	}

	denied := rt.ApproveRequest(context.Background(), out.InvocationID, false)
	if got := denied.Result.ErrorCode(); got != models.ErrApprovalDenied {
		t.Fatalf("code = %q, want %q", got, models.ErrApprovalDenied)
	}
	if denied.Result.Error.Message != "Tool execution was denied" {
		t.Fatalf("message = %q", denied.Result.Error.Message)
	}
	inv, _ := rt.Get(out.InvocationID)
	if inv.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", inv.Status, StatusFailed)
	}

	// A resolved invocation cannot be resolved again.
	again := rt.ApproveRequest(context.Background(), out.InvocationID, true)
	if got := again.Result.ErrorCode(); got != models.ErrInvalidState {
		t.Fatalf("code = %q, want %q", got, models.ErrInvalidState)
	}
}

func TestApproveUnknownInvocation(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	out := rt.ApproveRequest(context.Background(), "missing", true)
	if got := out.Result.ErrorCode(); got != models.ErrInvocationNotFound {
		t.Fatalf("code = %q, want %q", got, models.ErrInvocationNotFound)
	}
}

func TestApproveCompletedInvocation(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": "hi"},
	})

	resolved := rt.ApproveRequest(context.Background(), out.InvocationID, true)
	if got := resolved.Result.ErrorCode(); got != models.ErrInvalidState {
		t.Fatalf("code = %q, want %q", got, models.ErrInvalidState)
	}
	if !strings.Contains(resolved.Result.Error.Message, StatusCompleted) {
		t.Fatalf("message = %q", resolved.Result.Error.Message)
	}
}

func TestApprovalsDisabledRunsFlaggedTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(flaggedDescriptor())
	rt := New(Options{Registry: reg, ApprovalsEnabled: false})

	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "guarded",
		Input:  map[string]any{"text": "hi"},
	})
	if out.AwaitingApproval {
		t.Fatal("approvals disabled must bypass suspension")
	}
	if out.Result == nil || !out.Result.OK {
		t.Fatalf("expected success, got %+v", out.Result)
	}
}

func writePolicy(t *testing.T, doc policy.Document) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runDescriptor() tools.Descriptor {
	return tools.Descriptor{
		ID: "run",
		InputSchema: `{
			"type": "object",
			"properties": {
				"argv": {"type": "array", "items": {"type": "string"}, "minItems": 1}
			},
			"required": ["argv"],
			"additionalProperties": false
		}`,
		RequiresApproval: true,
		PolicyArgs: func(input map[string]any) ([]string, string) {
			raw, _ := input["argv"].([]any)
			argv := make([]string, 0, len(raw))
			for _, v := range raw {
				s, _ := v.(string)
				argv = append(argv, s)
			}
			return argv, ""
		},
		Handler: tools.HandlerFunc(func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
			return models.OKResult(map[string]any{"ran": true}, 1)
		}),
	}
}

func TestPolicyAutoApprove(t *testing.T) {
	root := t.TempDir()
	path := writePolicy(t, policy.Document{
		Allowlist: policy.Allowlist{Commands: []string{"git"}},
		Denylist:  policy.Denylist{Patterns: []string{`rm\s+-rf\s+/`}},
	})
	engine, err := policy.NewEngine(path, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()

	reg := tools.NewRegistry()
	reg.Register(runDescriptor())
	bus := events.NewBus()
	defer bus.Close()
	requested, cancel := bus.Subscribe(events.TopicApprovalRequested)
	defer cancel()
	rt := New(Options{Registry: reg, Policy: engine, Bus: bus, ApprovalsEnabled: true, WorkspaceRoot: root})

	// An allowlisted command runs without a human in the loop.
	out := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "run",
		Input:  map[string]any{"argv": []any{"git", "status"}},
	})
	if out.AwaitingApproval {
		t.Fatal("allowlisted command should auto-approve")
	}
	if out.Result == nil || !out.Result.OK {
		t.Fatalf("expected success, got %+v", out.Result)
	}

	// A denylisted command suspends with the policy's reason.
	out = rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "run",
		Input:  map[string]any{"argv": []any{"rm", "-rf", "/"}},
	})
	if !out.AwaitingApproval {
		t.Fatalf("denylisted command should suspend, got %+v", out)
	}
	select {
	case evt := <-requested:
		payload := evt.Payload.(events.ApprovalRequested)
		if !strings.Contains(payload.Reason, "denied pattern") {
			t.Fatalf("reason = %q", payload.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no approval.requested event")
	}
}

func TestSweepRetainsSuspended(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoDescriptor())
	reg.Register(flaggedDescriptor())
	rt := New(Options{Registry: reg, ApprovalsEnabled: true, TTL: time.Hour})

	base := time.Now()
	rt.now = func() time.Time { return base }

	finished := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": "hi"},
	})
	suspended := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "guarded",
		Input:  map[string]any{"text": "hi"},
	})
	if !suspended.AwaitingApproval {
		t.Fatal("expected suspension")
	}

	// Within the TTL nothing is swept.
	rt.now = func() time.Time { return base.Add(30 * time.Minute) }
	if removed := rt.Sweep(); removed != 0 {
		t.Fatalf("removed %d records before the TTL", removed)
	}

	rt.now = func() time.Time { return base.Add(2 * time.Hour) }
	if removed := rt.Sweep(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := rt.Get(finished.InvocationID); ok {
		t.Fatal("finished record should have been swept")
	}
	if _, ok := rt.Get(suspended.InvocationID); !ok {
		t.Fatal("suspended record must survive the sweep")
	}
}

func TestStats(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoDescriptor())
	reg.Register(flaggedDescriptor())
	rt := New(Options{Registry: reg, ApprovalsEnabled: true})

	rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": "a"},
	})
	rt.Invoke(context.Background(), InvokeRequest{
		ToolID:     "echo",
		Input:      map[string]any{"text": "b"},
		RetryCount: 3,
	})
	rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "guarded",
		Input:  map[string]any{"text": "c"},
	})

	s := rt.Stats()
	if s.Total != 3 {
		t.Fatalf("total = %d, want 3", s.Total)
	}
	if s.ByStatus[StatusCompleted] != 2 {
		t.Fatalf("completed = %d, want 2", s.ByStatus[StatusCompleted])
	}
	if s.ByStatus[StatusAwaitingApproval] != 1 {
		t.Fatalf("awaiting = %d, want 1", s.ByStatus[StatusAwaitingApproval])
	}
	if got := s.AvgRetries; got != 1 {
		t.Fatalf("avgRetries = %v, want 1", got)
	}
}

func TestRetryChainRecorded(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	first := rt.Invoke(context.Background(), InvokeRequest{
		ToolID: "echo",
		Input:  map[string]any{"text": "a"},
	})
	retry := rt.Invoke(context.Background(), InvokeRequest{
		ToolID:             "echo",
		Input:              map[string]any{"text": "a"},
		RetryCount:         1,
		ParentInvocationID: first.InvocationID,
	})

	inv, ok := rt.Get(retry.InvocationID)
	if !ok {
		t.Fatal("record not found")
	}
	if inv.RetryCount != 1 || inv.ParentInvocationID != first.InvocationID {
		t.Fatalf("retry chain not recorded: %+v", inv)
	}
}
