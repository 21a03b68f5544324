package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moonbotlabs/moonbot/internal/events"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureRecorder) Record(_ context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) wait(t *testing.T, want int) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.events)
		out := make([]Event, n)
		copy(out, c.events)
		c.mu.Unlock()
		if n >= want {
			return out
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("never saw %d events", want)
	return nil
}

func TestBridgeTranslatesBusEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &captureRecorder{}
	bridge := NewBridge(bus, rec)
	defer bridge.Close()

	bus.Publish(events.TopicApprovalRequested, events.ApprovalRequested{
		InvocationID: "inv-1", ToolID: "system.run", SessionID: "sess-1",
		UserID: "alice", Reason: "tool requires approval",
	})
	bus.Publish(events.TopicApprovalResolved, events.ApprovalResolved{
		RequestID: "apr-1", InvocationID: "inv-1", Status: "approved", ResponderID: "bob",
	})
	bus.Publish(events.TopicApprovalResolved, events.ApprovalResolved{
		RequestID: "apr-2", InvocationID: "inv-2", Status: "expired",
	})
	bus.Publish(events.TopicInvocationDone, events.InvocationDone{
		InvocationID: "inv-1", ToolID: "system.run", SessionID: "sess-1",
		OK: false, Code: "EXECUTION_ERROR", DurationMs: 42,
	})
	bus.Publish(events.TopicTaskTransition, events.TaskTransition{
		TaskID: "task-1", Key: "cli:general:alice", From: "PENDING", To: "RUNNING",
	})

	got := rec.wait(t, 5)

	byType := map[string]Event{}
	for _, ev := range got {
		byType[ev.Type] = ev
	}

	req := byType[TypeApprovalRequested]
	if req.InvocationID != "inv-1" || req.SessionID != "sess-1" || req.UserID != "alice" {
		t.Errorf("approval requested = %+v", req)
	}
	if req.Detail["tool"] != "system.run" {
		t.Errorf("approval requested detail = %v", req.Detail)
	}

	res := byType[TypeApprovalResolved]
	if res.ApprovalID != "apr-1" || res.UserID != "bob" || res.Detail["status"] != "approved" {
		t.Errorf("approval resolved = %+v", res)
	}

	exp := byType[TypeApprovalExpired]
	if exp.ApprovalID != "apr-2" || exp.Detail["status"] != "expired" {
		t.Errorf("approval expired = %+v", exp)
	}

	fin := byType[TypeInvocationFinish]
	if fin.InvocationID != "inv-1" || fin.Detail["code"] != "EXECUTION_ERROR" || fin.Detail["ok"] != false {
		t.Errorf("invocation finish = %+v", fin)
	}

	tr := byType[TypeTaskTransition]
	if tr.TaskID != "task-1" || tr.Detail["to"] != "RUNNING" {
		t.Errorf("task transition = %+v", tr)
	}
}

func TestBridgeIgnoresUnknownPayloads(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	rec := &captureRecorder{}
	bridge := NewBridge(bus, rec)

	bus.Publish(events.TopicTaskTransition, "not a struct")
	bus.Publish(events.TopicTaskTransition, events.TaskTransition{TaskID: "task-1"})

	got := rec.wait(t, 1)
	if len(got) != 1 || got[0].TaskID != "task-1" {
		t.Fatalf("events = %+v", got)
	}
	bridge.Close()
}
