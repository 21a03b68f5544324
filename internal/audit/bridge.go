package audit

import (
	"context"

	"github.com/moonbotlabs/moonbot/internal/events"
)

// Bridge copies bus traffic into the audit trail so the runtime, approval
// flow, and orchestrator never talk to the store directly.
type Bridge struct {
	recorder Recorder
	cancel   func()
	done     chan struct{}
}

// NewBridge subscribes to the auditable topics and starts recording.
func NewBridge(bus *events.Bus, recorder Recorder) *Bridge {
	ch, cancel := bus.Subscribe(
		events.TopicApprovalRequested,
		events.TopicApprovalResolved,
		events.TopicInvocationDone,
		events.TopicTaskTransition,
	)
	b := &Bridge{recorder: recorder, cancel: cancel, done: make(chan struct{})}
	go b.pump(ch)
	return b
}

// Close unsubscribes and waits for the pump to drain.
func (b *Bridge) Close() {
	b.cancel()
	<-b.done
}

func (b *Bridge) pump(ch <-chan events.Event) {
	defer close(b.done)
	ctx := context.Background()
	for evt := range ch {
		if ev, ok := translate(evt); ok {
			b.recorder.Record(ctx, ev)
		}
	}
}

// translate maps a bus event onto an audit record.
func translate(evt events.Event) (Event, bool) {
	switch p := evt.Payload.(type) {
	case events.ApprovalRequested:
		return Event{
			Time:         evt.Time,
			Type:         TypeApprovalRequested,
			SessionID:    p.SessionID,
			InvocationID: p.InvocationID,
			UserID:       p.UserID,
			Detail:       map[string]any{"tool": p.ToolID, "reason": p.Reason},
		}, true
	case events.ApprovalResolved:
		typ := TypeApprovalResolved
		if p.Status == "expired" {
			typ = TypeApprovalExpired
		}
		return Event{
			Time:         evt.Time,
			Type:         typ,
			InvocationID: p.InvocationID,
			ApprovalID:   p.RequestID,
			UserID:       p.ResponderID,
			Detail:       map[string]any{"status": p.Status},
		}, true
	case events.InvocationDone:
		detail := map[string]any{"tool": p.ToolID, "ok": p.OK, "durationMs": p.DurationMs}
		if p.Code != "" {
			detail["code"] = p.Code
		}
		return Event{
			Time:         evt.Time,
			Type:         TypeInvocationFinish,
			SessionID:    p.SessionID,
			InvocationID: p.InvocationID,
			Detail:       detail,
		}, true
	case events.TaskTransition:
		return Event{
			Time:   evt.Time,
			Type:   TypeTaskTransition,
			TaskID: p.TaskID,
			Detail: map[string]any{"key": p.Key, "from": p.From, "to": p.To},
		}, true
	}
	return Event{}, false
}
