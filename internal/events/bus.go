// Package events provides the in-process pub/sub bus connecting the tool
// runtime, the approval flow, and the gateway facade. Publishing never
// blocks; a subscriber that falls behind loses events rather than stalling
// the publisher.
package events

import (
	"sync"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	TopicApprovalRequested Topic = "approval.requested"
	TopicApprovalResolved  Topic = "approval.resolved"
	TopicInvocationDone    Topic = "invocation.done"
	TopicTaskTransition    Topic = "task.transition"
)

// Event is one published occurrence. Payload holds one of the typed payload
// structs below, selected by Topic.
type Event struct {
	Topic   Topic
	Time    time.Time
	Payload any
}

// ApprovalRequested is published by the runtime when an invocation suspends
// awaiting approval.
type ApprovalRequested struct {
	InvocationID string
	ToolID       string
	SessionID    string
	UserID       string
	Input        map[string]any
	Reason       string
}

// ApprovalResolved is published by the approval flow when a request reaches
// a terminal state.
type ApprovalResolved struct {
	RequestID    string
	InvocationID string
	Status       string // approved, rejected, expired
	ResponderID  string
}

// InvocationDone is published by the runtime when an invocation completes
// or fails.
type InvocationDone struct {
	InvocationID string
	ToolID       string
	SessionID    string
	OK           bool
	Code         string
	DurationMs   int64
}

// TaskTransition is published by the orchestrator on every task state change.
type TaskTransition struct {
	TaskID string
	Key    string
	From   string
	To     string
}

// Bus fans out events to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[<-chan Event]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[<-chan Event]chan Event)}
}

// Subscribe registers a listener for the given topics and returns the
// receive channel plus a cancel function that closes it. The channel is
// buffered; Publish drops events for a full subscriber.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	for _, topic := range topics {
		set, ok := b.subs[topic]
		if !ok {
			set = make(map[<-chan Event]chan Event)
			b.subs[topic] = set
		}
		set[ch] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, topic := range topics {
				delete(b.subs[topic], ch)
			}
			if !b.closed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish sends the payload to every subscriber of the topic without
// blocking.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := Event{Topic: topic, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for _, set := range b.subs {
		for _, ch := range set {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	b.subs = make(map[Topic]map[<-chan Event]chan Event)
}
