// Package models defines the types shared across the gateway wire protocol,
// the task orchestrator, and the session store.
package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageType classifies an entry in a session transcript.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageThought   MessageType = "thought"
	MessageTool      MessageType = "tool"
	MessageResult    MessageType = "result"
	MessageError     MessageType = "error"
)

// Message is one entry in a session transcript. The JSON form is also the
// on-disk JSONL line format, one object per line.
type Message struct {
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is a conversation thread owned by one agent and one user.
// Messages are held by the session store, not on the struct.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"` // channel-session key this session was created for
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelKey identifies the serialization unit for chat requests:
// one surface, one logical room, one user.
type ChannelKey struct {
	Surface string `json:"surface"`
	Channel string `json:"channel"`
	User    string `json:"user"`
}

// String renders the key in its canonical "surface:channel:user" form.
func (k ChannelKey) String() string {
	return k.Surface + ":" + k.Channel + ":" + k.User
}

// ParseChannelKey parses a canonical "surface:channel:user" key.
// The user segment may itself contain colons.
func ParseChannelKey(s string) (ChannelKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ChannelKey{}, fmt.Errorf("invalid channel-session key %q", s)
	}
	return ChannelKey{Surface: parts[0], Channel: parts[1], User: parts[2]}, nil
}
