// Package sessions holds conversation state: an in-memory store keyed by
// session id and channel-session key, with an append-only JSONL transcript
// per session on disk. The in-memory path is authoritative; transcript
// failures are logged and never surface to callers.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moonbotlabs/moonbot/pkg/models"
)

// maxMessagesPerSession bounds per-session history so long-lived sessions
// cannot grow without limit. Older messages are trimmed; the transcript on
// disk keeps the full record.
const maxMessagesPerSession = 1000

// ErrNotFound is returned for unknown session ids or keys.
var ErrNotFound = errors.New("session not found")

// Store keeps sessions and their messages in memory and mirrors every
// appended message to the session's transcript file.
type Store struct {
	logger      *slog.Logger
	transcripts *transcripts

	mu       sync.RWMutex
	sessions map[string]*models.Session
	byKey    map[string]string
	messages map[string][]models.Message
}

// NewStore creates a store. dir is where transcripts are written; an empty
// dir disables them. A nil logger discards logs.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "sessions")
	return &Store{
		logger:      logger,
		transcripts: newTranscripts(dir, logger),
		sessions:    map[string]*models.Session{},
		byKey:       map[string]string{},
		messages:    map[string][]models.Message{},
	}
}

// GetOrCreate returns the session for a channel-session key, creating it on
// first use.
func (s *Store) GetOrCreate(ctx context.Context, key models.ChannelKey, agentID string) (*models.Session, error) {
	canonical := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[canonical]; ok {
		if session, ok := s.sessions[id]; ok {
			return cloneSession(session), nil
		}
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		UserID:    key.User,
		Key:       canonical,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[session.ID] = session
	s.byKey[canonical] = session.ID
	s.logger.Debug("session created", "session", session.ID, "key", canonical)
	return cloneSession(session), nil
}

// Get returns a session by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

// GetByKey returns the session bound to a channel-session key.
func (s *Store) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

// List returns every session, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// AppendMessage adds one message to a session's history and transcript. A
// zero timestamp is filled in. The transcript write is best-effort.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	clone := cloneMessage(msg)
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	s.messages[sessionID] = append(s.messages[sessionID], clone)
	if len(s.messages[sessionID]) > maxMessagesPerSession {
		excess := len(s.messages[sessionID]) - maxMessagesPerSession
		s.messages[sessionID] = s.messages[sessionID][excess:]
	}
	session.UpdatedAt = clone.Timestamp
	s.mu.Unlock()

	if err := s.transcripts.append(sessionID, clone); err != nil {
		s.logger.Warn("transcript write failed", "session", sessionID, "error", err)
	}
	return nil
}

// GetHistory returns up to limit trailing messages; limit <= 0 means all
// retained messages.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	messages := s.messages[sessionID]
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// Close flushes and closes every open transcript.
func (s *Store) Close() error {
	return s.transcripts.close()
}

func cloneSession(session *models.Session) *models.Session {
	clone := *session
	return &clone
}

func cloneMessage(msg models.Message) models.Message {
	clone := msg
	if msg.Metadata != nil {
		clone.Metadata = deepCloneMap(msg.Metadata)
	}
	return clone
}

// deepCloneMap copies metadata so callers and the store never share mutable
// state. Values come from JSON decoding, so maps, slices, and primitives
// cover the space.
func deepCloneMap(m map[string]any) map[string]any {
	clone := make(map[string]any, len(m))
	for k, v := range m {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCloneMap(val)
	case []any:
		cloned := make([]any, len(val))
		for i, item := range val {
			cloned[i] = deepCloneValue(item)
		}
		return cloned
	default:
		return v
	}
}
