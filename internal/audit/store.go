// Package audit keeps an append-only trail of security-relevant gateway
// activity in SQLite. Writes are buffered and asynchronous so a slow or
// broken disk never stalls the component doing the acting.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Event type names. Components record these; the CLI filters on them.
const (
	TypeInvocationStart   = "invocation.start"
	TypeInvocationFinish  = "invocation.finish"
	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"
	TypeApprovalExpired   = "approval.expired"
	TypeTaskTransition    = "task.transition"
	TypeAuthDenied        = "auth.denied"
	TypePairingIssued     = "pairing.issued"
	TypePairingApproved   = "pairing.approved"
	TypePairingReplay     = "pairing.replay"
)

// Event is one audit record. Zero-valued correlation ids are stored as
// empty strings so filters can still match on the populated ones.
type Event struct {
	ID           int64          `json:"id"`
	Time         time.Time      `json:"time"`
	Type         string         `json:"type"`
	SessionID    string         `json:"sessionId,omitempty"`
	TaskID       string         `json:"taskId,omitempty"`
	InvocationID string         `json:"invocationId,omitempty"`
	ApprovalID   string         `json:"approvalId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Recorder accepts audit events. Implementations must not block the
// caller and must not surface storage failures to it.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type      string
	SessionID string
	TaskID    string
	UserID    string
	Since     time.Time
	Limit     int
}

const (
	defaultBufferSize = 256
	defaultListLimit  = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	time TEXT NOT NULL,
	type TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	invocation_id TEXT NOT NULL DEFAULT '',
	approval_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
`

// Store persists events to SQLite through a buffered write loop.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	buffer chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	now func() time.Time

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// Open creates or opens the audit database at path. The parent directory
// is created if needed. ":memory:" is honored for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("audit store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// A single writer goroutine avoids SQLITE_BUSY churn entirely.
	db.SetMaxOpenConns(1)
	store, err := NewStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle, creating the schema and
// starting the write loop. The store takes ownership of db.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "audit"),
		buffer: make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Record queues an event for persistence. It never blocks: when the
// buffer is full the event is dropped and counted.
func (s *Store) Record(_ context.Context, ev Event) {
	if s == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.buffer <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		s.logger.Warn("audit buffer full, event dropped", "type", ev.Type, "dropped_total", dropped)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (s *Store) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// List returns events matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	query := "SELECT id, time, type, session_id, task_id, invocation_id, approval_id, user_id, detail FROM events"
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			ts     string
			detail string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Type, &ev.SessionID, &ev.TaskID, &ev.InvocationID, &ev.ApprovalID, &ev.UserID, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Time = t
		}
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				s.logger.Warn("corrupt audit detail", "id", ev.ID, "error", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Vacuum deletes events older than retention and compacts the file.
// It returns how many rows were removed.
func (s *Store) Vacuum(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE time < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			// Compaction is best effort; the prune already landed.
			s.logger.Warn("audit vacuum failed", "error", err)
		}
	}
	return removed, nil
}

// Close drains buffered events and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.buffer:
			s.insert(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.buffer:
					s.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) insert(ev Event) {
	detail := "{}"
	if len(ev.Detail) > 0 {
		data, err := json.Marshal(ev.Detail)
		if err != nil {
			s.logger.Warn("unencodable audit detail", "type", ev.Type, "error", err)
		} else {
			detail = string(data)
		}
	}
	_, err := s.db.Exec(
		"INSERT INTO events (time, type, session_id, task_id, invocation_id, approval_id, user_id, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		ev.Time.UTC().Format(time.RFC3339Nano), ev.Type, ev.SessionID, ev.TaskID, ev.InvocationID, ev.ApprovalID, ev.UserID, detail,
	)
	if err != nil {
		s.logger.Error("audit insert failed", "type", ev.Type, "error", err)
	}
}
