package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitForRows(t *testing.T, store *Store, want int) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := store.List(context.Background(), Filter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) >= want {
			return events
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("never saw %d events", want)
	return nil
}

func TestRecordAndList(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	store.Record(ctx, Event{
		Time: base, Type: TypeInvocationFinish,
		SessionID: "sess-1", InvocationID: "inv-1",
		Detail: map[string]any{"tool": "fs.read"},
	})
	store.Record(ctx, Event{
		Time: base.Add(time.Second), Type: TypeApprovalRequested,
		SessionID: "sess-1", InvocationID: "inv-2", UserID: "alice",
	})
	store.Record(ctx, Event{
		Time: base.Add(2 * time.Second), Type: TypeTaskTransition,
		TaskID: "task-1",
	})

	all := waitForRows(t, store, 3)
	if len(all) != 3 {
		t.Fatalf("events = %d", len(all))
	}
	// Newest first.
	if all[0].Type != TypeTaskTransition || all[2].Type != TypeInvocationFinish {
		t.Errorf("order = %s, %s, %s", all[0].Type, all[1].Type, all[2].Type)
	}
	if all[2].Detail["tool"] != "fs.read" {
		t.Errorf("detail = %v", all[2].Detail)
	}

	byType, err := store.List(ctx, Filter{Type: TypeApprovalRequested})
	if err != nil || len(byType) != 1 || byType[0].InvocationID != "inv-2" {
		t.Errorf("type filter = %v, err %v", byType, err)
	}
	bySession, err := store.List(ctx, Filter{SessionID: "sess-1"})
	if err != nil || len(bySession) != 2 {
		t.Errorf("session filter = %d events, err %v", len(bySession), err)
	}
	byUser, err := store.List(ctx, Filter{UserID: "alice"})
	if err != nil || len(byUser) != 1 {
		t.Errorf("user filter = %d events, err %v", len(byUser), err)
	}
	since, err := store.List(ctx, Filter{Since: base.Add(time.Second)})
	if err != nil || len(since) != 2 {
		t.Errorf("since filter = %d events, err %v", len(since), err)
	}
	limited, err := store.List(ctx, Filter{Limit: 1})
	if err != nil || len(limited) != 1 || limited[0].Type != TypeTaskTransition {
		t.Errorf("limit filter = %v, err %v", limited, err)
	}
}

func TestVacuumPrunesOldEvents(t *testing.T) {
	store := newMemStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	store.Record(ctx, Event{Time: now.Add(-2 * time.Hour), Type: TypeInvocationFinish})
	store.Record(ctx, Event{Time: now, Type: TypeInvocationFinish})
	waitForRows(t, store, 2)

	removed, err := store.Vacuum(ctx, time.Hour)
	if err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	left, err := store.List(ctx, Filter{})
	if err != nil || len(left) != 1 {
		t.Errorf("remaining = %d, err %v", len(left), err)
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	// No write loop and no buffer space: every Record must fall through
	// to the drop path instead of blocking.
	s := &Store{
		logger: slog.New(slog.DiscardHandler),
		buffer: make(chan Event),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	for i := 0; i < 10; i++ {
		s.Record(context.Background(), Event{Type: TypeAuthDenied})
	}
	if s.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", s.Dropped())
	}
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	store := newMemStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store.Record(context.Background(), Event{Type: TypeAuthDenied})
	if store.Dropped() != 0 {
		t.Errorf("dropped = %d", store.Dropped())
	}
}

func TestNewStoreSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").
		WillReturnError(errors.New("database is locked"))

	if _, err := NewStore(db, nil); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestInsertFailureIsLoggedNotFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	mock.ExpectExec("INSERT INTO events").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectClose()

	store.Record(context.Background(), Event{Type: TypeInvocationFinish})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	mock.ExpectQuery("SELECT id, time, type").
		WillReturnError(errors.New("malformed database"))
	mock.ExpectClose()

	if _, err := store.List(context.Background(), Filter{}); err == nil || !strings.Contains(err.Error(), "query audit events") {
		t.Fatalf("list error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
