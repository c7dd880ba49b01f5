package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
	"github.com/google/uuid"
)

func TestStore_CreateAndGetSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	created, err := store.CreateSession(ctx, id, "summarize the report", "gpt-4o")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.Status != persistence.StatusBuildingTeam {
		t.Fatalf("new session status = %s, want BUILDING_TEAM", created.Status)
	}

	got, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Task != "summarize the report" || got.Model != "gpt-4o" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Status != persistence.StatusBuildingTeam {
		t.Fatalf("status = %s, want BUILDING_TEAM", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at not persisted")
	}
}

func TestStore_GetSessionNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetSession(context.Background(), uuid.NewString())
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_CreateSessionDuplicateID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	if _, err := store.CreateSession(ctx, id, "task", "model"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.CreateSession(ctx, id, "task", "model"); err == nil {
		t.Fatal("expected error for duplicate session id")
	}
}

func TestStore_ListSessionsMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
		if _, err := store.CreateSession(ctx, id, "task", "model"); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
		// created_at has nanosecond resolution; a tiny gap keeps ordering deterministic.
		time.Sleep(time.Millisecond)
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(sessions))
	}
	for i, sess := range sessions {
		if want := ids[len(ids)-1-i]; sess.ID != want {
			t.Fatalf("sessions[%d].ID = %s, want %s", i, sess.ID, want)
		}
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	if _, err := store.CreateSession(ctx, id, "task", "model"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.UpdateStatus(ctx, id, persistence.StatusExecutingTask); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != persistence.StatusExecutingTask {
		t.Fatalf("status = %s, want EXECUTING_TASK", got.Status)
	}
}

func TestStore_UpdateStatusUnknownSession(t *testing.T) {
	store := openTestStore(t)

	err := store.UpdateStatus(context.Background(), uuid.NewString(), persistence.StatusError)
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
