package janitor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/janitor"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/google/uuid"
)

type stubChecker map[string]bool

func (s stubChecker) IsActive(id string) bool { return s[id] }

func newJanitor(t *testing.T, checker janitor.ActivityChecker, grace time.Duration) (*janitor.Janitor, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskrelay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	j, err := janitor.New(janitor.Config{
		Store:    store,
		Bus:      b,
		Runner:   checker,
		Schedule: "*/5 * * * *",
		Grace:    grace,
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	return j, store, b
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := janitor.New(janitor.Config{Schedule: "not a cron expr"})
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweepReapsOrphanedSession(t *testing.T) {
	checker := stubChecker{}
	j, store, b := newJanitor(t, checker, time.Nanosecond)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, uuid.NewString(), "task", "model")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sub := b.Subscribe(bus.SessionOutTopic(sess.ID))
	defer b.Unsubscribe(sub)

	time.Sleep(time.Millisecond) // past the grace period
	j.Sweep(ctx)

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != persistence.StatusError {
		t.Fatalf("status = %s, want ERROR", got.Status)
	}

	logs, err := store.ListLogs(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Kind != persistence.KindError {
		t.Fatalf("transcript = %+v", logs)
	}
	if logs[0].Content != "session orphaned in BUILDING_TEAM: no active worker" {
		t.Fatalf("record = %q", logs[0].Content)
	}

	select {
	case ev := <-sub.Ch():
		msg, ok := ev.Payload.(bus.Message)
		if !ok || msg.Kind != bus.KindError {
			t.Fatalf("broadcast = %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast for reaped session")
	}
}

func TestSweepSparesActiveAndTerminalSessions(t *testing.T) {
	checker := stubChecker{}
	j, store, _ := newJanitor(t, checker, time.Nanosecond)
	ctx := context.Background()

	active, err := store.CreateSession(ctx, uuid.NewString(), "task", "model")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	checker[active.ID] = true

	done, err := store.CreateSession(ctx, uuid.NewString(), "task", "model")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.UpdateStatus(ctx, done.ID, persistence.StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}

	time.Sleep(time.Millisecond)
	j.Sweep(ctx)

	for id, want := range map[string]persistence.SessionStatus{
		active.ID: persistence.StatusBuildingTeam,
		done.ID:   persistence.StatusCompleted,
	} {
		got, err := store.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if got.Status != want {
			t.Fatalf("session %s status = %s, want %s", id, got.Status, want)
		}
	}
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	checker := stubChecker{}
	j, store, _ := newJanitor(t, checker, time.Hour)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, uuid.NewString(), "task", "model")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	j.Sweep(ctx)

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != persistence.StatusBuildingTeam {
		t.Fatalf("fresh session reaped: %s", got.Status)
	}
}
