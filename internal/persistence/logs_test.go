package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/persistence"
	"github.com/google/uuid"
)

func newSession(t *testing.T, store *persistence.Store) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := store.CreateSession(context.Background(), id, "task", "model"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

func TestStore_AppendAndListLogs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, store)

	base := time.Now()
	chunks := []string{"hello ", "world\n", "done"}
	for i, chunk := range chunks {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		if err := store.AppendLog(ctx, id, persistence.KindLog, chunk, ts); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	records, err := store.ListLogs(ctx, id)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(records) != len(chunks) {
		t.Fatalf("listed %d records, want %d", len(records), len(chunks))
	}
	for i, rec := range records {
		if rec.Content != chunks[i] {
			t.Fatalf("records[%d].Content = %q, want %q", i, rec.Content, chunks[i])
		}
		if rec.Kind != persistence.KindLog {
			t.Fatalf("records[%d].Kind = %s, want log", i, rec.Kind)
		}
		if i > 0 && rec.Timestamp.Before(records[i-1].Timestamp) {
			t.Fatalf("records out of timestamp order at %d", i)
		}
	}
}

func TestStore_ListLogsEqualTimestampsKeepAppendOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, store)

	ts := time.Now()
	for _, content := range []string{"first", "second", "third"} {
		if err := store.AppendLog(ctx, id, persistence.KindLog, content, ts); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records, err := store.ListLogs(ctx, id)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, rec := range records {
		if rec.Content != want[i] {
			t.Fatalf("records[%d].Content = %q, want %q", i, rec.Content, want[i])
		}
	}
}

func TestStore_ListLogsUnknownSession(t *testing.T) {
	store := openTestStore(t)

	_, err := store.ListLogs(context.Background(), uuid.NewString())
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_AppendLogKinds(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := newSession(t, store)

	now := time.Now()
	for _, kind := range []persistence.RecordKind{
		persistence.KindLog, persistence.KindStatus, persistence.KindError,
	} {
		if err := store.AppendLog(ctx, id, kind, "content", now); err != nil {
			t.Fatalf("append kind %s: %v", kind, err)
		}
	}
	// The CHECK constraint rejects anything outside the taxonomy.
	if err := store.AppendLog(ctx, id, persistence.RecordKind("bogus"), "content", now); err == nil {
		t.Fatal("expected error for invalid record kind")
	}

	count, err := store.CountLogs(ctx, id)
	if err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}
