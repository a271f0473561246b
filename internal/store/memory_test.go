package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/store"
)

func newSession(id, conn string, created time.Time) domain.Session {
	return domain.Session{
		ID:            id,
		ConnectionID:  conn,
		Topic:         "orders",
		ConsumerGroup: "logconsole-" + id,
		StartOffset:   domain.Earliest(),
		CurrentOffset: -1,
		PollTimeoutMs: 1000,
		AutoCommit:    true,
		Status:        domain.StatusCreated,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestMemorySessionsCreateGet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySessions()
	s := newSession("s-1", "c-1", time.Now())

	if err := m.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, s); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second Create error = %v, want ErrConflict", err)
	}
	got, err := m.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Topic != "orders" || got.Status != domain.StatusCreated {
		t.Fatalf("unexpected session %+v", got)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get missing error = %v, want ErrNotFound", err)
	}
}

func TestMemorySessionsListings(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySessions()
	base := time.Now()
	_ = m.Create(ctx, newSession("b", "c-1", base.Add(time.Second)))
	_ = m.Create(ctx, newSession("a", "c-1", base))
	_ = m.Create(ctx, newSession("c", "c-2", base.Add(2*time.Second)))

	all, _ := m.List(ctx)
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("List order = %v", ids(all))
	}

	byConn, _ := m.ListByConnection(ctx, "c-1")
	if len(byConn) != 2 {
		t.Fatalf("ListByConnection = %v", ids(byConn))
	}

	if ok, _ := m.MarkRunning(ctx, "c", 0, 1, time.Now()); !ok {
		t.Fatal("MarkRunning should apply at generation 0")
	}
	active, _ := m.ListActive(ctx)
	if len(active) != 1 || active[0].ID != "c" {
		t.Fatalf("ListActive = %v", ids(active))
	}
}

func TestMemorySessionsGenerationFencing(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySessions()
	_ = m.Create(ctx, newSession("s-1", "c-1", time.Now()))
	_, _ = m.MarkRunning(ctx, "s-1", 0, 1, time.Now())
	_, _ = m.MarkRunning(ctx, "s-1", 1, 2, time.Now())

	stale := domain.Outcome{
		Progress: domain.Progress{SessionID: "s-1", Generation: 1, MessagesConsumed: 99},
		Status:   domain.StatusStopped,
		Cause:    domain.CauseIdleTimeout,
	}
	if ok, _ := m.Finish(ctx, stale); ok {
		t.Fatal("stale generation must not be applied")
	}
	if ok, _ := m.SaveProgress(ctx, stale.Progress); ok {
		t.Fatal("stale progress must not be applied")
	}

	fresh := stale
	fresh.Generation = 2
	fresh.StoppedAt = time.Now()
	if ok, _ := m.Finish(ctx, fresh); !ok {
		t.Fatal("current generation should be applied")
	}
	got, _ := m.Get(ctx, "s-1")
	if got.Status != domain.StatusStopped || got.MessagesConsumed != 99 || got.StoppedAt == nil {
		t.Fatalf("unexpected session after finish %+v", got)
	}
}

func TestMemorySessionsSetStatus(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySessions()
	_ = m.Create(ctx, newSession("s-1", "c-1", time.Now()))

	ok, err := m.SetStatus(ctx, store.StatusUpdate{
		ID: "s-1", Status: domain.StatusError, LastError: "broker down", At: time.Now(),
	})
	if err != nil || !ok {
		t.Fatalf("SetStatus = %v, %v", ok, err)
	}
	got, _ := m.Get(ctx, "s-1")
	if got.LastError != "broker down" || got.StoppedAt == nil {
		t.Fatalf("unexpected session %+v", got)
	}

	if ok, _ := m.MarkRunning(ctx, "s-1", 0, 1, time.Now()); !ok {
		t.Fatal("MarkRunning failed")
	}
	got, _ = m.Get(ctx, "s-1")
	if got.LastError != "" || got.StoppedAt != nil || got.Generation != 1 {
		t.Fatalf("MarkRunning should clear diagnostics: %+v", got)
	}
}

func TestMemorySessionsSetStatusRequiresFrom(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySessions()
	_ = m.Create(ctx, newSession("s-1", "c-1", time.Now()))
	_, _ = m.MarkRunning(ctx, "s-1", 0, 1, time.Now())

	ok, err := m.Finish(ctx, domain.Outcome{
		Progress: domain.Progress{SessionID: "s-1", Generation: 1, MessagesConsumed: 2},
		Status:   domain.StatusStopped, Cause: domain.CauseCutoff, StoppedAt: time.Now(),
	})
	if err != nil || !ok {
		t.Fatalf("Finish = %v, %v", ok, err)
	}

	ok, err = m.SetStatus(ctx, store.StatusUpdate{
		ID: "s-1", Generation: 1, From: domain.StatusRunning, Status: domain.StatusPaused, At: time.Now(),
	})
	if err != nil || ok {
		t.Fatalf("pause over a finished row = %v, %v; want not applied", ok, err)
	}
	got, _ := m.Get(ctx, "s-1")
	if got.Status != domain.StatusStopped || got.StopCause != domain.CauseCutoff {
		t.Fatalf("finished row was overwritten: %+v", got)
	}
}

func TestMemorySessionsDelete(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemorySessions()
	_ = m.Create(ctx, newSession("s-1", "c-1", time.Now()))
	if err := m.Delete(ctx, "s-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := m.Delete(ctx, "s-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Delete error = %v, want ErrNotFound", err)
	}
}

func ids(ss []domain.Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
