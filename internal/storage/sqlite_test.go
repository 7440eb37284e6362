package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"qurandaily/internal/corpus"
	logx "qurandaily/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "quran.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	sub, created, err := st.Register(ctx, 42, 4242)
	if err != nil || !created {
		t.Fatalf("first Register: created=%v err=%v", created, err)
	}
	if sub.Position != corpus.First() || !sub.Active {
		t.Fatalf("new subscriber = %+v", sub)
	}

	// Advance, unsubscribe, then resubscribe: position must survive.
	if err := st.Advance(ctx, 42, corpus.Position{Surah: 2, Ayah: 5}, false, time.Now()); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := st.Deactivate(ctx, 42); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	sub, created, err = st.Register(ctx, 42, 9999)
	if err != nil || created {
		t.Fatalf("second Register: created=%v err=%v", created, err)
	}
	if !sub.Active {
		t.Fatal("resubscribe should reactivate")
	}
	if sub.ChatID != 9999 {
		t.Fatalf("ChatID = %d, want refreshed 9999", sub.ChatID)
	}
	if sub.Position != (corpus.Position{Surah: 2, Ayah: 5}) {
		t.Fatalf("Position = %s, resubscribe must not reset it", sub.Position)
	}
}

func TestDeactivateUnknownIsNoop(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.Deactivate(context.Background(), 777); err != nil {
		t.Fatalf("Deactivate unknown: %v", err)
	}
	// Twice on a real subscriber is fine too.
	if _, _, err := st.Register(context.Background(), 1, 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := st.Deactivate(context.Background(), 1); err != nil {
			t.Fatalf("Deactivate #%d: %v", i+1, err)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown: %v, want ErrNotFound", err)
	}
}

func TestAdvanceMonotonic(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, _, err := st.Register(ctx, 7, 7); err != nil {
		t.Fatal(err)
	}

	sent := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	if err := st.Advance(ctx, 7, corpus.Position{Surah: 1, Ayah: 4}, false, sent); err != nil {
		t.Fatalf("Advance forward: %v", err)
	}

	// Backwards move is rejected and leaves the row untouched.
	err := st.Advance(ctx, 7, corpus.Position{Surah: 1, Ayah: 2}, false, sent)
	if !errors.Is(err, ErrNotMonotonic) {
		t.Fatalf("backwards Advance: %v, want ErrNotMonotonic", err)
	}
	sub, err := st.Get(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Position != (corpus.Position{Surah: 1, Ayah: 4}) {
		t.Fatalf("Position after rejected advance = %s", sub.Position)
	}
	if !sub.LastSentAt.Equal(sent) {
		t.Fatalf("LastSentAt = %v, want %v", sub.LastSentAt, sent)
	}

	// Unknown subscriber surfaces not-found, not a silent no-op.
	if err := st.Advance(ctx, 999, corpus.Position{Surah: 3, Ayah: 1}, false, sent); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Advance unknown: %v, want ErrNotFound", err)
	}
}

func TestAdvanceToCompletion(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, _, err := st.Register(ctx, 8, 8); err != nil {
		t.Fatal(err)
	}

	if err := st.Advance(ctx, 8, corpus.Exhausted(), true, time.Now()); err != nil {
		t.Fatalf("Advance to sentinel: %v", err)
	}
	sub, err := st.Get(ctx, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !sub.Completed || sub.NoticeSent {
		t.Fatalf("after completion: %+v", sub)
	}

	// Still due until the notice goes out.
	due, err := st.ListDue(ctx)
	if err != nil || len(due) != 1 {
		t.Fatalf("ListDue = %v, %v", due, err)
	}
	if err := st.MarkNoticeSent(ctx, 8, time.Now()); err != nil {
		t.Fatalf("MarkNoticeSent: %v", err)
	}
	due, err = st.ListDue(ctx)
	if err != nil || len(due) != 0 {
		t.Fatalf("ListDue after notice = %v, %v", due, err)
	}
}

func TestListDueFiltersInactive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		if _, _, err := st.Register(ctx, id, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Deactivate(ctx, 2); err != nil {
		t.Fatal(err)
	}

	due, err := st.ListDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].UserID != 1 || due[1].UserID != 3 {
		t.Fatalf("ListDue = %+v", due)
	}
}

func TestBumpRequestsResetsOnNewDay(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, _, err := st.Register(ctx, 5, 5); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := st.BumpRequests(ctx, 5, "2026-03-01")
		if err != nil || got != want {
			t.Fatalf("BumpRequests = %d, %v; want %d", got, err, want)
		}
	}
	got, err := st.BumpRequests(ctx, 5, "2026-03-02")
	if err != nil || got != 1 {
		t.Fatalf("BumpRequests new day = %d, %v; want 1", got, err)
	}

	if _, err := st.BumpRequests(ctx, 404, "2026-03-02"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("BumpRequests unknown: %v, want ErrNotFound", err)
	}
}

func TestResetProgressClearsCompletion(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, _, err := st.Register(ctx, 9, 9); err != nil {
		t.Fatal(err)
	}
	if err := st.Advance(ctx, 9, corpus.Exhausted(), true, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkNoticeSent(ctx, 9, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := st.ResetProgress(ctx, 9, corpus.First()); err != nil {
		t.Fatalf("ResetProgress: %v", err)
	}
	sub, err := st.Get(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Position != corpus.First() || sub.Completed || sub.NoticeSent {
		t.Fatalf("after reset: %+v", sub)
	}
}

func TestCommittedAdvanceSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "quran.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.Register(ctx, 11, 11); err != nil {
		t.Fatal(err)
	}
	want := corpus.Position{Surah: 12, Ayah: 40}
	if err := st.Advance(ctx, 11, want, false, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	sub, err := st2.Get(ctx, 11)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Position != want {
		t.Fatalf("Position after reopen = %s, want %s", sub.Position, want)
	}
}
