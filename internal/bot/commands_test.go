package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"qurandaily/internal/corpus"
	"qurandaily/internal/dispatch"
	"qurandaily/internal/resolver"
	"qurandaily/internal/storage"
	kit "qurandaily/internal/transport"
	logx "qurandaily/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	subs map[int64]*storage.Subscriber
}

func newMemStore() *memStore {
	return &memStore{subs: map[int64]*storage.Subscriber{}}
}

func (s *memStore) Register(ctx context.Context, userID, chatID int64) (storage.Subscriber, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[userID]; ok {
		sub.Active = true
		sub.ChatID = chatID
		return *sub, false, nil
	}
	sub := &storage.Subscriber{UserID: userID, ChatID: chatID, Position: corpus.First(), Active: true}
	s.subs[userID] = sub
	return *sub, true, nil
}

func (s *memStore) Deactivate(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[userID]; ok {
		sub.Active = false
	}
	return nil
}

func (s *memStore) Get(ctx context.Context, userID int64) (storage.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return storage.Subscriber{}, storage.ErrNotFound
	}
	return *sub, nil
}

func (s *memStore) ListDue(ctx context.Context) ([]storage.Subscriber, error) { return nil, nil }

func (s *memStore) Advance(ctx context.Context, userID int64, pos corpus.Position, completed bool, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return storage.ErrNotFound
	}
	sub.Position = pos
	sub.Completed = completed
	sub.LastSentAt = sentAt
	return nil
}

func (s *memStore) MarkNoticeSent(ctx context.Context, userID int64, at time.Time) error {
	return nil
}

func (s *memStore) BumpRequests(ctx context.Context, userID int64, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if sub.LastRequestDay != day {
		sub.RequestsToday = 0
		sub.LastRequestDay = day
	}
	sub.RequestsToday++
	return sub.RequestsToday, nil
}

func (s *memStore) ResetProgress(ctx context.Context, userID int64, pos corpus.Position) error {
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeAdapter records outgoing texts and satisfies kit.Adapter.
type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return a.sent[len(a.sent)-1]
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type echoResolver struct{}

func (echoResolver) Resolve(ctx context.Context, start corpus.Position, count int) (resolver.Batch, error) {
	span := corpus.Span(start, count)
	units := make([]resolver.Unit, 0, len(span))
	for _, p := range span {
		units = append(units, resolver.Unit{Ref: resolver.VerseRef{Pos: p}, Text: "v " + p.String()})
	}
	next, ok := corpus.Advance(start, len(units))
	return resolver.Batch{Units: units, Next: next, Completed: !ok}, nil
}

func newTestRouter(t *testing.T, st *memStore, out *fakeAdapter) *Router {
	t.Helper()
	disp, err := dispatch.New(dispatch.Config{DailyRequestLimit: 1}, st, echoResolver{}, out, logx.Nop())
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	return NewRouter(st, disp, out, logx.Nop())
}

func msg(text string) *kit.Message {
	return &kit.Message{ID: 1, ChatID: 7, FromID: 7, Text: text}
}

func TestStartSubscribesAndWelcomes(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	out := &fakeAdapter{}
	r := newTestRouter(t, st, out)

	r.handle(context.Background(), msg("/start"))
	if got := out.last(t); !strings.Contains(got, "Welcome to the Daily Quran Bot") {
		t.Fatalf("reply = %q", got)
	}
	sub, err := st.Get(context.Background(), 7)
	if err != nil || !sub.Active || sub.Position != corpus.First() {
		t.Fatalf("subscriber = %+v, %v", sub, err)
	}

	// Resubscribing keeps the position and says welcome back.
	st.mu.Lock()
	st.subs[7].Position = corpus.Position{Surah: 2, Ayah: 5}
	st.subs[7].Active = false
	st.mu.Unlock()
	r.handle(context.Background(), msg("/start"))
	got := out.last(t)
	if !strings.Contains(got, "Welcome back") || !strings.Contains(got, "2:5") {
		t.Fatalf("reply = %q", got)
	}
	if sub, _ := st.Get(context.Background(), 7); !sub.Active {
		t.Fatal("resubscribe did not reactivate")
	}
}

func TestStopKeepsProgress(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	out := &fakeAdapter{}
	r := newTestRouter(t, st, out)

	r.handle(context.Background(), msg("/start"))
	r.handle(context.Background(), msg("/stop"))
	if got := out.last(t); !strings.Contains(got, "unsubscribed") {
		t.Fatalf("reply = %q", got)
	}
	sub, err := st.Get(context.Background(), 7)
	if err != nil || sub.Active {
		t.Fatalf("subscriber = %+v, %v", sub, err)
	}
	if sub.Position != corpus.First() {
		t.Fatalf("position = %s, progress must survive unsubscribe", sub.Position)
	}
}

func TestAnotherOneDeliversThenHitsQuota(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	out := &fakeAdapter{}
	r := newTestRouter(t, st, out)

	r.handle(context.Background(), msg("/anotherone"))
	if got := out.last(t); !strings.Contains(got, "not subscribed") {
		t.Fatalf("reply = %q", got)
	}

	r.handle(context.Background(), msg("/start"))
	r.handle(context.Background(), msg("/anotherone"))
	if got := out.last(t); !strings.Contains(got, "v 1:1") {
		t.Fatalf("reply = %q", got)
	}
	sub, _ := st.Get(context.Background(), 7)
	if sub.Position != (corpus.Position{Surah: 1, Ayah: 4}) {
		t.Fatalf("position = %s", sub.Position)
	}

	// Limit is 1 per day in this test config.
	r.handle(context.Background(), msg("/anotherone"))
	if got := out.last(t); !strings.Contains(got, "daily limit") {
		t.Fatalf("reply = %q", got)
	}
}

func TestProgressReport(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	out := &fakeAdapter{}
	r := newTestRouter(t, st, out)

	r.handle(context.Background(), msg("/progress"))
	if got := out.last(t); !strings.Contains(got, "not subscribed") {
		t.Fatalf("reply = %q", got)
	}

	r.handle(context.Background(), msg("/start"))
	st.mu.Lock()
	st.subs[7].Position = corpus.Position{Surah: 2, Ayah: 1}
	st.mu.Unlock()
	r.handle(context.Background(), msg("/progress"))
	got := out.last(t)
	if !strings.Contains(got, "Surah 2:1") || !strings.Contains(got, "7 of 6236") {
		t.Fatalf("reply = %q", got)
	}
}

func TestHandleParsing(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	out := &fakeAdapter{}
	r := newTestRouter(t, st, out)

	// Bot-name suffix and arguments are stripped.
	r.handle(context.Background(), msg("/help@QuranBot extra"))
	if got := out.last(t); !strings.Contains(got, "/anotherone") {
		t.Fatalf("reply = %q", got)
	}

	// Plain text and unknown commands are ignored.
	before := out.count()
	r.handle(context.Background(), msg("hello there"))
	r.handle(context.Background(), msg("/frobnicate"))
	if out.count() != before {
		t.Fatal("non-commands must not produce replies")
	}
}
