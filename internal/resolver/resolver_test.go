package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"qurandaily/internal/corpus"
	logx "qurandaily/pkg/logx"
)

type fakeGenerator struct {
	calls    int
	failUpTo int // fail the first N calls
	perVerse map[corpus.Position]error
}

func (g *fakeGenerator) Generate(ctx context.Context, ref VerseRef) (string, error) {
	g.calls++
	if g.calls <= g.failUpTo {
		return "", errors.New("transient upstream error")
	}
	if err := g.perVerse[ref.Pos]; err != nil {
		return "", err
	}
	return "rendered " + ref.Pos.String(), nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestResolveBatch(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	r := New(gen, fastPolicy(), logx.Nop())

	b, err := r.Resolve(context.Background(), corpus.Position{Surah: 1, Ayah: 6}, 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(b.Units) != 3 {
		t.Fatalf("units = %d, want 3", len(b.Units))
	}
	// 1:6, 1:7, then rollover to 2:1.
	if b.Units[2].Ref.Pos != (corpus.Position{Surah: 2, Ayah: 1}) {
		t.Fatalf("third unit at %s", b.Units[2].Ref.Pos)
	}
	if b.Units[0].Ref.SurahName != "Al-Fatihah" {
		t.Fatalf("surah name = %q", b.Units[0].Ref.SurahName)
	}
	if b.Next != (corpus.Position{Surah: 2, Ayah: 2}) || b.Completed {
		t.Fatalf("next = %s completed = %v", b.Next, b.Completed)
	}
	if gen.calls != 3 {
		t.Fatalf("generator called %d times", gen.calls)
	}
}

func TestResolveRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{failUpTo: 2}
	r := New(gen, fastPolicy(), logx.Nop())

	b, err := r.Resolve(context.Background(), corpus.First(), 1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(b.Units) != 1 || gen.calls != 3 {
		t.Fatalf("units=%d calls=%d", len(b.Units), gen.calls)
	}
}

func TestResolveAllOrNothing(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{perVerse: map[corpus.Position]error{
		{Surah: 1, Ayah: 2}: errors.New("bad output"),
	}}
	r := New(gen, fastPolicy(), logx.Nop())

	b, err := r.Resolve(context.Background(), corpus.First(), 3)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("err = %v, want ErrGeneration", err)
	}
	if len(b.Units) != 0 {
		t.Fatalf("partial batch returned: %d units", len(b.Units))
	}
	// First verse once, second verse retried to exhaustion (1 + MaxRetries).
	if gen.calls != 1+3 {
		t.Fatalf("calls = %d", gen.calls)
	}
}

func TestResolveExhaustedSkipsGenerator(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	r := New(gen, fastPolicy(), logx.Nop())

	b, err := r.Resolve(context.Background(), corpus.Exhausted(), 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(b.Units) != 0 || !b.Completed {
		t.Fatalf("batch = %+v", b)
	}
	if gen.calls != 0 {
		t.Fatalf("generator should not be contacted, got %d calls", gen.calls)
	}
}

func TestResolveTruncatesAtCorpusEnd(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{}
	r := New(gen, fastPolicy(), logx.Nop())

	b, err := r.Resolve(context.Background(), corpus.Last(), 3)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(b.Units) != 1 {
		t.Fatalf("units = %d, want 1", len(b.Units))
	}
	if !b.Completed || b.Next != corpus.Exhausted() {
		t.Fatalf("next = %s completed = %v", b.Next, b.Completed)
	}
}

func TestResolveCancelledContext(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{failUpTo: 100}
	r := New(gen, RetryPolicy{MaxRetries: 5, Base: time.Hour, MaxDelay: time.Hour}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, corpus.First(), 1)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestFormatDaily(t *testing.T) {
	t.Parallel()
	b := Batch{Units: []Unit{
		{Ref: VerseRef{Pos: corpus.Position{Surah: 1, Ayah: 1}, SurahName: "Al-Fatihah"}, Text: "first text"},
		{Ref: VerseRef{Pos: corpus.Position{Surah: 1, Ayah: 2}, SurahName: "Al-Fatihah"}, Text: "second text"},
	}}
	msg := FormatDaily(b)
	for _, want := range []string{"Surah 1: Al-Fatihah - Verse 1", "Surah 1: Al-Fatihah - Verse 2", "first text", "second text"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	if FormatDaily(Batch{}) != "" {
		t.Fatal("empty batch should format to empty string")
	}
}
