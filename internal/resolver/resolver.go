// Package resolver turns corpus positions into rendered verse content by
// calling the external text-generation service, with a bounded timeout and
// retry policy per verse. A batch is all-or-nothing: if any verse fails
// after retries, the whole batch fails and the caller must not advance the
// subscriber.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"qurandaily/internal/corpus"
	logx "qurandaily/pkg/logx"
)

// ErrGeneration wraps any failure of the text-generation collaborator that
// survived the retry policy. Recoverable: the subscriber is retried on the
// next run from the same position.
var ErrGeneration = errors.New("content generation failed")

// VerseRef identifies one verse plus the catalogue metadata a generator
// needs to render it.
type VerseRef struct {
	Pos       corpus.Position
	SurahName string
}

// Unit is one rendered verse.
type Unit struct {
	Ref  VerseRef
	Text string
}

// Batch is the transient result of resolving up to batchSize verses for one
// subscriber in one run. Next is the position to persist after a successful
// delivery; Completed reports that Next is the exhausted sentinel.
type Batch struct {
	Units     []Unit
	Next      corpus.Position
	Completed bool
}

// Generator is the external text-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, ref VerseRef) (string, error)
}

// RetryPolicy bounds a single verse's generation attempts. It is an explicit
// value so it can be tested apart from the resolver itself.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	Base       time.Duration // first backoff delay
	MaxDelay   time.Duration // backoff cap
	Timeout    time.Duration // per-attempt deadline, 0 = none
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	return p
}

// delay returns the backoff before retry attempt i (0-based), with jitter.
func (p RetryPolicy) delay(i int) time.Duration {
	d := p.Base << uint(i)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

type Resolver struct {
	gen    Generator
	policy RetryPolicy
	log    logx.Logger
}

func New(gen Generator, policy RetryPolicy, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{gen: gen, policy: policy.normalized(), log: log}
}

// Resolve renders up to count verses starting at start. It stops early at
// the end of the corpus. A start at or past the exhausted sentinel returns
// an empty, completed batch without contacting the generator.
func (r *Resolver) Resolve(ctx context.Context, start corpus.Position, count int) (Batch, error) {
	if count <= 0 {
		return Batch{}, fmt.Errorf("resolve: count must be positive, got %d", count)
	}
	if corpus.IsExhausted(start) {
		return Batch{Next: corpus.Exhausted(), Completed: true}, nil
	}
	if !corpus.Valid(start) {
		return Batch{}, fmt.Errorf("resolve: invalid position %s", start)
	}

	span := corpus.Span(start, count)
	units := make([]Unit, 0, len(span))
	for _, pos := range span {
		meta, _ := corpus.Meta(pos.Surah)
		ref := VerseRef{Pos: pos, SurahName: meta.Name}
		text, err := r.generateOne(ctx, ref)
		if err != nil {
			return Batch{}, fmt.Errorf("%w: verse %s: %v", ErrGeneration, pos, err)
		}
		units = append(units, Unit{Ref: ref, Text: text})
	}

	next, ok := corpus.Advance(start, len(units))
	return Batch{Units: units, Next: next, Completed: !ok}, nil
}

func (r *Resolver) generateOne(ctx context.Context, ref VerseRef) (string, error) {
	var last error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.policy.delay(attempt - 1)
			r.log.Debug("generation retry scheduled",
				logx.String("verse", ref.Pos.String()),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(last))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return "", ctx.Err()
			case <-tmr.C:
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if r.policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		}
		text, err := r.gen.Generate(callCtx, ref)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return text, nil
		}
		last = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", last
}
