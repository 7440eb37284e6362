package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qurandaily/internal/resolver"
	"qurandaily/internal/storage"
	kit "qurandaily/internal/transport"
	logx "qurandaily/pkg/logx"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDelivered
	outcomeCompleted
)

// RunOnce executes one full dispatch run: snapshot due subscribers, process
// each independently, log a summary. At most one run is in flight at a time;
// a concurrent call fails with ErrRunning.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunning
	}
	defer s.running.Store(false)

	start := s.now()

	subs, err := s.store.ListDue(ctx)
	if err != nil {
		// Store down for the snapshot: nothing to do this run; the next
		// trigger retries. Loud, because this stalls every subscriber.
		s.log.Error("run aborted: listing subscribers failed", logx.Err(err))
		return Summary{}, fmt.Errorf("list due subscribers: %w", err)
	}

	sum := Summary{Subscribers: len(subs)}
	s.log.Info("daily run started", logx.Int("subscribers", len(subs)))

	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()
	if workers > len(subs) {
		workers = len(subs)
	}

	var (
		smu   sync.Mutex
		wg    sync.WaitGroup
		queue = make(chan storage.Subscriber)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range queue {
				// Each worker owns one subscriber's full
				// read-resolve-deliver-advance sequence; subscribers
				// share no mutable state with each other.
				res := s.processOne(ctx, sub)
				smu.Lock()
				switch res {
				case outcomeDelivered:
					sum.Delivered++
				case outcomeCompleted:
					sum.Completed++
				default:
					sum.Skipped++
				}
				smu.Unlock()
			}
		}()
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		queue <- sub
	}
	close(queue)
	wg.Wait()

	dur := s.now().Sub(start)
	if sum.Skipped > 0 {
		s.log.Warn("daily run finished with skips",
			logx.Int("subscribers", sum.Subscribers), logx.Int("delivered", sum.Delivered),
			logx.Int("completed", sum.Completed), logx.Int("skipped", sum.Skipped),
			logx.Duration("dur", dur))
	} else {
		s.log.Info("daily run finished",
			logx.Int("subscribers", sum.Subscribers), logx.Int("delivered", sum.Delivered),
			logx.Int("completed", sum.Completed), logx.Duration("dur", dur))
	}
	return sum, nil
}

// processOne handles a single subscriber for this run. Every failure path
// logs, leaves the stored position unchanged, and reports a skip; the
// subscriber is retried from the same position on the next run.
func (s *Service) processOne(ctx context.Context, sub storage.Subscriber) outcome {
	log := s.log.With(logx.Int64("user_id", sub.UserID))

	// Corpus finished: deliver the one-time completion notice.
	if sub.Completed {
		if sub.NoticeSent {
			return outcomeSkipped
		}
		if err := s.deliver(ctx, sub.ChatID, resolver.CompletionMessage); err != nil {
			log.Warn("completion notice delivery failed", logx.Err(err))
			return outcomeSkipped
		}
		if err := s.store.MarkNoticeSent(ctx, sub.UserID, s.now()); err != nil {
			log.Error("marking completion notice failed", logx.Err(err))
			return outcomeSkipped
		}
		log.Info("completion notice sent")
		return outcomeCompleted
	}

	s.mu.Lock()
	batchSize := s.cfg.BatchSize
	limit := s.cfg.DailyRequestLimit
	s.mu.Unlock()

	if sub.RequestsToday >= limit && sub.LastRequestDay == s.today() {
		log.Debug("daily request limit reached, skipping")
		return outcomeSkipped
	}

	batch, err := s.res.Resolve(ctx, sub.Position, batchSize)
	if err != nil {
		log.Warn("generation failed, skipping subscriber", logx.String("pos", sub.Position.String()), logx.Err(err))
		return outcomeSkipped
	}

	// Position already past the end but the completed flag never landed
	// (e.g. interrupted between delivery and advance): repair and let the
	// next run send the notice.
	if len(batch.Units) == 0 {
		if err := s.store.Advance(ctx, sub.UserID, batch.Next, true, s.now()); err != nil {
			log.Error("recording completion failed", logx.Err(err))
		}
		return outcomeSkipped
	}

	if err := s.deliver(ctx, sub.ChatID, resolver.FormatDaily(batch)); err != nil {
		log.Warn("delivery failed, skipping subscriber", logx.Err(err))
		return outcomeSkipped
	}

	// Delivery is the gate for advancing. If the process dies between the
	// send and this write, the verses are re-sent next run; accepted.
	if err := s.store.Advance(ctx, sub.UserID, batch.Next, batch.Completed, s.now()); err != nil {
		log.Error("advance after delivery failed, content may repeat next run", logx.Err(err))
		return outcomeSkipped
	}
	if _, err := s.store.BumpRequests(ctx, sub.UserID, s.today()); err != nil {
		log.Warn("request counter update failed", logx.Err(err))
	}

	log.Info("verses delivered",
		logx.Int("count", len(batch.Units)),
		logx.String("next", batch.Next.String()),
		logx.Bool("completed", batch.Completed))
	return outcomeDelivered
}

func (s *Service) deliver(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := s.out.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Errors returned by SendNext, the on-demand path behind /anotherone.
var (
	ErrNotSubscribed = errors.New("not subscribed")
	ErrQuotaExceeded = errors.New("daily request limit reached")
	ErrAlreadyDone   = errors.New("corpus already completed")
)

// SendNext delivers the next batch to one subscriber immediately, honoring
// the same quota, isolation, and advance rules as the scheduled run.
func (s *Service) SendNext(ctx context.Context, userID int64) error {
	sub, err := s.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotSubscribed
		}
		return err
	}
	if !sub.Active {
		return ErrNotSubscribed
	}
	if sub.Completed {
		return ErrAlreadyDone
	}

	s.mu.Lock()
	limit := s.cfg.DailyRequestLimit
	s.mu.Unlock()
	if sub.RequestsToday >= limit && sub.LastRequestDay == s.today() {
		return ErrQuotaExceeded
	}

	switch s.processOne(ctx, sub) {
	case outcomeDelivered, outcomeCompleted:
		return nil
	default:
		return fmt.Errorf("sending verses to user %d failed", userID)
	}
}

// Remaining reports how many on-demand requests the subscriber has left
// today.
func (s *Service) Remaining(sub storage.Subscriber) int {
	s.mu.Lock()
	limit := s.cfg.DailyRequestLimit
	s.mu.Unlock()
	if sub.LastRequestDay != s.today() {
		return limit
	}
	if rem := limit - sub.RequestsToday; rem > 0 {
		return rem
	}
	return 0
}

// NextResetHint names when the quota resets, for user-facing replies.
func (s *Service) NextResetHint() time.Time {
	loc := s.location()
	now := s.now().In(loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}
