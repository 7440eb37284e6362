// Package dispatch owns the daily delivery run: a cron trigger in the
// configured timezone wakes a single run per day, the run snapshots the due
// subscribers and processes each one independently over a small worker pool.
// One subscriber's failure never blocks or corrupts another's progress.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"qurandaily/internal/corpus"
	"qurandaily/internal/resolver"
	"qurandaily/internal/storage"
	kit "qurandaily/internal/transport"
	logx "qurandaily/pkg/logx"
)

// ErrRunning is returned when a run is requested while one is in flight.
// Overlapping triggers are skipped, never queued.
var ErrRunning = errors.New("dispatch run already in progress")

type Config struct {
	Enabled  bool
	SendTime string // "HH:MM", 24h, in Timezone
	Timezone string // IANA zone; empty means local

	BatchSize         int // verses per delivery, default 3
	Workers           int // default 2
	RatePerSec        int // outgoing send cap, default 10
	DailyRequestLimit int // scheduled + on-demand batches per day, default 10
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.DailyRequestLimit <= 0 {
		c.DailyRequestLimit = 10
	}
	return c
}

// Resolver is the content-resolution dependency (see internal/resolver).
type Resolver interface {
	Resolve(ctx context.Context, start corpus.Position, count int) (resolver.Batch, error)
}

// Deliverer is the outbound transport dependency.
type Deliverer interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Summary is the per-run report logged at run end.
type Summary struct {
	Subscribers int
	Delivered   int
	Completed   int // completion notices sent
	Skipped     int // failures or quota, position unchanged
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	store storage.Store
	res   Resolver
	out   Deliverer
	log   logx.Logger

	limiter *rate.Limiter
	c       *cron.Cron
	entry   cron.EntryID

	// running is the IDLE/RUNNING state machine: a check-and-set guard so
	// re-entrancy protection is a first-class, testable transition.
	running atomic.Bool

	now func() time.Time // test hook
}

// New validates the schedule configuration and builds the dispatcher.
// An invalid send time or timezone is fatal: the error is returned before
// any scheduling begins.
func New(cfg Config, store storage.Store, res Resolver, out Deliverer, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	if cfg.Enabled {
		if _, _, err := parseHHMM(cfg.SendTime); err != nil {
			return nil, fmt.Errorf("schedule.send_time: %w", err)
		}
	}

	return &Service{
		cfg:     cfg,
		loc:     loc,
		store:   store,
		res:     res,
		out:     out,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:     time.Now,
	}, nil
}

// Start registers the daily cron entry and starts the trigger loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("daily dispatch disabled")
		return nil
	}

	h, m, err := parseHHMM(s.cfg.SendTime)
	if err != nil {
		return err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)

	c := cron.New(cron.WithLocation(s.loc))
	id, err := c.AddFunc(spec, func() {
		sum, err := s.RunOnce(ctx)
		if errors.Is(err, ErrRunning) {
			s.log.Warn("daily trigger skipped: previous run still in progress")
			return
		}
		if err != nil {
			s.log.Error("daily run failed", logx.Err(err))
			return
		}
		_ = sum
	})
	if err != nil {
		return err
	}
	s.c = c
	s.entry = id
	c.Start()
	s.log.Info("daily dispatch scheduled",
		logx.String("send_time", s.cfg.SendTime),
		logx.String("tz", s.loc.String()),
		logx.Int("batch_size", s.cfg.BatchSize))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("daily dispatch stopped")
}

// Apply reconfigures the trigger at runtime (config reload). The cron entry
// is rebuilt when the send time or timezone changed; invalid values keep the
// old schedule.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	rebuild := s.c != nil &&
		(old.SendTime != cfg.SendTime || old.Timezone != cfg.Timezone || old.Enabled != cfg.Enabled)
	if !rebuild {
		s.mu.Unlock()
		return
	}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("schedule reload skipped: bad timezone", logx.String("tz", tz), logx.Err(err))
			s.mu.Unlock()
			return
		}
		s.loc = loc
	} else {
		s.loc = time.Local
	}
	if cfg.Enabled {
		if _, _, err := parseHHMM(cfg.SendTime); err != nil {
			s.log.Warn("schedule reload skipped: bad send time", logx.String("send_time", cfg.SendTime), logx.Err(err))
			s.mu.Unlock()
			return
		}
	}

	<-s.c.Stop().Done()
	s.c = nil
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		s.log.Error("schedule reload failed", logx.Err(err))
	}
}

// today returns the current calendar day in the schedule timezone.
func (s *Service) today() string {
	return s.now().In(s.location()).Format("2006-01-02")
}

// location snapshots the schedule timezone. Apply may swap it while worker
// goroutines and command handlers are reading.
func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func parseHHMM(v string) (hour, minute int, err error) {
	v = strings.TrimSpace(v)
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h, m, nil
}
