// Package scheduler fires global reshuffles, either on a fixed interval or
// when the earliest room deadline passes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/jonboulle/clockwork"
)

type Mode string

const (
	// ModeDeadline reshuffles every Interval against an absolute deadline,
	// so a slow reshuffle does not push later ones back.
	ModeDeadline Mode = "deadline"
	// ModeRoomDeadline polls every PollInterval and reshuffles once any
	// room's own deadline has passed.
	ModeRoomDeadline Mode = "room-deadline"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

type ReshuffleFunc func(ctx context.Context) error

// DeadlineSource reports the earliest room deadline, if any room has one.
type DeadlineSource interface {
	EarliestReshuffleDeadline() (time.Time, bool)
}

type Config struct {
	Mode         Mode
	Interval     time.Duration
	PollInterval time.Duration
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithDeadlineSource(src DeadlineSource) Option {
	return func(s *Scheduler) { s.deadlines = src }
}

type Scheduler struct {
	cfg       Config
	reshuffle ReshuffleFunc
	deadlines DeadlineSource
	clock     clockwork.Clock
	logger    logging.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	unwatch func() bool
	timer   clockwork.Timer
	seq     uint64
	nextAt  time.Time
}

func New(cfg Config, reshuffle ReshuffleFunc, opts ...Option) (*Scheduler, error) {
	if reshuffle == nil {
		return nil, fmt.Errorf("%w: reshuffle func is required", ErrInvalidConfig)
	}

	s := &Scheduler{
		cfg:       cfg,
		reshuffle: reshuffle,
	}
	for _, opt := range opts {
		opt(s)
	}

	switch cfg.Mode {
	case ModeDeadline, "":
		s.cfg.Mode = ModeDeadline
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
		}
	case ModeRoomDeadline:
		if cfg.PollInterval <= 0 {
			return nil, fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
		}
		if s.deadlines == nil {
			return nil, fmt.Errorf("%w: room-deadline mode needs a deadline source", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}

	return s, nil
}

// Start arms the first wake-up. Calling it on a running scheduler does
// nothing. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.ctx = ctx

	now := s.clock.Now()
	if s.cfg.Mode == ModeDeadline {
		s.nextAt = now.Add(s.cfg.Interval)
		s.armLocked(s.cfg.Interval)
	} else {
		s.armLocked(s.cfg.PollInterval)
	}
	s.unwatch = context.AfterFunc(ctx, s.Stop)

	s.logger.Info(logging.Scheduler, logging.Startup, "reshuffle scheduler started", map[logging.ExtraKey]any{
		logging.Mode:   s.cfg.Mode,
		logging.NextAt: s.nextAt,
	})
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels the pending wake-up. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	s.nextAt = time.Time{}

	s.logger.Info(logging.Scheduler, logging.Shutdown, "reshuffle scheduler stopped", nil)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextReshuffleAt is the time clients are told to expect the next
// reshuffle. It is zero when nothing is scheduled.
func (s *Scheduler) NextReshuffleAt() time.Time {
	if s.cfg.Mode == ModeRoomDeadline {
		deadline, ok := s.deadlines.EarliestReshuffleDeadline()
		if !ok {
			return time.Time{}
		}
		return deadline
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt
}

// TriggerNow reshuffles immediately. In deadline mode the schedule restarts
// from now.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	s.mu.Lock()
	if s.running && s.cfg.Mode == ModeDeadline {
		s.nextAt = s.clock.Now().Add(s.cfg.Interval)
		s.armLocked(s.cfg.Interval)
	}
	s.mu.Unlock()

	return s.run(ctx)
}

func (s *Scheduler) armLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timer = s.clock.AfterFunc(max(0, d), func() {
		s.fire(seq)
	})
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	if !s.running || seq != s.seq {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	due := false
	if s.cfg.Mode == ModeDeadline {
		if now.Before(s.nextAt) {
			s.armLocked(s.nextAt.Sub(now))
			s.mu.Unlock()
			return
		}
		// The next deadline is fixed before reshuffling so clients joining
		// during the reshuffle already see it.
		s.nextAt = now.Add(s.cfg.Interval)
		due = true
	} else if deadline, ok := s.deadlines.EarliestReshuffleDeadline(); ok && !now.Before(deadline) {
		due = true
	}
	ctx := s.ctx
	s.mu.Unlock()

	if due {
		_ = s.run(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || seq != s.seq {
		return
	}
	if s.cfg.Mode == ModeDeadline {
		s.armLocked(s.nextAt.Sub(s.clock.Now()))
	} else {
		s.armLocked(s.cfg.PollInterval)
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	start := s.clock.Now()
	if err := s.reshuffle(ctx); err != nil {
		s.logger.Error(logging.Scheduler, logging.Reshuffle, "scheduled reshuffle failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return err
	}

	s.logger.Debug(logging.Scheduler, logging.Reshuffle, "reshuffle done", map[logging.ExtraKey]any{
		logging.Duration: s.clock.Since(start),
		logging.NextAt:   s.NextReshuffleAt(),
	})
	return nil
}
