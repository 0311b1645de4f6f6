// Package cron re-fetches session history over HTTP on a cron schedule so
// the task and action panes catch up with anything the realtime channel
// missed.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ErrDisabled is returned by NewScheduler for an empty schedule.
var ErrDisabled = errors.New("cron: refresh schedule is empty")

type Config struct {
	Schedule string // 5-field cron expression
	// Refresh performs one history load. Errors are logged and the next
	// run is still scheduled.
	Refresh func(ctx context.Context) error
	// Skip, when set and true, postpones a due run to the next slot.
	Skip     func() bool
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 5 seconds if zero
	Now      func() time.Time
}

// Scheduler checks on every tick whether the schedule is due and, if so,
// runs Refresh. The first tick always runs.
type Scheduler struct {
	sched    cronlib.Schedule
	expr     string
	refresh  func(ctx context.Context) error
	skip     func() bool
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	next    time.Time
	runs    int
	lastErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		return nil, ErrDisabled
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", expr, err)
	}
	if cfg.Refresh == nil {
		return nil, errors.New("cron: refresh func is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		sched:    sched,
		expr:     expr,
		refresh:  cfg.Refresh,
		skip:     cfg.Skip,
		logger:   logger,
		interval: interval,
		now:      now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("history refresh scheduler started", "schedule", s.expr, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("history refresh scheduler stopped")
}

// Runs reports how many refreshes have completed and the last error.
func (s *Scheduler) Runs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastErr
}

// NextRun is the time of the next scheduled refresh; zero before the first
// tick.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx, s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick runs a refresh if one is due at now and schedules the next.
func (s *Scheduler) tick(ctx context.Context, now time.Time) bool {
	s.mu.Lock()
	due := s.next.IsZero() || !now.Before(s.next)
	if due {
		s.next = s.sched.Next(now)
	}
	next := s.next
	s.mu.Unlock()
	if !due {
		return false
	}
	if s.skip != nil && s.skip() {
		s.logger.Debug("history refresh skipped", "next_run_at", next)
		return false
	}

	err := s.refresh(ctx)
	s.mu.Lock()
	s.runs++
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("history refresh failed", "error", err, "next_run_at", next)
		return true
	}
	s.logger.Debug("history refreshed", "next_run_at", next)
	return true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
