// Package retention runs the periodic cleanup sweep that keeps the console's
// entity graph from accumulating finished work.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/fleetdeck/internal/monitor"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Console *monitor.Console
	Logger  *slog.Logger

	// CronSpec schedules the sweep; defaults to every ten minutes.
	CronSpec string

	// ClearCompletedAgents removes terminal agents during the sweep.
	ClearCompletedAgents bool

	// Interval is the clock-check tick; defaults to 30s. Exposed for tests.
	Interval time.Duration
}

// Sweeper fires the cleanup sweep when its cron schedule is due.
type Sweeper struct {
	console  *monitor.Console
	logger   *slog.Logger
	schedule cronlib.Schedule
	clear    bool
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time
	sweeps  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper. The cron expression is validated up front.
func New(cfg Config) (*Sweeper, error) {
	spec := cfg.CronSpec
	if spec == "" {
		spec = "*/10 * * * *"
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		console:  cfg.Console,
		logger:   logger.With("component", "retention"),
		schedule: schedule,
		clear:    cfg.ClearCompletedAgents,
		interval: interval,
		nextRun:  schedule.Next(time.Now()),
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "next_run", s.NextRun())
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

// NextRun returns the next scheduled sweep time.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Sweeps returns how many sweeps have run.
func (s *Sweeper) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.maybeSweep(now)
		}
	}
}

func (s *Sweeper) maybeSweep(now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
		s.sweeps++
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.Sweep()
}

// Sweep runs one cleanup pass immediately, independent of the schedule.
func (s *Sweeper) Sweep() {
	if !s.clear {
		s.logger.Debug("retention sweep: nothing enabled")
		return
	}
	removed := s.console.ClearCompletedAgents()
	s.logger.Info("retention sweep completed",
		"agents_removed", len(removed),
		"entity_count", s.console.EntityCount(),
	)
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
