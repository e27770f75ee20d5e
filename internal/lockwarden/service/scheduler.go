package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BrandonDHaskell/lockwarden/internal/logger"
)

// DefaultSchedule runs the cycle once a day at midnight.
const DefaultSchedule = "0 0 * * *"

// SchedulerConfig holds the parameters for NewScheduler.
type SchedulerConfig struct {
	// Schedule is a standard five-field cron expression. Defaults to DefaultSchedule.
	Schedule string

	// CleanupSchedule runs the cleanup sweep on its own. Empty means the
	// sweep only runs as part of each cycle.
	CleanupSchedule string

	// RunOnStart runs one cycle immediately after Start.
	RunOnStart bool

	// OnReport, if set, receives the report of every finished cycle.
	OnReport func(CycleReport)
}

// Scheduler triggers cycles from a cron schedule. A tick that arrives while
// the previous cycle is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	cycle  *Cycle
	sweep  *CleanupSweep
	cfg    SchedulerConfig
	entry  cron.EntryID
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler parses the schedules but does not start anything.
func NewScheduler(cycle *Cycle, sweep *CleanupSweep, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}

	cl := cronLogger{}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{cron: c, cycle: cycle, sweep: sweep, cfg: cfg}

	id, err := c.AddFunc(cfg.Schedule, s.runCycle)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	s.entry = id

	if cfg.CleanupSchedule != "" {
		if sweep == nil {
			return nil, fmt.Errorf("cleanup schedule %q set without a cleanup sweep", cfg.CleanupSchedule)
		}
		if _, err := c.AddFunc(cfg.CleanupSchedule, s.runSweep); err != nil {
			return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
	}

	return s, nil
}

// Start begins scheduling. Jobs run with ctx; cancelling it stops further
// cycles from doing work.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)

		if s.cfg.RunOnStart {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runCycle()
			}()
		}

		s.cron.Start()
		logger.InfoKV(ctx, "Scheduler started",
			"schedule", s.cfg.Schedule, "cleanup_schedule", s.cfg.CleanupSchedule)
	})
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.cron.Stop().Done()
		s.wg.Wait()
		logger.Info(context.Background(), "Scheduler stopped")
	})
}

// Next reports when the cycle is due next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) runCycle() {
	if s.ctx.Err() != nil {
		return
	}
	if !s.running.TryLock() {
		logger.Warn(s.ctx, "Previous cycle still running, skipping tick")
		return
	}
	defer s.running.Unlock()
	r := s.cycle.Run(s.ctx)
	if s.cfg.OnReport != nil {
		s.cfg.OnReport(r)
	}
}

func (s *Scheduler) runSweep() {
	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.sweep.Run(s.ctx); err != nil {
		logger.ErrorKV(s.ctx, "Scheduled strike cleanup failed", "error", err)
	}
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, kvs ...any) {
	logger.Logger().Debugw("cron: "+msg, kvs...)
}

func (cronLogger) Error(err error, msg string, kvs ...any) {
	logger.Logger().Errorw("cron: "+msg, append(kvs, "error", err)...)
}
