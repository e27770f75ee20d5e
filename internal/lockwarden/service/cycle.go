package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/retry"
)

// ErrFetchStatuses wraps a failed lock-status download.
var ErrFetchStatuses = errors.New("fetch lock statuses")

// LockStatusSource reports the current state of every lock in the given units.
type LockStatusSource interface {
	FetchStatuses(ctx context.Context, units []string) ([]types.LockStatus, error)
}

// CardError records a per-card failure inside a cycle.
type CardError struct {
	CardUID string
	Err     error
}

func (e CardError) Error() string {
	return fmt.Sprintf("card %s: %v", e.CardUID, e.Err)
}

func (e CardError) Unwrap() error { return e.Err }

// CycleReport summarizes one run of the cycle.
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time

	Statuses   int
	Violations int
	Outcomes   map[Outcome]int

	ActionsFailed int
	CardErrors    []CardError

	FetchErr   error
	Cleaned    int
	CleanupErr error
}

// Err joins every failure recorded in the report.
func (r CycleReport) Err() error {
	errs := []error{r.FetchErr, r.CleanupErr}
	for _, ce := range r.CardErrors {
		errs = append(errs, ce)
	}
	return errors.Join(errs...)
}

// CycleConfig wires the collaborators of one Cycle.
type CycleConfig struct {
	Units    []string
	Source   LockStatusSource
	Detector *ViolationDetector
	Engine   *StrikeEngine
	Executor *ActionExecutor
	// Sweep is nil when cleanup runs on its own schedule.
	Sweep        *CleanupSweep
	Clock        clock.Clock
	Retry        retry.Policy
	FetchTimeout time.Duration
}

// Cycle is one run-to-completion pass: fetch, detect, decide, act, sweep.
type Cycle struct {
	cfg CycleConfig
}

func NewCycle(cfg CycleConfig) *Cycle {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Cycle{cfg: cfg}
}

// Run executes one cycle. Per-card failures never abort the cycle; they are
// collected in the report. The cleanup sweep runs even when fetching failed.
func (c *Cycle) Run(ctx context.Context) CycleReport {
	rep := CycleReport{
		ID:        uuid.NewString(),
		StartedAt: c.cfg.Clock.Now(),
		Outcomes:  make(map[Outcome]int),
	}
	ctx = logger.WithKV(ctx, "cycle_id", rep.ID)
	logger.InfoKV(ctx, "Cycle started", "units", len(c.cfg.Units))

	statuses, err := c.fetch(ctx)
	if err != nil {
		rep.FetchErr = fmt.Errorf("%w: %w", ErrFetchStatuses, err)
		logger.ErrorKV(ctx, "Lock status fetch failed", "error", err)
	} else {
		rep.Statuses = len(statuses)
		c.process(ctx, statuses, &rep)
	}

	if c.cfg.Sweep != nil {
		rep.Cleaned, rep.CleanupErr = c.cfg.Sweep.Run(ctx)
		if rep.CleanupErr != nil {
			logger.ErrorKV(ctx, "Strike cleanup failed", "error", rep.CleanupErr)
		}
	}

	rep.FinishedAt = c.cfg.Clock.Now()
	logger.InfoKV(ctx, "Cycle finished",
		"statuses", rep.Statuses,
		"violations", rep.Violations,
		"strikes", rep.Outcomes[OutcomeStrike],
		"guests", rep.Outcomes[OutcomeGuest],
		"card_errors", len(rep.CardErrors),
		"actions_failed", rep.ActionsFailed,
		"cleaned", rep.Cleaned,
		"duration", rep.FinishedAt.Sub(rep.StartedAt))
	return rep
}

func (c *Cycle) fetch(ctx context.Context) ([]types.LockStatus, error) {
	var statuses []types.LockStatus
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()

		var err error
		statuses, err = c.cfg.Source.FetchStatuses(callCtx, c.cfg.Units)
		return err
	})
	return statuses, err
}

func (c *Cycle) process(ctx context.Context, statuses []types.LockStatus, rep *CycleReport) {
	events := c.cfg.Detector.Detect(ctx, statuses, c.cfg.Clock.Now())
	rep.Violations = len(events)

	for _, ev := range latestPerCard(events) {
		evCtx := logger.WithKV(ctx, "card_uid", ev.CardUID, "lock_id", ev.LockID)

		d, err := c.cfg.Engine.Process(evCtx, ev)
		if err != nil {
			logger.ErrorKV(evCtx, "Strike processing failed", "error", err)
			rep.CardErrors = append(rep.CardErrors, CardError{CardUID: ev.CardUID, Err: err})
			continue
		}
		rep.Outcomes[d.Outcome]++
		logger.InfoKV(evCtx, "Strike decision",
			"outcome", string(d.Outcome), "strike_count", d.Record.StrikeCount)

		if len(d.Actions) == 0 {
			continue
		}
		if err := c.cfg.Executor.Execute(evCtx, d); err != nil {
			rep.ActionsFailed++
		}
	}
}

// latestPerCard keeps one event per card: the one with the latest
// locked_since, ties broken by the greater lock id. Guest events are all
// kept. Output is ordered by card uid with guest events last.
func latestPerCard(events []types.ViolationEvent) []types.ViolationEvent {
	byCard := make(map[string]types.ViolationEvent, len(events))
	var guests []types.ViolationEvent

	for _, ev := range events {
		if ev.Guest() {
			guests = append(guests, ev)
			continue
		}
		cur, ok := byCard[ev.CardUID]
		if !ok || newer(ev, cur) {
			byCard[ev.CardUID] = ev
		}
	}

	out := make([]types.ViolationEvent, 0, len(byCard)+len(guests))
	for _, ev := range byCard {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardUID < out[j].CardUID })
	sort.SliceStable(guests, func(i, j int) bool { return guests[i].LockID < guests[j].LockID })

	return append(out, guests...)
}

func newer(a, b types.ViolationEvent) bool {
	if !a.LockedSince.Equal(b.LockedSince) {
		return a.LockedSince.After(b.LockedSince)
	}
	return a.LockID > b.LockID
}
