package service

import (
	"context"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
)

// DefaultCleanupDays is the strike history retention.
const DefaultCleanupDays = 90

// CleanupSweep deletes strike records whose last strike is older than the
// retention period. A retention of 0 disables the sweep.
type CleanupSweep struct {
	store     store.StrikeStore
	retention time.Duration
	clock     clock.Clock
}

func NewCleanupSweep(s store.StrikeStore, retentionDays int, c clock.Clock) *CleanupSweep {
	if c == nil {
		c = clock.System{}
	}
	return &CleanupSweep{
		store:     s,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		clock:     c,
	}
}

// Enabled reports whether the sweep deletes anything at all.
func (c *CleanupSweep) Enabled() bool {
	return c.retention > 0
}

// Run deletes every record with now - last_strike_at > retention and returns
// how many were removed. Each deletion re-checks staleness so a record that
// received a strike since the listing survives.
func (c *CleanupSweep) Run(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	cutoff := c.clock.Now().UTC().Truncate(time.Millisecond).Add(-c.retention)
	stale, err := c.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale strike records: %w", err)
	}

	deleted := 0
	for _, uid := range stale {
		ok, err := c.store.DeleteStale(ctx, uid, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("delete stale strike record %s: %w", uid, err)
		}
		if ok {
			deleted++
		}
	}

	if deleted > 0 {
		logger.InfoKV(ctx, "Strike cleanup finished",
			"deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
