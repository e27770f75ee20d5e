package service

import (
	"context"
	"strings"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
)

// DefaultViolationAfter is how long a lock may stay open before it counts as a violation.
const DefaultViolationAfter = 48 * time.Hour

type DetectorConfig struct {
	MonitoredUnits     []string
	WhitelistLocations []string
	// ViolationAfter defaults to 48h when zero.
	ViolationAfter time.Duration
}

// ViolationDetector turns a lock-status snapshot into violation events. It is
// stateless across cycles: a violation that persists is reported every cycle.
type ViolationDetector struct {
	monitored map[string]struct{}
	whitelist map[string]struct{}
	after     time.Duration
}

func NewViolationDetector(cfg DetectorConfig) *ViolationDetector {
	after := cfg.ViolationAfter
	if after <= 0 {
		after = DefaultViolationAfter
	}
	return &ViolationDetector{
		monitored: toSet(cfg.MonitoredUnits),
		whitelist: toSet(cfg.WhitelistLocations),
		after:     after,
	}
}

// Detect emits one event per monitored, non-whitelisted unit that has been
// unlocked for at least the violation duration at now.
func (d *ViolationDetector) Detect(ctx context.Context, statuses []types.LockStatus, now time.Time) []types.ViolationEvent {
	var out []types.ViolationEvent

	for _, st := range statuses {
		if _, ok := d.monitored[strings.TrimSpace(st.UnitID)]; !ok {
			continue
		}
		if _, ok := d.whitelist[strings.TrimSpace(st.LocationID)]; ok {
			continue
		}
		if st.Locked {
			continue
		}
		if st.LockedSince.IsZero() {
			logger.WarnKV(ctx, "Lock status without timestamp, skipping",
				"unit_id", st.UnitID, "lock_id", st.LockID)
			continue
		}
		if now.Sub(st.LockedSince) < d.after {
			continue
		}

		out = append(out, types.ViolationEvent{
			CardUID:     strings.TrimSpace(st.LastCardUID),
			LockID:      st.LockID,
			LocationID:  st.LocationID,
			LockedSince: st.LockedSince,
			ObservedAt:  now,
		})
	}

	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
