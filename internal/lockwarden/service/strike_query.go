package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
)

// ErrInvalidCardUID is returned for blank card uids.
var ErrInvalidCardUID = errors.New("invalid card uid")

// RecentWindow bounds the "recent" bucket of StrikeStats.
const RecentWindow = 7 * 24 * time.Hour

// StrikeStats aggregates the strike records currently stored.
type StrikeStats struct {
	Total       int       `json:"total"`
	Strike1     int       `json:"strike_1"`
	Strike2     int       `json:"strike_2"`
	Strike3Plus int       `json:"strike_3_plus"`
	Guest       int       `json:"guest"`
	Highest     int       `json:"highest_count"`
	Recent      int       `json:"recent"`
	GeneratedAt time.Time `json:"generated_at"`
}

// StrikeQuery is the operator view of strike records: listing, statistics
// and explicit reset. It never escalates.
type StrikeQuery struct {
	store store.StrikeStore
	clock clock.Clock
}

func NewStrikeQuery(s store.StrikeStore, c clock.Clock) *StrikeQuery {
	if c == nil {
		c = clock.System{}
	}
	return &StrikeQuery{store: s, clock: c}
}

// List returns every record, most recent strike first.
func (q *StrikeQuery) List(ctx context.Context) ([]store.StrikeRecord, error) {
	recs, err := q.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list strike records: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].LastStrikeAt.Equal(recs[j].LastStrikeAt) {
			return recs[i].LastStrikeAt.After(recs[j].LastStrikeAt)
		}
		return recs[i].CardUID < recs[j].CardUID
	})
	return recs, nil
}

func (q *StrikeQuery) Get(ctx context.Context, cardUID string) (store.StrikeRecord, error) {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return store.StrikeRecord{}, ErrInvalidCardUID
	}
	return q.store.Get(ctx, cardUID)
}

func (q *StrikeQuery) Stats(ctx context.Context) (StrikeStats, error) {
	recs, err := q.store.List(ctx)
	if err != nil {
		return StrikeStats{}, fmt.Errorf("list strike records: %w", err)
	}

	now := q.clock.Now()
	st := StrikeStats{Total: len(recs), GeneratedAt: now}
	for _, r := range recs {
		switch {
		case r.StrikeCount >= 3:
			st.Strike3Plus++
		case r.StrikeCount == 2:
			st.Strike2++
		case r.StrikeCount == 1:
			st.Strike1++
		}
		if r.Guest {
			st.Guest++
		}
		if r.StrikeCount > st.Highest {
			st.Highest = r.StrikeCount
		}
		if now.Sub(r.LastStrikeAt) <= RecentWindow {
			st.Recent++
		}
	}
	return st, nil
}

// Reset deletes a card's record. It returns store.ErrNotFound when there
// was nothing to delete.
func (q *StrikeQuery) Reset(ctx context.Context, cardUID string) error {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return ErrInvalidCardUID
	}

	ok, err := q.store.Delete(ctx, cardUID)
	if err != nil {
		return fmt.Errorf("reset strikes for %s: %w", cardUID, err)
	}
	if !ok {
		return store.ErrNotFound
	}

	logger.InfoKV(ctx, "Strike record reset by operator", "card_uid", cardUID)
	return nil
}
