package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/service"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store/memory"
)

func newTestQuery(t *testing.T) (*service.StrikeQuery, *memory.StrikeStore) {
	t.Helper()

	ss := memory.NewStrikeStore()
	ctx := context.Background()
	recs := []store.StrikeRecord{
		{CardUID: "A", StrikeCount: 1, FirstStrikeAt: t0.Add(-30 * 24 * time.Hour), LastStrikeAt: t0.Add(-30 * 24 * time.Hour)},
		{CardUID: "B", StrikeCount: 2, FirstStrikeAt: t0.Add(-5 * 24 * time.Hour), LastStrikeAt: t0.Add(-2 * 24 * time.Hour)},
		{CardUID: "C", StrikeCount: 5, FirstStrikeAt: t0.Add(-20 * 24 * time.Hour), LastStrikeAt: t0.Add(-time.Hour), Guest: true},
	}
	for _, r := range recs {
		require.NoError(t, ss.Upsert(ctx, r))
	}
	return service.NewStrikeQuery(ss, clock.NewManual(t0)), ss
}

func TestStrikeQuery_ListMostRecentFirst(t *testing.T) {
	t.Parallel()

	q, _ := newTestQuery(t)
	recs, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "C", recs[0].CardUID)
	require.Equal(t, "B", recs[1].CardUID)
	require.Equal(t, "A", recs[2].CardUID)
}

func TestStrikeQuery_Stats(t *testing.T) {
	t.Parallel()

	q, _ := newTestQuery(t)
	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, service.StrikeStats{
		Total:       3,
		Strike1:     1,
		Strike2:     1,
		Strike3Plus: 1,
		Guest:       1,
		Highest:     5,
		Recent:      2,
		GeneratedAt: t0,
	}, st)
}

func TestStrikeQuery_Reset(t *testing.T) {
	t.Parallel()

	q, ss := newTestQuery(t)
	ctx := context.Background()

	require.NoError(t, q.Reset(ctx, " B "))
	_, err := ss.Get(ctx, "B")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, q.Reset(ctx, "B"), store.ErrNotFound)
	require.ErrorIs(t, q.Reset(ctx, "  "), service.ErrInvalidCardUID)

	_, err = q.Get(ctx, "")
	require.ErrorIs(t, err, service.ErrInvalidCardUID)
}
