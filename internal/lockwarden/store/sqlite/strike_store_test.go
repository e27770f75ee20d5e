package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	sqlitestore "github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store/sqlite"
)

var base = time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlitestore.StrikeStore {
	t.Helper()
	conn := openTestDB(t)
	return sqlitestore.NewStrikeStore(conn, newTestWriter(t, conn))
}

// ═══════════════════════════════════════════════════════════════════════════
// Get / Upsert / Delete
// ═══════════════════════════════════════════════════════════════════════════

func TestStrikeStore_GetMissing(t *testing.T) {
	ss := newStore(t)

	_, err := ss.Get(context.Background(), "ABC123")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStrikeStore_UpsertRoundTrip(t *testing.T) {
	ss := newStore(t)
	ctx := context.Background()

	rec := store.StrikeRecord{
		CardUID:       "ABC123",
		StrikeCount:   2,
		FirstStrikeAt: base,
		LastStrikeAt:  base.Add(50 * time.Hour),
		Guest:         true,
	}
	require.NoError(t, ss.Upsert(ctx, rec))

	got, err := ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	rec.StrikeCount = 3
	rec.LastStrikeAt = base.Add(100 * time.Hour)
	require.NoError(t, ss.Upsert(ctx, rec))

	got, err = ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, 3, got.StrikeCount)
	require.Equal(t, base.Add(100*time.Hour), got.LastStrikeAt)
}

func TestStrikeStore_Delete(t *testing.T) {
	ss := newStore(t)
	ctx := context.Background()

	require.NoError(t, ss.Upsert(ctx, store.StrikeRecord{CardUID: "ABC123", StrikeCount: 1, FirstStrikeAt: base, LastStrikeAt: base}))

	deleted, err := ss.Delete(ctx, "ABC123")
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = ss.Delete(ctx, "ABC123")
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = ss.Get(ctx, "ABC123")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// ═══════════════════════════════════════════════════════════════════════════
// Update: atomic read-modify-write
// ═══════════════════════════════════════════════════════════════════════════

func TestStrikeStore_UpdateCreatesAndSkips(t *testing.T) {
	ss := newStore(t)
	ctx := context.Background()

	var sawFound bool
	err := ss.Update(ctx, "ABC123", func(_ store.StrikeRecord, found bool) (store.StrikeRecord, bool, error) {
		sawFound = found
		return store.StrikeRecord{StrikeCount: 1, FirstStrikeAt: base, LastStrikeAt: base}, true, nil
	})
	require.NoError(t, err)
	require.False(t, sawFound)

	var seen store.StrikeRecord
	err = ss.Update(ctx, "ABC123", func(cur store.StrikeRecord, found bool) (store.StrikeRecord, bool, error) {
		sawFound, seen = found, cur
		cur.StrikeCount = 99
		return cur, false, nil
	})
	require.NoError(t, err)
	require.True(t, sawFound)
	require.Equal(t, 1, seen.StrikeCount)

	got, err := ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, "ABC123", got.CardUID)
	require.Equal(t, 1, got.StrikeCount)
}

func TestStrikeStore_UpdateConcurrentNoLostUpdates(t *testing.T) {
	ss := newStore(t)
	ctx := context.Background()

	const workers = 20
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ss.Update(ctx, "ABC123", func(cur store.StrikeRecord, found bool) (store.StrikeRecord, bool, error) {
				if !found {
					cur.FirstStrikeAt = base
				}
				cur.StrikeCount++
				cur.LastStrikeAt = base
				return cur, true, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, workers, got.StrikeCount)
}

// ═══════════════════════════════════════════════════════════════════════════
// ListStale / DeleteStale: strict threshold
// ═══════════════════════════════════════════════════════════════════════════

func TestStrikeStore_ListStaleIsStrict(t *testing.T) {
	ss := newStore(t)
	ctx := context.Background()
	threshold := base

	for uid, last := range map[string]time.Time{
		"OLD":    threshold.Add(-time.Millisecond),
		"EXACT":  threshold,
		"RECENT": threshold.Add(time.Hour),
	} {
		require.NoError(t, ss.Upsert(ctx, store.StrikeRecord{CardUID: uid, StrikeCount: 1, FirstStrikeAt: last, LastStrikeAt: last}))
	}

	stale, err := ss.ListStale(ctx, threshold)
	require.NoError(t, err)
	require.Equal(t, []string{"OLD"}, stale)

	deleted, err := ss.DeleteStale(ctx, "EXACT", threshold)
	require.NoError(t, err)
	require.False(t, deleted)

	// Card UIDs are trimmed like everywhere else.
	deleted, err = ss.DeleteStale(ctx, " OLD ", threshold)
	require.NoError(t, err)
	require.True(t, deleted)

	all, err := ss.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "EXACT", all[0].CardUID)
	require.Equal(t, "RECENT", all[1].CardUID)
}
