package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/service"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store/memory"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
)

func newTestEngine(policy service.StrikePolicy, people ...types.Person) (*service.StrikeEngine, *memory.StrikeStore, *fakeDirectory) {
	ss := memory.NewStrikeStore()
	dir := newFakeDirectory(people...)
	return service.NewStrikeEngine(ss, dir, policy), ss, dir
}

func kinds(actions []types.Action) []types.ActionKind {
	out := make([]types.ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

// ── State machine ────────────────────────────────────────────────────────────

func TestStrikeEngine_EndToEndEscalation(t *testing.T) {
	t.Parallel()

	engine, ss, _ := newTestEngine(service.StrikePolicy{}, person("ABC123"))
	ctx := context.Background()

	// First violation creates strike 1.
	d, err := engine.Process(ctx, violation("ABC123", t0))
	require.NoError(t, err)
	require.Equal(t, service.OutcomeStrike, d.Outcome)
	require.Equal(t, []types.ActionKind{types.ActionNotifyUser}, kinds(d.Actions))
	require.Equal(t, types.TemplateStrike1, d.Actions[0].Template)
	require.Equal(t, 1, d.Record.StrikeCount)

	// 24h later is inside the cooldown.
	d, err = engine.Process(ctx, violation("ABC123", t0.Add(24*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, service.OutcomeCooldown, d.Outcome)
	require.Empty(t, d.Actions)

	rec, err := ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, 1, rec.StrikeCount)
	require.True(t, rec.LastStrikeAt.Equal(t0), "cooldown must not move last_strike_at")

	// 49h later escalates to strike 2.
	d, err = engine.Process(ctx, violation("ABC123", t0.Add(49*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, []types.ActionKind{types.ActionNotifyUser}, kinds(d.Actions))
	require.Equal(t, types.TemplateStrike2, d.Actions[0].Template)

	// Strike 3 revokes first, then notifies.
	d, err = engine.Process(ctx, violation("ABC123", t0.Add(50*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, []types.ActionKind{types.ActionRevokeCard, types.ActionNotifyUser}, kinds(d.Actions))
	require.Equal(t, types.TemplateStrike3, d.Actions[1].Template)
	require.Equal(t, 3, d.Record.StrikeCount)

	// Beyond strike 3 the default policy only counts.
	d, err = engine.Process(ctx, violation("ABC123", t0.Add(51*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, service.OutcomeCounted, d.Outcome)
	require.Empty(t, d.Actions)

	rec, err = ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, 4, rec.StrikeCount)
	require.True(t, rec.FirstStrikeAt.Equal(t0))
	require.True(t, rec.LastStrikeAt.Equal(t0.Add(51*time.Hour)))
}

func TestStrikeEngine_CooldownBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		after   time.Duration
		outcome service.Outcome
		count   int
	}{
		{"just inside", 48*time.Hour - time.Millisecond, service.OutcomeCooldown, 1},
		{"exactly 48h", 48 * time.Hour, service.OutcomeStrike, 2},
		{"after 48h", 48*time.Hour + time.Minute, service.OutcomeStrike, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			engine, ss, _ := newTestEngine(service.StrikePolicy{}, person("ABC123"))
			ctx := context.Background()

			_, err := engine.Process(ctx, violation("ABC123", t0))
			require.NoError(t, err)

			d, err := engine.Process(ctx, violation("ABC123", t0.Add(tc.after)))
			require.NoError(t, err)
			require.Equal(t, tc.outcome, d.Outcome)

			rec, err := ss.Get(ctx, "ABC123")
			require.NoError(t, err)
			require.Equal(t, tc.count, rec.StrikeCount)
		})
	}
}

func TestStrikeEngine_CustomCooldown(t *testing.T) {
	t.Parallel()

	engine, _, _ := newTestEngine(service.StrikePolicy{Cooldown: time.Hour}, person("ABC123"))
	ctx := context.Background()

	_, err := engine.Process(ctx, violation("ABC123", t0))
	require.NoError(t, err)

	d, err := engine.Process(ctx, violation("ABC123", t0.Add(2*time.Hour)))
	require.NoError(t, err)
	require.Equal(t, 2, d.Record.StrikeCount)
}

func TestStrikeEngine_ReplayIsNoOp(t *testing.T) {
	t.Parallel()

	engine, ss, _ := newTestEngine(service.StrikePolicy{}, person("ABC123"))
	ctx := context.Background()
	ev := violation("ABC123", t0)

	_, err := engine.Process(ctx, ev)
	require.NoError(t, err)

	d, err := engine.Process(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, service.OutcomeDuplicate, d.Outcome)
	require.Empty(t, d.Actions)

	// An older event arriving late is ignored as well.
	d, err = engine.Process(ctx, violation("ABC123", t0.Add(-time.Hour)))
	require.NoError(t, err)
	require.Equal(t, service.OutcomeDuplicate, d.Outcome)

	rec, err := ss.Get(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, 1, rec.StrikeCount)
	require.True(t, rec.LastStrikeAt.Equal(t0))
}

func TestStrikeEngine_StrikeThreeEmitsExactlyOneRevoke(t *testing.T) {
	t.Parallel()

	engine, ss, _ := newTestEngine(service.StrikePolicy{}, person("ABC123"))
	ctx := context.Background()
	require.NoError(t, ss.Upsert(ctx, store.StrikeRecord{
		CardUID: "ABC123", StrikeCount: 2, FirstStrikeAt: t0, LastStrikeAt: t0.Add(50 * time.Hour),
	}))

	ev := violation("ABC123", t0.Add(51*time.Hour))
	d, err := engine.Process(ctx, ev)
	require.NoError(t, err)

	revokes := 0
	for _, a := range d.Actions {
		if a.Kind == types.ActionRevokeCard {
			revokes++
		}
	}
	require.Equal(t, 1, revokes)

	// Re-processing the same event yields nothing.
	d, err = engine.Process(ctx, ev)
	require.NoError(t, err)
	require.Empty(t, d.Actions)
}

// ── Terminal policy ──────────────────────────────────────────────────────────

func TestStrikeEngine_ReplayWithSubMillisecondTimestamp(t *testing.T) {
	t.Parallel()

	for name, newStore := range strikeBackends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ss := newStore(t)
			engine := service.NewStrikeEngine(ss, newFakeDirectory(person("ABC123")), service.StrikePolicy{})
			ctx := context.Background()

			for i, at := range []time.Time{subMilli, subMilli.Add(50 * time.Hour)} {
				d, err := engine.Process(ctx, violation("ABC123", at))
				require.NoError(t, err)
				require.Equal(t, i+1, d.Record.StrikeCount)
			}

			third := violation("ABC123", subMilli.Add(100*time.Hour))
			d, err := engine.Process(ctx, third)
			require.NoError(t, err)
			require.Equal(t, service.OutcomeStrike, d.Outcome)
			require.Contains(t, kinds(d.Actions), types.ActionRevokeCard)

			d, err = engine.Process(ctx, third)
			require.NoError(t, err)
			require.Equal(t, service.OutcomeDuplicate, d.Outcome)
			require.Empty(t, d.Actions)

			rec, err := ss.Get(ctx, "ABC123")
			require.NoError(t, err)
			require.Equal(t, 3, rec.StrikeCount)
		})
	}
}

func TestStrikeEngine_TerminalPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy service.TerminalPolicy
		want   []types.ActionKind
	}{
		{service.TerminalSilent, []types.ActionKind{}},
		{service.TerminalNotify, []types.ActionKind{types.ActionNotifyUser}},
		{service.TerminalRevoke, []types.ActionKind{types.ActionRevokeCard, types.ActionNotifyUser}},
	}

	for _, tc := range tests {
		t.Run(string(tc.policy), func(t *testing.T) {
			t.Parallel()

			engine, ss, _ := newTestEngine(service.StrikePolicy{Terminal: tc.policy}, person("ABC123"))
			ctx := context.Background()
			require.NoError(t, ss.Upsert(ctx, store.StrikeRecord{
				CardUID: "ABC123", StrikeCount: 3, FirstStrikeAt: t0, LastStrikeAt: t0,
			}))

			d, err := engine.Process(ctx, violation("ABC123", t0.Add(time.Hour)))
			require.NoError(t, err)
			require.Equal(t, service.OutcomeCounted, d.Outcome)
			require.Equal(t, tc.want, kinds(d.Actions))
			require.Equal(t, 4, d.Record.StrikeCount)
			for _, a := range d.Actions {
				if a.Kind == types.ActionNotifyUser {
					require.Equal(t, types.TemplateStrike3, a.Template)
				}
			}
		})
	}
}

func TestParseTerminalPolicy(t *testing.T) {
	t.Parallel()

	p, err := service.ParseTerminalPolicy("")
	require.NoError(t, err)
	require.Equal(t, service.TerminalSilent, p)

	p, err = service.ParseTerminalPolicy(" Revoke ")
	require.NoError(t, err)
	require.Equal(t, service.TerminalRevoke, p)

	_, err = service.ParseTerminalPolicy("explode")
	require.ErrorIs(t, err, service.ErrUnknownTerminalPolicy)
}

// ── Guest branch ─────────────────────────────────────────────────────────────

func TestStrikeEngine_EmptyCardAlertsSupervisor(t *testing.T) {
	t.Parallel()

	engine, ss, _ := newTestEngine(service.StrikePolicy{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := engine.Process(ctx, violation("", t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		require.Equal(t, service.OutcomeGuest, d.Outcome)
		require.Equal(t, []types.ActionKind{types.ActionNotifySupervisorOnly}, kinds(d.Actions))
		require.Equal(t, "lock-7", d.Actions[0].LockID)
		require.Equal(t, "loc-1", d.Actions[0].LocationID)
	}

	recs, err := ss.List(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestStrikeEngine_UnknownCardTreatedAsGuest(t *testing.T) {
	t.Parallel()

	engine, ss, _ := newTestEngine(service.StrikePolicy{})
	ctx := context.Background()

	d, err := engine.Process(ctx, violation("FFFF", t0))
	require.NoError(t, err)
	require.Equal(t, service.OutcomeGuest, d.Outcome)
	require.Nil(t, d.Person)
	require.Equal(t, []types.ActionKind{types.ActionNotifySupervisorOnly}, kinds(d.Actions))

	_, err = ss.Get(ctx, "FFFF")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStrikeEngine_RegisteredGuestCardNotifiesSupervisorOnly(t *testing.T) {
	t.Parallel()

	guest := person("GUEST01")
	guest.LastName = "Gästekarte"
	guest.Guest = true

	engine, ss, _ := newTestEngine(service.StrikePolicy{}, guest)
	ctx := context.Background()

	d, err := engine.Process(ctx, violation("GUEST01", t0))
	require.NoError(t, err)
	require.Equal(t, service.OutcomeStrike, d.Outcome)
	require.Len(t, d.Actions, 1)
	require.Equal(t, types.ActionNotifySupervisorOnly, d.Actions[0].Kind)
	require.Equal(t, "GUEST01", d.Actions[0].CardUID)
	require.Equal(t, types.TemplateStrike1, d.Actions[0].Template)

	rec, err := ss.Get(ctx, "GUEST01")
	require.NoError(t, err)
	require.True(t, rec.Guest)
}

// ── Errors ───────────────────────────────────────────────────────────────────

func TestStrikeEngine_DirectoryFailure(t *testing.T) {
	t.Parallel()

	engine, ss, dir := newTestEngine(service.StrikePolicy{}, person("ABC123"))
	dir.err = errors.New("spreadsheet locked")
	ctx := context.Background()

	_, err := engine.Process(ctx, violation("ABC123", t0))
	require.ErrorIs(t, err, service.ErrDirectory)

	_, err = ss.Get(ctx, "ABC123")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStrikeEngine_StoreFailure(t *testing.T) {
	t.Parallel()

	fs := &failingStore{StrikeStore: memory.NewStrikeStore(), failFor: map[string]bool{"ABC123": true}}
	engine := service.NewStrikeEngine(fs, newFakeDirectory(person("ABC123")), service.StrikePolicy{})

	_, err := engine.Process(context.Background(), violation("ABC123", t0))
	require.ErrorIs(t, err, service.ErrPersistence)
}
