package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/lockwarden/internal/db"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store/memory"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store/sqlite"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/retry"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// subMilli carries nanoseconds neither store keeps.
var subMilli = t0.Add(123456 * time.Nanosecond)

// strikeBackends builds one fresh StrikeStore per implementation.
var strikeBackends = map[string]func(t *testing.T) store.StrikeStore{
	"memory": func(*testing.T) store.StrikeStore { return memory.NewStrikeStore() },
	"sqlite": func(t *testing.T) store.StrikeStore {
		t.Helper()
		conn, err := db.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "strikes.db")})
		require.NoError(t, err)
		w := db.NewWorker(conn)
		t.Cleanup(func() {
			w.Close()
			_ = conn.Close()
		})
		return sqlite.NewStrikeStore(conn, w)
	},
}

// fastRetry keeps retry tests quick.
var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// ── Directory ────────────────────────────────────────────────────────────────

type fakeDirectory struct {
	mu      sync.Mutex
	people  map[string]types.Person
	err     error
	removed []string
}

func newFakeDirectory(people ...types.Person) *fakeDirectory {
	d := &fakeDirectory{people: make(map[string]types.Person)}
	for _, p := range people {
		d.people[strings.ToUpper(p.CardUID)] = p
	}
	return d
}

func (d *fakeDirectory) Lookup(_ context.Context, uid string) (types.Person, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return types.Person{}, d.err
	}
	p, ok := d.people[strings.ToUpper(uid)]
	if !ok {
		return types.Person{}, types.ErrUnknownCard
	}
	return p, nil
}

func (d *fakeDirectory) RemoveCard(_ context.Context, uid string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, uid)
	_, ok := d.people[strings.ToUpper(uid)]
	delete(d.people, strings.ToUpper(uid))
	return ok, nil
}

func person(uid string) types.Person {
	return types.Person{
		CardUID:         uid,
		FirstName:       "Anna",
		LastName:        "Schmidt",
		Gender:          "w",
		Supervisor:      "Herr Weber",
		Email:           "anna.schmidt@example.org",
		SupervisorEmail: "weber@example.org",
	}
}

// ── Notifier ─────────────────────────────────────────────────────────────────

type sentNotice struct {
	ToUser bool
	Notice types.Notice
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []sentNotice
	failures int // number of calls that fail before succeeding
	err      error
	calls    int
}

func (n *fakeNotifier) NotifyUser(_ context.Context, notice types.Notice) error {
	return n.record(true, notice)
}

func (n *fakeNotifier) NotifySupervisor(_ context.Context, notice types.Notice) error {
	return n.record(false, notice)
}

func (n *fakeNotifier) record(toUser bool, notice types.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	if n.failures > 0 {
		n.failures--
		return errors.New("smtp: temporary failure")
	}
	n.sent = append(n.sent, sentNotice{ToUser: toUser, Notice: notice})
	return nil
}

func (n *fakeNotifier) Sent() []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotice(nil), n.sent...)
}

// ── Revoker ──────────────────────────────────────────────────────────────────

type fakeRevoker struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (r *fakeRevoker) RevokeCard(_ context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.revoked = append(r.revoked, uid)
	return nil
}

func (r *fakeRevoker) Revoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.revoked...)
}

// ── Status source ────────────────────────────────────────────────────────────

type fakeSource struct {
	mu       sync.Mutex
	statuses []types.LockStatus
	err      error
	calls    int
}

func (s *fakeSource) FetchStatuses(_ context.Context, _ []string) ([]types.LockStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]types.LockStatus(nil), s.statuses...), nil
}

// ── Store ────────────────────────────────────────────────────────────────────

// failingStore wraps a store and fails Update for the listed cards.
type failingStore struct {
	store.StrikeStore
	failFor map[string]bool
}

func (s *failingStore) Update(ctx context.Context, uid string, fn store.UpdateFunc) error {
	if s.failFor[uid] {
		return errors.New("database is locked")
	}
	return s.StrikeStore.Update(ctx, uid, fn)
}

func violation(uid string, at time.Time) types.ViolationEvent {
	return types.ViolationEvent{
		CardUID:     uid,
		LockID:      "lock-7",
		LocationID:  "loc-1",
		LockedSince: at.Add(-72 * time.Hour),
		ObservedAt:  at,
	}
}

func (s *fakeSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
