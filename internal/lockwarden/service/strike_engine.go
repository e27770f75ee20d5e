package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/store"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
)

// DefaultCooldown separates a first strike from the earliest possible second one.
const DefaultCooldown = 48 * time.Hour

var (
	// ErrPersistence wraps strike store failures. Fatal for the card in this cycle.
	ErrPersistence = errors.New("strike store failure")
	// ErrDirectory wraps directory failures other than an unknown card.
	ErrDirectory = errors.New("directory lookup failure")
	// ErrUnknownTerminalPolicy is returned by ParseTerminalPolicy.
	ErrUnknownTerminalPolicy = errors.New("unknown terminal policy")
)

// TerminalPolicy decides what happens on violations after the third strike.
type TerminalPolicy string

const (
	// TerminalSilent only counts further violations.
	TerminalSilent TerminalPolicy = "silent"
	// TerminalNotify sends the strike-3 notice again.
	TerminalNotify TerminalPolicy = "notify"
	// TerminalRevoke revokes the card again and sends the strike-3 notice.
	TerminalRevoke TerminalPolicy = "revoke"
)

// ParseTerminalPolicy maps a config value to a TerminalPolicy; empty means silent.
func ParseTerminalPolicy(s string) (TerminalPolicy, error) {
	switch p := TerminalPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return TerminalSilent, nil
	case TerminalSilent, TerminalNotify, TerminalRevoke:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTerminalPolicy, s)
	}
}

// StrikePolicy tunes the cooldown and what happens past the third strike.
type StrikePolicy struct {
	Cooldown time.Duration
	Terminal TerminalPolicy
}

// Outcome classifies what the engine did with one event.
type Outcome string

const (
	OutcomeStrike    Outcome = "strike"
	OutcomeCooldown  Outcome = "cooldown"
	OutcomeCounted   Outcome = "counted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeGuest     Outcome = "guest"
)

// Decision is the engine's verdict for one event: the committed record and
// the actions still to execute.
type Decision struct {
	Event   types.ViolationEvent
	Person  *types.Person
	Outcome Outcome
	Record  store.StrikeRecord
	Actions []types.Action
}

// Directory resolves card uids to people.
type Directory interface {
	Lookup(ctx context.Context, cardUID string) (types.Person, error)
}

// StrikeEngine applies the strike state machine. State changes are committed
// to the store before any action is returned, so a failed action never causes
// a repeated escalation.
type StrikeEngine struct {
	store     store.StrikeStore
	directory Directory
	policy    StrikePolicy
}

// NewStrikeEngine fills zero policy fields with their defaults.
func NewStrikeEngine(st store.StrikeStore, dir Directory, policy StrikePolicy) *StrikeEngine {
	if policy.Cooldown <= 0 {
		policy.Cooldown = DefaultCooldown
	}
	if policy.Terminal == "" {
		policy.Terminal = TerminalSilent
	}
	return &StrikeEngine{store: st, directory: dir, policy: policy}
}

// Process decides and commits the strike transition for one event.
func (e *StrikeEngine) Process(ctx context.Context, ev types.ViolationEvent) (Decision, error) {
	ev.CardUID = strings.TrimSpace(ev.CardUID)
	// Stores keep millisecond timestamps; compare at the same precision.
	ev.ObservedAt = ev.ObservedAt.UTC().Truncate(time.Millisecond)
	if ev.Guest() {
		return guestDecision(ev), nil
	}

	person, err := e.directory.Lookup(ctx, ev.CardUID)
	if errors.Is(err, types.ErrUnknownCard) {
		logger.InfoKV(ctx, "Card not in directory, alerting supervisor only", "card_uid", ev.CardUID)
		return guestDecision(ev), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrDirectory, err)
	}

	d := Decision{Event: ev, Person: &person}

	err = e.store.Update(ctx, ev.CardUID, func(cur store.StrikeRecord, found bool) (store.StrikeRecord, bool, error) {
		next, write, outcome, actions := e.transition(cur, found, ev, person.Guest)
		d.Outcome, d.Actions = outcome, actions
		if write {
			d.Record = next
		} else {
			d.Record = cur
		}
		return next, write, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return d, nil
}

// transition is the pure state machine. It never looks at the wall clock:
// the event's observation time is the only notion of now.
func (e *StrikeEngine) transition(
	cur store.StrikeRecord,
	found bool,
	ev types.ViolationEvent,
	guest bool,
) (store.StrikeRecord, bool, Outcome, []types.Action) {
	at := ev.ObservedAt.UTC()

	if !found {
		next := store.StrikeRecord{
			CardUID:       ev.CardUID,
			StrikeCount:   1,
			FirstStrikeAt: at,
			LastStrikeAt:  at,
			Guest:         guest,
		}
		return next, true, OutcomeStrike, []types.Action{e.notify(ev, 1, guest)}
	}

	// Replayed or out-of-order events must not move the record.
	if !at.After(cur.LastStrikeAt) {
		return cur, false, OutcomeDuplicate, nil
	}

	next := cur
	next.Guest = guest
	next.LastStrikeAt = at
	next.StrikeCount = cur.StrikeCount + 1

	switch {
	case cur.StrikeCount <= 0:
		next.StrikeCount = 1
		next.FirstStrikeAt = at
		return next, true, OutcomeStrike, []types.Action{e.notify(ev, 1, guest)}

	case cur.StrikeCount == 1:
		if at.Sub(cur.LastStrikeAt) < e.policy.Cooldown {
			return cur, false, OutcomeCooldown, nil
		}
		return next, true, OutcomeStrike, []types.Action{e.notify(ev, 2, guest)}

	case cur.StrikeCount == 2:
		return next, true, OutcomeStrike, []types.Action{revoke(ev), e.notify(ev, 3, guest)}

	default:
		switch e.policy.Terminal {
		case TerminalNotify:
			return next, true, OutcomeCounted, []types.Action{e.notify(ev, next.StrikeCount, guest)}
		case TerminalRevoke:
			return next, true, OutcomeCounted, []types.Action{revoke(ev), e.notify(ev, next.StrikeCount, guest)}
		default:
			return next, true, OutcomeCounted, nil
		}
	}
}

func (e *StrikeEngine) notify(ev types.ViolationEvent, strike int, guest bool) types.Action {
	kind := types.ActionNotifyUser
	if guest {
		kind = types.ActionNotifySupervisorOnly
	}
	return types.Action{
		Kind:       kind,
		CardUID:    ev.CardUID,
		Template:   types.TemplateForStrike(strike),
		Strike:     strike,
		LockID:     ev.LockID,
		LocationID: ev.LocationID,
		ObservedAt: ev.ObservedAt,
	}
}

func revoke(ev types.ViolationEvent) types.Action {
	return types.Action{
		Kind:       types.ActionRevokeCard,
		CardUID:    ev.CardUID,
		LockID:     ev.LockID,
		LocationID: ev.LocationID,
		ObservedAt: ev.ObservedAt,
	}
}

// guestDecision alerts the supervisor about an unidentified card. No record
// is read or written.
func guestDecision(ev types.ViolationEvent) Decision {
	return Decision{
		Event:   ev,
		Outcome: OutcomeGuest,
		Actions: []types.Action{{
			Kind:       types.ActionNotifySupervisorOnly,
			CardUID:    ev.CardUID,
			LockID:     ev.LockID,
			LocationID: ev.LocationID,
			ObservedAt: ev.ObservedAt,
		}},
	}
}
