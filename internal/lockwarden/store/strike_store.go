package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the card.
var ErrNotFound = errors.New("strike record not found")

// StrikeRecord is the persisted strike state of one card.
type StrikeRecord struct {
	CardUID       string    `json:"card_uid"`
	StrikeCount   int       `json:"strike_count"`
	FirstStrikeAt time.Time `json:"first_strike_at"`
	LastStrikeAt  time.Time `json:"last_strike_at"`
	Guest         bool      `json:"guest"`
}

// UpdateFunc receives the current record (found=false when absent) and
// returns the record to store. Returning write=false leaves the store untouched.
type UpdateFunc func(cur StrikeRecord, found bool) (next StrikeRecord, write bool, err error)

// StrikeStore persists strike records keyed by card uid. Every mutation of a
// single card is atomic with respect to concurrent callers.
type StrikeStore interface {
	Get(ctx context.Context, cardUID string) (StrikeRecord, error)
	Upsert(ctx context.Context, rec StrikeRecord) error
	Delete(ctx context.Context, cardUID string) (bool, error)

	// Update performs an atomic read-modify-write of one card's record.
	Update(ctx context.Context, cardUID string, fn UpdateFunc) error

	// ListStale returns card uids whose last strike is strictly before threshold.
	ListStale(ctx context.Context, threshold time.Time) ([]string, error)
	// DeleteStale deletes the record only if it is still strictly older than threshold.
	DeleteStale(ctx context.Context, cardUID string, threshold time.Time) (bool, error)

	List(ctx context.Context) ([]StrikeRecord, error)
}
