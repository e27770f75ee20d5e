package types

import "time"

// LockStatus is one row of a lock-status snapshot as reported by the cloud.
type LockStatus struct {
	UnitID      string    `json:"unit_id"`
	LocationID  string    `json:"location_id"`
	LockID      string    `json:"lock_id"`
	Locked      bool      `json:"locked"`
	LockedSince time.Time `json:"locked_since"`
	LastCardUID string    `json:"last_card_uid,omitempty"`
}

// ViolationEvent is produced by the detector and consumed within one cycle.
// An empty CardUID denotes a guest card.
type ViolationEvent struct {
	CardUID     string    `json:"card_uid,omitempty"`
	LockID      string    `json:"lock_id"`
	LocationID  string    `json:"location_id"`
	LockedSince time.Time `json:"locked_since"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Guest reports whether the event carries no card identity.
func (e ViolationEvent) Guest() bool {
	return e.CardUID == ""
}
