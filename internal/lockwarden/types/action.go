package types

import "time"

// ActionKind names an instruction emitted by the strike engine.
type ActionKind string

const (
	ActionNotifyUser           ActionKind = "notify_user"
	ActionNotifySupervisorOnly ActionKind = "notify_supervisor_only"
	ActionRevokeCard           ActionKind = "revoke_card"
)

// Template selects the notification text.
type Template string

const (
	TemplateStrike1 Template = "strike_1"
	TemplateStrike2 Template = "strike_2"
	TemplateStrike3 Template = "strike_3"
)

// TemplateForStrike maps a strike count to its notification template.
// Counts beyond three reuse the strike-3 text.
func TemplateForStrike(count int) Template {
	switch {
	case count <= 1:
		return TemplateStrike1
	case count == 2:
		return TemplateStrike2
	default:
		return TemplateStrike3
	}
}

// Action is a side-effect instruction for the action executor.
//
// NotifySupervisorOnly without a CardUID is an alert about an unidentified
// card; with a CardUID it is a strike notice for a registered guest card.
type Action struct {
	Kind       ActionKind `json:"kind"`
	CardUID    string     `json:"card_uid,omitempty"`
	Template   Template   `json:"template,omitempty"`
	Strike     int        `json:"strike,omitempty"`
	LockID     string     `json:"lock_id,omitempty"`
	LocationID string     `json:"location_id,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Notice carries everything a notifier needs to render and address a message.
type Notice struct {
	Template    Template
	Strike      int
	Person      *Person
	CardUID     string
	LockID      string
	LocationID  string
	ViolationAt time.Time
	SentAt      time.Time
}
