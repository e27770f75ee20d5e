package types

import "strings"

// Person is a directory entry resolved from a card uid.
type Person struct {
	CardUID         string
	FirstName       string
	LastName        string
	Gender          string
	Supervisor      string
	Email           string
	SupervisorEmail string
	// Guest marks a shared guest card registered under a supervisor.
	Guest bool
}

// Name joins first and last name, falling back to "Unbekannt".
func (p Person) Name() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return "Unbekannt"
	}
	return name
}

// Salutation returns the German salutation matching the recorded gender.
func (p Person) Salutation() string {
	switch strings.ToLower(strings.TrimSpace(p.Gender)) {
	case "w", "weiblich", "female", "f":
		return "Liebe"
	default:
		return "Lieber"
	}
}
