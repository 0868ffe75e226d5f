// Package facility assembles the description of the Fab Lab served to
// clients: its static configuration, the equipment currently registered by
// discovery and an optional summary of jobs running on each machine.
package facility

import (
	"encoding/json"
	"errors"
	"fablab/internal/discovery"
)

// ErrNotConfigured is returned when the registry holds no facility id.
var ErrNotConfigured = errors.New("facility: not configured")

// OpeningDay is the opening window of one weekday.
type OpeningDay struct {
	Day  string `json:"day" yaml:"day"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Material is the stock of one material.
type Material struct {
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
}

// Facility is the description part of a snapshot.
type Facility struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	Web         string                    `json:"web,omitempty"`
	API         string                    `json:"api,omitempty"`
	Capacity    int                       `json:"capacity"`
	Address     map[string]string         `json:"address,omitempty"`
	Coordinates map[string]string         `json:"coordinates,omitempty"`
	Contact     map[string]string         `json:"contact,omitempty"`
	OpeningDays []OpeningDay              `json:"openingDays"`
	Equipment   []discovery.MachineRecord `json:"equipment"`
	Materials   []Material                `json:"materials"`
}

// MachineJobs lists the jobs known to one machine.
type MachineJobs struct {
	MachineID string          `json:"machineId"`
	Type      string          `json:"type,omitempty"`
	Vendor    string          `json:"vendor,omitempty"`
	Jobs      json.RawMessage `json:"jobs,omitempty"`
}

// Jobs summarises job activity across the facility.
type Jobs struct {
	Running int           `json:"running"`
	Queued  int           `json:"queued"`
	Details []MachineJobs `json:"details"`
}

// Snapshot is the document served as the facility inventory.
type Snapshot struct {
	Facility Facility `json:"fablab"`
	Jobs     Jobs     `json:"jobs"`
}

// FirstEligible returns the first equipment entry accepted by match.
func (s *Snapshot) FirstEligible(match func(discovery.MachineRecord) bool) (discovery.MachineRecord, bool) {
	for _, m := range s.Facility.Equipment {
		if match(m) {
			return m, true
		}
	}
	return discovery.MachineRecord{}, false
}
