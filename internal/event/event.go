// Package event defines the notifications emitted when the machine
// population of the facility changes.
package event

import (
	"fablab/pkg/cloudevent"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind. The values are the wire names.
type Type string

const (
	ServiceUp          Type = "serviceUp"
	ServiceDown        Type = "serviceDown"
	MachineStateChange Type = "machineStateChange"
	FabLabDown         Type = "fabLabDown"
)

// cloudEventPrefix namespaces event types in CloudEvents envelopes.
const cloudEventPrefix = "fablab."

// Message is the JSON document delivered to notifier sinks.
type Message struct {
	ID         string    `json:"eventId"`
	Event      Type      `json:"event"`
	FacilityID string    `json:"facilityId"`
	Token      string    `json:"token,omitempty"`
	MachineID  string    `json:"machineId,omitempty"`
	NewState   string    `json:"newState,omitempty"`
	Time       time.Time `json:"time"`
}

// CloudEvent wraps the message in a CloudEvents 1.0 envelope.
func (m *Message) CloudEvent() *cloudevent.CloudEvent {
	return cloudevent.New(cloudEventPrefix+string(m.Event), "/fablab/"+m.FacilityID, m.MachineID, m.ID, m)
}

// Builder creates messages for one facility.
type Builder struct {
	facilityID string
	token      string
}

// NewBuilder creates a builder stamping every message with the facility
// identity. token may be empty.
func NewBuilder(facilityID, token string) *Builder {
	return &Builder{facilityID: facilityID, token: token}
}

// FacilityID returns the facility the builder stamps messages with.
func (b *Builder) FacilityID() string { return b.facilityID }

func (b *Builder) build(t Type, machineID, state string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		Event:      t,
		FacilityID: b.facilityID,
		Token:      b.token,
		MachineID:  machineID,
		NewState:   state,
		Time:       time.Now().UTC(),
	}
}

// ServiceUp announces a machine seen for the first time.
func (b *Builder) ServiceUp(machineID string) *Message {
	return b.build(ServiceUp, machineID, "")
}

// ServiceDown announces a machine that disappeared from the topology.
func (b *Builder) ServiceDown(machineID string) *Message {
	return b.build(ServiceDown, machineID, "")
}

// StateChange announces a new operational state for a known machine.
func (b *Builder) StateChange(machineID, state string) *Message {
	return b.build(MachineStateChange, machineID, state)
}

// FacilityDown announces that the gateway exposes no machine links at all.
func (b *Builder) FacilityDown() *Message {
	return b.build(FabLabDown, "", "")
}
