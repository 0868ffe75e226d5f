package job

import (
	"fablab/internal/discovery"
	"fmt"
)

// Policy decides which equipment may take a job.
type Policy string

const (
	// TypeMatch accepts the first machine of the requested type.
	TypeMatch Policy = "type"
	// IdleTypeMatch additionally requires the machine to be idle.
	IdleTypeMatch Policy = "idle"
)

// StateIdle is the state a machine reports when it can start a job.
const StateIdle = "idle"

// ParsePolicy parses a DISPATCH_POLICY value. Empty selects TypeMatch.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", TypeMatch:
		return TypeMatch, nil
	case IdleTypeMatch:
		return IdleTypeMatch, nil
	}
	return "", fmt.Errorf("unknown dispatch policy %q (want %q or %q)", s, TypeMatch, IdleTypeMatch)
}

// Matcher returns the eligibility predicate for machineType.
func (p Policy) Matcher(machineType string) func(discovery.MachineRecord) bool {
	return func(m discovery.MachineRecord) bool {
		if m.Type != machineType || m.URL == "" {
			return false
		}
		return p != IdleTypeMatch || m.State == StateIdle
	}
}
