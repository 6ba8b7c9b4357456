// Package modules contains definitions for all of the major subsystems of
// the coordinator, and exports the types and interfaces that the subsystems
// use to communicate with each other. Subsystems accept interfaces and
// return concrete structs; none of them reach into another subsystem's
// internals.
package modules

import (
	"github.com/tensorgrid/tensorgrid/types"
)

// Directory names for the persisted state of each subsystem, relative to the
// coordinator's persist dir.
const (
	CoordinatorDir = "coordinator"
)

// A Clock tells the time. It exists as an interface so tests can drive the
// expiry and reaper logic deterministically.
type Clock interface {
	Now() types.Timestamp
}

// StdClock is the production Clock.
type StdClock struct{}

// Now returns the wall-clock time as a Timestamp.
func (StdClock) Now() types.Timestamp {
	return types.CurrentTimestamp()
}
