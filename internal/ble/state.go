package ble

import (
	"fmt"
	"time"
)

// LinkState is the connection phase of a Manager. Each variant carries only
// the data it needs; transient variants carry the deadline that guards them.
type LinkState interface {
	fmt.Stringer
	linkState()
}

type (
	PoweredOff   struct{}
	Disconnected struct{}
	Scanning     struct{ Deadline time.Time }
	Connecting   struct {
		Peripheral Identity
		Deadline   time.Time
	}
	DiscoveringServices struct {
		Peripheral Identity
		Deadline   time.Time
	}
	DiscoveringCharacteristics struct {
		Peripheral Identity
		Deadline   time.Time
	}
	Ready      struct{ Peripheral Identity }
	OutOfRange struct{ Peripheral Identity }

	// RestoringConnecting and RestoringConnected hold a peripheral handed
	// back by the platform before the radio reported power on.
	RestoringConnecting struct{ Peripheral Identity }
	RestoringConnected  struct{ Peripheral Identity }
)

func (PoweredOff) linkState()                 {}
func (Disconnected) linkState()               {}
func (Scanning) linkState()                   {}
func (Connecting) linkState()                 {}
func (DiscoveringServices) linkState()        {}
func (DiscoveringCharacteristics) linkState() {}
func (Ready) linkState()                      {}
func (OutOfRange) linkState()                 {}
func (RestoringConnecting) linkState()        {}
func (RestoringConnected) linkState()         {}

func (PoweredOff) String() string   { return "powered-off" }
func (Disconnected) String() string { return "disconnected" }
func (Scanning) String() string     { return "scanning" }
func (s Connecting) String() string { return "connecting " + s.Peripheral.ID }
func (s DiscoveringServices) String() string {
	return "discovering-services " + s.Peripheral.ID
}
func (s DiscoveringCharacteristics) String() string {
	return "discovering-characteristics " + s.Peripheral.ID
}
func (s Ready) String() string               { return "ready " + s.Peripheral.ID }
func (s OutOfRange) String() string          { return "out-of-range " + s.Peripheral.ID }
func (s RestoringConnecting) String() string { return "restoring-connecting " + s.Peripheral.ID }
func (s RestoringConnected) String() string  { return "restoring-connected " + s.Peripheral.ID }

// PeripheralOf returns the peripheral a state refers to, if any.
func PeripheralOf(s LinkState) (Identity, bool) {
	switch s := s.(type) {
	case Connecting:
		return s.Peripheral, true
	case DiscoveringServices:
		return s.Peripheral, true
	case DiscoveringCharacteristics:
		return s.Peripheral, true
	case Ready:
		return s.Peripheral, true
	case OutOfRange:
		return s.Peripheral, true
	case RestoringConnecting:
		return s.Peripheral, true
	case RestoringConnected:
		return s.Peripheral, true
	}
	return Identity{}, false
}

// StateChange is published on every transition. Err is the failure that
// caused it, a *ConnectionError for connection failures.
type StateChange struct {
	State LinkState
	Err   error
}
