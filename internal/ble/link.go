// Package ble provides a BLE central that drives one peripheral through a
// timeout-guarded connection lifecycle and runs a serialized, retrying
// command queue against it once the link is ready.
package ble

// Default UUIDs of the serial-style service most hobby modules (HM-10, JDY)
// expose. Both directions share one characteristic.
const (
	DefaultServiceUUID        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	DefaultCharacteristicUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// Identity names a peripheral. ID is the platform identifier (a
// CoreBluetooth UUID on macOS, a MAC address elsewhere) and is what gets
// persisted; Name is informational.
type Identity struct {
	ID   string
	Name string
}

func (i Identity) String() string {
	if i.Name == "" {
		return i.ID
	}
	return i.Name + " (" + i.ID + ")"
}

// ManufacturerData is one manufacturer specific advertisement element.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Advertisement is the raw advertisement metadata of a sighting.
type Advertisement struct {
	LocalName        string
	ServiceUUIDs     []string
	ManufacturerData []ManufacturerData
}

// EventKind tags a Link event.
type EventKind int

const (
	EventSighted EventKind = iota + 1
	EventPoweredOn
	EventPoweredOff
	EventRestored
	EventConnected
	EventDisconnected
	EventFailedToConnect
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventValueUpdated
	EventValueWritten
)

func (k EventKind) String() string {
	switch k {
	case EventSighted:
		return "sighted"
	case EventPoweredOn:
		return "powered-on"
	case EventPoweredOff:
		return "powered-off"
	case EventRestored:
		return "restored"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailedToConnect:
		return "failed-to-connect"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventCharacteristicsDiscovered:
		return "characteristics-discovered"
	case EventValueUpdated:
		return "value-updated"
	case EventValueWritten:
		return "value-written"
	}
	return "unknown"
}

// Event is an asynchronous notification from a Link. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Peripheral Identity

	// EventSighted
	RSSI          int
	Advertisement Advertisement

	// EventRestored: whether the platform handed back a connected (true) or
	// still-connecting (false) peripheral.
	Connected bool

	// EventServicesDiscovered / EventCharacteristicsDiscovered
	Service         string
	Services        []string
	Characteristics []string

	// EventValueUpdated / EventValueWritten
	Characteristic string
	Data           []byte

	Err error
}

// Link is the radio transport. Operations only issue requests; their
// outcomes arrive later as Events on the handler registered with
// SetEventHandler. A returned error means the request could not be issued.
type Link interface {
	// SetEventHandler registers the single consumer of link events.
	SetEventHandler(handler func(Event))

	StartScan(serviceUUIDs []string) error
	StopScan() error

	// Connect requests a connection. Requests persist until the peripheral
	// shows up or Disconnect cancels them.
	Connect(id string) error
	// Disconnect tears down a connection or cancels a pending Connect.
	Disconnect(id string) error

	DiscoverServices(id string, uuids []string) error
	DiscoverCharacteristics(id, service string, uuids []string) error

	Read(id, characteristic string) error
	Write(id, characteristic string, data []byte, ack bool) error
	Subscribe(id, characteristic string) error

	// Retrieve reports whether the platform still knows the peripheral and
	// can connect to it without scanning.
	Retrieve(id string) bool
	// ConnectedPeripherals lists peripherals already connected to the system
	// that expose service.
	ConnectedPeripherals(service string) []Identity
	// HasCharacteristic reports whether discovery results for the
	// characteristic are already cached on the peripheral.
	HasCharacteristic(id, service, characteristic string) bool
}
