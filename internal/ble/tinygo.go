package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoLink implements Link on top of tinygo-org/bluetooth (CoreBluetooth on
// macOS, BlueZ on Linux, WinRT on Windows). The library's calls block, so
// every operation runs in its own goroutine and reports back through an
// Event.
//
// On macOS peripheral IDs are CoreBluetooth UUIDs, elsewhere MAC addresses.
type TinyGoLink struct {
	adapter      *bluetooth.Adapter
	reconnectMax int // seconds

	mu          sync.Mutex
	handler     func(Event)
	peripherals map[string]*tinygoPeripheral
	pending     map[string]context.CancelFunc // outstanding connect requests
	closing     map[string]bool               // disconnects we asked for
}

type tinygoPeripheral struct {
	device   bluetooth.Device
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
}

// NewTinyGoLink wraps the default adapter. reconnectMax caps the backoff
// between connect attempts, in seconds.
func NewTinyGoLink(reconnectMax int) *TinyGoLink {
	if reconnectMax <= 0 {
		reconnectMax = 30
	}
	return &TinyGoLink{
		adapter:      bluetooth.DefaultAdapter,
		reconnectMax: reconnectMax,
		peripherals:  make(map[string]*tinygoPeripheral),
		pending:      make(map[string]context.CancelFunc),
		closing:      make(map[string]bool),
	}
}

// Enable powers on the adapter and reports EventPoweredOn.
func (l *TinyGoLink) Enable() error {
	if err := l.adapter.Enable(); err != nil {
		l.emit(Event{Kind: EventPoweredOff, Err: err})
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	l.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		l.mu.Lock()
		_, known := l.peripherals[id]
		deliberate := l.closing[id]
		delete(l.peripherals, id)
		delete(l.closing, id)
		l.mu.Unlock()
		if !known {
			return
		}
		ev := Event{Kind: EventDisconnected, Peripheral: Identity{ID: id}}
		if !deliberate {
			ev.Err = &LinkError{Code: LinkErrPeripheralDisconnected}
		}
		l.emit(ev)
	})

	l.emit(Event{Kind: EventPoweredOn})
	return nil
}

func (l *TinyGoLink) SetEventHandler(handler func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

func (l *TinyGoLink) emit(ev Event) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (l *TinyGoLink) StartScan(serviceUUIDs []string) error {
	filter := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = append(filter, u)
	}

	go func() {
		err := l.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			var matched []string
			for i, u := range filter {
				if result.HasServiceUUID(u) {
					matched = append(matched, serviceUUIDs[i])
				}
			}
			if len(filter) > 0 && len(matched) == 0 {
				return
			}
			adv := Advertisement{LocalName: result.LocalName(), ServiceUUIDs: matched}
			for _, md := range result.ManufacturerData() {
				adv.ManufacturerData = append(adv.ManufacturerData, ManufacturerData{CompanyID: md.CompanyID, Data: md.Data})
			}
			l.emit(Event{
				Kind:          EventSighted,
				Peripheral:    Identity{ID: result.Address.String(), Name: result.LocalName()},
				RSSI:          int(result.RSSI),
				Advertisement: adv,
			})
		})
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return nil
}

func (l *TinyGoLink) StopScan() error {
	return l.adapter.StopScan()
}

// Connect keeps trying, with backoff, until the peripheral answers or
// Disconnect cancels the request.
func (l *TinyGoLink) Connect(id string) error {
	var addr bluetooth.Address
	addr.Set(id)

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if prev, ok := l.pending[id]; ok {
		prev()
	}
	l.pending[id] = cancel
	l.mu.Unlock()

	go l.connectLoop(ctx, id, addr)
	return nil
}

func (l *TinyGoLink) connectLoop(ctx context.Context, id string, addr bluetooth.Address) {
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, l.reconnectMax)
			slog.Debug("[BLE] connect backoff", "id", id, "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		device, err := l.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if ctx.Err() != nil {
			if err == nil {
				_ = device.Disconnect()
			}
			return
		}
		if err != nil {
			slog.Debug("[BLE] connect attempt failed", "id", id, "error", err, "attempt", attempt+1)
			continue
		}

		l.mu.Lock()
		delete(l.pending, id)
		l.peripherals[id] = &tinygoPeripheral{
			device:   device,
			services: make(map[string]bluetooth.DeviceService),
			chars:    make(map[string]bluetooth.DeviceCharacteristic),
		}
		l.mu.Unlock()

		l.emit(Event{Kind: EventConnected, Peripheral: Identity{ID: id}})
		return
	}
}

func (l *TinyGoLink) Disconnect(id string) error {
	l.mu.Lock()
	if cancel, ok := l.pending[id]; ok {
		cancel()
		delete(l.pending, id)
	}
	p, ok := l.peripherals[id]
	if ok {
		l.closing[id] = true
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

func (l *TinyGoLink) peripheral(id string) (*tinygoPeripheral, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peripherals[id]
	if !ok {
		return nil, &LinkError{Code: LinkErrNotConnected, Err: fmt.Errorf("peripheral %s not connected", id)}
	}
	return p, nil
}

func (l *TinyGoLink) DiscoverServices(id string, uuids []string) error {
	p, err := l.peripheral(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	go func() {
		svcs, err := p.device.DiscoverServices(filter)
		ev := Event{Kind: EventServicesDiscovered, Peripheral: Identity{ID: id}}
		if err != nil {
			ev.Err = fmt.Errorf("ble: discover services: %w", err)
			l.emit(ev)
			return
		}
		l.mu.Lock()
		for _, s := range svcs {
			key := strings.ToLower(s.UUID().String())
			p.services[key] = s
			ev.Services = append(ev.Services, key)
		}
		l.mu.Unlock()
		l.emit(ev)
	}()
	return nil
}

func (l *TinyGoLink) DiscoverCharacteristics(id, service string, uuids []string) error {
	p, err := l.peripheral(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	l.mu.Lock()
	svc, ok := p.services[strings.ToLower(service)]
	l.mu.Unlock()
	if !ok {
		return &LinkError{Code: LinkErrInvalidParameters, Err: fmt.Errorf("service %s not discovered", service)}
	}
	go func() {
		chars, err := svc.DiscoverCharacteristics(filter)
		ev := Event{Kind: EventCharacteristicsDiscovered, Peripheral: Identity{ID: id}, Service: service}
		if err != nil {
			ev.Err = fmt.Errorf("ble: discover characteristics: %w", err)
			l.emit(ev)
			return
		}
		l.mu.Lock()
		for _, c := range chars {
			key := strings.ToLower(c.UUID().String())
			p.chars[key] = c
			ev.Characteristics = append(ev.Characteristics, key)
		}
		l.mu.Unlock()
		l.emit(ev)
	}()
	return nil
}

func (l *TinyGoLink) characteristic(id, char string) (bluetooth.DeviceCharacteristic, error) {
	p, err := l.peripheral(id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := p.chars[strings.ToLower(char)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, &LinkError{Code: LinkErrInvalidHandle, Err: fmt.Errorf("characteristic %s not discovered", char)}
	}
	return c, nil
}

func (l *TinyGoLink) Read(id, char string) error {
	c, err := l.characteristic(id, char)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		ev := Event{Kind: EventValueUpdated, Peripheral: Identity{ID: id}, Characteristic: char}
		if err != nil {
			ev.Err = err
		} else {
			ev.Data = buf[:n]
		}
		l.emit(ev)
	}()
	return nil
}

// Write with ack reports EventValueWritten; without ack it returns once the
// frame is handed to the adapter and no event follows. Where the platform
// has no acknowledged write the confirmation only means the frame was sent.
func (l *TinyGoLink) Write(id, char string, data []byte, ack bool) error {
	c, err := l.characteristic(id, char)
	if err != nil {
		return err
	}
	if !ack {
		if _, err := c.WriteWithoutResponse(data); err != nil {
			return fmt.Errorf("ble: write without response: %w", err)
		}
		return nil
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	go func() {
		err := writeWithResponse(c, frame)
		l.emit(Event{Kind: EventValueWritten, Peripheral: Identity{ID: id}, Characteristic: char, Err: err})
	}()
	return nil
}

func (l *TinyGoLink) Subscribe(id, char string) error {
	c, err := l.characteristic(id, char)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		l.emit(Event{Kind: EventValueUpdated, Peripheral: Identity{ID: id}, Characteristic: char, Data: data})
	})
}

// Retrieve reports true for any well formed ID: the adapter connects by
// address without needing a prior scan.
func (l *TinyGoLink) Retrieve(id string) bool {
	return id != ""
}

// ConnectedPeripherals is not supported by the library and returns nil.
func (l *TinyGoLink) ConnectedPeripherals(string) []Identity {
	return nil
}

func (l *TinyGoLink) HasCharacteristic(id, _, char string) bool {
	_, err := l.characteristic(id, char)
	return err == nil
}

// Compile-time check that TinyGoLink implements Link.
var _ Link = (*TinyGoLink)(nil)

func parseUUIDs(in []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(in))
	for _, s := range in {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, &LinkError{Code: LinkErrInvalidParameters, Err: fmt.Errorf("parse UUID %q: %w", s, err)}
		}
		out = append(out, u)
	}
	return out, nil
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}
