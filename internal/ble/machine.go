package ble

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// PeripheralKey is the store key holding the last ready peripheral's ID.
const PeripheralKey = "blelink.peripheral_id"

const storeTimeout = 2 * time.Second

var errPoweredOff = errors.New("ble: radio powered off")

// PeripheralStore persists the identity used to reconnect without scanning.
// Get returns "" and a nil error for a missing key.
type PeripheralStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// stateMachine owns the LinkState. Every method runs on the executor.
type stateMachine struct {
	exec    Executor
	link    Link
	store   PeripheralStore
	queue   *commandQueue
	scanner *Scanner
	opts    Options

	onState    func(StateChange)
	onSighting func(Sighting)

	powered   bool
	state     LinkState
	countdown *Countdown
}

// setState cancels the deadline of the state being left, installs the new
// one and publishes the transition. Every state but Ready resets and
// unbinds the command queue.
func (m *stateMachine) setState(s LinkState, cd *Countdown, err error) {
	m.countdown.Cancel()
	m.countdown = cd

	if _, ready := s.(Ready); !ready {
		m.queue.reset(err)
	}

	prev := m.state
	m.state = s
	if err != nil {
		slog.Info("[BLE] state changed", "from", prev, "to", s, "error", err)
	} else {
		slog.Info("[BLE] state changed", "from", prev, "to", s)
	}
	if m.onState != nil {
		m.onState(StateChange{State: s, Err: err})
	}
}

func (m *stateMachine) deadline(d time.Duration) time.Time {
	return m.exec.Now().Add(d)
}

func (m *stateMachine) scan() {
	if !m.powered {
		slog.Warn("[BLE] cannot scan, radio is not powered on")
		return
	}
	switch m.state.(type) {
	case Disconnected, Scanning:
	default:
		slog.Warn("[BLE] cannot scan while busy", "state", m.state)
		return
	}
	if err := m.scanner.Start([]string{m.opts.ServiceUUID}); err != nil {
		slog.Error("[BLE] scan failed", "error", err)
		return
	}
	cd := startCountdown(m.exec, m.opts.ScanTimeout, func() {
		slog.Info("[BLE] scan timed out")
		if err := m.scanner.Stop(); err != nil {
			slog.Warn("[BLE] stop scan failed", "error", err)
		}
		m.setState(Disconnected{}, nil, nil)
	})
	m.setState(Scanning{Deadline: m.deadline(m.opts.ScanTimeout)}, cd, nil)
}

func (m *stateMachine) connect(p Identity) {
	if !m.powered {
		slog.Warn("[BLE] cannot connect, radio is not powered on", "id", p.ID)
		return
	}
	if err := m.scanner.Stop(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	if old, ok := PeripheralOf(m.state); ok && old.ID != p.ID {
		if err := m.link.Disconnect(old.ID); err != nil {
			slog.Warn("[BLE] disconnect failed", "id", old.ID, "error", err)
		}
	}

	if err := m.link.Connect(p.ID); err != nil {
		m.setState(Disconnected{}, nil, &ConnectionError{Kind: ConnFailToConnect, Err: err})
		return
	}
	cd := startCountdown(m.exec, m.opts.ConnectTimeout, func() {
		slog.Warn("[BLE] connect timed out", "id", p.ID)
		if err := m.link.Disconnect(p.ID); err != nil {
			slog.Warn("[BLE] cancel connect failed", "id", p.ID, "error", err)
		}
		m.setState(Disconnected{}, nil, &ConnectionError{Kind: ConnTimeout})
	})
	m.setState(Connecting{Peripheral: p, Deadline: m.deadline(m.opts.ConnectTimeout)}, cd, nil)
}

// disconnect tears down whatever peripheral the state carries. cause is
// attached to the resulting transition.
func (m *stateMachine) disconnect(forget bool, cause error) {
	if p, ok := PeripheralOf(m.state); ok {
		if err := m.link.Disconnect(p.ID); err != nil {
			slog.Warn("[BLE] disconnect failed", "id", p.ID, "error", err)
		}
	}
	if err := m.scanner.Stop(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	if forget {
		m.forget()
	}
	if !m.powered {
		m.setState(PoweredOff{}, nil, cause)
		return
	}
	m.setState(Disconnected{}, nil, cause)
}

func (m *stateMachine) discoverServices(p Identity) {
	if err := m.link.DiscoverServices(p.ID, []string{m.opts.ServiceUUID}); err != nil {
		m.disconnect(false, &ConnectionError{Kind: ConnCustom, Description: "discover services", Err: err})
		return
	}
	cd := startCountdown(m.exec, m.opts.DiscoverTimeout, func() {
		slog.Warn("[BLE] could not discover services", "id", p.ID)
		m.disconnect(false, &ConnectionError{Kind: ConnTimeout, Description: "discover services timeout"})
	})
	m.setState(DiscoveringServices{Peripheral: p, Deadline: m.deadline(m.opts.DiscoverTimeout)}, cd, nil)
}

func (m *stateMachine) discoverCharacteristics(p Identity) {
	err := m.link.DiscoverCharacteristics(p.ID, m.opts.ServiceUUID, m.opts.Characteristics)
	if err != nil {
		m.disconnect(false, &ConnectionError{Kind: ConnCustom, Description: "discover characteristics", Err: err})
		return
	}
	cd := startCountdown(m.exec, m.opts.DiscoverTimeout, func() {
		slog.Warn("[BLE] could not discover characteristics", "id", p.ID)
		m.disconnect(false, &ConnectionError{Kind: ConnTimeout, Description: "discover characteristics timeout"})
	})
	m.setState(DiscoveringCharacteristics{Peripheral: p, Deadline: m.deadline(m.opts.DiscoverTimeout)}, cd, nil)
}

func (m *stateMachine) setReady(p Identity) {
	if n := m.opts.NotifyCharacteristic; n != "" {
		if err := m.link.Subscribe(p.ID, n); err != nil {
			slog.Warn("[BLE] subscribe failed", "id", p.ID, "characteristic", n, "error", err)
		}
	}
	m.persist(p.ID)
	m.setState(Ready{Peripheral: p}, nil, nil)
	m.queue.bind(p.ID)
}

func (m *stateMachine) hasCharacteristics(id string) bool {
	for _, c := range m.opts.Characteristics {
		if !m.link.HasCharacteristic(id, m.opts.ServiceUUID, c) {
			return false
		}
	}
	return true
}

func (m *stateMachine) onPoweredOn() {
	m.powered = true
	switch s := m.state.(type) {
	case PoweredOff:
		if id := m.persisted(); id != "" && m.link.Retrieve(id) {
			slog.Info("[BLE] reconnecting to remembered peripheral", "id", id)
			m.connect(Identity{ID: id})
			return
		}
		if peers := m.link.ConnectedPeripherals(m.opts.ServiceUUID); len(peers) > 0 {
			slog.Info("[BLE] connecting to system connected peripheral", "id", peers[0].ID)
			m.connect(peers[0])
			return
		}
		m.setState(Disconnected{}, nil, nil)
	case RestoringConnecting:
		m.connect(s.Peripheral)
	case RestoringConnected:
		if m.hasCharacteristics(s.Peripheral.ID) {
			m.setReady(s.Peripheral)
		} else {
			m.discoverServices(s.Peripheral)
		}
	}
}

func (m *stateMachine) onPoweredOff() {
	m.powered = false
	if err := m.scanner.Stop(); err != nil {
		slog.Debug("[BLE] stop scan after power off", "error", err)
	}
	m.setState(PoweredOff{}, nil, errPoweredOff)
}

// onRestored keeps a peripheral the platform handed back before power on.
func (m *stateMachine) onRestored(ev Event) {
	if m.powered {
		return
	}
	if _, ok := m.state.(PoweredOff); !ok {
		return
	}
	if ev.Connected {
		m.setState(RestoringConnected{Peripheral: ev.Peripheral}, nil, nil)
	} else {
		m.setState(RestoringConnecting{Peripheral: ev.Peripheral}, nil, nil)
	}
}

func (m *stateMachine) onSighted(ev Event) {
	if !m.scanner.Scanning() {
		return
	}
	s := m.scanner.Observe(ev)
	if m.onSighting != nil {
		m.onSighting(s)
	}
	if _, ok := m.state.(Scanning); ok && m.opts.AutoConnect != nil && m.opts.AutoConnect(s) {
		slog.Info("[BLE] found matching peripheral", "id", s.Peripheral.ID, "rssi", s.RSSI)
		m.connect(s.Peripheral)
	}
}

func (m *stateMachine) onConnected(ev Event) {
	var p Identity
	switch s := m.state.(type) {
	case Connecting:
		p = s.Peripheral
	case OutOfRange:
		p = s.Peripheral
	default:
		slog.Debug("[BLE] ignoring connect event", "id", ev.Peripheral.ID, "state", m.state)
		return
	}
	if p.ID != ev.Peripheral.ID {
		slog.Debug("[BLE] ignoring connect event for other peripheral", "id", ev.Peripheral.ID)
		return
	}
	if p.Name == "" {
		p.Name = ev.Peripheral.Name
	}
	slog.Info("[BLE] connected", "id", p.ID)
	if m.hasCharacteristics(p.ID) {
		m.setReady(p)
		return
	}
	m.discoverServices(p)
}

func (m *stateMachine) onServicesDiscovered(ev Event) {
	s, ok := m.state.(DiscoveringServices)
	if !ok || s.Peripheral.ID != ev.Peripheral.ID {
		slog.Debug("[BLE] ignoring late services", "id", ev.Peripheral.ID)
		return
	}
	if ev.Err != nil {
		slog.Warn("[BLE] failed to discover services", "id", s.Peripheral.ID, "error", ev.Err)
		m.disconnect(false, &ConnectionError{Kind: ConnCustom, Description: "discover services", Err: ev.Err})
		return
	}
	if !containsUUID(ev.Services, m.opts.ServiceUUID) {
		slog.Warn("[BLE] desired service missing", "id", s.Peripheral.ID, "service", m.opts.ServiceUUID)
		m.disconnect(false, &ConnectionError{Kind: ConnCustom, Description: "desired service missing"})
		return
	}
	m.discoverCharacteristics(s.Peripheral)
}

func (m *stateMachine) onCharacteristicsDiscovered(ev Event) {
	s, ok := m.state.(DiscoveringCharacteristics)
	if !ok || s.Peripheral.ID != ev.Peripheral.ID {
		slog.Debug("[BLE] ignoring late characteristics", "id", ev.Peripheral.ID)
		return
	}
	if ev.Service != "" && !strings.EqualFold(ev.Service, m.opts.ServiceUUID) {
		return
	}
	if ev.Err != nil {
		slog.Warn("[BLE] failed to discover characteristics", "id", s.Peripheral.ID, "error", ev.Err)
		m.disconnect(false, &ConnectionError{Kind: ConnCustom, Description: "discover characteristics", Err: ev.Err})
		return
	}
	for _, want := range m.opts.Characteristics {
		if !containsUUID(ev.Characteristics, want) {
			slog.Warn("[BLE] desired characteristic missing", "id", s.Peripheral.ID, "characteristic", want)
			m.disconnect(false, &ConnectionError{Kind: ConnCustom, Description: "desired characteristic missing"})
			return
		}
	}
	m.setReady(s.Peripheral)
}

func (m *stateMachine) onDisconnected(ev Event) {
	p, ok := PeripheralOf(m.state)
	if !ok || p.ID != ev.Peripheral.ID {
		slog.Debug("[BLE] ignoring disconnect of other peripheral", "id", ev.Peripheral.ID)
		return
	}
	m.queue.reset(ev.Err)

	if IsOutOfRange(ev.Err) {
		// Connect requests never time out on the link, so this waits for the
		// peripheral to come back into range.
		if err := m.link.Connect(p.ID); err != nil {
			m.setState(Disconnected{}, nil, &ConnectionError{Kind: ConnFailToConnect, Err: err})
			return
		}
		m.setState(OutOfRange{Peripheral: p}, nil, nil)
		return
	}

	var cause error
	if ev.Err != nil {
		cause = &ConnectionError{Kind: ConnCustom, Description: "disconnected", Err: ev.Err}
	}
	m.setState(Disconnected{}, nil, cause)
}

func (m *stateMachine) onFailedToConnect(ev Event) {
	p, ok := PeripheralOf(m.state)
	if !ok || p.ID != ev.Peripheral.ID {
		return
	}
	switch m.state.(type) {
	case Connecting, OutOfRange:
	default:
		return
	}
	m.setState(Disconnected{}, nil, &ConnectionError{Kind: ConnFailToConnect, Err: ev.Err})
}

// shutdown disconnects without forgetting the peripheral.
func (m *stateMachine) shutdown() {
	m.countdown.Cancel()
	m.countdown = nil
	if p, ok := PeripheralOf(m.state); ok {
		if err := m.link.Disconnect(p.ID); err != nil {
			slog.Warn("[BLE] disconnect failed", "id", p.ID, "error", err)
		}
	}
	if err := m.scanner.Stop(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	m.queue.reset(nil)
}

func (m *stateMachine) persisted() string {
	if m.store == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	id, err := m.store.Get(ctx, PeripheralKey)
	if err != nil {
		slog.Warn("[BLE] failed to load remembered peripheral", "error", err)
		return ""
	}
	return id
}

func (m *stateMachine) persist(id string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Set(ctx, PeripheralKey, id); err != nil {
		slog.Warn("[BLE] failed to remember peripheral", "id", id, "error", err)
	}
}

func (m *stateMachine) forget() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Delete(ctx, PeripheralKey); err != nil {
		slog.Warn("[BLE] failed to forget peripheral", "error", err)
	}
}

func containsUUID(list []string, uuid string) bool {
	for _, u := range list {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}
