package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Manager.
type Options struct {
	ServiceUUID string
	// Characteristics must all be present for the link to become ready.
	Characteristics []string
	// NotifyCharacteristic is subscribed once ready. Defaults to the first
	// entry of Characteristics.
	NotifyCharacteristic string

	ScanTimeout     time.Duration
	ConnectTimeout  time.Duration
	DiscoverTimeout time.Duration
	// InterFrameDelay is the minimum spacing between frame writes.
	InterFrameDelay time.Duration

	// AutoConnect, if set, picks a sighting to connect to while scanning.
	AutoConnect func(Sighting) bool
	// ResponseFactory decodes replies of commands without their own Decode.
	ResponseFactory ResponseFactory

	// Executor overrides the Manager's own Loop. The caller then owns it.
	Executor Executor
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:     DefaultServiceUUID,
		Characteristics: []string{DefaultCharacteristicUUID},
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  10 * time.Second,
		DiscoverTimeout: 10 * time.Second,
		InterFrameDelay: 10 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if len(o.Characteristics) == 0 {
		o.Characteristics = d.Characteristics
	}
	if o.NotifyCharacteristic == "" {
		o.NotifyCharacteristic = o.Characteristics[0]
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = d.DiscoverTimeout
	}
	if o.InterFrameDelay < 0 {
		o.InterFrameDelay = 0
	}
	return o
}

const closeTimeout = 5 * time.Second

// ErrClosed is returned by calls on a closed Manager.
var ErrClosed = errors.New("ble: manager closed")

// Manager binds one Link to a connection state machine and a command queue.
// All of its state lives on a single executor; the exported methods are
// safe for concurrent use and only post work to it.
type Manager struct {
	exec    Executor
	link    Link
	machine *stateMachine
	queue   *commandQueue
	scanner *Scanner

	states        *broadcaster[StateChange]
	sightings     *broadcaster[Sighting]
	notifications *broadcaster[Notification]

	current atomic.Pointer[StateChange]

	loop      *Loop
	startOnce sync.Once
	cancel    context.CancelFunc
	closed    atomic.Bool
}

// NewManager creates a Manager for link. store may be nil, in which case the
// peripheral is not remembered across sessions. The Manager subscribes to
// link events immediately; call Start to begin processing them.
func NewManager(link Link, store PeripheralStore, opts Options) *Manager {
	if link == nil {
		panic("ble: NewManager called with nil link")
	}
	opts = opts.withDefaults()

	m := &Manager{
		link:          link,
		states:        newBroadcaster[StateChange]("states"),
		sightings:     newBroadcaster[Sighting]("sightings"),
		notifications: newBroadcaster[Notification]("notifications"),
	}
	if opts.Executor != nil {
		m.exec = opts.Executor
	} else {
		m.loop = NewLoop()
		m.exec = m.loop
	}

	m.scanner = NewScanner(link)
	m.queue = newCommandQueue(m.exec, link, opts.InterFrameDelay, opts.ResponseFactory, m.notifications.publish)
	m.machine = &stateMachine{
		exec:       m.exec,
		link:       link,
		store:      store,
		queue:      m.queue,
		scanner:    m.scanner,
		opts:       opts,
		onState:    m.publishState,
		onSighting: m.sightings.publish,
		state:      PoweredOff{},
	}
	m.current.Store(&StateChange{State: PoweredOff{}})

	link.SetEventHandler(m.handleEvent)
	return m
}

// Start runs the Manager's own executor. When ctx ends the Manager is
// closed as if by Close, so pending commands still complete. It is a no-op
// when an external Executor was supplied.
func (m *Manager) Start(ctx context.Context) {
	if m.loop == nil {
		return
	}
	m.startOnce.Do(func() {
		// Only Close stops the loop; it still has the shutdown to run.
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancel = cancel
		go m.loop.Run(loopCtx)
		context.AfterFunc(ctx, func() { _ = m.Close() })
	})
}

// Close disconnects without forgetting the peripheral, fails all pending
// commands with ErrReset and closes the event streams.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	m.exec.Post(m.machine.shutdown)
	// Callbacks posted by the shutdown run before this.
	m.exec.Post(func() { close(done) })
	if m.cancel != nil {
		select {
		case <-done:
		case <-time.After(closeTimeout):
			slog.Warn("[BLE] timed out waiting for shutdown")
		}
		m.cancel()
		<-m.loop.Done()
	}
	m.link.SetEventHandler(nil)
	m.states.close()
	m.sightings.close()
	m.notifications.close()
	return nil
}

func (m *Manager) publishState(sc StateChange) {
	m.current.Store(&sc)
	m.states.publish(sc)
}

// handleEvent is the Link's event handler. Events are processed on the
// executor in arrival order.
func (m *Manager) handleEvent(ev Event) {
	m.exec.Post(func() { m.dispatch(ev) })
}

func (m *Manager) dispatch(ev Event) {
	switch ev.Kind {
	case EventPoweredOn:
		m.machine.onPoweredOn()
	case EventPoweredOff:
		m.machine.onPoweredOff()
	case EventRestored:
		m.machine.onRestored(ev)
	case EventSighted:
		m.machine.onSighted(ev)
	case EventConnected:
		m.machine.onConnected(ev)
	case EventDisconnected:
		m.machine.onDisconnected(ev)
	case EventFailedToConnect:
		m.machine.onFailedToConnect(ev)
	case EventServicesDiscovered:
		m.machine.onServicesDiscovered(ev)
	case EventCharacteristicsDiscovered:
		m.machine.onCharacteristicsDiscovered(ev)
	case EventValueUpdated:
		m.queue.onValueUpdated(ev)
	case EventValueWritten:
		m.queue.onValueWritten(ev)
	default:
		slog.Debug("[BLE] unhandled link event", "kind", ev.Kind)
	}
}

// Scan starts looking for peripherals advertising the configured service.
func (m *Manager) Scan() {
	m.post(m.machine.scan)
}

// Connect connects to p and drives discovery until the link is ready.
func (m *Manager) Connect(p Identity) {
	m.post(func() { m.machine.connect(p) })
}

// Disconnect drops the connection. With forget the remembered peripheral
// is cleared so the next power on does not reconnect to it.
func (m *Manager) Disconnect(forget bool) {
	m.post(func() { m.machine.disconnect(forget, nil) })
}

// Enqueue schedules cmd. A high priority command runs right after the one
// currently in flight. If the link is not ready the command fails with
// ErrDisconnected. On a closed Manager there is no executor left, so the
// callback runs synchronously on the calling goroutine before Enqueue
// returns.
func (m *Manager) Enqueue(cmd *Command, highPriority bool) {
	if m.closed.Load() {
		if cmd.finish(StatusFail, commError(CommDisconnected, ErrClosed)) && cmd.callback != nil {
			cmd.callback(cmd)
		}
		return
	}
	m.exec.Post(func() { m.queue.enqueue(cmd, highPriority) })
}

// Do enqueues cmd and waits for its completion or ctx. The command still
// completes on the executor if ctx ends first.
func (m *Manager) Do(ctx context.Context, req *Request, highPriority bool) (*Command, error) {
	done := make(chan *Command, 1)
	cmd := NewCommand(req, func(c *Command) { done <- c })
	m.Enqueue(cmd, highPriority)
	select {
	case c := <-done:
		return c, c.Err
	case <-ctx.Done():
		return cmd, ctx.Err()
	}
}

// State returns the current link state.
func (m *Manager) State() LinkState {
	return m.current.Load().State
}

// Peripherals returns the peripherals seen during the current scan.
func (m *Manager) Peripherals(ctx context.Context) ([]Sighting, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	out := make(chan []Sighting, 1)
	m.exec.Post(func() { out <- m.scanner.Peripherals() })
	select {
	case list := <-out:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// States subscribes to link state transitions. The returned func
// unsubscribes.
func (m *Manager) States(buf int) (<-chan StateChange, func()) {
	return m.states.subscribe(buf)
}

// Sightings subscribes to new and updated scan sightings.
func (m *Manager) Sightings(buf int) (<-chan Sighting, func()) {
	return m.sightings.subscribe(buf)
}

// Notifications subscribes to characteristic updates no command consumed.
func (m *Manager) Notifications(buf int) (<-chan Notification, func()) {
	return m.notifications.subscribe(buf)
}

func (m *Manager) post(task func()) {
	if m.closed.Load() {
		slog.Warn("[BLE] manager closed, ignoring call")
		return
	}
	m.exec.Post(task)
}
