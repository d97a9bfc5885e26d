package ble

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	testPeripheral = "AA:BB:CC:DD:EE:FF"
	testService    = DefaultServiceUUID
	testChar       = DefaultCharacteristicUUID
)

// mockWrite is one recorded Link.Write call.
type mockWrite struct {
	ID   string
	Char string
	Data []byte
	Ack  bool
}

// mockLink records every call and lets tests inject events.
type mockLink struct {
	mu      sync.Mutex
	handler func(Event)

	scans       int
	stopScans   int
	scanFilters [][]string
	connects    []string
	disconnects []string
	services    []string
	charsFor    []string
	reads       []string
	writes      []mockWrite
	subscribes  []string

	connectErr error
	writeErr   error
	readErr    error

	retrievable map[string]bool
	connected   []Identity
	cached      map[string]bool

	onWrite func(w mockWrite)
	onRead  func(id, char string)
}

func newMockLink() *mockLink {
	return &mockLink{
		retrievable: make(map[string]bool),
		cached:      make(map[string]bool),
	}
}

func (l *mockLink) SetEventHandler(h func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// emit delivers ev to the Manager as the platform would.
func (l *mockLink) emit(ev Event) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (l *mockLink) StartScan(filter []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scans++
	l.scanFilters = append(l.scanFilters, filter)
	return nil
}

func (l *mockLink) StopScan() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopScans++
	return nil
}

func (l *mockLink) Connect(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects = append(l.connects, id)
	return l.connectErr
}

func (l *mockLink) Disconnect(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects = append(l.disconnects, id)
	return nil
}

func (l *mockLink) DiscoverServices(id string, _ []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, id)
	return nil
}

func (l *mockLink) DiscoverCharacteristics(id, _ string, _ []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.charsFor = append(l.charsFor, id)
	return nil
}

func (l *mockLink) Read(id, char string) error {
	l.mu.Lock()
	l.reads = append(l.reads, char)
	err := l.readErr
	hook := l.onRead
	l.mu.Unlock()
	if err == nil && hook != nil {
		hook(id, char)
	}
	return err
}

func (l *mockLink) Write(id, char string, data []byte, ack bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	w := mockWrite{ID: id, Char: char, Data: cp, Ack: ack}

	l.mu.Lock()
	if l.writeErr != nil {
		err := l.writeErr
		l.mu.Unlock()
		return err
	}
	l.writes = append(l.writes, w)
	hook := l.onWrite
	l.mu.Unlock()
	if hook != nil {
		hook(w)
	}
	return nil
}

func (l *mockLink) Subscribe(id, char string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribes = append(l.subscribes, char)
	return nil
}

func (l *mockLink) Retrieve(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retrievable[id]
}

func (l *mockLink) ConnectedPeripherals(string) []Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *mockLink) HasCharacteristic(id, _, char string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cached[id+"/"+char]
}

func (l *mockLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func (l *mockLink) writtenFrames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.writes))
	for i, w := range l.writes {
		out[i] = string(w.Data)
	}
	return out
}

func (l *mockLink) connectCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.connects...)
}

func (l *mockLink) disconnectCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.disconnects...)
}

// Compile-time check that mockLink implements Link.
var _ Link = (*mockLink)(nil)

// manualExecutor runs tasks only when the test asks it to, on a fake clock.
type manualExecutor struct {
	now    time.Time
	tasks  []func()
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	at      time.Time
	seq     int
	task    func()
	stopped bool
}

func newManualExecutor() *manualExecutor {
	return &manualExecutor{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (e *manualExecutor) Post(task func()) { e.tasks = append(e.tasks, task) }

func (e *manualExecutor) AfterFunc(d time.Duration, task func()) func() {
	e.seq++
	t := &manualTimer{at: e.now.Add(d), seq: e.seq, task: task}
	e.timers = append(e.timers, t)
	return func() { t.stopped = true }
}

func (e *manualExecutor) Now() time.Time { return e.now }

// run executes posted tasks until none are left.
func (e *manualExecutor) run() {
	for len(e.tasks) > 0 {
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		task()
	}
}

// advance moves the clock forward, firing due timers in deadline order.
func (e *manualExecutor) advance(d time.Duration) {
	target := e.now.Add(d)
	for {
		e.run()
		due := e.dueTimers(target)
		if len(due) == 0 {
			break
		}
		t := due[0]
		t.stopped = true
		if t.at.After(e.now) {
			e.now = t.at
		}
		e.Post(t.task)
	}
	e.now = target
	e.run()
}

func (e *manualExecutor) dueTimers(target time.Time) []*manualTimer {
	var due []*manualTimer
	live := e.timers[:0]
	for _, t := range e.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	e.timers = live
	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		return due[i].seq < due[j].seq
	})
	return due
}

// memStore is an in-memory PeripheralStore.
type memStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemStore() *memStore { return &memStore{values: make(map[string]string)} }

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

type testHarness struct {
	mgr    *Manager
	link   *mockLink
	exec   *manualExecutor
	store  *memStore
	states []StateChange
}

// newHarness builds a Manager on a manualExecutor. The state stream is
// recorded synchronously through onState.
func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	h := &testHarness{
		link:  newMockLink(),
		exec:  newManualExecutor(),
		store: newMemStore(),
	}
	opts.Executor = h.exec
	h.mgr = NewManager(h.link, h.store, opts)
	publish := h.mgr.machine.onState
	h.mgr.machine.onState = func(sc StateChange) {
		h.states = append(h.states, sc)
		publish(sc)
	}
	return h
}

func (h *testHarness) emit(ev Event) {
	h.link.emit(ev)
	h.exec.run()
}

func (h *testHarness) state() LinkState { return h.mgr.machine.state }

func (h *testHarness) lastChange() StateChange {
	if len(h.states) == 0 {
		return StateChange{}
	}
	return h.states[len(h.states)-1]
}

// ready drives the harness from power on to Ready with testPeripheral.
func (h *testHarness) ready(t *testing.T) {
	t.Helper()
	h.emit(Event{Kind: EventPoweredOn})
	h.mgr.Connect(Identity{ID: testPeripheral, Name: "gyver"})
	h.exec.run()
	h.emit(Event{Kind: EventConnected, Peripheral: Identity{ID: testPeripheral}})
	h.emit(Event{Kind: EventServicesDiscovered, Peripheral: Identity{ID: testPeripheral}, Services: []string{testService}})
	h.emit(Event{
		Kind:            EventCharacteristicsDiscovered,
		Peripheral:      Identity{ID: testPeripheral},
		Service:         testService,
		Characteristics: []string{testChar},
	})
	if _, ok := h.state().(Ready); !ok {
		t.Fatalf("state = %v, want ready", h.state())
	}
}

// enqueue records completions in order.
func (h *testHarness) enqueue(req *Request, high bool, done *[]*Command) *Command {
	cmd := NewCommand(req, func(c *Command) { *done = append(*done, c) })
	h.mgr.Enqueue(cmd, high)
	h.exec.run()
	return cmd
}
