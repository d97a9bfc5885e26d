package ble

import "testing"

func TestScannerStartResetsSeen(t *testing.T) {
	link := newMockLink()
	s := NewScanner(link)

	if err := s.Start([]string{testService}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.Observe(Event{Peripheral: Identity{ID: "a"}, RSSI: -60}); !got.New {
		t.Error("first sighting should be new")
	}
	if got := s.Observe(Event{Peripheral: Identity{ID: "a"}, RSSI: -55}); got.New {
		t.Error("repeat sighting should not be new")
	}

	// Restarting while scanning clears the session but does not restart the radio.
	if err := s.Start([]string{testService}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if link.scans != 1 {
		t.Errorf("StartScan called %d times, want 1", link.scans)
	}
	if got := s.Observe(Event{Peripheral: Identity{ID: "a"}, RSSI: -50}); !got.New {
		t.Error("sighting after restart should be new")
	}
}

func TestScannerStopIdempotent(t *testing.T) {
	link := newMockLink()
	s := NewScanner(link)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if link.stopScans != 0 {
		t.Errorf("StopScan called while idle")
	}
	_ = s.Start(nil)
	_ = s.Stop()
	_ = s.Stop()
	if link.stopScans != 1 {
		t.Errorf("StopScan called %d times, want 1", link.stopScans)
	}
	if s.Scanning() {
		t.Error("Scanning() = true after Stop")
	}
}

func TestScannerPeripheralsOrder(t *testing.T) {
	s := NewScanner(newMockLink())
	_ = s.Start(nil)
	s.Observe(Event{Peripheral: Identity{ID: "c"}, RSSI: -70})
	s.Observe(Event{Peripheral: Identity{ID: "b"}, RSSI: -40})
	s.Observe(Event{Peripheral: Identity{ID: "a"}, RSSI: -70})

	got := s.Peripherals()
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("Peripherals() len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Peripheral.ID != id {
			t.Errorf("Peripherals()[%d] = %s, want %s", i, got[i].Peripheral.ID, id)
		}
	}
}
