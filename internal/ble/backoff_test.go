package ble

import (
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Very large attempt numbers must not overflow the shift.
	for _, attempt := range []int{31, 64, 1000} {
		got := backoffDelay(attempt, 30)
		if got != 30*time.Second {
			t.Errorf("backoffDelay(%d, 30) = %v, want 30s", attempt, got)
		}
	}
}

func TestNewTinyGoLinkDefaultsReconnectMax(t *testing.T) {
	l := NewTinyGoLink(0)
	if l.reconnectMax != 30 {
		t.Errorf("reconnectMax = %d, want 30", l.reconnectMax)
	}
	if !l.Retrieve("AA:BB:CC:DD:EE:FF") {
		t.Error("Retrieve should accept a non-empty ID")
	}
	if l.Retrieve("") {
		t.Error("Retrieve should reject an empty ID")
	}
	if l.HasCharacteristic("AA:BB:CC:DD:EE:FF", DefaultServiceUUID, DefaultCharacteristicUUID) {
		t.Error("HasCharacteristic should be false before connecting")
	}
}

func TestWriteAckPerPlatform(t *testing.T) {
	want := runtime.GOOS == "darwin" || runtime.GOOS == "windows"
	if nativeWriteAck != want {
		t.Errorf("nativeWriteAck = %v on %s, want %v", nativeWriteAck, runtime.GOOS, want)
	}
}

func TestTinyGoLinkWriteNotConnected(t *testing.T) {
	l := NewTinyGoLink(0)
	for _, ack := range []bool{false, true} {
		err := l.Write("AA:BB:CC:DD:EE:FF", DefaultCharacteristicUUID, []byte("x"), ack)
		var le *LinkError
		if !errors.As(err, &le) || le.Code != LinkErrNotConnected {
			t.Errorf("Write(ack=%v) error = %v, want not connected", ack, err)
		}
	}
}
