package ble

import (
	"fmt"
	"log/slog"
	"sort"
)

// Sighting is one advertisement received during a scan. New is true the
// first time the peripheral is seen in the current scan session.
type Sighting struct {
	Peripheral    Identity
	RSSI          int
	Advertisement Advertisement
	New           bool
}

// Scanner deduplicates sightings by peripheral identity. It is not safe for
// concurrent use; the Manager drives it from its executor.
type Scanner struct {
	link     Link
	scanning bool
	seen     map[string]Sighting
}

func NewScanner(link Link) *Scanner {
	return &Scanner{link: link, seen: make(map[string]Sighting)}
}

// Start clears the seen-set and starts scanning for peripherals advertising
// any of filter (all peripherals when filter is empty).
func (s *Scanner) Start(filter []string) error {
	s.seen = make(map[string]Sighting)
	if s.scanning {
		return nil
	}
	if err := s.link.StartScan(filter); err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}
	s.scanning = true
	slog.Debug("[BLE] scan started", "filter", filter)
	return nil
}

func (s *Scanner) Stop() error {
	if !s.scanning {
		return nil
	}
	s.scanning = false
	if err := s.link.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	slog.Debug("[BLE] scan stopped")
	return nil
}

func (s *Scanner) Scanning() bool { return s.scanning }

// Observe records a sighting event and reports whether it is new.
func (s *Scanner) Observe(ev Event) Sighting {
	sighting := Sighting{
		Peripheral:    ev.Peripheral,
		RSSI:          ev.RSSI,
		Advertisement: ev.Advertisement,
	}
	prev, ok := s.seen[ev.Peripheral.ID]
	if !ok {
		sighting.New = true
	} else if sighting.Peripheral.Name == "" {
		sighting.Peripheral.Name = prev.Peripheral.Name
	}
	s.seen[ev.Peripheral.ID] = sighting
	return sighting
}

// Peripherals returns the peripherals seen in this scan session, strongest
// signal first.
func (s *Scanner) Peripherals() []Sighting {
	out := make([]Sighting, 0, len(s.seen))
	for _, v := range s.seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Peripheral.ID < out[j].Peripheral.ID
	})
	return out
}
