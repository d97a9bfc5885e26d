// Package store persists small key/value settings, such as the peripheral
// a ble.Manager reconnects to on power on.
package store

import (
	"fmt"

	"github.com/chaz8081/blelink/internal/ble"
)

// Store is a ble.PeripheralStore that can be closed.
type Store interface {
	ble.PeripheralStore
	Close() error
}

// Driver names accepted by Open.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open returns the store for driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case DriverFile, "":
		return NewFileStore(path), nil
	case DriverSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
