//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// nativeWriteAck reports whether acknowledged writes wait for the
// peripheral's write response. BlueZ support in the library only offers
// write without response.
const nativeWriteAck = false

func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
