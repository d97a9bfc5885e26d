//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// nativeWriteAck reports whether acknowledged writes wait for the
// peripheral's write response.
const nativeWriteAck = true

func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
