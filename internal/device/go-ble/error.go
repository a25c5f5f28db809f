package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blefleet/internal/device"
)

// errorRule maps a go-ble message fragment to a device package sentinel.
type errorRule struct {
	fragment string
	target   error
}

// Order matters: "disconnected" would shadow the more specific rules above it.
var errorRules = []errorRule{
	{"have=4 want=5", device.ErrBluetoothOff}, // CoreBluetooth powered off
	{"bluetooth is turned off", device.ErrBluetoothOff},
	{"remote user terminated", device.ErrPeerDisconnected}, // HCI 0x13
	{"peripheral disconnected", device.ErrPeerDisconnected},
	{"device not connected", device.ErrNotConnected},
	{"already connected", device.ErrAlreadyConnected},
	{"connection is not initialized", device.ErrNotInitialized},
	{"disconnected", device.ErrNotConnected},
}

// NormalizeError wraps known go-ble errors with the matching device sentinel
// so callers can use errors.Is. Unknown errors pass through unchanged.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, r := range errorRules {
		if strings.Contains(msg, r.fragment) {
			return fmt.Errorf("%w: %v", r.target, err)
		}
	}
	return err
}
