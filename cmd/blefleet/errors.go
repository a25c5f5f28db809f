package main

import (
	"errors"
	"fmt"

	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/obd"
)

var (
	// ErrDeviceNotFound means the requested peripheral never became an active device.
	ErrDeviceNotFound = errors.New("device not found")
)

// formatUserError turns the errors users commonly hit into actionable text.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff), errors.Is(err, device.ErrBluetoothNotAvailable):
		return "Bluetooth is off or not available; enable the adapter and retry"
	case errors.Is(err, ErrDeviceNotFound):
		return fmt.Sprintf("%v; check the address with 'blefleet scan' and that the device is in range", err)
	case errors.Is(err, obd.ErrNoSerialChannel):
		return "device has no ELM327 or BearTooth serial channel"
	case errors.Is(err, obd.ErrTimeout):
		return "the adapter did not answer in time; check that the vehicle ignition is on"
	case errors.Is(err, obd.ErrUnknownCommand):
		return fmt.Sprintf("%v; 'blefleet obd commands' lists the supported mnemonics", err)
	default:
		return err.Error()
	}
}
