package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDevice() (ble.Device, error) {
	return linux.NewDevice(ble.OptDialerTimeout(DefaultDialTimeout), ble.OptListenerTimeout(DefaultDialTimeout))
}
