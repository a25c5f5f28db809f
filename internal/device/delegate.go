package device

// DriverDelegate receives every error the driver reports. It is the only
// required driver callback; the observer interfaces below are optional
// capabilities detected with a type assertion.
type DriverDelegate interface {
	OnDriverError(drv *Driver, err error)
}

// DeviceAddedObserver is notified when a device is promoted to the active list.
type DeviceAddedObserver interface {
	OnDeviceAdded(drv *Driver, dev *Device)
}

// StatusObserver is notified that driver state may have changed.
type StatusObserver interface {
	OnStatusUpdate(drv *Driver)
}

// PeripheralVetter decides whether a fresh discovery becomes a Device. Without
// one every discovery is accepted.
type PeripheralVetter interface {
	OnVetDiscoveredPeripheral(drv *Driver, adv Advertisement) bool
}

// DeviceDelegate receives errors concerning one device.
type DeviceDelegate interface {
	OnDeviceError(dev *Device, err error)
}

// DeviceRemovalObserver brackets the removal of a deleted device from the driver.
type DeviceRemovalObserver interface {
	OnDeviceWillBeRemoved(dev *Device)
	OnDeviceWasRemoved(dev *Device)
}

// DeviceConnectionObserver is told about completed connections and disconnections.
// err is nil for requested disconnects and the transport cause otherwise.
type DeviceConnectionObserver interface {
	OnDeviceWasConnected(dev *Device)
	OnDeviceWasDisconnected(dev *Device, err error)
}

// DeviceStatusObserver is notified, coalesced, that device state may have changed.
type DeviceStatusObserver interface {
	OnDeviceStatusUpdate(dev *Device)
}

// ValueListener observes applied characteristic updates of a device.
type ValueListener func(dev *Device, serviceUUID string, char *Characteristic, v Value)
