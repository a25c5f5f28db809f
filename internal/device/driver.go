package device

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Driver owns the holding pen of discovered devices awaiting their required
// reads and the ordered list of active devices. A device is in at most one of
// the two lists. All delegate callbacks run on the driver's dispatcher.
type Driver struct {
	transport  Transport
	delegate   DriverDelegate
	specs      *SpecRegistry
	dispatcher Dispatcher
	ownQueue   *SerialQueue
	logger     *logrus.Logger
	opts       options

	mu         sync.RWMutex
	holdingPen []*Device
	active     []*Device

	scanMu   sync.Mutex
	scanning bool

	statusPending atomic.Bool
}

// NewDriver builds a driver over transport. delegate receives every reported error.
func NewDriver(transport Transport, delegate DriverDelegate, opts ...Option) (*Driver, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if delegate == nil {
		return nil, errors.New("driver delegate is required")
	}

	o := options{rssiMin: DefaultRSSIMin, rssiMax: DefaultRSSIMax}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rssiMin >= o.rssiMax {
		return nil, fmt.Errorf("invalid RSSI range [%d, %d)", o.rssiMin, o.rssiMax)
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}
	if o.specs == nil {
		o.specs = DefaultSpecRegistry()
	}

	drv := &Driver{
		transport: transport,
		delegate:  delegate,
		specs:     o.specs,
		logger:    o.logger,
		opts:      o,
	}
	if o.dispatcher != nil {
		drv.dispatcher = o.dispatcher
	} else {
		drv.ownQueue = NewSerialQueue("blefleet-driver", o.logger)
		drv.dispatcher = drv.ownQueue
	}

	transport.SetHandler(&transportEvents{drv: drv})
	return drv, nil
}

// Specs returns the registry used to match advertisements and services.
func (drv *Driver) Specs() *SpecRegistry { return drv.specs }

// Logger returns the driver's logger; devices log through it.
func (drv *Driver) Logger() *logrus.Logger { return drv.logger }

// RSSIRange returns the discovery gate bounds.
func (drv *Driver) RSSIRange() (minRSSI, maxRSSI int) {
	return drv.opts.rssiMin, drv.opts.rssiMax
}

// Sync blocks until the driver's own dispatcher has run everything queued so
// far. It is a no-op for an external dispatcher.
func (drv *Driver) Sync() {
	if drv.ownQueue != nil {
		drv.ownQueue.Flush()
	}
}

// Close stops scanning and the driver's own dispatcher. Devices are left as is.
func (drv *Driver) Close() {
	drv.SetScanning(false)
	if drv.ownQueue != nil {
		drv.ownQueue.Close()
	}
}

// IsScanning reports whether a scan is running.
func (drv *Driver) IsScanning() bool {
	drv.scanMu.Lock()
	defer drv.scanMu.Unlock()
	return drv.scanning
}

// StartScanning is SetScanning(true).
func (drv *Driver) StartScanning() { drv.SetScanning(true) }

// StopScanning is SetScanning(false).
func (drv *Driver) StopScanning() { drv.SetScanning(false) }

// SetScanning starts or stops scanning for the advertised UUIDs of every
// registered spec. Starting fails with bluetoothNotAvailable when the transport
// is powered off; the request is not retried later.
func (drv *Driver) SetScanning(on bool) {
	drv.scanMu.Lock()
	defer drv.scanMu.Unlock()

	if drv.scanning == on {
		return
	}

	if on {
		if !drv.transport.PoweredOn() {
			drv.reportError(BluetoothNotAvailable, nil, nil)
			return
		}
		if err := drv.transport.StartScan(drv.specs.AdvertisedServiceUUIDs(), drv.opts.allowDuplicates); err != nil {
			kind := UnknownPeripheralDiscoveryError
			if errors.Is(err, ErrBluetoothOff) {
				kind = BluetoothNotAvailable
			}
			drv.reportError(kind, nil, err)
			return
		}
		drv.logger.Info("Scanning started")
	} else {
		if err := drv.transport.StopScan(); err != nil {
			drv.reportError(UnknownError, nil, err)
		}
		drv.logger.Info("Scanning stopped")
	}

	drv.scanning = on
	drv.notifyStatus()
}

// Count is the number of active devices.
func (drv *Driver) Count() int {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return len(drv.active)
}

// Device returns the active device at index i. Indexing out of range panics.
func (drv *Driver) Device(i int) *Device {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	if i < 0 || i >= len(drv.active) {
		panic(fmt.Sprintf("device: index %d out of range [0:%d]", i, len(drv.active)))
	}
	return drv.active[i]
}

// Devices snapshots the active list.
func (drv *Driver) Devices() []*Device {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return slices.Clone(drv.active)
}

// All iterates a snapshot of the active list.
func (drv *Driver) All() iter.Seq2[int, *Device] {
	devices := drv.Devices()
	return func(yield func(int, *Device) bool) {
		for i, d := range devices {
			if !yield(i, d) {
				return
			}
		}
	}
}

// HoldingPen snapshots the devices still being populated.
func (drv *Driver) HoldingPen() []*Device {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return slices.Clone(drv.holdingPen)
}

// Lookup finds a device by peripheral identifier in either list.
func (drv *Driver) Lookup(id string) *Device {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return drv.lookupLocked(id)
}

func (drv *Driver) lookupLocked(id string) *Device {
	for _, d := range drv.holdingPen {
		if d.ID() == id {
			return d
		}
	}
	for _, d := range drv.active {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// IsActive reports whether dev is in the active list.
func (drv *Driver) IsActive(dev *Device) bool {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return slices.Contains(drv.active, dev)
}

func (drv *Driver) inHoldingPen(dev *Device) bool {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return slices.Contains(drv.holdingPen, dev)
}

func (drv *Driver) contains(dev *Device) bool {
	drv.mu.RLock()
	defer drv.mu.RUnlock()
	return slices.Contains(drv.holdingPen, dev) || slices.Contains(drv.active, dev)
}

func (drv *Driver) dispatch(fn func()) {
	drv.dispatcher.Dispatch(fn)
}

// connectDevice requests a transport connection unless one exists or is pending.
func (drv *Driver) connectDevice(dev *Device) {
	if !drv.transport.PoweredOn() {
		drv.reportError(BluetoothNotAvailable, dev, nil)
		return
	}
	if !drv.contains(dev) {
		drv.reportError(ConnectionAttemptFailedNoDevice, dev, nil)
		return
	}
	if prev, ok := dev.transition(StateConnecting, StateDisconnected); !ok {
		dev.log().WithField("state", prev.String()).Debug("Connect ignored")
		return
	}

	dev.log().Info("Connecting")
	if err := drv.transport.Connect(dev.ID()); err != nil {
		dev.setState(StateDisconnected)
		drv.reportError(ConnectionAttemptFailed, dev, err)
		if drv.dropFromHoldingPen(dev) {
			dev.log().Info("Connection failed, device dropped from holding pen")
			drv.notifyStatus()
		}
	}
}

// disconnectDevice requests a disconnect from any connecting or connected stage.
func (drv *Driver) disconnectDevice(dev *Device) {
	prev, ok := dev.transition(StateDisconnecting, StateConnecting, StateConnected)
	if !ok {
		dev.log().WithField("state", prev.String()).Debug("Disconnect ignored")
		return
	}

	dev.log().Info("Disconnecting")
	if err := drv.transport.CancelConnection(dev.ID()); err != nil {
		dev.setState(prev)
		drv.reportError(DisconnectionAttemptFailed, dev, err)
	}
}

// deleteDevice requests the disconnect and queues the three removal phases.
func (drv *Driver) deleteDevice(dev *Device) {
	drv.disconnectDevice(dev)
	drv.dispatch(func() {
		dev.fireWillBeRemoved()
		drv.removeDevice(dev)
		dev.fireWasRemoved()
	})
}

// removeDevice force-disconnects dev and drops it from whichever list holds it.
// Removal does not wait for the disconnect to be confirmed.
func (drv *Driver) removeDevice(dev *Device) {
	drv.disconnectDevice(dev)

	drv.mu.Lock()
	before := len(drv.holdingPen) + len(drv.active)
	drv.holdingPen = slices.DeleteFunc(drv.holdingPen, func(d *Device) bool { return d == dev })
	drv.active = slices.DeleteFunc(drv.active, func(d *Device) bool { return d == dev })
	removed := before != len(drv.holdingPen)+len(drv.active)
	drv.mu.Unlock()

	if !removed {
		dev.log().Debug("Device was not registered")
		return
	}
	dev.setState(StateDisconnected)
	dev.log().Info("Device removed")
	drv.fireStatus()
}

func (drv *Driver) writeCharacteristic(dev *Device, serviceUUID, charUUID string, data []byte, withResponse bool) {
	svc, c, err := dev.characteristic(serviceUUID, charUUID)
	if err != nil {
		drv.reportError(UnknownError, dev, err)
		return
	}
	if !dev.IsConnected() {
		drv.reportError(UnknownError, dev, fmt.Errorf("write %s: %w", c.UUID(), ErrNotConnected))
		return
	}
	if err := drv.transport.WriteCharacteristic(dev.ID(), svc.UUID(), c.UUID(), data, withResponse); err != nil {
		drv.reportError(UnknownError, dev, err)
	}
}

func (drv *Driver) setNotify(dev *Device, serviceUUID, charUUID string, enabled bool) {
	svc, c, err := dev.characteristic(serviceUUID, charUUID)
	if err != nil {
		drv.reportError(UnknownError, dev, err)
		return
	}
	if !dev.IsConnected() {
		drv.reportError(UnknownError, dev, fmt.Errorf("notify %s: %w", c.UUID(), ErrNotConnected))
		return
	}
	if err := drv.transport.SetNotify(dev.ID(), svc.UUID(), c.UUID(), enabled); err != nil {
		drv.reportError(UnknownCharacteristicsReadValueError, dev, err)
	}
}

// reportError funnels one failure to the device delegate (when dev is set)
// and then to the driver delegate, on the dispatcher.
func (drv *Driver) reportError(kind ErrorKind, dev *Device, cause error) {
	derr := &DriverError{Kind: kind, Err: cause}
	fields := logrus.Fields{"kind": kind.String()}
	if dev != nil {
		derr.DeviceID = dev.ID()
		fields["device_id"] = dev.ID()
	}
	if cause != nil {
		fields["error"] = cause
	}
	drv.logger.WithFields(fields).Warn("Driver error")

	drv.dispatch(func() {
		if dev != nil {
			dev.fireError(derr)
		}
		drv.delegate.OnDriverError(drv, derr)
	})
}

// notifyStatus queues one OnStatusUpdate; further calls are absorbed until it has run.
func (drv *Driver) notifyStatus() {
	if !drv.statusPending.CompareAndSwap(false, true) {
		return
	}
	drv.dispatch(func() {
		drv.statusPending.Store(false)
		drv.fireStatus()
	})
}

// fireStatus calls the status observer directly; callers are on the dispatcher.
func (drv *Driver) fireStatus() {
	if obs, ok := drv.delegate.(StatusObserver); ok {
		obs.OnStatusUpdate(drv)
	}
}

// promote moves dev from the holding pen to the active list, then fires
// OnDeviceAdded, the device's OnDeviceWasConnected and OnStatusUpdate in that
// order. Runs on the dispatcher.
func (drv *Driver) promote(dev *Device) {
	drv.mu.Lock()
	idx := slices.Index(drv.holdingPen, dev)
	if idx < 0 {
		drv.mu.Unlock()
		return
	}
	drv.holdingPen = slices.Delete(drv.holdingPen, idx, idx+1)
	drv.active = append(drv.active, dev)
	drv.mu.Unlock()

	dev.log().WithFields(logrus.Fields{
		"manufacturer": dev.ManufacturerName(),
		"model":        dev.ModelNumber(),
		"family":       dev.Family().String(),
	}).Info("Device promoted to active list")

	if obs, ok := drv.delegate.(DeviceAddedObserver); ok {
		obs.OnDeviceAdded(drv, dev)
	}
	dev.fireConnected()
	drv.fireStatus()

	if !dev.StayConnected() {
		drv.disconnectDevice(dev)
	}
}

func (drv *Driver) rssiInRange(rssi int) bool {
	return rssi >= drv.opts.rssiMin && rssi < drv.opts.rssiMax
}
