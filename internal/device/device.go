package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is the connection state of a Device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Device is one physical unit owned by a Driver. Application code mutates it
// only through Connect, Disconnect, Delete, Write and SetNotify; every outcome
// is reported later through the device and driver delegates.
type Device struct {
	peripheral Peripheral
	spec       *DeviceSpec
	driver     *Driver
	logger     *logrus.Logger

	mu            sync.RWMutex
	state         State
	stayConnected bool
	deleted       bool
	delegate      DeviceDelegate
	services      *orderedmap.OrderedMap[string, *Service]
	listeners     *orderedmap.OrderedMap[uint64, ValueListener]
	nextListener  uint64

	statusPending atomic.Bool
}

func newDevice(p Peripheral, spec *DeviceSpec, drv *Driver) *Device {
	return &Device{
		peripheral:    p,
		spec:          spec,
		driver:        drv,
		logger:        drv.logger,
		stayConnected: drv.opts.stayConnected,
		delegate:      drv.opts.deviceDelegate,
		services:      orderedmap.New[string, *Service](),
		listeners:     orderedmap.New[uint64, ValueListener](),
	}
}

func (d *Device) ID() string { return d.peripheral.ID }

// Name is the advertised local name, falling back to the identifier.
func (d *Device) Name() string {
	if d.peripheral.Name != "" {
		return d.peripheral.Name
	}
	return d.peripheral.ID
}

// RSSI is the signal strength observed when the device was discovered.
func (d *Device) RSSI() int { return d.peripheral.RSSI }

func (d *Device) Peripheral() Peripheral { return d.peripheral }

// Spec is the device spec matched at discovery.
func (d *Device) Spec() *DeviceSpec { return d.spec }

func (d *Device) Family() Family { return d.spec.Family }

func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) IsConnected() bool { return d.State() == StateConnected }

func (d *Device) StayConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stayConnected
}

// IsDeleted reports whether Delete has been called; a deleted device ignores every operation.
func (d *Device) IsDeleted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deleted
}

func (d *Device) ManufacturerName() string { return d.Value(ServiceDeviceInfo, CharManufacturerName).String() }
func (d *Device) ModelNumber() string      { return d.Value(ServiceDeviceInfo, CharModelNumber).String() }
func (d *Device) HardwareRevision() string { return d.Value(ServiceDeviceInfo, CharHardwareRevision).String() }
func (d *Device) FirmwareRevision() string { return d.Value(ServiceDeviceInfo, CharFirmwareRevision).String() }

// Services returns the bound services in discovery order.
func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Service, 0, d.services.Len())
	for pair := d.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (d *Device) Service(uuid string) (*Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.services.Get(NormalizeUUID(uuid))
}

// Value returns a characteristic value, unread when the service or characteristic is unknown.
func (d *Device) Value(serviceUUID, charUUID string) Value {
	if svc, ok := d.Service(serviceUUID); ok {
		return svc.Value(charUUID)
	}
	return UnreadValue(ValueRaw)
}

func (d *Device) SetDelegate(delegate DeviceDelegate) {
	d.mu.Lock()
	d.delegate = delegate
	d.mu.Unlock()
}

func (d *Device) Delegate() DeviceDelegate {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.delegate
}

// AddValueListener registers fn for applied characteristic updates and returns
// the function that unregisters it.
func (d *Device) AddValueListener(fn ValueListener) (remove func()) {
	d.mu.Lock()
	d.nextListener++
	id := d.nextListener
	d.listeners.Set(id, fn)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.listeners.Delete(id)
			d.mu.Unlock()
		})
	}
}

// Connect records the stay-connected policy and asks the driver to connect.
// It is a no-op when the device is already connected or connecting.
func (d *Device) Connect(remainConnected bool) {
	if d.refuse("connect") {
		return
	}
	d.mu.Lock()
	d.stayConnected = remainConnected
	d.mu.Unlock()

	d.driver.connectDevice(d)
}

// Disconnect asks the driver to disconnect from any connection stage. It is a
// no-op when the device is already disconnected.
func (d *Device) Disconnect() {
	if d.refuse("disconnect") {
		return
	}
	d.mu.Lock()
	d.stayConnected = false
	d.mu.Unlock()

	d.driver.disconnectDevice(d)
}

// Delete requests a disconnect, then removes the device from the driver:
// OnDeviceWillBeRemoved, registry removal and OnDeviceWasRemoved run in that
// order on the driver's dispatcher. The device is inert afterwards.
func (d *Device) Delete() {
	d.mu.Lock()
	if d.deleted {
		d.mu.Unlock()
		d.log().Debug("Device already deleted")
		return
	}
	d.deleted = true
	d.stayConnected = false
	d.mu.Unlock()

	d.driver.deleteDevice(d)
}

// Write sends data to a characteristic of a bound service.
func (d *Device) Write(serviceUUID, charUUID string, data []byte, withResponse bool) {
	if d.refuse("write") {
		return
	}
	d.driver.writeCharacteristic(d, serviceUUID, charUUID, data, withResponse)
}

// SetNotify enables or disables notifications of a bound characteristic.
func (d *Device) SetNotify(serviceUUID, charUUID string, enabled bool) {
	if d.refuse("set notify") {
		return
	}
	d.driver.setNotify(d, serviceUUID, charUUID, enabled)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Name(), d.ID(), d.spec.Family)
}

func (d *Device) log() *logrus.Entry {
	return d.logger.WithFields(logrus.Fields{
		"device_id": d.ID(),
		"name":      d.peripheral.Name,
	})
}

func (d *Device) refuse(op string) bool {
	if d.IsDeleted() {
		d.log().WithField("op", op).Debug("Operation on deleted device ignored")
		return true
	}
	return false
}

func (d *Device) characteristic(serviceUUID, charUUID string) (*Service, *Characteristic, error) {
	svc, ok := d.Service(serviceUUID)
	if !ok {
		return nil, nil, &NotFoundError{Resource: "service", UUIDs: []string{NormalizeUUID(serviceUUID)}}
	}
	c, ok := svc.Characteristic(charUUID)
	if !ok {
		return svc, nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID(), NormalizeUUID(charUUID)}}
	}
	return svc, c, nil
}

// setState returns the previous state and queues a status notification on change.
func (d *Device) setState(s State) State {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()

	if prev != s {
		d.log().WithFields(logrus.Fields{"state": s.String(), "previous": prev.String()}).Debug("Device state changed")
		d.notifyStatus()
	}
	return prev
}

// transition moves to next only from one of the from states.
func (d *Device) transition(next State, from ...State) (State, bool) {
	d.mu.Lock()
	prev := d.state
	allowed := false
	for _, f := range from {
		if prev == f {
			allowed = true
			break
		}
	}
	if allowed {
		d.state = next
	}
	d.mu.Unlock()

	if allowed && prev != next {
		d.notifyStatus()
	}
	return prev, allowed
}

// bindService returns the existing service for svc's UUID with its handle
// refreshed, or binds a new one created by spec.
func (d *Device) bindService(spec *DeviceSpec, raw RawService) *Service {
	uuid := NormalizeUUID(raw.UUID)

	d.mu.Lock()
	defer d.mu.Unlock()
	if svc, ok := d.services.Get(uuid); ok {
		svc.handle = raw.Handle
		return svc
	}
	svc := spec.CreateService(raw, d)
	if svc == nil {
		return nil
	}
	d.services.Set(svc.UUID(), svc)
	return svc
}

// isReady reports whether the DeviceInfo service is bound and every bound
// service has read its required characteristics.
func (d *Device) isReady() bool {
	if _, ok := d.Service(ServiceDeviceInfo); !ok {
		return false
	}
	for _, svc := range d.Services() {
		if !svc.IsComplete() {
			return false
		}
	}
	return true
}

// notifyStatus queues one OnDeviceStatusUpdate; further calls are absorbed
// until it has run.
func (d *Device) notifyStatus() {
	if !d.statusPending.CompareAndSwap(false, true) {
		return
	}
	d.driver.dispatch(func() {
		d.statusPending.Store(false)
		if obs, ok := d.Delegate().(DeviceStatusObserver); ok {
			obs.OnDeviceStatusUpdate(d)
		}
	})
}

// The fire* helpers run on the driver's dispatcher.

func (d *Device) fireError(err error) {
	if del := d.Delegate(); del != nil {
		del.OnDeviceError(d, err)
	}
}

func (d *Device) fireConnected() {
	if obs, ok := d.Delegate().(DeviceConnectionObserver); ok {
		obs.OnDeviceWasConnected(d)
	}
}

func (d *Device) fireDisconnected(err error) {
	if obs, ok := d.Delegate().(DeviceConnectionObserver); ok {
		obs.OnDeviceWasDisconnected(d, err)
	}
}

func (d *Device) fireWillBeRemoved() {
	if obs, ok := d.Delegate().(DeviceRemovalObserver); ok {
		obs.OnDeviceWillBeRemoved(d)
	}
}

func (d *Device) fireWasRemoved() {
	if obs, ok := d.Delegate().(DeviceRemovalObserver); ok {
		obs.OnDeviceWasRemoved(d)
	}
}

func (d *Device) fireValue(svc *Service, c *Characteristic, v Value) {
	d.mu.RLock()
	listeners := make([]ValueListener, 0, d.listeners.Len())
	for pair := d.listeners.Oldest(); pair != nil; pair = pair.Next() {
		listeners = append(listeners, pair.Value)
	}
	d.mu.RUnlock()

	for _, fn := range listeners {
		fn(d, svc.UUID(), c, v)
	}
}
