package device

import (
	"slices"

	"github.com/sirupsen/logrus"
)

// transportEvents re-dispatches every transport event onto the driver's
// dispatcher so that delegates never run on a transport goroutine.
type transportEvents struct {
	drv *Driver
}

func (e *transportEvents) OnPowerStateChanged(poweredOn bool) {
	e.drv.dispatch(func() { e.drv.handlePowerState(poweredOn) })
}

func (e *transportEvents) OnDiscover(adv Advertisement) {
	e.drv.dispatch(func() { e.drv.handleDiscover(adv) })
}

func (e *transportEvents) OnScanError(err error) {
	e.drv.dispatch(func() { e.drv.handleScanError(err) })
}

func (e *transportEvents) OnConnect(peripheralID string) {
	e.drv.dispatch(func() { e.drv.handleConnect(peripheralID) })
}

func (e *transportEvents) OnConnectFailed(peripheralID string, err error) {
	e.drv.dispatch(func() { e.drv.handleConnectFailed(peripheralID, err) })
}

func (e *transportEvents) OnDisconnect(peripheralID string, err error) {
	e.drv.dispatch(func() { e.drv.handleDisconnect(peripheralID, err) })
}

func (e *transportEvents) OnServicesDiscovered(peripheralID string, services []RawService, err error) {
	e.drv.dispatch(func() { e.drv.handleServices(peripheralID, services, err) })
}

func (e *transportEvents) OnCharacteristicsDiscovered(peripheralID, serviceUUID string, charUUIDs []string, err error) {
	e.drv.dispatch(func() { e.drv.handleCharacteristics(peripheralID, serviceUUID, charUUIDs, err) })
}

func (e *transportEvents) OnCharacteristicValue(ev ValueEvent) {
	e.drv.dispatch(func() { e.drv.handleValue(ev) })
}

func (e *transportEvents) OnCharacteristicWritten(peripheralID, serviceUUID, charUUID string, err error) {
	e.drv.dispatch(func() { e.drv.handleWritten(peripheralID, serviceUUID, charUUID, err) })
}

// known resolves a peripheral to its device. Events for unknown or removed
// peripherals are late arrivals and are dropped.
func (drv *Driver) known(peripheralID, event string) *Device {
	dev := drv.Lookup(peripheralID)
	if dev == nil {
		drv.logger.WithFields(logrus.Fields{
			"device_id": peripheralID,
			"event":     event,
		}).Debug("Event for unknown device discarded")
	}
	return dev
}

func (drv *Driver) handlePowerState(poweredOn bool) {
	drv.logger.WithField("powered_on", poweredOn).Info("Transport power state changed")
	if poweredOn {
		drv.mu.RLock()
		active := slices.Clone(drv.active)
		drv.mu.RUnlock()
		for _, dev := range active {
			if dev.StayConnected() && !dev.IsDeleted() && dev.State() == StateDisconnected {
				dev.log().Info("Power restored, reconnecting")
				drv.connectDevice(dev)
			}
		}
		drv.notifyStatus()
		return
	}

	drv.scanMu.Lock()
	drv.scanning = false
	drv.scanMu.Unlock()

	drv.mu.RLock()
	all := append(slices.Clone(drv.holdingPen), drv.active...)
	drv.mu.RUnlock()
	for _, dev := range all {
		if prev := dev.setState(StateDisconnected); prev != StateDisconnected {
			drv.deviceDisconnected(dev, ErrBluetoothOff, false)
		}
	}

	drv.reportError(BluetoothNotAvailable, nil, nil)
	drv.notifyStatus()
}

func (drv *Driver) handleScanError(err error) {
	drv.scanMu.Lock()
	drv.scanning = false
	drv.scanMu.Unlock()

	drv.reportError(UnknownPeripheralDiscoveryError, nil, err)
	drv.notifyStatus()
}

// handleDiscover runs the discovery pipeline: RSSI gate, dedupe, vetting,
// spec match, then a new device in the holding pen with a connection request.
func (drv *Driver) handleDiscover(adv Advertisement) {
	p := PeripheralFromAdvertisement(adv)
	log := drv.logger.WithFields(logrus.Fields{
		"device_id": p.ID,
		"name":      p.Name,
		"rssi":      p.RSSI,
	})

	existing := drv.Lookup(p.ID)
	if !drv.rssiInRange(p.RSSI) {
		if existing != nil {
			log.Info("Device out of RSSI range, deleting")
			existing.Delete()
			return
		}
		log.Debug("Discovery outside RSSI range dropped")
		return
	}
	if existing != nil {
		log.Debug("Device already known")
		return
	}

	if vetter, ok := drv.delegate.(PeripheralVetter); ok && !vetter.OnVetDiscoveredPeripheral(drv, adv) {
		log.Debug("Discovery rejected by delegate")
		return
	}

	spec := drv.specs.MatchAdvertisement(adv)
	if spec == nil {
		log.Debug("No device spec matches advertisement")
		return
	}

	dev := newDevice(p, spec, drv)
	drv.mu.Lock()
	if drv.lookupLocked(p.ID) != nil {
		drv.mu.Unlock()
		return
	}
	drv.holdingPen = append(drv.holdingPen, dev)
	drv.mu.Unlock()

	log.WithField("family", spec.Family.String()).Info("Device added to holding pen")
	drv.notifyStatus()
	drv.connectDevice(dev)
}

func (drv *Driver) handleConnect(peripheralID string) {
	dev := drv.known(peripheralID, "connect")
	if dev == nil {
		// a connection we no longer want
		_ = drv.transport.CancelConnection(peripheralID)
		return
	}
	if dev.State() == StateDisconnecting {
		dev.log().Debug("Connected while disconnect pending")
		return
	}

	dev.setState(StateConnected)
	dev.log().Info("Device connected")

	if drv.IsActive(dev) {
		dev.fireConnected()
	}
	if err := drv.transport.DiscoverServices(peripheralID, drv.specs.ServiceUUIDs()); err != nil {
		drv.reportError(UnknownPeripheralDiscoveryError, dev, err)
	}
	drv.notifyStatus()
}

func (drv *Driver) handleConnectFailed(peripheralID string, err error) {
	dev := drv.known(peripheralID, "connect failed")
	if dev == nil {
		return
	}
	dev.setState(StateDisconnected)
	drv.reportError(ConnectionAttemptFailed, dev, err)

	if drv.dropFromHoldingPen(dev) {
		dev.log().Info("Connection failed, device dropped from holding pen")
	}
	drv.notifyStatus()
}

// handleDisconnect treats a peer-initiated disconnect as an ordinary one;
// any other cause is also reported as unknownDisconnectionError.
func (drv *Driver) handleDisconnect(peripheralID string, err error) {
	dev := drv.known(peripheralID, "disconnect")
	if dev == nil {
		return
	}
	log := dev.log()
	prev := dev.setState(StateDisconnected)
	if prev == StateDisconnected {
		log.Debug("Disconnect for disconnected device discarded")
		return
	}

	switch {
	case err == nil:
		log.Info("Device disconnected")
	case IsPeerDisconnect(err):
		log.WithField("error", err).Info("Device disconnected by peer")
	default:
		drv.reportError(UnknownDisconnectionError, dev, err)
	}
	drv.deviceDisconnected(dev, err, prev != StateDisconnecting)
}

// deviceDisconnected runs after dev entered StateDisconnected. A device still
// in the holding pen is dropped whatever the cause, so a later advertisement
// starts over; an active stay-connected device is reconnected when reconnect is set.
func (drv *Driver) deviceDisconnected(dev *Device, err error, reconnect bool) {
	dev.fireDisconnected(err)

	switch {
	case drv.dropFromHoldingPen(dev):
		dev.log().Info("Disconnected before promotion, device dropped from holding pen")
	case reconnect && dev.StayConnected() && !dev.IsDeleted():
		dev.log().Info("Reconnecting")
		drv.connectDevice(dev)
	}
	drv.notifyStatus()
}

func (drv *Driver) dropFromHoldingPen(dev *Device) bool {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	idx := slices.Index(drv.holdingPen, dev)
	if idx < 0 {
		return false
	}
	drv.holdingPen = slices.Delete(drv.holdingPen, idx, idx+1)
	return true
}

// handleServices binds every discovered service claimed by a spec and asks
// for its declared characteristics. Unclaimed services are ignored.
func (drv *Driver) handleServices(peripheralID string, services []RawService, err error) {
	dev := drv.known(peripheralID, "services discovered")
	if dev == nil {
		return
	}
	if err != nil {
		drv.reportError(UnknownPeripheralDiscoveryError, dev, err)
		return
	}

	var bound []*Service
	for _, raw := range services {
		spec := drv.specs.Match(raw.UUID)
		if spec == nil {
			dev.log().WithField("service_uuid", NormalizeUUID(raw.UUID)).Debug("Service not claimed by any spec")
			continue
		}
		if svc := dev.bindService(spec, raw); svc != nil {
			bound = append(bound, svc)
		}
	}

	if _, ok := dev.Service(ServiceDeviceInfo); !ok {
		drv.reportError(CharacteristicValueMissing, dev, &NotFoundError{Resource: "service", UUIDs: []string{ServiceDeviceInfo}})
		drv.disconnectDevice(dev)
		return
	}

	for _, svc := range bound {
		if err := drv.transport.DiscoverCharacteristics(peripheralID, svc.UUID(), svc.CharacteristicUUIDs()); err != nil {
			drv.reportError(UnknownCharacteristicsDiscoveryError, dev, err)
		}
	}
	dev.notifyStatus()
}

// handleCharacteristics issues reads for readable characteristics and enables
// notifications where declared. A required characteristic the peripheral lacks
// is reported as characteristicValueMissing.
func (drv *Driver) handleCharacteristics(peripheralID, serviceUUID string, charUUIDs []string, err error) {
	dev := drv.known(peripheralID, "characteristics discovered")
	if dev == nil {
		return
	}
	svc, ok := dev.Service(serviceUUID)
	if !ok {
		dev.log().WithField("service_uuid", serviceUUID).Debug("Characteristics for unbound service discarded")
		return
	}
	if err != nil {
		drv.reportError(UnknownCharacteristicsDiscoveryError, dev, err)
		return
	}

	found := NormalizeUUIDs(charUUIDs)
	for _, c := range svc.Characteristics() {
		if !slices.Contains(found, c.UUID()) {
			if c.spec.Required {
				drv.reportError(CharacteristicValueMissing, dev,
					&NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID(), c.UUID()}})
			}
			continue
		}
		c.markDiscovered()

		if c.spec.Readable {
			seq := c.reserveRead()
			if err := drv.transport.ReadCharacteristic(peripheralID, svc.UUID(), c.UUID()); err != nil {
				c.cancelReadSeq(seq)
				drv.reportError(UnknownCharacteristicsReadValueError, dev, err)
			}
		}
		if c.spec.Notify {
			if err := drv.transport.SetNotify(peripheralID, svc.UUID(), c.UUID(), true); err != nil {
				drv.reportError(UnknownCharacteristicsReadValueError, dev, err)
			}
		}
	}
	drv.maybePromote(dev)
}

func (drv *Driver) handleValue(ev ValueEvent) {
	dev := drv.known(ev.PeripheralID, "characteristic value")
	if dev == nil {
		return
	}
	svc, c, err := dev.characteristic(ev.ServiceUUID, ev.CharUUID)
	if err != nil {
		dev.log().WithField("error", err).Debug("Value for undeclared characteristic discarded")
		return
	}
	log := dev.log().WithFields(logrus.Fields{"service_uuid": svc.UUID(), "char_uuid": c.UUID()})

	if ev.Err != nil {
		if !ev.Notification {
			c.cancelRead()
		}
		drv.reportError(UnknownCharacteristicsReadValueError, dev, ev.Err)
		return
	}
	if c.spec.Required && len(ev.Data) == 0 {
		if !ev.Notification {
			c.cancelRead()
		}
		drv.reportError(CharacteristicValueMissing, dev,
			&NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID(), c.UUID()}})
		return
	}

	v, applied, err := c.update(ev.Data, ev.Notification)
	if err != nil {
		drv.reportError(CharacteristicValueMissing, dev, err)
		return
	}
	if !applied {
		log.Debug("Stale characteristic value discarded")
		return
	}
	log.WithField("value", v.String()).Debug("Characteristic updated")

	dev.fireValue(svc, c, v)
	dev.notifyStatus()
	drv.maybePromote(dev)
}

func (drv *Driver) handleWritten(peripheralID, serviceUUID, charUUID string, err error) {
	dev := drv.known(peripheralID, "characteristic written")
	if dev == nil || err == nil {
		return
	}
	dev.log().WithFields(logrus.Fields{"service_uuid": serviceUUID, "char_uuid": charUUID}).Debug("Write failed")
	drv.reportError(UnknownError, dev, err)
}

func (drv *Driver) maybePromote(dev *Device) {
	if drv.inHoldingPen(dev) && dev.IsConnected() && dev.isReady() {
		drv.promote(dev)
	}
}
