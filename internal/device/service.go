package device

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Service is a GATT service bound to a Device. Its characteristic set is fixed
// at construction to what the spec declared.
type Service struct {
	spec     *DeviceSpec
	svcSpec  ServiceSpec
	uuid     string
	handle   any
	deviceID string
	chars    *orderedmap.OrderedMap[string, *Characteristic]
}

func newService(spec *DeviceSpec, svcSpec ServiceSpec, handle any, deviceID string) *Service {
	s := &Service{
		spec:     spec,
		svcSpec:  svcSpec,
		uuid:     NormalizeUUID(svcSpec.UUID),
		handle:   handle,
		deviceID: deviceID,
		chars:    orderedmap.New[string, *Characteristic](),
	}
	for _, cs := range svcSpec.Characteristics {
		c := newCharacteristic(cs)
		if c.UUID() == "" {
			continue
		}
		if _, dup := s.chars.Get(c.UUID()); dup {
			continue
		}
		s.chars.Set(c.UUID(), c)
	}
	return s
}

func (s *Service) UUID() string { return s.uuid }

func (s *Service) Name() string {
	if s.svcSpec.Name != "" {
		return s.svcSpec.Name
	}
	return FormatUUID(s.uuid)
}

// Family is the family of the spec that created the service.
func (s *Service) Family() Family { return s.spec.Family }

func (s *Service) Spec() *DeviceSpec { return s.spec }

func (s *Service) DeviceID() string { return s.deviceID }

// Handle is the opaque transport descriptor the service was created from.
func (s *Service) Handle() any { return s.handle }

// Characteristics returns the characteristics in declaration order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// CharacteristicUUIDs returns the declared characteristic UUIDs in order.
func (s *Service) CharacteristicUUIDs() []string {
	out := make([]string, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	return s.chars.Get(NormalizeUUID(uuid))
}

// Value returns the current value of a characteristic; unknown UUIDs yield an unread raw value.
func (s *Service) Value(uuid string) Value {
	if c, ok := s.Characteristic(uuid); ok {
		return c.Value()
	}
	return UnreadValue(ValueRaw)
}

// Values snapshots every characteristic value keyed by UUID.
func (s *Service) Values() map[string]Value {
	out := make(map[string]Value, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value.Value()
	}
	return out
}

// IsComplete reports whether every required characteristic has been read.
func (s *Service) IsComplete() bool {
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.spec.Required && !pair.Value.Value().IsRead() {
			return false
		}
	}
	return true
}

// DeviceInfo returns the Device Information view of the service.
func (s *Service) DeviceInfo() (DeviceInfoView, bool) {
	if s.uuid != ServiceDeviceInfo {
		return DeviceInfoView{}, false
	}
	return DeviceInfoView{svc: s}, true
}

// GoTenna returns the goTenna view of the service.
func (s *Service) GoTenna() (GoTennaView, bool) {
	if s.uuid != ServiceGoTenna {
		return GoTennaView{}, false
	}
	return GoTennaView{svc: s}, true
}

// BearTooth returns the BearTooth serial view of the service.
func (s *Service) BearTooth() (BearToothView, bool) {
	if s.uuid != ServiceBearTooth {
		return BearToothView{}, false
	}
	return BearToothView{svc: s}, true
}

// SerialChannel returns the first writable and first notifying characteristics,
// the pair a byte-stream protocol runs over.
func (s *Service) SerialChannel() (tx, rx *Characteristic, ok bool) {
	for _, c := range s.Characteristics() {
		if tx == nil && c.spec.Writable {
			tx = c
		}
		if rx == nil && c.spec.Notify {
			rx = c
		}
	}
	return tx, rx, tx != nil && rx != nil
}

// DeviceInfoView exposes the Device Information characteristics by name.
type DeviceInfoView struct{ svc *Service }

func (v DeviceInfoView) ManufacturerName() string { return v.svc.Value(CharManufacturerName).String() }
func (v DeviceInfoView) ModelNumber() string      { return v.svc.Value(CharModelNumber).String() }
func (v DeviceInfoView) HardwareRevision() string { return v.svc.Value(CharHardwareRevision).String() }
func (v DeviceInfoView) FirmwareRevision() string { return v.svc.Value(CharFirmwareRevision).String() }

// GoTennaView exposes the goTenna mesh radio characteristics.
type GoTennaView struct{ svc *Service }

func (v GoTennaView) Transmit() *Characteristic {
	c, _ := v.svc.Characteristic(CharGoTennaTransmit)
	return c
}

func (v GoTennaView) Status() Value { return v.svc.Value(CharGoTennaStatus) }

func (v GoTennaView) Receive() *Characteristic {
	c, _ := v.svc.Characteristic(CharGoTennaReceive)
	return c
}

// BearToothView exposes the BearTooth serial characteristics.
type BearToothView struct{ svc *Service }

func (v BearToothView) Transmit() *Characteristic {
	c, _ := v.svc.Characteristic(CharBearToothTransmit)
	return c
}

func (v BearToothView) Receive() *Characteristic {
	c, _ := v.svc.Characteristic(CharBearToothReceive)
	return c
}
