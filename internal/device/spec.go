package device

import (
	"fmt"
	"slices"
)

// Family is the closed set of hardware families a DeviceSpec can describe.
type Family int

const (
	FamilyDeviceInfo Family = iota
	FamilyGoTenna
	FamilyBearTooth
	FamilyELM327
	FamilyCustom
)

func (f Family) String() string {
	switch f {
	case FamilyDeviceInfo:
		return "DeviceInfo"
	case FamilyGoTenna:
		return "goTenna"
	case FamilyBearTooth:
		return "BearTooth"
	case FamilyELM327:
		return "ELM327"
	case FamilyCustom:
		return "custom"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// CharacteristicSpec declares one initial characteristic of a service.
type CharacteristicSpec struct {
	UUID     string
	Name     string
	Kind     ValueKind
	Required bool // must be read before the device is promoted
	Readable bool
	Writable bool
	Notify   bool
}

// ServiceSpec declares a service and its initial characteristics.
type ServiceSpec struct {
	UUID            string
	Name            string
	Characteristics []CharacteristicSpec
}

// DeviceSpec describes one hardware family: the service UUIDs it advertises,
// the services it claims and their initial characteristic sets. Specs are
// immutable once registered.
type DeviceSpec struct {
	Family     Family
	Name       string
	Advertised []string
	Services   []ServiceSpec
}

// Claims reports whether the spec declares a service with the given UUID.
func (s *DeviceSpec) Claims(serviceUUID string) bool {
	_, ok := s.ServiceSpec(serviceUUID)
	return ok
}

// ServiceSpec returns the declaration for serviceUUID.
func (s *DeviceSpec) ServiceSpec(serviceUUID string) (ServiceSpec, bool) {
	n := NormalizeUUID(serviceUUID)
	for _, svc := range s.Services {
		if NormalizeUUID(svc.UUID) == n {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// ServiceUUIDs lists the normalized UUIDs of every declared service.
func (s *DeviceSpec) ServiceUUIDs() []string {
	uuids := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		uuids = append(uuids, svc.UUID)
	}
	return NormalizeUUIDs(uuids)
}

// AdvertisesAny reports whether any advertised service UUID belongs to the spec.
func (s *DeviceSpec) AdvertisesAny(serviceUUIDs []string) bool {
	adv := NormalizeUUIDs(s.Advertised)
	for _, u := range serviceUUIDs {
		if slices.Contains(adv, NormalizeUUID(u)) {
			return true
		}
	}
	return false
}

// CreateService builds the Service for raw with an unread placeholder for every
// declared characteristic. Duplicate declarations collapse to one. Returns nil
// when the spec does not claim raw.UUID.
func (s *DeviceSpec) CreateService(raw RawService, dev *Device) *Service {
	svcSpec, ok := s.ServiceSpec(raw.UUID)
	if !ok {
		return nil
	}
	deviceID := ""
	if dev != nil {
		deviceID = dev.ID()
	}
	return newService(s, svcSpec, raw.Handle, deviceID)
}

// SpecRegistry is an ordered, immutable list of device specs. Lookups return
// the first registered spec that matches.
type SpecRegistry struct {
	specs []*DeviceSpec
}

// NewSpecRegistry registers specs in the given order.
func NewSpecRegistry(specs ...*DeviceSpec) *SpecRegistry {
	return &SpecRegistry{specs: slices.Clone(specs)}
}

// DefaultSpecRegistry registers DefaultSpecs followed by extra.
func DefaultSpecRegistry(extra ...*DeviceSpec) *SpecRegistry {
	return NewSpecRegistry(append(DefaultSpecs(), extra...)...)
}

// Specs returns the registered specs in priority order.
func (r *SpecRegistry) Specs() []*DeviceSpec {
	return slices.Clone(r.specs)
}

// Match returns the first spec claiming serviceUUID, nil when none does.
func (r *SpecRegistry) Match(serviceUUID string) *DeviceSpec {
	for _, s := range r.specs {
		if s.Claims(serviceUUID) {
			return s
		}
	}
	return nil
}

// MatchAdvertisement returns the first spec advertising one of adv's services.
func (r *SpecRegistry) MatchAdvertisement(adv Advertisement) *DeviceSpec {
	services := adv.Services()
	for _, s := range r.specs {
		if s.AdvertisesAny(services) {
			return s
		}
	}
	return nil
}

// AdvertisedServiceUUIDs aggregates the advertised UUIDs of every spec; the
// transport scans for these.
func (r *SpecRegistry) AdvertisedServiceUUIDs() []string {
	var all []string
	for _, s := range r.specs {
		all = append(all, s.Advertised...)
	}
	return NormalizeUUIDs(all)
}

// ServiceUUIDs aggregates the claimed service UUIDs of every spec.
func (r *SpecRegistry) ServiceUUIDs() []string {
	var all []string
	for _, s := range r.specs {
		all = append(all, s.ServiceUUIDs()...)
	}
	return NormalizeUUIDs(all)
}

func deviceInfoService() ServiceSpec {
	return ServiceSpec{
		UUID: ServiceDeviceInfo,
		Name: "Device Information",
		Characteristics: []CharacteristicSpec{
			{UUID: CharManufacturerName, Name: "Manufacturer Name", Kind: ValueString, Required: true, Readable: true},
			{UUID: CharModelNumber, Name: "Model Number", Kind: ValueString, Required: true, Readable: true},
			{UUID: CharHardwareRevision, Name: "Hardware Revision", Kind: ValueString, Required: true, Readable: true},
			{UUID: CharFirmwareRevision, Name: "Firmware Revision", Kind: ValueString, Required: true, Readable: true},
		},
	}
}

// DefaultSpecs returns the built-in families in priority order: goTenna,
// BearTooth, ELM327 and the generic DeviceInfo family.
func DefaultSpecs() []*DeviceSpec {
	return []*DeviceSpec{
		{
			Family:     FamilyGoTenna,
			Name:       "goTenna",
			Advertised: []string{ServiceGoTenna},
			Services: []ServiceSpec{{
				UUID: ServiceGoTenna,
				Name: "goTenna",
				Characteristics: []CharacteristicSpec{
					{UUID: CharGoTennaTransmit, Name: "Transmit", Kind: ValueRaw, Writable: true},
					{UUID: CharGoTennaStatus, Name: "Status", Kind: ValueRaw, Readable: true},
					{UUID: CharGoTennaReceive, Name: "Receive", Kind: ValueRaw, Notify: true},
				},
			}},
		},
		{
			Family:     FamilyBearTooth,
			Name:       "BearTooth",
			Advertised: []string{ServiceBearTooth},
			Services: []ServiceSpec{{
				UUID: ServiceBearTooth,
				Name: "BearTooth Serial",
				Characteristics: []CharacteristicSpec{
					{UUID: CharBearToothTransmit, Name: "Transmit", Kind: ValueRaw, Writable: true},
					{UUID: CharBearToothReceive, Name: "Receive", Kind: ValueRaw, Notify: true},
				},
			}},
		},
		{
			Family:     FamilyELM327,
			Name:       "ELM327",
			Advertised: []string{ServiceELM327},
			Services: []ServiceSpec{{
				UUID: ServiceELM327,
				Name: "ELM327 Serial",
				Characteristics: []CharacteristicSpec{
					{UUID: CharELM327Receive, Name: "Receive", Kind: ValueString, Notify: true},
					{UUID: CharELM327Transmit, Name: "Transmit", Kind: ValueString, Writable: true},
				},
			}},
		},
		{
			Family:     FamilyDeviceInfo,
			Name:       "BLE",
			Advertised: []string{ServiceDeviceInfo},
			Services:   []ServiceSpec{deviceInfoService()},
		},
	}
}
