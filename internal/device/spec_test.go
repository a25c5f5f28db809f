package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdvertisement struct {
	services []string
}

func (a stubAdvertisement) LocalName() string              { return "" }
func (a stubAdvertisement) ManufacturerData() []byte       { return nil }
func (a stubAdvertisement) ServiceData() map[string][]byte { return nil }
func (a stubAdvertisement) Services() []string             { return a.services }
func (a stubAdvertisement) TxPowerLevel() int              { return 0 }
func (a stubAdvertisement) Connectable() bool              { return true }
func (a stubAdvertisement) RSSI() int                      { return -50 }
func (a stubAdvertisement) Addr() string                   { return "AA" }

func TestSpecRegistryMatch(t *testing.T) {
	r := DefaultSpecRegistry()

	tests := []struct {
		uuid   string
		family Family
	}{
		{uuid: "1276AAEE-DF5E-11E6-BF01-FE55135034F3", family: FamilyGoTenna},
		{uuid: "0x1101", family: FamilyBearTooth},
		{uuid: "0000fff0-0000-1000-8000-00805f9b34fb", family: FamilyELM327},
		{uuid: "180A", family: FamilyDeviceInfo},
	}
	for _, tt := range tests {
		t.Run(tt.uuid, func(t *testing.T) {
			spec := r.Match(tt.uuid)
			require.NotNil(t, spec)
			assert.Equal(t, tt.family, spec.Family)
		})
	}

	assert.Nil(t, r.Match("1800"), "unclaimed service MUST match no spec")
}

func TestSpecRegistryFirstRegisteredWins(t *testing.T) {
	// GOAL: Verify overlapping claims resolve to the first registered spec
	//
	// TEST SCENARIO: two custom specs claim 181a → Match returns the first, in both registration orders
	first := &DeviceSpec{Family: FamilyCustom, Name: "first", Advertised: []string{"181a"}, Services: []ServiceSpec{{UUID: "181a"}}}
	second := &DeviceSpec{Family: FamilyCustom, Name: "second", Advertised: []string{"181a"}, Services: []ServiceSpec{{UUID: "181A"}}}

	assert.Same(t, first, NewSpecRegistry(first, second).Match("181a"))
	assert.Same(t, second, NewSpecRegistry(second, first).Match("181a"))
	assert.Same(t, first, NewSpecRegistry(first, second).MatchAdvertisement(stubAdvertisement{services: []string{"181a"}}))
}

func TestSpecRegistryAdvertisedServiceUUIDs(t *testing.T) {
	custom := &DeviceSpec{Family: FamilyCustom, Name: "dup", Advertised: []string{"FFF0", "181a"}}
	r := DefaultSpecRegistry(custom)

	assert.Equal(t,
		[]string{ServiceGoTenna, ServiceBearTooth, ServiceELM327, ServiceDeviceInfo, "181a"},
		r.AdvertisedServiceUUIDs(),
		"aggregate MUST keep registration order without duplicates")
	assert.Len(t, r.Specs(), 5)
}

func TestMatchAdvertisement(t *testing.T) {
	r := DefaultSpecRegistry()

	spec := r.MatchAdvertisement(stubAdvertisement{services: []string{"180a", "1101"}})
	require.NotNil(t, spec)
	assert.Equal(t, FamilyBearTooth, spec.Family, "higher priority family MUST win over DeviceInfo")

	assert.Nil(t, r.MatchAdvertisement(stubAdvertisement{services: []string{"1800"}}))
	assert.Nil(t, r.MatchAdvertisement(stubAdvertisement{}))
}

func TestCreateService(t *testing.T) {
	spec := &DeviceSpec{
		Family: FamilyCustom,
		Name:   "thermo",
		Services: []ServiceSpec{{
			UUID: "181a",
			Characteristics: []CharacteristicSpec{
				{UUID: "2a6e", Kind: ValueNumeric, Required: true},
				{UUID: "2A6E", Kind: ValueNumeric},
				{UUID: "2a6f", Kind: ValueNumeric},
				{UUID: "not-a-uuid"},
			},
		}},
	}

	svc := spec.CreateService(RawService{UUID: "0000181a-0000-1000-8000-00805f9b34fb", Handle: 7}, nil)
	require.NotNil(t, svc)
	assert.Equal(t, "181a", svc.UUID())
	assert.Equal(t, FamilyCustom, svc.Family())
	assert.Equal(t, 7, svc.Handle())
	assert.Equal(t, []string{"2a6e", "2a6f"}, svc.CharacteristicUUIDs(), "duplicates MUST collapse, invalid UUIDs MUST be dropped")
	for _, v := range svc.Values() {
		assert.False(t, v.IsRead(), "placeholders MUST start unread")
	}
	assert.False(t, svc.IsComplete())

	assert.Nil(t, spec.CreateService(RawService{UUID: "180f"}, nil), "unclaimed UUID MUST yield no service")
}

func TestServiceViews(t *testing.T) {
	r := DefaultSpecRegistry()

	info := r.Match(ServiceDeviceInfo).CreateService(RawService{UUID: ServiceDeviceInfo}, nil)
	c, ok := info.Characteristic(CharModelNumber)
	require.True(t, ok)
	c.reserveRead()
	_, _, err := c.update([]byte("GTA"), false)
	require.NoError(t, err)

	view, ok := info.DeviceInfo()
	require.True(t, ok)
	assert.Equal(t, "GTA", view.ModelNumber())
	assert.Equal(t, "", view.ManufacturerName())
	_, ok = info.GoTenna()
	assert.False(t, ok)

	bear := r.Match(ServiceBearTooth).CreateService(RawService{UUID: ServiceBearTooth}, nil)
	bv, ok := bear.BearTooth()
	require.True(t, ok)
	tx, rx, ok := bear.SerialChannel()
	require.True(t, ok)
	assert.Same(t, bv.Transmit(), tx)
	assert.Same(t, bv.Receive(), rx)

	elm := r.Match(ServiceELM327).CreateService(RawService{UUID: ServiceELM327}, nil)
	tx, rx, ok = elm.SerialChannel()
	require.True(t, ok)
	assert.Equal(t, CharELM327Transmit, tx.UUID())
	assert.Equal(t, CharELM327Receive, rx.UUID())
}

func TestLoadSpecs(t *testing.T) {
	specs, err := LoadSpecs(strings.NewReader(`
devices:
  - name: thermo
    advertised: ["0x181A"]
    services:
      - uuid: "181a"
        name: Environmental Sensing
        characteristics:
          - {uuid: "2a6e", name: Temperature, kind: numeric, required: true, notify: true}
          - {uuid: "2a6f", kind: numeric, read: true}
`))
	require.NoError(t, err)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, FamilyCustom, spec.Family)
	assert.Equal(t, "thermo", spec.Name)
	assert.Equal(t, []string{"181a"}, spec.Advertised)
	require.Len(t, spec.Services, 1)
	chars := spec.Services[0].Characteristics
	require.Len(t, chars, 2)
	assert.Equal(t, CharacteristicSpec{UUID: "2a6e", Name: "Temperature", Kind: ValueNumeric, Required: true, Readable: true, Notify: true}, chars[0])
	assert.True(t, chars[1].Readable)
}

func TestLoadSpecsErrors(t *testing.T) {
	tests := map[string]string{
		"missing name":   "devices:\n  - advertised: [\"181a\"]\n",
		"bad service":    "devices:\n  - name: x\n    services:\n      - uuid: zz\n",
		"bad kind":       "devices:\n  - name: x\n    services:\n      - uuid: \"181a\"\n        characteristics:\n          - {uuid: \"2a6e\", kind: float}\n",
		"malformed yaml": "devices: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSpecs(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}

	specs, err := LoadSpecs(strings.NewReader(""))
	assert.NoError(t, err, "empty document MUST load no specs")
	assert.Empty(t, specs)
}
