package testutils

import (
	"maps"
	"slices"

	"github.com/srg/blefleet/internal/device"
)

// AdvertisementBuilder builds device.Advertisement values for tests.
type AdvertisementBuilder struct {
	adv Advertisement
}

// NewAdvertisementBuilder starts a connectable advertisement with RSSI -60.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: Advertisement{
		Rssi:          -60,
		IsConnectable: true,
		SvcData:       map[string][]byte{},
	}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices sets the advertised service UUIDs; they are normalized on Build.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.SvcUUIDs = append(b.adv.SvcUUIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = slices.Clone(data)
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.adv.SvcData[device.NormalizeUUID(uuid)] = slices.Clone(data)
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.adv.TxPower = power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.IsConnectable = connectable
	return b
}

func (b *AdvertisementBuilder) Build() *Advertisement {
	adv := b.adv
	adv.SvcUUIDs = device.NormalizeUUIDs(b.adv.SvcUUIDs)
	adv.SvcData = maps.Clone(b.adv.SvcData)
	return &adv
}

// Advertisement is a plain device.Advertisement.
type Advertisement struct {
	Name          string
	Address       string
	Rssi          int
	SvcUUIDs      []string
	ManufData     []byte
	SvcData       map[string][]byte
	TxPower       int
	IsConnectable bool
}

func (a *Advertisement) LocalName() string              { return a.Name }
func (a *Advertisement) ManufacturerData() []byte       { return a.ManufData }
func (a *Advertisement) ServiceData() map[string][]byte { return a.SvcData }
func (a *Advertisement) Services() []string             { return a.SvcUUIDs }
func (a *Advertisement) TxPowerLevel() int              { return a.TxPower }
func (a *Advertisement) Connectable() bool              { return a.IsConnectable }
func (a *Advertisement) RSSI() int                      { return a.Rssi }
func (a *Advertisement) Addr() string                   { return a.Address }
