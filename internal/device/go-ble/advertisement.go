package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blefleet/internal/device"
)

// BLEAdvertisement wraps ble.Advertisement to implement device.Advertisement.
// Service UUIDs come back normalized.
type BLEAdvertisement struct {
	adv ble.Advertisement
}

// NewBLEAdvertisement creates a new BLEAdvertisement wrapper
func NewBLEAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &BLEAdvertisement{adv: adv}
}

func (a *BLEAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *BLEAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *BLEAdvertisement) TxPowerLevel() int        { return a.adv.TxPowerLevel() }
func (a *BLEAdvertisement) Connectable() bool        { return a.adv.Connectable() }
func (a *BLEAdvertisement) RSSI() int                { return a.adv.RSSI() }
func (a *BLEAdvertisement) Addr() string             { return a.adv.Addr().String() }

func (a *BLEAdvertisement) ServiceData() map[string][]byte {
	sd := a.adv.ServiceData()
	if len(sd) == 0 {
		return nil
	}
	result := make(map[string][]byte, len(sd))
	for _, d := range sd {
		result[device.NormalizeUUID(d.UUID.String())] = d.Data
	}
	return result
}

func (a *BLEAdvertisement) Services() []string {
	return normalizeBLEUUIDs(a.adv.Services())
}

// Unwrap returns the underlying ble.Advertisement
func (a *BLEAdvertisement) Unwrap() ble.Advertisement {
	return a.adv
}

func normalizeBLEUUIDs(uuids []ble.UUID) []string {
	raw := make([]string, len(uuids))
	for i, u := range uuids {
		raw[i] = u.String()
	}
	return device.NormalizeUUIDs(raw)
}

// parseUUIDs converts normalized UUID strings into a go-ble discovery filter.
// Unparsable entries are skipped; nil means "everything".
func parseUUIDs(uuids []string) []ble.UUID {
	if len(uuids) == 0 {
		return nil
	}
	out := make([]ble.UUID, 0, len(uuids))
	for _, s := range device.NormalizeUUIDs(uuids) {
		u, err := ble.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}
