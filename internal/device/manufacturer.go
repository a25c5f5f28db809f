package device

import (
	"encoding/binary"
	"fmt"
)

// UnknownCompanyID asks ParseManufacturerData to take the company ID from the
// first two bytes of the payload (little-endian), the usual BLE convention.
const UnknownCompanyID uint16 = 0

// Bluetooth SIG company identifiers seen on fleet hardware.
const (
	CompanyApple     uint16 = 0x004C
	CompanyMicrosoft uint16 = 0x0006
	CompanyNordic    uint16 = 0x0059
	CompanyTexasInst uint16 = 0x000D
	CompanyEspressif uint16 = 0x02E5
)

var companyNames = map[uint16]string{
	CompanyApple:     "Apple",
	CompanyMicrosoft: "Microsoft",
	CompanyNordic:    "Nordic Semiconductor",
	CompanyTexasInst: "Texas Instruments",
	CompanyEspressif: "Espressif",
}

// ManufacturerDataParser parses company-specific manufacturer data
type ManufacturerDataParser func([]byte) (any, error)

// VendorInfo is implemented by parsed manufacturer data that knows its vendor.
type VendorInfo interface {
	VendorID() uint16
	VendorName() string
}

var manufacturerDataParsers = map[uint16]ManufacturerDataParser{
	CompanyApple: parseAppleManufacturerData,
}

// CompanyID extracts the company identifier of a manufacturer data payload.
func CompanyID(rawData []byte) (uint16, bool) {
	if len(rawData) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(rawData[0:2]), true
}

// CompanyName returns the registered name of a company ID, "" when unknown.
func CompanyName(id uint16) string {
	return companyNames[id]
}

// ParseManufacturerData parses BLE manufacturer data for a specific company.
// With UnknownCompanyID the ID is taken from rawData[0:2]. Unknown companies
// yield (nil, nil); malformed data for a known company is an error.
func ParseManufacturerData(companyID uint16, rawData []byte) (any, error) {
	id := companyID
	if id == UnknownCompanyID {
		var ok bool
		if id, ok = CompanyID(rawData); !ok {
			return nil, fmt.Errorf("manufacturer data too short: %d bytes", len(rawData))
		}
	}

	parser, exists := manufacturerDataParsers[id]
	if !exists {
		return nil, nil
	}
	return parser(rawData)
}

// IsParsableManufacturerData returns true if a parser exists for the company ID
func IsParsableManufacturerData(companyID uint16) bool {
	_, exists := manufacturerDataParsers[companyID]
	return exists
}

// IBeacon is the Apple proximity beacon frame.
//
// Format (25 bytes):
//   - Bytes 0-1:   Company ID (0x004C)
//   - Byte 2-3:    0x02 0x15 (iBeacon type and length)
//   - Bytes 4-19:  Proximity UUID
//   - Bytes 20-21: Major (big-endian)
//   - Bytes 22-23: Minor (big-endian)
//   - Byte 24:     Measured power at 1m (signed dBm)
type IBeacon struct {
	UUID          string
	Major         uint16
	Minor         uint16
	MeasuredPower int8
}

func (b *IBeacon) VendorID() uint16   { return CompanyApple }
func (b *IBeacon) VendorName() string { return companyNames[CompanyApple] }

// AppleData is any other Apple frame; only its type byte is decoded.
type AppleData struct {
	Type byte
}

func (a *AppleData) VendorID() uint16   { return CompanyApple }
func (a *AppleData) VendorName() string { return companyNames[CompanyApple] }

func parseAppleManufacturerData(data []byte) (any, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("apple manufacturer data too short: %d bytes", len(data))
	}
	if data[2] != 0x02 {
		return &AppleData{Type: data[2]}, nil
	}
	if len(data) < 25 || data[3] != 0x15 {
		return nil, fmt.Errorf("malformed iBeacon frame: %d bytes", len(data))
	}
	return &IBeacon{
		UUID:          FormatUUID(fmt.Sprintf("%x", data[4:20])),
		Major:         binary.BigEndian.Uint16(data[20:22]),
		Minor:         binary.BigEndian.Uint16(data[22:24]),
		MeasuredPower: int8(data[24]),
	}, nil
}

// Vendor names the vendor behind a manufacturer data payload, "" when unknown.
func Vendor(rawData []byte) string {
	id, ok := CompanyID(rawData)
	if !ok {
		return ""
	}
	if parsed, err := ParseManufacturerData(id, rawData); err == nil {
		if vi, ok := parsed.(VendorInfo); ok {
			return vi.VendorName()
		}
	}
	return CompanyName(id)
}
