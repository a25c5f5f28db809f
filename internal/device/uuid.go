package device

import (
	"strings"
)

// Bluetooth SIG base UUID tail (0000xxxx-0000-1000-8000-00805f9b34fb) without dashes.
const sigBaseSuffix = "00001000800000805f9b34fb"

// Well-known service and characteristic identifiers, in normalized form.
const (
	ServiceDeviceInfo    = "180a"
	CharManufacturerName = "2a29"
	CharModelNumber      = "2a24"
	CharHardwareRevision = "2a27"
	CharFirmwareRevision = "2a26"

	ServiceGoTenna      = "1276aaeedf5e11e6bf01fe55135034f3"
	CharGoTennaTransmit = "12762b18df5e11e6bf01fe55135034f3"
	CharGoTennaStatus   = "1276b20adf5e11e6bf01fe55135034f3"
	CharGoTennaReceive  = "1276b20bdf5e11e6bf01fe55135034f3"

	ServiceBearTooth      = "1101"
	CharBearToothTransmit = "bea5760d503d4920b000101e7306b005"
	CharBearToothReceive  = "bea5760d503d4920b000101e7306b009"

	ServiceELM327      = "fff0"
	CharELM327Receive  = "fff1"
	CharELM327Transmit = "fff2"
)

// NormalizeUUID converts a UUID string to the canonical lookup form: lower case,
// no dashes and no 0x prefix. Bluetooth SIG base UUIDs collapse to their 16-bit form.
// Returns "" when the input is not a 16, 32 or 128-bit hex UUID.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}

	switch len(s) {
	case 4, 8:
		return s
	case 32:
		if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
			return s[4:8]
		}
		return s
	default:
		return ""
	}
}

// NormalizeUUIDs normalizes every UUID, dropping invalid and duplicate entries
// while keeping first-seen order.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	seen := make(map[string]struct{}, len(uuids))
	for _, u := range uuids {
		n := NormalizeUUID(u)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// FormatUUID renders a normalized UUID for display. 128-bit values get the
// usual 8-4-4-4-12 grouping, shorter ones are upper-cased.
func FormatUUID(uuid string) string {
	n := NormalizeUUID(uuid)
	if len(n) != 32 {
		return strings.ToUpper(n)
	}
	return strings.ToUpper(n[0:8] + "-" + n[8:12] + "-" + n[12:16] + "-" + n[16:20] + "-" + n[20:32])
}
