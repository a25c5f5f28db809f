package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		// 16-bit UUID formats
		{name: "16-bit UUID lowercase", input: "180a", expected: "180a"},
		{name: "16-bit UUID uppercase", input: "180A", expected: "180a"},
		{name: "16-bit UUID with 0x prefix", input: "0x1101", expected: "1101"},
		{name: "16-bit UUID with 0X prefix", input: "0X2A29", expected: "2a29"},

		// Bluetooth SIG base UUID format (should collapse to the 16-bit form)
		{name: "Full SIG UUID with dashes", input: "0000180a-0000-1000-8000-00805f9b34fb", expected: "180a"},
		{name: "Full SIG UUID without dashes", input: "0000fff000001000800000805f9b34fb", expected: "fff0"},
		{name: "Full SIG UUID uppercase", input: "00002A24-0000-1000-8000-00805F9B34FB", expected: "2a24"},

		// Custom 128-bit UUIDs (should NOT be shortened)
		{name: "goTenna service", input: "1276AAEE-DF5E-11E6-BF01-FE55135034F3", expected: ServiceGoTenna},
		{name: "Wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "Wrong suffix", input: "00002902-1234-5678-9abc-def012345678", expected: "00002902123456789abcdef012345678"},

		// 32-bit
		{name: "32-bit UUID", input: "12345678", expected: "12345678"},

		// Invalid input
		{name: "Empty string", input: "", expected: ""},
		{name: "Non-hex characters", input: "18zz", expected: ""},
		{name: "Odd length", input: "180", expected: ""},
		{name: "Too long", input: "0000290200001000800000805f9b34fb00", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	input := []string{
		"180A",
		"0x1101",
		"0000180a-0000-1000-8000-00805f9b34fb",
		"bogus",
		"1276aaee-df5e-11e6-bf01-fe55135034f3",
	}

	assert.Equal(t, []string{"180a", "1101", ServiceGoTenna}, NormalizeUUIDs(input),
		"duplicates and invalid UUIDs MUST be dropped, order kept")
}

func TestFormatUUID(t *testing.T) {
	assert.Equal(t, "180A", FormatUUID("0x180a"))
	assert.Equal(t, "1276AAEE-DF5E-11E6-BF01-FE55135034F3", FormatUUID(ServiceGoTenna))
	assert.Equal(t, "", FormatUUID("nope"))
}
