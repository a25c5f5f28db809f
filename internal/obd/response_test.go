package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		service byte
		pid     byte
		hasPID  bool
		data    []byte
	}{
		{"spaces", "41 0C 1A F0", 1, 0x0C, true, []byte{0x1A, 0xF0}},
		{"no spaces", "410C1AF0", 1, 0x0C, true, []byte{0x1A, 0xF0}},
		{"echo and prompt", "010C\r41 0C 1A F0\r\r>", 1, 0x0C, true, []byte{0x1A, 0xF0}},
		{"searching", "SEARCHING...\r41 00 BE 3E B8 11\r", 1, 0x00, true, []byte{0xBE, 0x3E, 0xB8, 0x11}},
		{"bus init ok", "BUS INIT: ...OK\r41 0D 32", 1, 0x0D, true, []byte{0x32}},
		{"freeze frame", "42 0C 00 1A F0", 2, 0x0C, true, []byte{0x1A, 0xF0}},
		{"stored DTCs", "43 01 33 00 00 00 00", 3, 0, false, []byte{0x01, 0x33, 0x00, 0x00, 0x00, 0x00}},
		{"clear DTCs", "44", 4, 0, false, []byte{}},
		{"NUL bytes", "41 05 7B\x00\r>", 1, 0x05, true, []byte{0x7B}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.service, resp.Service)
			assert.Equal(t, tt.pid, resp.PID)
			assert.Equal(t, tt.hasPID, resp.HasPID)
			assert.Equal(t, tt.data, resp.Data)
		})
	}
}

func TestParseResponsesMultipleECUs(t *testing.T) {
	all, err := ParseResponses("41 00 BE 3E B8 11\r41 00 80 00 00 01\r\r>")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "BE 3E B8 11", all[0].Payload())
	assert.Equal(t, "80 00 00 01", all[1].Payload())
}

func TestParseResponseErrors(t *testing.T) {
	tests := []struct {
		raw  string
		kind ResponseKind
	}{
		{"NO DATA", ResponseNoData},
		{"SEARCHING...\rUNABLE TO CONNECT", ResponseUnableToConnect},
		{"?", ResponseUnknownCommand},
		{"BUS INIT: ...ERROR", ResponseBusInitError},
		{"CAN ERROR", ResponseCANError},
		{"BUFFER FULL", ResponseBufferFull},
		{"STOPPED", ResponseStopped},
		{"ERR94", ResponseInternalError},
		{"7F 01 12", ResponseNegative},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			_, err := ParseResponse(tt.raw)
			var re *ResponseError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.kind, re.Kind)
			assert.ErrorIs(t, err, &ResponseError{Kind: tt.kind})
		})
	}

	_, err := ParseResponse("7F 01 12")
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.EqualValues(t, 0x01, re.Service)
	assert.EqualValues(t, 0x12, re.Code)
	assert.Equal(t, "negative response to service 01: code 12", re.Error())

	_, err = ParseResponse("ERR94")
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "ELM327 internal error ERR94", re.Error())

	_, err = ParseResponse("NO DATA")
	assert.True(t, IsNoData(err))
}

func TestParseResponseMalformed(t *testing.T) {
	for _, raw := range []string{"", ">", "41 0", "41 0C ZZ", "010C", "41"} {
		_, err := ParseResponse(raw)
		assert.ErrorIs(t, err, ErrMalformedResponse, "input %q MUST be rejected", raw)
	}
}

func TestParseATResponse(t *testing.T) {
	text, err := ParseATResponse("ATE0\rOK\r\r>")
	require.NoError(t, err)
	assert.Equal(t, "OK", text)

	text, err = ParseATResponse("\r\rELM327 v1.5\r\r>")
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5", text)

	text, err = ParseATResponse("12.6V")
	require.NoError(t, err)
	assert.Equal(t, "12.6V", text)

	_, err = ParseATResponse("ATXX\r?\r>")
	assert.ErrorIs(t, err, &ResponseError{Kind: ResponseUnknownCommand})
}
