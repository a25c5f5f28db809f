package obd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Response is one ECU answer to a diagnostic request. HasPID is false for the
// services that answer without one (03, 04, 07, 0A).
type Response struct {
	Service byte
	PID     byte
	HasPID  bool
	Frame   byte // service 02 freeze frame number
	Data    []byte
	Raw     string
}

// Payload renders Data as space-separated hex, the form interpreters accept.
func (r Response) Payload() string {
	parts := make([]string, len(r.Data))
	for i, b := range r.Data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}

func servicesWithoutPID(service byte) bool {
	switch service {
	case 0x03, 0x04, 0x07, 0x0A:
		return true
	}
	return false
}

// statusLines maps the adapter's fixed status texts to error kinds.
var statusLines = []struct {
	prefix string
	kind   ResponseKind
}{
	{"NO DATA", ResponseNoData},
	{"UNABLE TO CONNECT", ResponseUnableToConnect},
	{"BUS BUSY", ResponseBusBusy},
	{"BUS ERROR", ResponseBusError},
	{"CAN ERROR", ResponseCANError},
	{"DATA ERROR", ResponseDataError},
	{"<DATA ERROR", ResponseDataError},
	{"BUFFER FULL", ResponseBufferFull},
	{"FB ERROR", ResponseFeedbackError},
	{"STOPPED", ResponseStopped},
	{"LV RESET", ResponseLowVoltageReset},
	{"ACT ALERT", ResponseLowVoltageReset},
}

// splitLines breaks raw adapter output into trimmed, non-empty lines and drops
// the progress chatter the adapter prints while it searches for a protocol.
func splitLines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\x00", "")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), ">")
	var lines []string
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(line)
		if line == "" || line == ">" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "SEARCHING") {
			continue
		}
		if strings.HasPrefix(upper, "BUS INIT") && !strings.Contains(upper, "ERROR") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// statusError returns the error a status line stands for, nil for data lines.
func statusError(line string) error {
	upper := strings.ToUpper(line)
	if upper == "?" {
		return &ResponseError{Kind: ResponseUnknownCommand, Raw: line}
	}
	if strings.HasPrefix(upper, "BUS INIT") {
		return &ResponseError{Kind: ResponseBusInitError, Raw: line}
	}
	if code, ok := strings.CutPrefix(upper, "ERR"); ok {
		if n, err := strconv.Atoi(code); err == nil {
			return &ResponseError{Kind: ResponseInternalError, Code: byte(n), Raw: line}
		}
	}
	for _, s := range statusLines {
		if strings.HasPrefix(upper, s.prefix) {
			return &ResponseError{Kind: s.kind, Raw: line}
		}
	}
	return nil
}

func decodeHexLine(line string) ([]byte, error) {
	compact := strings.ReplaceAll(line, " ", "")
	if len(compact)%2 != 0 {
		return nil, fmt.Errorf("%w: odd digit count in %q", ErrMalformedResponse, line)
	}
	data, err := hex.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not hex", ErrMalformedResponse, line)
	}
	return data, nil
}

// ParseResponses parses raw adapter output (headers off) into one Response per
// answering ECU. An echoed request line is skipped. Adapter status messages
// and negative responses come back as *ResponseError.
func ParseResponses(raw string) ([]Response, error) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}

	var out []Response
	for i, line := range lines {
		if err := statusError(line); err != nil {
			return nil, err
		}
		data, err := decodeHexLine(line)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		if data[0] == 0x7F {
			if len(data) < 3 {
				return nil, fmt.Errorf("%w: short negative response %q", ErrMalformedResponse, line)
			}
			return nil, &ResponseError{Kind: ResponseNegative, Service: data[1], Code: data[2], Raw: line}
		}
		if data[0] < 0x40 {
			if i == 0 {
				continue // echo
			}
			return nil, fmt.Errorf("%w: %q is not a response", ErrMalformedResponse, line)
		}

		resp := Response{Service: data[0] - 0x40, Raw: line}
		if servicesWithoutPID(resp.Service) {
			resp.Data = data[1:]
		} else {
			if len(data) < 2 {
				return nil, fmt.Errorf("%w: %q has no PID", ErrMalformedResponse, line)
			}
			resp.PID = data[1]
			resp.HasPID = true
			resp.Data = data[2:]
			if resp.Service == 0x02 && len(resp.Data) > 0 {
				resp.Frame = resp.Data[0]
				resp.Data = resp.Data[1:]
			}
		}
		out = append(out, resp)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no data lines in %q", ErrMalformedResponse, raw)
	}
	return out, nil
}

// ParseResponse returns the first ECU's answer.
func ParseResponse(raw string) (Response, error) {
	all, err := ParseResponses(raw)
	if err != nil {
		return Response{}, err
	}
	return all[0], nil
}

// ParseATResponse extracts the text of an AT command reply: an echoed "AT..."
// line is dropped and the remaining lines are joined with "\n". "?" and the
// adapter error texts come back as *ResponseError.
func ParseATResponse(raw string) (string, error) {
	lines := splitLines(raw)
	kept := lines[:0]
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(strings.ToUpper(line), "AT") {
			continue
		}
		if err := statusError(line); err != nil {
			return "", err
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), nil
}
