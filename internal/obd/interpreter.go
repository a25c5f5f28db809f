package obd

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Result is an interpreted PID payload. Scalar PIDs fill Value; bitmap PIDs
// such as the supported-PID lists fill Values.
type Result struct {
	PID    string   `json:"pid"`
	Metric string   `json:"metric"`
	Unit   string   `json:"unit,omitempty"`
	Value  float64  `json:"value"`
	Values []string `json:"values,omitempty"`
}

// Interpreter turns the hex payload of one PID into a Result.
type Interpreter interface {
	Interpret(payload string, service byte) (Result, error)
}

// parseHexPayload accepts "FF FF FF FF", "FFFFFFFF" or mixed spacing and
// requires exactly width bytes.
func parseHexPayload(payload string, width int) ([]byte, error) {
	compact := strings.Join(strings.Fields(payload), "")
	if len(compact) != width*2 {
		return nil, fmt.Errorf("%w: want %d bytes, got %d hex digits", ErrMalformedResponse, width, len(compact))
	}
	data, err := hex.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not hex", ErrMalformedResponse, payload)
	}
	return data, nil
}

// SupportedPIDs interprets the 32-bit "PIDs supported" bitmaps (PID 00, 20,
// 40, ...). Bit 31 of the bitmap is PID Base+1; every set bit yields
// "{service:02X}{pid:02X}" in ascending order.
type SupportedPIDs struct {
	Base byte
}

func (s SupportedPIDs) Interpret(payload string, service byte) (Result, error) {
	data, err := parseHexPayload(payload, 4)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		PID:    fmt.Sprintf("%02X", s.Base),
		Metric: fmt.Sprintf("supported_pids_%02x_%02x", int(s.Base)+1, int(s.Base)+0x20),
		Values: []string{},
	}
	for i := 0; i < 32; i++ {
		if data[i/8]&(0x80>>(i%8)) != 0 {
			res.Values = append(res.Values, fmt.Sprintf("%02X%02X", service, int(s.Base)+i+1))
		}
	}
	return res, nil
}

// scalar is a fixed-width PID with a linear or piecewise formula over its bytes.
type scalar struct {
	pid     byte
	metric  string
	unit    string
	width   int
	formula func(d []byte) float64
}

func (s scalar) Interpret(payload string, _ byte) (Result, error) {
	data, err := parseHexPayload(payload, s.width)
	if err != nil {
		return Result{}, fmt.Errorf("PID %02X: %w", s.pid, err)
	}
	return Result{
		PID:    fmt.Sprintf("%02X", s.pid),
		Metric: s.metric,
		Unit:   s.unit,
		Value:  s.formula(data),
	}, nil
}

func percent(d []byte) float64    { return float64(d[0]) * 100 / 255 }
func offset40(d []byte) float64   { return float64(d[0]) - 40 }
func fuelTrim(d []byte) float64   { return (float64(d[0]) - 128) * 100 / 128 }
func single(d []byte) float64     { return float64(d[0]) }
func word(d []byte) float64       { return float64(d[0])*256 + float64(d[1]) }
func quarterRPM(d []byte) float64 { return word(d) / 4 }

func bitmap(d []byte) float64 {
	var v uint32
	for _, b := range d {
		v = v<<8 | uint32(b)
	}
	return float64(v)
}

var scalars = []scalar{
	{0x01, "monitor_status", "status", 4, bitmap},
	{0x04, "engine_load", "%", 1, percent},
	{0x05, "coolant_temperature", "°C", 1, offset40},
	{0x06, "short_term_fuel_trim_1", "%", 1, fuelTrim},
	{0x07, "long_term_fuel_trim_1", "%", 1, fuelTrim},
	{0x08, "short_term_fuel_trim_2", "%", 1, fuelTrim},
	{0x09, "long_term_fuel_trim_2", "%", 1, fuelTrim},
	{0x0A, "fuel_pressure", "kPa", 1, func(d []byte) float64 { return float64(d[0]) * 3 }},
	{0x0B, "intake_manifold_pressure", "kPa", 1, single},
	{0x0C, "engine_rpm", "rpm", 2, quarterRPM},
	{0x0D, "vehicle_speed", "km/h", 1, single},
	{0x0E, "timing_advance", "°", 1, func(d []byte) float64 { return float64(d[0])/2 - 64 }},
	{0x0F, "intake_air_temperature", "°C", 1, offset40},
	{0x10, "maf_air_flow", "g/s", 2, func(d []byte) float64 { return word(d) / 100 }},
	{0x11, "throttle_position", "%", 1, percent},
	{0x1F, "run_time", "s", 2, word},
	{0x21, "distance_with_mil", "km", 2, word},
	{0x2F, "fuel_level", "%", 1, percent},
	{0x31, "distance_since_codes_cleared", "km", 2, word},
	{0x33, "barometric_pressure", "kPa", 1, single},
	{0x42, "control_module_voltage", "V", 2, func(d []byte) float64 { return word(d) / 1000 }},
	{0x46, "ambient_air_temperature", "°C", 1, offset40},
	{0x5C, "oil_temperature", "°C", 1, offset40},
}

var interpreters = func() map[byte]Interpreter {
	m := make(map[byte]Interpreter, len(scalars)+7)
	for base := 0x00; base <= 0xC0; base += 0x20 {
		m[byte(base)] = SupportedPIDs{Base: byte(base)}
	}
	for _, s := range scalars {
		m[s.pid] = s
	}
	return m
}()

// InterpreterFor returns the interpreter for a service 01/02 PID.
func InterpreterFor(pid byte) (Interpreter, bool) {
	in, ok := interpreters[pid]
	return in, ok
}

// MetricName returns the metric a PID is published under, "pid_xx" when unknown.
func MetricName(pid byte) string {
	if in, ok := interpreters[pid]; ok {
		if s, ok := in.(scalar); ok {
			return s.metric
		}
		if s, ok := in.(SupportedPIDs); ok {
			return fmt.Sprintf("supported_pids_%02x_%02x", int(s.Base)+1, int(s.Base)+0x20)
		}
	}
	return fmt.Sprintf("pid_%02x", pid)
}

// Interpret decodes a parsed service 01/02 response with the matching interpreter.
func Interpret(resp Response) (Result, error) {
	if !resp.HasPID {
		return Result{}, fmt.Errorf("%w: service %02X carries no PID", ErrUnsupportedPID, resp.Service)
	}
	in, ok := InterpreterFor(resp.PID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %02X", ErrUnsupportedPID, resp.PID)
	}
	return in.Interpret(resp.Payload(), resp.Service)
}
