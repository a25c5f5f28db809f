package device

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueKind declares how a characteristic's bytes are decoded.
type ValueKind int

const (
	ValueRaw ValueKind = iota
	ValueString
	ValueNumeric
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueNumeric:
		return "numeric"
	default:
		return "raw"
	}
}

// ParseValueKind maps "string", "numeric" and "raw" to a ValueKind.
func ParseValueKind(s string) (ValueKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "str", "utf8":
		return ValueString, nil
	case "numeric", "number", "uint":
		return ValueNumeric, nil
	case "raw", "bytes", "":
		return ValueRaw, nil
	default:
		return ValueRaw, fmt.Errorf("unknown value kind %q", s)
	}
}

// Value is a decoded characteristic value. The zero value of a given kind is
// unread, which is distinct from a read that returned an empty payload.
type Value struct {
	kind ValueKind
	read bool
	raw  []byte
	str  string
	num  uint64
}

// UnreadValue returns the placeholder value of kind.
func UnreadValue(kind ValueKind) Value {
	return Value{kind: kind}
}

// DecodeValue decodes data per kind. Strings drop trailing NULs; numerics are
// little-endian unsigned integers of 1, 2, 4 or 8 bytes.
func DecodeValue(kind ValueKind, data []byte) (Value, error) {
	v := Value{kind: kind, read: true, raw: bytes.Clone(data)}
	switch kind {
	case ValueString:
		v.str = string(bytes.TrimRight(data, "\x00"))
	case ValueNumeric:
		switch len(data) {
		case 1:
			v.num = uint64(data[0])
		case 2:
			v.num = uint64(binary.LittleEndian.Uint16(data))
		case 4:
			v.num = uint64(binary.LittleEndian.Uint32(data))
		case 8:
			v.num = binary.LittleEndian.Uint64(data)
		default:
			return UnreadValue(kind), fmt.Errorf("%w: numeric value of %d bytes", ErrDecode, len(data))
		}
	}
	return v, nil
}

func (v Value) Kind() ValueKind { return v.kind }

// IsRead reports whether a read or notification has populated the value.
func (v Value) IsRead() bool { return v.read }

// IsEmpty reports a read value with an empty payload.
func (v Value) IsEmpty() bool { return v.read && len(v.raw) == 0 }

// Bytes returns a copy of the raw payload, nil when unread.
func (v Value) Bytes() []byte { return bytes.Clone(v.raw) }

// Number returns the numeric value; ok is false for unread or non-numeric values.
func (v Value) Number() (uint64, bool) {
	if !v.read || v.kind != ValueNumeric {
		return 0, false
	}
	return v.num, true
}

// String renders the value for display: text as is, numbers in decimal and raw
// payloads as upper-case hex bytes. Unread values render as "".
func (v Value) String() string {
	if !v.read {
		return ""
	}
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumeric:
		return strconv.FormatUint(v.num, 10)
	default:
		parts := make([]string, len(v.raw))
		for i, b := range v.raw {
			parts[i] = fmt.Sprintf("%02X", b)
		}
		return strings.Join(parts, " ")
	}
}

// MarshalJSON encodes unread values as null, numerics as numbers and everything else as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.read {
		return []byte("null"), nil
	}
	if v.kind == ValueNumeric {
		return json.Marshal(v.num)
	}
	return json.Marshal(v.String())
}
