package obd

import (
	"fmt"
	"strings"
)

// Param is the declared shape of one command parameter. It consumes one or
// more integer arguments and renders them as fixed-width text.
type Param interface {
	// Notation is the datasheet placeholder, e.g. "hh" or "dddd".
	Notation() string
	encode(args []int) (text string, used int, err error)
	base() int
}

// ParamHexDigit is a single hex digit limited to 0..Max.
type ParamHexDigit struct {
	Max int
}

func (p ParamHexDigit) Notation() string { return "h" }
func (p ParamHexDigit) base() int        { return 16 }

func (p ParamHexDigit) encode(args []int) (string, int, error) {
	if len(args) < 1 {
		return "", 0, ErrParameterCount
	}
	v := args[0]
	if v < 0 || v > p.Max || v > 0xF {
		return "", 0, fmt.Errorf("%w: %d not in 0..%X", ErrParameterRange, v, p.Max)
	}
	return fmt.Sprintf("%X", v), 1, nil
}

// ParamHexByte is one byte rendered as two hex digits.
type ParamHexByte struct{}

func (ParamHexByte) Notation() string { return "hh" }
func (ParamHexByte) base() int        { return 16 }

func (ParamHexByte) encode(args []int) (string, int, error) {
	if len(args) < 1 {
		return "", 0, ErrParameterCount
	}
	v := args[0]
	if v < 0 || v > 0xFF {
		return "", 0, fmt.Errorf("%w: %d not in 0..255", ErrParameterRange, v)
	}
	return fmt.Sprintf("%02X", v), 1, nil
}

// ParamHex is a value rendered as exactly Digits hex digits.
type ParamHex struct {
	Digits int
}

func (p ParamHex) Notation() string { return strings.Repeat("h", p.Digits) }
func (p ParamHex) base() int        { return 16 }

func (p ParamHex) encode(args []int) (string, int, error) {
	if len(args) < 1 {
		return "", 0, ErrParameterCount
	}
	v := args[0]
	limit := uint64(1)<<(4*uint(p.Digits)) - 1
	if v < 0 || uint64(v) > limit {
		return "", 0, fmt.Errorf("%w: %d needs more than %d hex digits", ErrParameterRange, v, p.Digits)
	}
	return fmt.Sprintf("%0*X", p.Digits, v), 1, nil
}

// ParamBytes is a run of Min..Max bytes. It consumes every remaining argument
// and must be the last parameter of a command.
type ParamBytes struct {
	Min, Max int
}

func (p ParamBytes) Notation() string { return fmt.Sprintf("[%d-%d bytes]", p.Min, p.Max) }
func (p ParamBytes) base() int        { return 16 }

func (p ParamBytes) encode(args []int) (string, int, error) {
	if len(args) < p.Min || len(args) > p.Max {
		return "", 0, fmt.Errorf("%w: %d bytes, want %d..%d", ErrParameterCount, len(args), p.Min, p.Max)
	}
	var sb strings.Builder
	for _, v := range args {
		if v < 0 || v > 0xFF {
			return "", 0, fmt.Errorf("%w: byte %d not in 0..255", ErrParameterRange, v)
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String(), len(args), nil
}

// ParamDecimal is a zero-padded decimal of Digits digits, at most Max.
type ParamDecimal struct {
	Digits int
	Max    int
}

func (p ParamDecimal) Notation() string { return strings.Repeat("d", p.Digits) }
func (p ParamDecimal) base() int        { return 10 }

func (p ParamDecimal) encode(args []int) (string, int, error) {
	if len(args) < 1 {
		return "", 0, ErrParameterCount
	}
	v := args[0]
	if v < 0 || v > p.Max {
		return "", 0, fmt.Errorf("%w: %d not in 0..%d", ErrParameterRange, v, p.Max)
	}
	return fmt.Sprintf("%0*d", p.Digits, v), 1, nil
}
