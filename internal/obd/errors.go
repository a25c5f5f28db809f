package obd

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCommand    = errors.New("unknown ELM327 command")
	ErrParameterRange    = errors.New("parameter out of range")
	ErrParameterCount    = errors.New("wrong number of parameters")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnsupportedPID    = errors.New("unsupported PID")
	ErrFrameTooLong      = errors.New("response frame exceeds stream buffer")
	ErrTimeout           = errors.New("timed out waiting for ELM327 prompt")
	ErrSessionClosed     = errors.New("OBD session closed")
	ErrNoSerialChannel   = errors.New("device has no serial channel")
	ErrNotConnected      = errors.New("device not connected")
)

// ResponseKind classifies the status messages an ELM327 prints instead of data.
type ResponseKind int

const (
	ResponseNoData ResponseKind = iota
	ResponseUnknownCommand
	ResponseUnableToConnect
	ResponseBusInitError
	ResponseBusBusy
	ResponseBusError
	ResponseCANError
	ResponseDataError
	ResponseBufferFull
	ResponseFeedbackError
	ResponseStopped
	ResponseLowVoltageReset
	ResponseInternalError
	ResponseNegative
)

var responseKindNames = map[ResponseKind]string{
	ResponseNoData:          "NO DATA",
	ResponseUnknownCommand:  "?",
	ResponseUnableToConnect: "UNABLE TO CONNECT",
	ResponseBusInitError:    "BUS INIT: ERROR",
	ResponseBusBusy:         "BUS BUSY",
	ResponseBusError:        "BUS ERROR",
	ResponseCANError:        "CAN ERROR",
	ResponseDataError:       "DATA ERROR",
	ResponseBufferFull:      "BUFFER FULL",
	ResponseFeedbackError:   "FB ERROR",
	ResponseStopped:         "STOPPED",
	ResponseLowVoltageReset: "LV RESET",
	ResponseInternalError:   "ERR",
	ResponseNegative:        "NEGATIVE RESPONSE",
}

func (k ResponseKind) String() string {
	if s, ok := responseKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ResponseKind(%d)", int(k))
}

// ResponseError is an adapter or ECU refusal. Code carries the ERRxx number
// or the negative response code (7F service code).
type ResponseError struct {
	Kind    ResponseKind
	Code    byte
	Service byte
	Raw     string
}

func (e *ResponseError) Error() string {
	switch e.Kind {
	case ResponseNegative:
		return fmt.Sprintf("negative response to service %02X: code %02X", e.Service, e.Code)
	case ResponseInternalError:
		return fmt.Sprintf("ELM327 internal error ERR%02d", e.Code)
	default:
		return "ELM327: " + e.Kind.String()
	}
}

// Is matches another *ResponseError of the same kind.
func (e *ResponseError) Is(target error) bool {
	var t *ResponseError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// IsNoData reports whether err is the adapter's NO DATA answer.
func IsNoData(err error) bool {
	return errors.Is(err, &ResponseError{Kind: ResponseNoData})
}
