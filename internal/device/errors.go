package device

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the driver reports to its delegate.
type ErrorKind int

const (
	UnknownError ErrorKind = iota
	BluetoothNotAvailable
	ConnectionAttemptFailed
	ConnectionAttemptFailedNoDevice
	DisconnectionAttemptFailed
	UnknownDisconnectionError
	UnknownPeripheralDiscoveryError
	CharacteristicValueMissing
	UnknownCharacteristicsDiscoveryError
	UnknownCharacteristicsReadValueError
)

var errorKindNames = map[ErrorKind]string{
	UnknownError:                         "unknownError",
	BluetoothNotAvailable:                "bluetoothNotAvailable",
	ConnectionAttemptFailed:              "connectionAttemptFailed",
	ConnectionAttemptFailedNoDevice:      "connectionAttemptFailedNoDevice",
	DisconnectionAttemptFailed:           "disconnectionAttemptFailed",
	UnknownDisconnectionError:            "unknownDisconnectionError",
	UnknownPeripheralDiscoveryError:      "unknownPeripheralDiscoveryError",
	CharacteristicValueMissing:           "characteristicValueMissing",
	UnknownCharacteristicsDiscoveryError: "unknownCharacteristicsDiscoveryError",
	UnknownCharacteristicsReadValueError: "unknownCharacteristicsReadValueError",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return errorKindNames[UnknownError]
}

// Key returns the stable localization key, e.g. "Driver.Error.bluetoothNotAvailable".
func (k ErrorKind) Key() string {
	return "Driver.Error." + k.String()
}

// DriverError is the single error type delivered through the delegate error funnel.
type DriverError struct {
	Kind     ErrorKind
	DeviceID string // empty for driver-wide failures
	Err      error  // underlying transport or decode cause, may be nil
}

func (e *DriverError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.Key()
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s: device %s", msg, e.DeviceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare DriverError values by Kind
func (e *DriverError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DriverError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *DriverError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Sentinels for errors.Is matching against a reported DriverError.
var (
	ErrUnknown                              = &DriverError{Kind: UnknownError}
	ErrBluetoothNotAvailable                = &DriverError{Kind: BluetoothNotAvailable}
	ErrConnectionAttemptFailed              = &DriverError{Kind: ConnectionAttemptFailed}
	ErrConnectionAttemptFailedNoDevice      = &DriverError{Kind: ConnectionAttemptFailedNoDevice}
	ErrDisconnectionAttemptFailed           = &DriverError{Kind: DisconnectionAttemptFailed}
	ErrUnknownDisconnection                 = &DriverError{Kind: UnknownDisconnectionError}
	ErrUnknownPeripheralDiscovery           = &DriverError{Kind: UnknownPeripheralDiscoveryError}
	ErrCharacteristicValueMissing           = &DriverError{Kind: CharacteristicValueMissing}
	ErrUnknownCharacteristicsDiscovery      = &DriverError{Kind: UnknownCharacteristicsDiscoveryError}
	ErrUnknownCharacteristicsReadValueError = &DriverError{Kind: UnknownCharacteristicsReadValueError}
)

// KindOf extracts the ErrorKind of a reported error, UnknownError when err is not a DriverError.
func KindOf(err error) ErrorKind {
	var derr *DriverError
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return UnknownError
}

// CodePeerDisconnected is the transport code for a disconnect initiated by the
// peripheral. Disconnects carrying it are reported as ordinary disconnections.
const CodePeerDisconnected = 7

// TransportError carries a transport-specific status code.
type TransportError struct {
	Code int
	Msg  string
}

func (e *TransportError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("transport error %d", e.Code)
	}
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Msg)
}

// ErrPeerDisconnected is the canonical peer-initiated disconnect.
var ErrPeerDisconnected = &TransportError{Code: CodePeerDisconnected, Msg: "peripheral disconnected"}

// IsPeerDisconnect reports whether err is a transport error with CodePeerDisconnected
func IsPeerDisconnect(err error) bool {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Code == CodePeerDisconnected
	}
	return false
}

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// ConnectionState represents the specific kind of transport connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem raised by a transport
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// ErrDecode is wrapped by characteristic value decoding failures.
var ErrDecode = errors.New("value decode failed")
