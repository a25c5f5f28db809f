package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/srg/blefleet/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of device.Transport. It records the handler
// the driver registers so tests can inject transport events.
type MockTransport struct {
	mock.Mock

	powered atomic.Bool

	mu      sync.RWMutex
	handler device.TransportHandler
}

// NewMockTransport returns a powered-on transport that accepts every request.
// Tests override individual methods by building a MockTransport themselves.
func NewMockTransport() *MockTransport {
	m := &MockTransport{}
	m.powered.Store(true)
	m.On("StartScan", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("StopScan").Return(nil).Maybe()
	m.On("Connect", mock.Anything).Return(nil).Maybe()
	m.On("CancelConnection", mock.Anything).Return(nil).Maybe()
	m.On("DiscoverServices", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("DiscoverCharacteristics", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("ReadCharacteristic", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("WriteCharacteristic", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SetNotify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return m
}

// NewPoweredMockTransport returns a powered-on transport without expectations.
func NewPoweredMockTransport() *MockTransport {
	m := &MockTransport{}
	m.powered.Store(true)
	return m
}

func (m *MockTransport) SetPowered(on bool) { m.powered.Store(on) }

func (m *MockTransport) Handler() device.TransportHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

func (m *MockTransport) SetHandler(h device.TransportHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *MockTransport) PoweredOn() bool { return m.powered.Load() }

func (m *MockTransport) StartScan(serviceUUIDs []string, allowDuplicates bool) error {
	return m.Called(serviceUUIDs, allowDuplicates).Error(0)
}

func (m *MockTransport) StopScan() error {
	return m.Called().Error(0)
}

func (m *MockTransport) Connect(peripheralID string) error {
	return m.Called(peripheralID).Error(0)
}

func (m *MockTransport) CancelConnection(peripheralID string) error {
	return m.Called(peripheralID).Error(0)
}

func (m *MockTransport) DiscoverServices(peripheralID string, serviceUUIDs []string) error {
	return m.Called(peripheralID, serviceUUIDs).Error(0)
}

func (m *MockTransport) DiscoverCharacteristics(peripheralID, serviceUUID string, charUUIDs []string) error {
	return m.Called(peripheralID, serviceUUID, charUUIDs).Error(0)
}

func (m *MockTransport) ReadCharacteristic(peripheralID, serviceUUID, charUUID string) error {
	return m.Called(peripheralID, serviceUUID, charUUID).Error(0)
}

func (m *MockTransport) WriteCharacteristic(peripheralID, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	return m.Called(peripheralID, serviceUUID, charUUID, data, withResponse).Error(0)
}

func (m *MockTransport) SetNotify(peripheralID, serviceUUID, charUUID string, enabled bool) error {
	return m.Called(peripheralID, serviceUUID, charUUID, enabled).Error(0)
}

// CallsTo counts recorded calls of method whose first argument is peripheralID.
func (m *MockTransport) CallsTo(method, peripheralID string) int {
	n := 0
	for _, c := range m.Calls {
		if c.Method != method {
			continue
		}
		if len(c.Arguments) > 0 && c.Arguments.String(0) == peripheralID {
			n++
		}
	}
	return n
}
