package device

import (
	"github.com/sirupsen/logrus"
)

// Default RSSI gate: discoveries must satisfy DefaultRSSIMin <= rssi < DefaultRSSIMax.
const (
	DefaultRSSIMin = -90
	DefaultRSSIMax = -15
)

type options struct {
	dispatcher      Dispatcher
	allowDuplicates bool
	stayConnected   bool
	rssiMin         int
	rssiMax         int
	specs           *SpecRegistry
	logger          *logrus.Logger
	deviceDelegate  DeviceDelegate
}

// Option configures a Driver.
type Option func(*options)

// WithDispatcher delivers every delegate callback on d. d must be serial.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithAllowDuplicatesInScan asks the transport to re-report already seen peripherals.
func WithAllowDuplicatesInScan(allow bool) Option {
	return func(o *options) { o.allowDuplicates = allow }
}

// WithStayConnected sets the stay-connected policy of newly discovered devices.
func WithStayConnected(stay bool) Option {
	return func(o *options) { o.stayConnected = stay }
}

// WithRSSIRange sets the discovery gate min <= rssi < max.
func WithRSSIRange(minRSSI, maxRSSI int) Option {
	return func(o *options) {
		o.rssiMin = minRSSI
		o.rssiMax = maxRSSI
	}
}

func WithSpecRegistry(r *SpecRegistry) Option {
	return func(o *options) { o.specs = r }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDeviceDelegate installs delegate on every device the driver creates.
func WithDeviceDelegate(delegate DeviceDelegate) Option {
	return func(o *options) { o.deviceDelegate = delegate }
}
