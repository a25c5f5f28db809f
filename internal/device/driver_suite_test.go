package device_test

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var deviceInfoChars = []string{
	device.CharManufacturerName,
	device.CharModelNumber,
	device.CharHardwareRevision,
	device.CharFirmwareRevision,
}

// DriverTestSuite drives a Driver over a MockTransport on a test-owned serial queue.
type DriverTestSuite struct {
	suite.Suite

	Logger    *logrus.Logger
	transport *testutils.MockTransport
	queue     *device.SerialQueue
	recorder  *testutils.RecordingDelegate
	driver    *device.Driver
}

func (suite *DriverTestSuite) SetupTest() {
	helper := testutils.NewTestHelper(suite.T())
	suite.Logger = helper.Logger
	suite.transport = testutils.NewMockTransport()
	suite.queue = helper.NewQueue("driver-test")
	suite.recorder = testutils.NewRecordingDelegate()
	suite.driver = suite.newDriver(suite.transport)
}

func (suite *DriverTestSuite) newDriver(transport device.Transport, opts ...device.Option) *device.Driver {
	base := []device.Option{
		device.WithDispatcher(suite.queue),
		device.WithLogger(suite.Logger),
		device.WithDeviceDelegate(suite.recorder),
	}
	drv, err := device.NewDriver(transport, suite.recorder, append(base, opts...)...)
	suite.Require().NoError(err, "MUST create driver")
	return drv
}

func (suite *DriverTestSuite) handler() device.TransportHandler {
	h := suite.transport.Handler()
	suite.Require().NotNil(h, "driver MUST register a transport handler")
	return h
}

func (suite *DriverTestSuite) flush() {
	suite.queue.Flush()
}

func (suite *DriverTestSuite) discover(id string, rssi int, services ...string) {
	if len(services) == 0 {
		services = []string{device.ServiceDeviceInfo}
	}
	adv := testutils.CreateMockAdvertisement("unit-"+id, id, rssi).WithServices(services...).Build()
	suite.handler().OnDiscover(adv)
	suite.flush()
}

// connectAndDiscover delivers the connect, service discovery and DeviceInfo
// characteristic discovery events for id.
func (suite *DriverTestSuite) connectAndDiscover(id string, services ...device.RawService) {
	if len(services) == 0 {
		services = []device.RawService{{UUID: device.ServiceDeviceInfo}}
	}
	h := suite.handler()
	h.OnConnect(id)
	suite.flush()
	h.OnServicesDiscovered(id, services, nil)
	suite.flush()
	h.OnCharacteristicsDiscovered(id, device.ServiceDeviceInfo, deviceInfoChars, nil)
	suite.flush()
}

func (suite *DriverTestSuite) readDeviceInfo(id string) {
	h := suite.handler()
	values := map[string]string{
		device.CharManufacturerName: "Acme",
		device.CharModelNumber:      "M-1",
		device.CharHardwareRevision: "HW2",
		device.CharFirmwareRevision: "FW3",
	}
	for _, char := range deviceInfoChars {
		h.OnCharacteristicValue(device.ValueEvent{
			PeripheralID: id,
			ServiceUUID:  device.ServiceDeviceInfo,
			CharUUID:     char,
			Data:         []byte(values[char]),
		})
	}
	suite.flush()
}

// promote walks id from discovery to the active list.
func (suite *DriverTestSuite) promote(id string) *device.Device {
	suite.discover(id, -60)
	suite.connectAndDiscover(id)
	suite.readDeviceInfo(id)

	dev := suite.driver.Lookup(id)
	suite.Require().NotNil(dev, "device %s MUST be registered", id)
	suite.Require().True(suite.driver.IsActive(dev), "device %s MUST be active", id)
	return dev
}
