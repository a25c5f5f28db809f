package device_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type DriverRegistryTestSuite struct {
	DriverTestSuite
}

func TestDriverRegistrySuite(t *testing.T) {
	suite.Run(t, new(DriverRegistryTestSuite))
}

func (suite *DriverRegistryTestSuite) TestNewDriverValidation() {
	_, err := device.NewDriver(nil, suite.recorder)
	suite.Error(err, "nil transport MUST be rejected")

	_, err = device.NewDriver(suite.transport, nil)
	suite.Error(err, "nil delegate MUST be rejected")

	_, err = device.NewDriver(suite.transport, suite.recorder, device.WithRSSIRange(-20, -80))
	suite.Error(err, "inverted RSSI range MUST be rejected")
}

func (suite *DriverRegistryTestSuite) TestDiscoveryAddsToHoldingPen() {
	suite.discover("A", -60)

	pen := suite.driver.HoldingPen()
	suite.Require().Len(pen, 1, "discovered device MUST enter the holding pen")
	suite.Equal("A", pen[0].ID())
	suite.Equal(device.FamilyDeviceInfo, pen[0].Family())
	suite.Equal(device.StateConnecting, pen[0].State(), "device MUST be connecting")
	suite.Equal(0, suite.driver.Count(), "active list MUST stay empty before promotion")
	suite.transport.AssertCalled(suite.T(), "Connect", "A")
}

func (suite *DriverRegistryTestSuite) TestDedupeAcrossRepeatedDiscoveries() {
	// GOAL: Verify the registry holds at most one Device per peripheral identity
	//
	// TEST SCENARIO: Discover A three times → one pen entry; promote A → rediscover → still one device
	for range 3 {
		suite.discover("A", -60)
	}
	suite.Len(suite.driver.HoldingPen(), 1, "repeated discoveries MUST NOT duplicate a device")
	suite.Equal(1, suite.transport.CallsTo("Connect", "A"), "connect MUST be requested once")

	suite.connectAndDiscover("A")
	suite.readDeviceInfo("A")
	suite.discover("A", -55)

	suite.Empty(suite.driver.HoldingPen(), "promoted device MUST NOT re-enter the pen")
	suite.Equal(1, suite.driver.Count(), "active list MUST hold exactly one device")
}

func (suite *DriverRegistryTestSuite) TestRSSIGate() {
	// GOAL: Verify discoveries outside min <= rssi < max never create a Device
	//
	// TEST SCENARIO: too weak, too strong, upper bound exactly → nothing; lower bound exactly → accepted
	suite.discover("weak", -95)
	suite.discover("strong", -10)
	suite.discover("upper", device.DefaultRSSIMax)
	suite.discover("lower", device.DefaultRSSIMin)

	suite.Nil(suite.driver.Lookup("weak"), "weak signal MUST be dropped")
	suite.Nil(suite.driver.Lookup("strong"), "too strong signal MUST be dropped")
	suite.Nil(suite.driver.Lookup("upper"), "upper bound MUST be exclusive")
	suite.NotNil(suite.driver.Lookup("lower"), "lower bound MUST be inclusive")
	suite.Equal(0, suite.transport.CallsTo("Connect", "weak"))
}

func (suite *DriverRegistryTestSuite) TestRSSIGateDeletesKnownDevice() {
	dev := suite.promote("A")
	suite.recorder.Reset()

	suite.discover("A", -99)

	suite.Nil(suite.driver.Lookup("A"), "out-of-range device MUST be removed")
	suite.True(dev.IsDeleted(), "out-of-range device MUST be deleted")
	suite.Equal([]string{"will_remove:A", "removed:A"}, suite.recorder.EventsWithout("status", "device_status"))
}

func (suite *DriverRegistryTestSuite) TestVettingRejects() {
	suite.recorder.Vet = func(adv device.Advertisement) bool { return adv.LocalName() != "unit-B" }

	suite.discover("A", -60)
	suite.discover("B", -60)

	suite.NotNil(suite.driver.Lookup("A"), "vetted discovery MUST be accepted")
	suite.Nil(suite.driver.Lookup("B"), "rejected discovery MUST NOT create a device")
}

func (suite *DriverRegistryTestSuite) TestUnmatchedAdvertisementIgnored() {
	suite.discover("A", -60, "abcd")

	suite.Nil(suite.driver.Lookup("A"), "advertisement without a matching spec MUST be ignored")
	suite.Empty(suite.recorder.DriverErrors(), "unmatched advertisement MUST NOT be an error")
}

func (suite *DriverRegistryTestSuite) TestFamilyMatchedFromAdvertisement() {
	suite.discover("G", -60, device.ServiceGoTenna)
	dev := suite.driver.Lookup("G")
	suite.Require().NotNil(dev)
	suite.Equal(device.FamilyGoTenna, dev.Family())

	suite.connectAndDiscover("G",
		device.RawService{UUID: "1276AAEE-DF5E-11E6-BF01-FE55135034F3"},
		device.RawService{UUID: "0000180a-0000-1000-8000-00805f9b34fb"},
		device.RawService{UUID: "1800"},
	)

	suite.Len(dev.Services(), 2, "unclaimed services MUST be ignored")
	svc, ok := dev.Service(device.ServiceGoTenna)
	suite.Require().True(ok, "goTenna service MUST be bound")
	view, ok := svc.GoTenna()
	suite.Require().True(ok)
	suite.Equal(device.CharGoTennaTransmit, view.Transmit().UUID())
	suite.transport.AssertCalled(suite.T(), "DiscoverCharacteristics", "G", device.ServiceGoTenna,
		[]string{device.CharGoTennaTransmit, device.CharGoTennaStatus, device.CharGoTennaReceive})
}

func (suite *DriverRegistryTestSuite) TestPromotionOrdering() {
	// GOAL: Verify promotion fires pen removal + active append, newDeviceAdded,
	// device connection success and status update in that order
	//
	// TEST SCENARIO: Hook checks list membership inside OnDeviceAdded → recorded event order checked
	var sawMembership bool
	suite.recorder.Hook = func(event string, dev *device.Device) {
		if event != "added" {
			return
		}
		inPen := slices.Contains(suite.driver.HoldingPen(), dev)
		active := slices.Contains(suite.driver.Devices(), dev)
		sawMembership = !inPen && active
	}

	suite.discover("A", -60)
	suite.connectAndDiscover("A")
	suite.Empty(suite.recorder.EventsWithout("status", "device_status"), "nothing MUST fire before reads complete")

	suite.readDeviceInfo("A")

	suite.True(sawMembership, "device MUST be in the active list and out of the pen when added fires")
	events := suite.recorder.Events()
	idx := slices.Index(events, "added:A")
	suite.Require().GreaterOrEqual(idx, 0, "added MUST fire")
	suite.Require().Greater(len(events), idx+2)
	suite.Equal([]string{"added:A", "connected:A", "status"}, events[idx:idx+3])

	dev := suite.driver.Device(0)
	suite.Equal("Acme", dev.ManufacturerName())
	suite.Equal("M-1", dev.ModelNumber())
	suite.Equal("HW2", dev.HardwareRevision())
	suite.Equal("FW3", dev.FirmwareRevision())
}

func (suite *DriverRegistryTestSuite) TestPromotionDisconnectsUnlessStayConnected() {
	suite.promote("A")
	suite.Equal(1, suite.transport.CallsTo("CancelConnection", "A"), "device MUST be disconnected after promotion")

	suite.driver = suite.newDriver(suite.transport, device.WithStayConnected(true))
	suite.promote("B")
	suite.Equal(0, suite.transport.CallsTo("CancelConnection", "B"), "stay-connected device MUST stay connected")
	suite.True(suite.driver.Lookup("B").IsConnected())
}

func (suite *DriverRegistryTestSuite) TestIdempotentConnectDisconnect() {
	dev := suite.promote("A")
	suite.handler().OnDisconnect("A", nil)
	suite.flush()
	suite.Equal(device.StateDisconnected, dev.State())

	dev.Disconnect()
	suite.Equal(1, suite.transport.CallsTo("CancelConnection", "A"), "disconnect of a disconnected device MUST NOT reach the transport")

	dev.Connect(true)
	suite.handler().OnConnect("A")
	suite.flush()
	suite.Equal(2, suite.transport.CallsTo("Connect", "A"))

	dev.Connect(true)
	dev.Connect(false)
	suite.flush()
	suite.Equal(2, suite.transport.CallsTo("Connect", "A"), "connect of a connected device MUST NOT reach the transport")
	suite.Empty(suite.recorder.DriverErrors(), "idempotent calls MUST NOT report errors")
}

func (suite *DriverRegistryTestSuite) TestReconnectedActiveDeviceFiresConnected() {
	dev := suite.promote("A")
	suite.handler().OnDisconnect("A", nil)
	suite.flush()
	suite.recorder.Reset()

	dev.Connect(false)
	suite.handler().OnConnect("A")
	suite.flush()

	suite.Contains(suite.recorder.Events(), "connected:A")
	suite.Equal(2, suite.transport.CallsTo("DiscoverServices", "A"), "services MUST be rediscovered on reconnect")
}

func (suite *DriverRegistryTestSuite) TestDeletionFinality() {
	// GOAL: Verify the three-phase delete sequence and that the device is gone afterwards
	//
	// TEST SCENARIO: promote with stay-connected → Delete → willBeRemoved, removal, wasRemoved → further ops ignored
	suite.driver = suite.newDriver(suite.transport, device.WithStayConnected(true))
	dev := suite.promote("A")

	var countAtWillRemove, countAtRemoved int
	suite.recorder.Hook = func(event string, _ *device.Device) {
		switch event {
		case "will_remove":
			countAtWillRemove = suite.driver.Count()
		case "removed":
			countAtRemoved = suite.driver.Count()
		}
	}
	suite.recorder.Reset()

	dev.Delete()
	suite.flush()

	suite.Equal(1, countAtWillRemove, "device MUST still be registered in willBeRemoved")
	suite.Equal(0, countAtRemoved, "device MUST be removed before wasRemoved")
	suite.Equal([]string{"will_remove:A", "removed:A"}, suite.recorder.EventsWithout("status", "device_status"))
	suite.Nil(suite.driver.Lookup("A"))
	suite.Equal(0, suite.driver.Count())
	suite.Equal(1, suite.transport.CallsTo("CancelConnection", "A"), "delete MUST force a disconnect")

	dev.Connect(true)
	dev.Delete()
	suite.flush()
	suite.Equal(1, suite.transport.CallsTo("Connect", "A"), "deleted device MUST refuse operations")
}

func (suite *DriverRegistryTestSuite) TestLateEventsForRemovedDeviceDiscarded() {
	dev := suite.promote("A")
	dev.Delete()
	suite.flush()
	suite.recorder.Reset()

	h := suite.handler()
	h.OnDisconnect("A", errors.New("late failure"))
	h.OnCharacteristicValue(device.ValueEvent{PeripheralID: "A", ServiceUUID: device.ServiceDeviceInfo, CharUUID: device.CharModelNumber, Data: []byte("X")})
	suite.flush()

	suite.Empty(suite.recorder.Events(), "late events for a removed device MUST be discarded")
}

func (suite *DriverRegistryTestSuite) TestBoundsChecking() {
	suite.Panics(func() { suite.driver.Device(0) }, "indexing an empty list MUST panic")

	suite.promote("A")
	suite.NotPanics(func() { suite.driver.Device(0) })
	suite.Panics(func() { suite.driver.Device(1) }, "index == count MUST panic")
	suite.Panics(func() { suite.driver.Device(-1) }, "negative index MUST panic")
	suite.Empty(suite.recorder.DriverErrors(), "bounds failures MUST NOT use the error funnel")
}

func (suite *DriverRegistryTestSuite) TestSequenceAccess() {
	suite.promote("A")
	suite.promote("B")

	var ids []string
	for i, dev := range suite.driver.All() {
		suite.Equal(dev, suite.driver.Device(i))
		ids = append(ids, dev.ID())
	}
	suite.Equal([]string{"A", "B"}, ids, "active devices MUST keep promotion order")
	suite.Equal(2, suite.driver.Count())
}

func (suite *DriverRegistryTestSuite) TestScanningRequiresPower() {
	suite.transport.SetPowered(false)

	suite.driver.StartScanning()
	suite.flush()

	suite.False(suite.driver.IsScanning(), "scanning MUST NOT start without power")
	suite.transport.AssertNotCalled(suite.T(), "StartScan", mock.Anything, mock.Anything)
	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrBluetoothNotAvailable)

	suite.transport.SetPowered(true)
	suite.flush()
	suite.False(suite.driver.IsScanning(), "scan request MUST NOT be queued for later")
}

func (suite *DriverRegistryTestSuite) TestScanningUsesAdvertisedUUIDs() {
	suite.driver = suite.newDriver(suite.transport, device.WithAllowDuplicatesInScan(true))
	suite.driver.StartScanning()
	suite.driver.StartScanning()
	suite.flush()

	suite.True(suite.driver.IsScanning())
	suite.transport.AssertNumberOfCalls(suite.T(), "StartScan", 1)
	suite.transport.AssertCalled(suite.T(), "StartScan",
		[]string{device.ServiceGoTenna, device.ServiceBearTooth, device.ServiceELM327, device.ServiceDeviceInfo}, true)

	suite.driver.StopScanning()
	suite.False(suite.driver.IsScanning())
	suite.transport.AssertNumberOfCalls(suite.T(), "StopScan", 1)
}

func (suite *DriverRegistryTestSuite) TestErrorFunnelReportsOnce() {
	// GOAL: Verify a failure reaches the driver delegate exactly once
	//
	// TEST SCENARIO: transport refuses Connect → one connectionAttemptFailed on driver and device delegates
	transport := testutils.NewPoweredMockTransport()
	transport.On("Connect", "A").Return(errors.New("radio busy"))
	suite.transport = transport
	suite.driver = suite.newDriver(transport)

	suite.discover("A", -60)

	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1, "failure MUST be reported exactly once")
	suite.ErrorIs(errs[0], device.ErrConnectionAttemptFailed)
	suite.Equal("Driver.Error.connectionAttemptFailed", device.KindOf(errs[0]).Key())
	suite.Len(suite.recorder.DeviceErrors(), 1, "device delegate MUST receive the failure once")
	suite.Empty(suite.driver.HoldingPen(), "device MUST leave the pen after a failed connect")
}

func (suite *DriverRegistryTestSuite) TestConnectFailedEvent() {
	suite.discover("A", -60)
	suite.handler().OnConnectFailed("A", errors.New("timeout"))
	suite.flush()

	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrConnectionAttemptFailed)
	suite.Nil(suite.driver.Lookup("A"), "failed device MUST be dropped so a later advertisement retries")

	suite.discover("A", -60)
	suite.NotNil(suite.driver.Lookup("A"))
}

func (suite *DriverRegistryTestSuite) TestPeerDisconnectIsNotAnError() {
	// GOAL: Verify a peer-initiated disconnect is a normal disconnection and triggers reconnect
	//
	// TEST SCENARIO: stay-connected active device → peer disconnect → no driver error, disconnected fired, reconnect
	suite.driver = suite.newDriver(suite.transport, device.WithStayConnected(true))
	suite.promote("A")
	suite.recorder.Reset()

	suite.handler().OnDisconnect("A", device.ErrPeerDisconnected)
	suite.flush()

	suite.Empty(suite.recorder.DriverErrors(), "peer disconnect MUST NOT be a driver error")
	suite.Contains(suite.recorder.Events(), "disconnected:A")
	suite.Equal(2, suite.transport.CallsTo("Connect", "A"), "stay-connected device MUST reconnect")
}

func (suite *DriverRegistryTestSuite) TestUnexpectedDisconnectReported() {
	suite.driver = suite.newDriver(suite.transport, device.WithStayConnected(true))
	suite.promote("A")
	suite.recorder.Reset()

	suite.handler().OnDisconnect("A", &device.TransportError{Code: 0x3e, Msg: "connection failed to be established"})
	suite.flush()

	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrUnknownDisconnection)
	suite.Contains(suite.recorder.Events(), "disconnected:A")
}

func (suite *DriverRegistryTestSuite) TestDisconnectFailureRestoresState() {
	transport := testutils.NewMockTransport()
	suite.transport = transport
	suite.driver = suite.newDriver(transport, device.WithStayConnected(true))
	dev := suite.promote("A")

	transport.ExpectedCalls = nil
	transport.On("CancelConnection", "A").Return(errors.New("busy"))
	dev.Disconnect()
	suite.flush()

	suite.Equal(device.StateConnected, dev.State(), "failed disconnect MUST restore the previous state")
	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrDisconnectionAttemptFailed)
}

func (suite *DriverRegistryTestSuite) TestMissingDeviceInfoService() {
	suite.discover("A", -60)
	h := suite.handler()
	h.OnConnect("A")
	suite.flush()
	h.OnServicesDiscovered("A", []device.RawService{{UUID: "1800"}}, nil)
	suite.flush()

	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrCharacteristicValueMissing)
	var nf *device.NotFoundError
	suite.ErrorAs(errs[0], &nf)
	suite.Equal(1, suite.transport.CallsTo("CancelConnection", "A"))

	h.OnDisconnect("A", nil)
	suite.flush()
	suite.Empty(suite.driver.HoldingPen(), "confirmed disconnect MUST drop the device from the holding pen")
	suite.Nil(suite.driver.Lookup("A"))

	suite.discover("A", -60)
	suite.Equal(2, suite.transport.CallsTo("Connect", "A"), "a dropped peripheral MUST be connected again when rediscovered")
}

func (suite *DriverRegistryTestSuite) TestMissingRequiredCharacteristic() {
	suite.discover("A", -60)
	h := suite.handler()
	h.OnConnect("A")
	h.OnServicesDiscovered("A", []device.RawService{{UUID: device.ServiceDeviceInfo}}, nil)
	h.OnCharacteristicsDiscovered("A", device.ServiceDeviceInfo, deviceInfoChars[:3], nil)
	suite.flush()

	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1, "missing characteristic MUST be reported once")
	suite.ErrorIs(errs[0], device.ErrCharacteristicValueMissing)
	suite.Equal(3, suite.transport.CallsTo("ReadCharacteristic", "A"))
}

func (suite *DriverRegistryTestSuite) TestReadFailureReported() {
	suite.discover("A", -60)
	suite.connectAndDiscover("A")

	suite.handler().OnCharacteristicValue(device.ValueEvent{
		PeripheralID: "A",
		ServiceUUID:  device.ServiceDeviceInfo,
		CharUUID:     device.CharModelNumber,
		Err:          errors.New("insufficient authentication"),
	})
	suite.flush()

	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrUnknownCharacteristicsReadValueError)
	suite.Len(suite.driver.HoldingPen(), 1, "device MUST stay in the pen until reads complete")
}

func (suite *DriverRegistryTestSuite) TestPowerLossReported() {
	// GOAL: Verify power loss disconnects every device the way a link loss does,
	// and power-on reconnects what should stay connected
	//
	// TEST SCENARIO: active stay-connected A + connected B in the pen → power off →
	// disconnected fired for both, pen empty → power on → A reconnects → B rediscovered
	suite.driver = suite.newDriver(suite.transport, device.WithStayConnected(true))
	suite.driver.StartScanning()
	dev := suite.promote("A")
	suite.discover("B", -60)
	suite.handler().OnConnect("B")
	suite.flush()
	suite.Require().Len(suite.driver.HoldingPen(), 1)
	suite.recorder.Reset()

	suite.transport.SetPowered(false)
	suite.handler().OnPowerStateChanged(false)
	suite.flush()

	suite.False(suite.driver.IsScanning())
	suite.Equal(device.StateDisconnected, dev.State())
	events := suite.recorder.Events()
	suite.Contains(events, "disconnected:A")
	suite.Contains(events, "disconnected:B")
	suite.Empty(suite.driver.HoldingPen(), "pen devices MUST be dropped on power loss")
	suite.True(suite.driver.IsActive(dev), "active devices MUST stay registered")
	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	suite.ErrorIs(errs[0], device.ErrBluetoothNotAvailable)

	// the transport's own disconnect confirmation MUST NOT trigger a reconnect while off
	suite.handler().OnDisconnect("A", nil)
	suite.flush()
	suite.Equal(1, suite.transport.CallsTo("Connect", "A"))

	suite.transport.SetPowered(true)
	suite.handler().OnPowerStateChanged(true)
	suite.flush()
	suite.Equal(2, suite.transport.CallsTo("Connect", "A"), "stay-connected device MUST reconnect on power-on")
	suite.Equal(device.StateConnecting, dev.State())

	suite.discover("B", -60)
	suite.Equal(2, suite.transport.CallsTo("Connect", "B"), "B MUST be rediscovered after power loss")
}

func (suite *DriverRegistryTestSuite) TestValueListenerAndWrite() {
	suite.driver = suite.newDriver(suite.transport, device.WithStayConnected(true))
	suite.discover("E", -60, device.ServiceELM327)
	suite.connectAndDiscover("E", device.RawService{UUID: device.ServiceELM327}, device.RawService{UUID: device.ServiceDeviceInfo})
	suite.handler().OnCharacteristicsDiscovered("E", device.ServiceELM327, []string{device.CharELM327Receive, device.CharELM327Transmit}, nil)
	suite.readDeviceInfo("E")
	dev := suite.driver.Lookup("E")
	suite.Require().True(suite.driver.IsActive(dev))
	suite.transport.AssertCalled(suite.T(), "SetNotify", "E", device.ServiceELM327, device.CharELM327Receive, true)

	var got []string
	remove := dev.AddValueListener(func(_ *device.Device, svc string, c *device.Characteristic, v device.Value) {
		got = append(got, svc+"/"+c.UUID()+"="+v.String())
	})
	notify := device.ValueEvent{PeripheralID: "E", ServiceUUID: device.ServiceELM327, CharUUID: device.CharELM327Receive, Data: []byte("41 0C\r>"), Notification: true}
	suite.handler().OnCharacteristicValue(notify)
	suite.flush()
	remove()
	suite.handler().OnCharacteristicValue(notify)
	suite.flush()

	suite.Equal([]string{"fff0/fff1=41 0C\r>"}, got, "listener MUST see updates until removed")

	dev.Write(device.ServiceELM327, device.CharELM327Transmit, []byte("ATZ\r"), false)
	suite.transport.AssertCalled(suite.T(), "WriteCharacteristic", "E", device.ServiceELM327, device.CharELM327Transmit, []byte("ATZ\r"), false)

	dev.Write(device.ServiceELM327, "ffff", []byte("x"), false)
	suite.flush()
	errs := suite.recorder.DriverErrors()
	suite.Require().Len(errs, 1)
	var nf *device.NotFoundError
	suite.ErrorAs(errs[0], &nf, "unknown characteristic MUST be reported as not found")
}

func (suite *DriverRegistryTestSuite) TestStatusUpdatesCoalesced() {
	suite.discover("A", -60)
	dev := suite.driver.Lookup("A")
	suite.Require().NotNil(dev)
	suite.transport.ExpectedCalls = nil
	suite.transport.On("CancelConnection", "A").Return(errors.New("busy"))
	suite.recorder.Reset()

	// connecting → disconnecting → connecting again, before the dispatcher can deliver a status
	suite.queue.Dispatch(dev.Disconnect)
	suite.flush()

	n := 0
	for _, e := range suite.recorder.Events() {
		if e == "device_status:A" {
			n++
		}
	}
	suite.Equal(device.StateConnecting, dev.State())
	suite.Equal(1, n, "status notifications MUST be coalesced while one is pending")
}
