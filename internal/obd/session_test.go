package obd_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/obd"
	"github.com/srg/blefleet/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// fakeAdapter is an obd.Link that answers like an ELM327: every line sent is
// looked up in replies and the answer comes back asynchronously in 20-byte
// chunks followed by the prompt.
type fakeAdapter struct {
	mu       sync.Mutex
	replies  map[string]string
	sent     []string
	listener func([]byte)
	removed  bool
	silent   bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{replies: map[string]string{
		"ATZ":   "\r\rELM327 v1.5",
		"ATE0":  "ATE0\rOK",
		"ATL0":  "OK",
		"ATS0":  "OK",
		"ATH0":  "OK",
		"ATSP0": "OK",
		"010C":  "SEARCHING...\r410C1AF0",
		"0100":  "4100BE1FA813",
		"0120":  "NO DATA",
		"0199":  "NO DATA",
	}}
}

func (a *fakeAdapter) Send(data []byte) error {
	line := strings.TrimSuffix(string(data), "\r")
	a.mu.Lock()
	a.sent = append(a.sent, line)
	reply, ok := a.replies[line]
	fn := a.listener
	silent := a.silent
	a.mu.Unlock()

	if silent || fn == nil {
		return nil
	}
	if !ok {
		reply = "?"
	}
	go func() {
		out := []byte(reply + "\r\r>")
		for len(out) > 0 {
			n := min(20, len(out))
			fn(out[:n])
			out = out[n:]
		}
	}()
	return nil
}

func (a *fakeAdapter) Listen(fn func([]byte)) func() {
	a.mu.Lock()
	a.listener = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.removed = true
		a.listener = nil
		a.mu.Unlock()
	}
}

func (a *fakeAdapter) Sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *fakeAdapter) Removed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removed
}

type SessionTestSuite struct {
	suite.Suite

	Logger  *logrus.Logger
	adapter *fakeAdapter
	session *obd.Session
	ctx     context.Context
}

func (suite *SessionTestSuite) SetupTest() {
	suite.Logger = testutils.NewTestHelper(suite.T()).Logger
	suite.adapter = newFakeAdapter()
	suite.session = obd.NewSession(suite.adapter,
		obd.WithLogger(suite.Logger),
		obd.WithResponseTimeout(time.Second))
	suite.ctx = context.Background()
}

func (suite *SessionTestSuite) TearDownTest() {
	suite.NoError(suite.session.Close())
}

func (suite *SessionTestSuite) TestInitSequence() {
	version, err := suite.session.Init(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal("ELM327 v1.5", version)
	suite.Equal([]string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}, suite.adapter.Sent(),
		"init MUST reset, silence echo/linefeeds/spaces/headers and select automatic protocol in order")
}

func (suite *SessionTestSuite) TestInitFailsOnUnexpectedReply() {
	suite.adapter.replies["ATL0"] = "?"
	_, err := suite.session.Init(suite.ctx)
	suite.ErrorIs(err, &obd.ResponseError{Kind: obd.ResponseUnknownCommand})
	suite.Equal([]string{"ATZ", "ATE0", "ATL0"}, suite.adapter.Sent(), "init MUST stop at the first failure")
}

func (suite *SessionTestSuite) TestReadInterpretsPID() {
	res, err := suite.session.Read(suite.ctx, 0x0C)
	suite.Require().NoError(err)
	suite.Equal("engine_rpm", res.Metric)
	suite.InDelta(1724, res.Value, 0.001)
}

func (suite *SessionTestSuite) TestSupportedPIDsStopsWhenNextBitmapIsAbsent() {
	pids, err := suite.session.SupportedPIDs(suite.ctx)
	suite.Require().NoError(err)
	suite.Contains(pids, "010C")
	suite.Contains(pids, "0120")
	suite.Equal([]string{"0100", "0120"}, suite.adapter.Sent(),
		"0100 announces 0120, whose NO DATA ends the walk")
}

func (suite *SessionTestSuite) TestAdapterErrorsSurface() {
	_, err := suite.session.Query(suite.ctx, 0x01, 0x99)
	suite.True(obd.IsNoData(err), "NO DATA MUST surface as a ResponseError")

	_, err = suite.session.Command(suite.ctx, obd.CmdSetTimeout, 0x100)
	suite.ErrorIs(err, obd.ErrParameterRange)
	suite.NotContains(suite.adapter.Sent(), "ATST100", "an invalid command MUST never be written")
}

func (suite *SessionTestSuite) TestCommandsAreSerialized() {
	var wg sync.WaitGroup
	results := make([]string, 4)
	errs := make([]error, 4)
	lines := []string{"ATL0", "ATS0", "ATH0", "ATSP0"}
	for i, line := range lines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = suite.session.Send(suite.ctx, line)
		}()
	}
	wg.Wait()

	for i := range lines {
		suite.NoError(errs[i])
		suite.Equal("OK", results[i])
	}
	suite.Len(suite.adapter.Sent(), 4, "every command MUST be written exactly once")
}

func (suite *SessionTestSuite) TestTimeout() {
	suite.adapter.silent = true
	start := time.Now()
	session := obd.NewSession(suite.adapter, obd.WithResponseTimeout(50*time.Millisecond))
	defer session.Close()

	_, err := session.Send(suite.ctx, "010C")
	suite.ErrorIs(err, obd.ErrTimeout)
	suite.Less(time.Since(start), time.Second)
}

func (suite *SessionTestSuite) TestContextCancellation() {
	suite.adapter.silent = true
	ctx, cancel := context.WithTimeout(suite.ctx, 20*time.Millisecond)
	defer cancel()

	_, err := suite.session.Send(ctx, "010C")
	suite.ErrorIs(err, context.DeadlineExceeded)
}

func (suite *SessionTestSuite) TestCloseUnregistersAndFailsPending() {
	suite.adapter.silent = true
	done := make(chan error, 1)
	go func() {
		_, err := suite.session.Send(suite.ctx, "010C")
		done <- err
	}()
	suite.Eventually(func() bool { return len(suite.adapter.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	suite.NoError(suite.session.Close())
	suite.ErrorIs(<-done, obd.ErrSessionClosed)
	suite.True(suite.adapter.Removed(), "Close MUST unregister the listener")

	_, err := suite.session.Send(suite.ctx, "ATZ")
	suite.ErrorIs(err, obd.ErrSessionClosed)
}

func (suite *SessionTestSuite) TestResponseHandlerSeesExchanges() {
	var mu sync.Mutex
	var seen []string
	session := obd.NewSession(suite.adapter, obd.WithResponseHandler(func(request, response string) {
		mu.Lock()
		seen = append(seen, request+"="+response)
		mu.Unlock()
	}))
	defer session.Close()

	_, err := session.Send(suite.ctx, "ATS0")
	suite.Require().NoError(err)
	suite.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	suite.Equal([]string{"ATS0=OK"}, seen)
	mu.Unlock()
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

// DeviceLinkTestSuite runs a Session over a promoted ELM327 Device whose
// transport is a MockTransport.
type DeviceLinkTestSuite struct {
	suite.Suite

	transport *testutils.MockTransport
	queue     *device.SerialQueue
	driver    *device.Driver
	dev       *device.Device
}

func (suite *DeviceLinkTestSuite) SetupTest() {
	helper := testutils.NewTestHelper(suite.T())
	suite.transport = testutils.NewMockTransport()
	suite.queue = helper.NewQueue("obd-link-test")
	recorder := testutils.NewRecordingDelegate()

	drv, err := device.NewDriver(suite.transport, recorder,
		device.WithDispatcher(suite.queue),
		device.WithLogger(helper.Logger),
		device.WithStayConnected(true))
	suite.Require().NoError(err)
	suite.driver = drv

	h := suite.transport.Handler()
	h.OnDiscover(testutils.CreateMockAdvertisement("OBDII", "E", -60).
		WithServices(device.ServiceELM327).Build())
	suite.queue.Flush()
	h.OnConnect("E")
	suite.queue.Flush()
	h.OnServicesDiscovered("E", []device.RawService{{UUID: device.ServiceELM327}, {UUID: device.ServiceDeviceInfo}}, nil)
	suite.queue.Flush()
	h.OnCharacteristicsDiscovered("E", device.ServiceELM327, []string{device.CharELM327Receive, device.CharELM327Transmit}, nil)
	h.OnCharacteristicsDiscovered("E", device.ServiceDeviceInfo, []string{
		device.CharManufacturerName, device.CharModelNumber, device.CharHardwareRevision, device.CharFirmwareRevision,
	}, nil)
	suite.queue.Flush()
	for _, char := range []string{device.CharManufacturerName, device.CharModelNumber, device.CharHardwareRevision, device.CharFirmwareRevision} {
		h.OnCharacteristicValue(device.ValueEvent{PeripheralID: "E", ServiceUUID: device.ServiceDeviceInfo, CharUUID: char, Data: []byte("x")})
	}
	suite.queue.Flush()

	suite.dev = drv.Lookup("E")
	suite.Require().NotNil(suite.dev)
	suite.Require().True(suite.dev.IsConnected(), "ELM327 device MUST be connected")
}

func (suite *DeviceLinkTestSuite) reply(text string) {
	suite.transport.Handler().OnCharacteristicValue(device.ValueEvent{
		PeripheralID: "E",
		ServiceUUID:  device.ServiceELM327,
		CharUUID:     device.CharELM327Receive,
		Data:         []byte(text),
		Notification: true,
	})
}

func (suite *DeviceLinkTestSuite) TestSessionOverDevice() {
	link, err := obd.DeviceLink(suite.dev)
	suite.Require().NoError(err)

	suite.transport.ExpectedCalls = nil
	suite.transport.On("WriteCharacteristic", "E", device.ServiceELM327, device.CharELM327Transmit, []byte("010D\r"), false).
		Run(func(mock.Arguments) {
			suite.reply("41 0D 32")
			suite.reply("\r\r>")
		}).
		Return(nil).Once()

	session := obd.NewSession(link, obd.WithResponseTimeout(time.Second))
	res, err := session.Read(context.Background(), 0x0D)
	suite.Require().NoError(err)
	suite.Equal("vehicle_speed", res.Metric)
	suite.InDelta(50, res.Value, 0.001)
	suite.transport.AssertExpectations(suite.T())

	suite.NoError(session.Close())
	suite.reply("41 0D 33\r>")
	suite.queue.Flush()
}

func (suite *DeviceLinkTestSuite) TestDeviceWithoutSerialChannel() {
	suite.transport.Handler().OnDiscover(testutils.CreateMockAdvertisement("info", "I", -60).
		WithServices(device.ServiceDeviceInfo).Build())
	suite.queue.Flush()
	dev := suite.driver.Lookup("I")
	suite.Require().NotNil(dev)

	_, err := obd.DeviceLink(dev)
	suite.ErrorIs(err, obd.ErrNoSerialChannel)
}

func (suite *DeviceLinkTestSuite) TestSendRequiresConnection() {
	link, err := obd.DeviceLink(suite.dev)
	suite.Require().NoError(err)

	suite.transport.Handler().OnDisconnect("E", nil)
	suite.queue.Flush()
	suite.Require().False(suite.dev.IsConnected())

	suite.ErrorIs(link.Send([]byte("ATZ\r")), obd.ErrNotConnected)
}

func TestDeviceLinkTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceLinkTestSuite))
}
