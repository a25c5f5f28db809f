package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/groutine"
	"github.com/srg/blefleet/internal/obd"
)

const (
	DefaultTopicPrefix    = "blefleet"
	DefaultOutboxSize     = 256
	DefaultPublishTimeout = 5 * time.Second
	DefaultRetryInterval  = time.Second

	// MaxOutboxSize guards against accidental misconfiguration.
	MaxOutboxSize uint32 = 64 * 1024
)

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping
)

// Message is one queued publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Publisher mirrors driver and device callbacks to MQTT as JSON and forwards
// every callback to the wrapped application delegates.
//
// Callbacks only enqueue into a bounded outbox that drops the oldest message
// when full; a background loop started by Start drains it to the client.
type Publisher struct {
	client        Client
	logger        *logrus.Logger
	prefix        string
	qos           byte
	timeout       time.Duration
	retryInterval time.Duration
	outboxSize    uint32
	now           func() time.Time

	driverDelegate device.DriverDelegate
	deviceDelegate device.DeviceDelegate

	outbox  mpmc.RichOverlappedRingBuffer[Message]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	state   uint32
	metrics Metrics
}

type Option func(*Publisher)

func WithLogger(logger *logrus.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) { p.prefix = prefix }
}

func WithQoS(qos byte) Option {
	return func(p *Publisher) { p.qos = qos }
}

// WithPublishTimeout bounds the wait for one publish acknowledgement.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.timeout = d }
}

// WithRetryInterval sets how often a disconnected client is re-checked.
func WithRetryInterval(d time.Duration) Option {
	return func(p *Publisher) { p.retryInterval = d }
}

func WithOutboxSize(size uint32) Option {
	return func(p *Publisher) { p.outboxSize = size }
}

// WithDriverDelegate sets the application driver delegate callbacks are forwarded to.
func WithDriverDelegate(d device.DriverDelegate) Option {
	return func(p *Publisher) { p.driverDelegate = d }
}

// WithDeviceDelegate sets the application device delegate callbacks are forwarded to.
func WithDeviceDelegate(d device.DeviceDelegate) Option {
	return func(p *Publisher) { p.deviceDelegate = d }
}

func withClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(client Client, opts ...Option) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt client cannot be nil")
	}
	p := &Publisher{
		client:        client,
		logger:        logrus.New(),
		prefix:        DefaultTopicPrefix,
		qos:           1,
		timeout:       DefaultPublishTimeout,
		retryInterval: DefaultRetryInterval,
		outboxSize:    DefaultOutboxSize,
		now:           time.Now,
		wake:          make(chan struct{}, 1),
		state:         StateNotRunning,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.outboxSize == 0 {
		return nil, fmt.Errorf("outbox size must be > 0")
	}
	if p.outboxSize > MaxOutboxSize {
		return nil, fmt.Errorf("outbox size %d exceeds maximum %d", p.outboxSize, MaxOutboxSize)
	}
	if p.qos > 2 {
		return nil, fmt.Errorf("invalid QoS %d", p.qos)
	}
	p.outbox = mpmc.NewOverlappedRingBuffer[Message](p.outboxSize)
	return p, nil
}

// Start launches the outbox loop.
func (p *Publisher) Start() error {
	if !atomic.CompareAndSwapUint32(&p.state, StateNotRunning, StateRunning) {
		switch s := atomic.LoadUint32(&p.state); s {
		case StateRunning:
			return fmt.Errorf("publisher is already running")
		case StateStopping:
			return fmt.Errorf("publisher is stopping, wait for it to finish")
		default:
			return fmt.Errorf("publisher is in unknown state %d", s)
		}
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done

	groutine.Go(context.Background(), "mqtt-publisher", func(context.Context) {
		defer func() {
			close(done)
			atomic.StoreUint32(&p.state, StateNotRunning)
		}()
		ticker := time.NewTicker(p.retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				p.Flush()
				return
			case <-p.wake:
				p.Flush()
			case <-ticker.C:
				p.Flush()
			}
		}
	})
	return nil
}

// Stop flushes what the client accepts and ends the outbox loop.
func (p *Publisher) Stop() error {
	if !atomic.CompareAndSwapUint32(&p.state, StateRunning, StateStopping) {
		switch s := atomic.LoadUint32(&p.state); s {
		case StateNotRunning:
			return nil
		case StateStopping:
		default:
			return fmt.Errorf("publisher is in unknown state %d", s)
		}
	} else {
		close(p.stop)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.timeout + time.Second):
		<-p.done
		return fmt.Errorf("publisher stop exceeded %s", p.timeout+time.Second)
	}
}

func (p *Publisher) State() uint32 { return atomic.LoadUint32(&p.state) }

// Metrics returns a copy of the counters.
func (p *Publisher) Metrics() Metrics { return p.metrics.snapshot() }

// Pending reports whether messages are waiting in the outbox.
func (p *Publisher) Pending() bool { return !p.outbox.IsEmpty() }

// Flush publishes queued messages until the outbox is empty or the client is
// disconnected. The loop calls it; tests and the CLI may call it directly.
func (p *Publisher) Flush() {
	for !p.outbox.IsEmpty() {
		if !p.client.IsConnected() {
			return
		}
		msg, err := p.outbox.Dequeue()
		if err != nil {
			return
		}
		p.send(msg)
	}
}

func (p *Publisher) send(msg Message) {
	log := p.logger.WithField("topic", msg.Topic)
	token := p.client.Publish(msg.Topic, p.qos, msg.Retained, msg.Payload)
	if !token.WaitTimeout(p.timeout) {
		p.metrics.incFailed()
		log.Warn("MQTT publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		p.metrics.incFailed()
		log.WithError(err).Warn("MQTT publish failed")
		return
	}
	p.metrics.incPublished()
}

func (p *Publisher) enqueue(msg Message) {
	overwrites, err := p.outbox.EnqueueM(msg)
	if err != nil {
		p.metrics.incFailed()
		p.logger.WithError(err).WithField("topic", msg.Topic).Error("MQTT outbox enqueue failed")
		return
	}
	if overwrites > 0 {
		p.metrics.addOverwritten(overwrites)
		p.logger.WithField("dropped", overwrites).Debug("MQTT outbox full, dropped oldest")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) publishJSON(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Error("Failed to encode MQTT payload")
		return
	}
	p.enqueue(Message{Topic: topic, Payload: payload, Retained: retained})
}

func (p *Publisher) topic(levels ...string) string {
	t := p.prefix
	for _, l := range levels {
		t += "/" + l
	}
	return t
}

// StatusTopic is the retained status topic of a device.
func (p *Publisher) StatusTopic(deviceID string) string {
	return p.topic("devices", topicSegment(deviceID), "status")
}

func (p *Publisher) ErrorsTopic() string { return p.topic("errors") }
func (p *Publisher) FleetTopic() string  { return p.topic("fleet") }

// TelemetryTopic is the topic of one decoded OBD metric of a device.
func (p *Publisher) TelemetryTopic(deviceID, metric string) string {
	return p.topic("obd", topicSegment(deviceID), topicSegment(metric))
}

// PublishDevice queues the retained status of dev. Deleted devices are
// skipped so a late status update cannot resurrect a cleared topic.
func (p *Publisher) PublishDevice(dev *device.Device) {
	if dev.IsDeleted() {
		return
	}
	p.publishJSON(p.StatusTopic(dev.ID()), true, deviceStatus(dev, p.now().UTC()))
}

// PublishResult queues one decoded OBD result of a device.
func (p *Publisher) PublishResult(deviceID string, res obd.Result) {
	p.publishJSON(p.TelemetryTopic(deviceID, res.Metric), false, Telemetry{
		DeviceID:  deviceID,
		Result:    res,
		Timestamp: p.now().UTC(),
	})
}

// TelemetryHandler returns an obd.ResponseHandler that publishes every
// response the interpreters can decode. Adapter status lines, AT answers and
// unknown PIDs are skipped.
func (p *Publisher) TelemetryHandler(deviceID string) obd.ResponseHandler {
	return func(request, response string) {
		responses, err := obd.ParseResponses(response)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"device_id": deviceID,
				"request":   request,
			}).WithError(err).Debug("Response not published")
			return
		}
		for _, resp := range responses {
			res, err := obd.Interpret(resp)
			if err != nil {
				continue
			}
			p.PublishResult(deviceID, res)
		}
	}
}

func (p *Publisher) publishFleet(drv *device.Driver) {
	active := drv.Devices()
	ids := make([]string, 0, len(active))
	for _, dev := range active {
		ids = append(ids, dev.ID())
	}
	p.publishJSON(p.FleetTopic(), true, FleetStatus{
		Scanning:   drv.IsScanning(),
		Active:     ids,
		HoldingPen: len(drv.HoldingPen()),
		Timestamp:  p.now().UTC(),
	})
}

func (p *Publisher) OnDriverError(drv *device.Driver, err error) {
	var deviceID string
	var derr *device.DriverError
	if errors.As(err, &derr) {
		deviceID = derr.DeviceID
	}
	p.publishJSON(p.ErrorsTopic(), false, errorEvent(deviceID, err, p.now().UTC()))
	if p.driverDelegate != nil {
		p.driverDelegate.OnDriverError(drv, err)
	}
}

func (p *Publisher) OnDeviceAdded(drv *device.Driver, dev *device.Device) {
	p.PublishDevice(dev)
	if obs, ok := p.driverDelegate.(device.DeviceAddedObserver); ok {
		obs.OnDeviceAdded(drv, dev)
	}
}

func (p *Publisher) OnStatusUpdate(drv *device.Driver) {
	p.publishFleet(drv)
	if obs, ok := p.driverDelegate.(device.StatusObserver); ok {
		obs.OnStatusUpdate(drv)
	}
}

func (p *Publisher) OnVetDiscoveredPeripheral(drv *device.Driver, adv device.Advertisement) bool {
	if v, ok := p.driverDelegate.(device.PeripheralVetter); ok {
		return v.OnVetDiscoveredPeripheral(drv, adv)
	}
	return true
}

// OnDeviceError only forwards: the driver reports every device error to
// OnDriverError as well, which is where it is published.
func (p *Publisher) OnDeviceError(dev *device.Device, err error) {
	if p.deviceDelegate != nil {
		p.deviceDelegate.OnDeviceError(dev, err)
	}
}

func (p *Publisher) OnDeviceWasConnected(dev *device.Device) {
	p.PublishDevice(dev)
	if obs, ok := p.deviceDelegate.(device.DeviceConnectionObserver); ok {
		obs.OnDeviceWasConnected(dev)
	}
}

func (p *Publisher) OnDeviceWasDisconnected(dev *device.Device, err error) {
	p.PublishDevice(dev)
	if obs, ok := p.deviceDelegate.(device.DeviceConnectionObserver); ok {
		obs.OnDeviceWasDisconnected(dev, err)
	}
}

func (p *Publisher) OnDeviceStatusUpdate(dev *device.Device) {
	p.PublishDevice(dev)
	if obs, ok := p.deviceDelegate.(device.DeviceStatusObserver); ok {
		obs.OnDeviceStatusUpdate(dev)
	}
}

func (p *Publisher) OnDeviceWillBeRemoved(dev *device.Device) {
	if obs, ok := p.deviceDelegate.(device.DeviceRemovalObserver); ok {
		obs.OnDeviceWillBeRemoved(dev)
	}
}

// OnDeviceWasRemoved clears the retained status with an empty payload.
func (p *Publisher) OnDeviceWasRemoved(dev *device.Device) {
	p.enqueue(Message{Topic: p.StatusTopic(dev.ID()), Payload: []byte{}, Retained: true})
	if obs, ok := p.deviceDelegate.(device.DeviceRemovalObserver); ok {
		obs.OnDeviceWasRemoved(dev)
	}
}

var (
	_ device.DriverDelegate           = (*Publisher)(nil)
	_ device.DeviceAddedObserver      = (*Publisher)(nil)
	_ device.StatusObserver           = (*Publisher)(nil)
	_ device.PeripheralVetter         = (*Publisher)(nil)
	_ device.DeviceDelegate           = (*Publisher)(nil)
	_ device.DeviceConnectionObserver = (*Publisher)(nil)
	_ device.DeviceStatusObserver     = (*Publisher)(nil)
	_ device.DeviceRemovalObserver    = (*Publisher)(nil)
)
