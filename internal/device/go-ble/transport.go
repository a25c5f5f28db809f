package goble

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/groutine"
)

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = 20 * time.Second

// Option configures a Transport
type Option func(*Transport)

func WithLogger(logger *logrus.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// Transport implements device.Transport over go-ble. Every request is
// submitted to a goroutine (scan, dial) or to the per-connection queue, and
// its result is reported through the TransportHandler.
type Transport struct {
	central     Central
	logger      *logrus.Logger
	dialTimeout time.Duration
	powered     atomic.Bool

	hmu     sync.RWMutex
	handler device.TransportHandler

	scanMu     sync.Mutex
	scanCancel context.CancelFunc

	conns *hashmap.Map[string, *connection]
}

// NewTransport creates the platform Central through DeviceFactory. A radio that
// is switched off yields a powered-off Transport rather than an error.
func NewTransport(opts ...Option) (*Transport, error) {
	central, err := DeviceFactory()
	if err != nil && !errors.Is(err, device.ErrBluetoothOff) {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	return NewTransportWithCentral(central, opts...), nil
}

// NewTransportWithCentral wraps an existing Central; a nil central is powered off.
func NewTransportWithCentral(central Central, opts ...Option) *Transport {
	t := &Transport{
		central:     central,
		logger:      logrus.New(),
		dialTimeout: DefaultDialTimeout,
		conns:       hashmap.New[string, *connection](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.powered.Store(central != nil)
	return t
}

func (t *Transport) SetHandler(h device.TransportHandler) {
	t.hmu.Lock()
	t.handler = h
	t.hmu.Unlock()
	if h != nil {
		h.OnPowerStateChanged(t.PoweredOn())
	}
}

func (t *Transport) PoweredOn() bool {
	return t.powered.Load()
}

func (t *Transport) emit(fn func(h device.TransportHandler)) {
	t.hmu.RLock()
	h := t.handler
	t.hmu.RUnlock()
	if h == nil {
		t.logger.Debug("Transport event without handler dropped")
		return
	}
	fn(h)
}

func (t *Transport) setPowered(on bool) {
	if t.powered.Swap(on) != on {
		t.emit(func(h device.TransportHandler) { h.OnPowerStateChanged(on) })
	}
}

// StartScan (re)starts scanning. Only advertisements carrying one of
// serviceUUIDs are reported; an empty list reports everything.
func (t *Transport) StartScan(serviceUUIDs []string, allowDuplicates bool) error {
	if !t.PoweredOn() {
		return device.ErrBluetoothOff
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()
	if t.scanCancel != nil {
		t.scanCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.scanCancel = cancel

	filter := device.NormalizeUUIDs(serviceUUIDs)
	t.logger.WithFields(logrus.Fields{
		"services":         filter,
		"allow_duplicates": allowDuplicates,
	}).Info("Starting BLE scan...")

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		err := t.central.Scan(ctx, allowDuplicates, func(adv device.Advertisement) {
			t.handleAdvertisement(filter, adv)
		})
		if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
			t.logger.Debug("BLE scan stopped")
			return
		}
		t.logger.WithField("error", err).Warn("BLE scan failed")
		if errors.Is(err, device.ErrBluetoothOff) {
			t.setPowered(false)
		}
		t.emit(func(h device.TransportHandler) { h.OnScanError(err) })
	})
	return nil
}

func (t *Transport) StopScan() error {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()
	if t.scanCancel != nil {
		t.scanCancel()
		t.scanCancel = nil
	}
	return nil
}

// handleAdvertisement applies the service filter and reports the discovery
func (t *Transport) handleAdvertisement(filter []string, adv device.Advertisement) {
	if len(filter) > 0 && !slices.ContainsFunc(adv.Services(), func(u string) bool {
		return slices.Contains(filter, device.NormalizeUUID(u))
	}) {
		return
	}
	t.emit(func(h device.TransportHandler) { h.OnDiscover(adv) })
}

func (t *Transport) Connect(peripheralID string) error {
	if !t.PoweredOn() {
		return device.ErrBluetoothOff
	}

	conn := newConnection(peripheralID, t.logger)
	if _, loaded := t.conns.GetOrInsert(peripheralID, conn); loaded {
		conn.finish(func() {})
		return device.ErrAlreadyConnected
	}

	groutine.Go(conn.ctx, "ble-dial", func(ctx context.Context) {
		t.dial(ctx, conn)
	})
	return nil
}

func (t *Transport) dial(ctx context.Context, conn *connection) {
	conn.logger.Debug("Dialing BLE device...")

	dctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	client, err := t.central.Dial(dctx, conn.id)
	if err != nil {
		if conn.wasRequested() {
			t.finish(conn, nil)
			return
		}
		conn.logger.WithField("error", err).Warn("Failed to dial BLE device")
		t.conns.Del(conn.id)
		conn.finish(func() {
			t.emit(func(h device.TransportHandler) { h.OnConnectFailed(conn.id, err) })
		})
		return
	}

	if requested := conn.attach(client); requested {
		if cerr := client.CancelConnection(); cerr != nil {
			conn.logger.WithField("error", cerr).Debug("Failed to cancel connection requested during dial")
		}
		t.finish(conn, nil)
		return
	}

	t.monitor(conn, client)
	conn.logger.Info("BLE device connected")
	t.emit(func(h device.TransportHandler) { h.OnConnect(conn.id) })
}

// monitor watches the client's Disconnected channel where the platform provides one
func (t *Transport) monitor(conn *connection, client Client) {
	dc, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		conn.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.Go(conn.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-dc.Disconnected():
			if conn.wasRequested() {
				t.finish(conn, nil)
				return
			}
			conn.logger.Warn("Peripheral reported disconnection")
			t.finish(conn, device.ErrPeerDisconnected)
		case <-ctx.Done():
		}
	})
}

// finish drops the connection and reports the disconnect once
func (t *Transport) finish(conn *connection, err error) {
	conn.finish(func() {
		if cur, ok := t.conns.Get(conn.id); ok && cur == conn {
			t.conns.Del(conn.id)
		}
		t.emit(func(h device.TransportHandler) { h.OnDisconnect(conn.id, err) })
	})
}

func (t *Transport) CancelConnection(peripheralID string) error {
	conn, ok := t.conns.Get(peripheralID)
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}

	client, already := conn.requestCancel()
	if already {
		return nil
	}
	if client == nil {
		// still dialing: abort the dial, dial() reports the disconnect
		conn.cancel()
		return nil
	}

	conn.queue.Dispatch(func() {
		err := conn.teardown()
		if err != nil && !errors.Is(err, device.ErrNotConnected) {
			conn.logger.WithField("error", err).Warn("Failed to cancel BLE connection")
			t.finish(conn, err)
			return
		}
		t.finish(conn, nil)
	})
	return nil
}

// live returns a connected connection or a submission error
func (t *Transport) live(peripheralID string) (*connection, Client, error) {
	conn, ok := t.conns.Get(peripheralID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}
	client := conn.connectedClient()
	if client == nil {
		return nil, nil, fmt.Errorf("%w: %s", device.ErrNotConnected, peripheralID)
	}
	return conn, client, nil
}

func (t *Transport) DiscoverServices(peripheralID string, serviceUUIDs []string) error {
	conn, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	filter := parseUUIDs(serviceUUIDs)
	conn.queue.Dispatch(func() {
		svcs, err := client.DiscoverServices(filter)
		err = NormalizeError(err)
		raws := conn.storeServices(svcs)
		conn.logger.WithField("services", len(raws)).Debug("Services discovered")
		t.emit(func(h device.TransportHandler) { h.OnServicesDiscovered(peripheralID, raws, err) })
	})
	return nil
}

func (t *Transport) DiscoverCharacteristics(peripheralID, serviceUUID string, charUUIDs []string) error {
	conn, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	svc, ok := conn.service(serviceUUID)
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	filter := parseUUIDs(charUUIDs)
	conn.queue.Dispatch(func() {
		chars, err := client.DiscoverCharacteristics(filter, svc)
		err = NormalizeError(err)
		uuids := conn.storeCharacteristics(serviceUUID, chars)
		t.emit(func(h device.TransportHandler) {
			h.OnCharacteristicsDiscovered(peripheralID, device.NormalizeUUID(serviceUUID), uuids, err)
		})
	})
	return nil
}

func (t *Transport) ReadCharacteristic(peripheralID, serviceUUID, charUUID string) error {
	conn, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	ch, err := conn.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	conn.queue.Dispatch(func() {
		data, err := client.ReadCharacteristic(ch)
		t.emit(func(h device.TransportHandler) {
			h.OnCharacteristicValue(device.ValueEvent{
				PeripheralID: peripheralID,
				ServiceUUID:  device.NormalizeUUID(serviceUUID),
				CharUUID:     device.NormalizeUUID(charUUID),
				Data:         data,
				Err:          NormalizeError(err),
			})
		})
	})
	return nil
}

// WriteCharacteristic writes data in DefaultBLEWriteChunkSize chunks
func (t *Transport) WriteCharacteristic(peripheralID, serviceUUID, charUUID string, data []byte, withResponse bool) error {
	conn, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	ch, err := conn.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	payload := slices.Clone(data)
	conn.queue.Dispatch(func() {
		var err error
		for rest := payload; len(rest) > 0; {
			n := min(len(rest), DefaultBLEWriteChunkSize)
			if err = NormalizeError(client.WriteCharacteristic(ch, rest[:n], !withResponse)); err != nil {
				err = fmt.Errorf("failed to write to characteristic %s in service %s: %w", charUUID, serviceUUID, err)
				break
			}
			rest = rest[n:]
			if len(rest) > 0 {
				time.Sleep(DefaultBLEWriteDelay)
			}
		}
		t.emit(func(h device.TransportHandler) {
			h.OnCharacteristicWritten(peripheralID, device.NormalizeUUID(serviceUUID), device.NormalizeUUID(charUUID), err)
		})
	})
	return nil
}

func (t *Transport) SetNotify(peripheralID, serviceUUID, charUUID string, enabled bool) error {
	conn, client, err := t.live(peripheralID)
	if err != nil {
		return err
	}
	ch, err := conn.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications or indications", charUUID)
	}

	svcUUID := device.NormalizeUUID(serviceUUID)
	chUUID := device.NormalizeUUID(charUUID)
	key := charKey(svcUUID, chUUID)
	conn.queue.Dispatch(func() {
		if !enabled {
			conn.setNotifying(key, ch, false)
			if err := NormalizeError(client.Unsubscribe(ch, usesIndication(ch))); err != nil {
				conn.logger.WithFields(logrus.Fields{"char_uuid": chUUID, "error": err}).Debug("Failed to unsubscribe")
			}
			return
		}

		err := NormalizeError(client.Subscribe(ch, usesIndication(ch), func(data []byte) {
			t.emit(func(h device.TransportHandler) {
				h.OnCharacteristicValue(device.ValueEvent{
					PeripheralID: peripheralID,
					ServiceUUID:  svcUUID,
					CharUUID:     chUUID,
					Data:         slices.Clone(data),
					Notification: true,
				})
			})
		}))
		if err != nil {
			t.emit(func(h device.TransportHandler) {
				h.OnCharacteristicValue(device.ValueEvent{
					PeripheralID: peripheralID,
					ServiceUUID:  svcUUID,
					CharUUID:     chUUID,
					Err:          fmt.Errorf("failed to subscribe: %w", err),
					Notification: true,
				})
			})
			return
		}
		conn.setNotifying(key, ch, true)
	})
	return nil
}

// Close cancels scanning and every connection
func (t *Transport) Close() error {
	_ = t.StopScan()
	var ids []string
	t.conns.Range(func(id string, _ *connection) bool {
		ids = append(ids, id)
		return true
	})
	var errs []error
	for _, id := range ids {
		if err := t.CancelConnection(id); err != nil && !errors.Is(err, device.ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	if t.central != nil {
		errs = append(errs, t.central.Stop())
	}
	return errors.Join(errs...)
}
