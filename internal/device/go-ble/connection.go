package goble

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blefleet/internal/device"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines an ATT_MTU of 23 bytes (20 bytes payload after the ATT header).
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// connection is one peripheral link. GATT operations run on its own serial
// queue so they reach the radio in request order and never block the caller.
type connection struct {
	id     string
	logger *logrus.Entry
	queue  *device.SerialQueue

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	client    Client
	requested bool // local CancelConnection was asked for
	services  map[string]*ble.Service
	chars     map[string]*ble.Characteristic
	notifying map[string]*ble.Characteristic

	finishOnce sync.Once
}

func newConnection(id string, logger *logrus.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:        id,
		logger:    logger.WithField("device_id", id),
		queue:     device.NewSerialQueue("ble-conn-"+id, logger),
		ctx:       ctx,
		cancel:    cancel,
		services:  make(map[string]*ble.Service),
		chars:     make(map[string]*ble.Characteristic),
		notifying: make(map[string]*ble.Characteristic),
	}
}

func charKey(serviceUUID, charUUID string) string {
	return device.NormalizeUUID(serviceUUID) + "/" + device.NormalizeUUID(charUUID)
}

// attach installs the dialed client and reports whether a cancel arrived meanwhile.
func (c *connection) attach(client Client) (requested bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	return c.requested
}

// connectedClient returns the live client, nil while dialing or after teardown.
func (c *connection) connectedClient() Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx.Err() != nil || c.requested {
		return nil
	}
	return c.client
}

// requestCancel marks the connection as locally cancelled and returns the
// client to tear down, nil while the dial is still running.
func (c *connection) requestCancel() (client Client, already bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	already = c.requested
	c.requested = true
	return c.client, already
}

func (c *connection) wasRequested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requested
}

func (c *connection) storeServices(svcs []*ble.Service) []device.RawService {
	c.mu.Lock()
	defer c.mu.Unlock()
	raws := make([]device.RawService, 0, len(svcs))
	for _, s := range svcs {
		uuid := device.NormalizeUUID(s.UUID.String())
		if uuid == "" {
			continue
		}
		c.services[uuid] = s
		raws = append(raws, device.RawService{UUID: uuid, Handle: s})
	}
	return raws
}

func (c *connection) service(uuid string) (*ble.Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[device.NormalizeUUID(uuid)]
	return s, ok
}

func (c *connection) storeCharacteristics(serviceUUID string, chars []*ble.Characteristic) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uuids := make([]string, 0, len(chars))
	for _, ch := range chars {
		uuid := device.NormalizeUUID(ch.UUID.String())
		if uuid == "" {
			continue
		}
		c.chars[charKey(serviceUUID, uuid)] = ch
		uuids = append(uuids, uuid)
	}
	return uuids
}

func (c *connection) characteristic(serviceUUID, charUUID string) (*ble.Characteristic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.services[device.NormalizeUUID(serviceUUID)]; !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}
	ch, ok := c.chars[charKey(serviceUUID, charUUID)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}
	return ch, nil
}

func (c *connection) setNotifying(key string, ch *ble.Characteristic, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enabled {
		c.notifying[key] = ch
	} else {
		delete(c.notifying, key)
	}
}

// usesIndication picks indicate over notify only when notify is not supported
func usesIndication(ch *ble.Characteristic) bool {
	return ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0
}

// teardown unsubscribes everything and cancels the link. Runs on the connection queue.
func (c *connection) teardown() error {
	c.mu.RLock()
	client := c.client
	subs := make([]*ble.Characteristic, 0, len(c.notifying))
	for _, ch := range c.notifying {
		subs = append(subs, ch)
	}
	c.mu.RUnlock()

	if client == nil {
		return nil
	}
	for _, ch := range subs {
		if err := NormalizeError(client.Unsubscribe(ch, usesIndication(ch))); err != nil {
			c.logger.WithFields(logrus.Fields{
				"char_uuid": device.NormalizeUUID(ch.UUID.String()),
				"error":     err,
			}).Debug("Failed to unsubscribe during disconnect")
		}
	}
	return NormalizeError(client.CancelConnection())
}

// finish runs exactly once per connection, whichever path ends it first.
func (c *connection) finish(fn func()) {
	c.finishOnce.Do(func() {
		c.cancel()
		c.queue.Close()
		fn()
	})
}
