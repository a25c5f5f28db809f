package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blefleet/internal/device"
)

// Central is the part of a ble.Device the transport drives.
type Central interface {
	Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error
	Dial(ctx context.Context, addr string) (Client, error)
	Stop() error
}

// Client is the part of a ble.Client used by one connection. Any ble.Client satisfies it.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// DeviceFactory creates the platform Central (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Central, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleCentral{dev: dev}, nil
}

// bleCentral adapts ble.Device to Central
type bleCentral struct {
	dev ble.Device
}

// Scan converts every ble.Advertisement to a device.Advertisement before handing it over
func (c *bleCentral) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	err := c.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	})
	return NormalizeError(err)
}

func (c *bleCentral) Dial(ctx context.Context, addr string) (Client, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

func (c *bleCentral) Stop() error {
	return NormalizeError(c.dev.Stop())
}
