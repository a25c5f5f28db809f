package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blefleet/internal/device"
	goble "github.com/srg/blefleet/internal/device/go-ble"
	"github.com/srg/blefleet/internal/publish"
	"github.com/srg/blefleet/pkg/config"
	"github.com/srg/blefleet/scanner"
)

// Replaced by tests.
var (
	newTransport = func(logger *logrus.Logger) (device.Transport, error) {
		return goble.NewTransport(goble.WithLogger(logger))
	}
	connectMQTT = func(cfg publish.Config, logger *logrus.Logger) (publish.Client, func(), error) {
		client, err := publish.Connect(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { client.Disconnect(250) }, nil
	}
)

// fleet is the driver with its delegate chain: scanner, then the MQTT
// publisher when enabled.
type fleet struct {
	logger    *logrus.Logger
	driver    *device.Driver
	scanner   *scanner.Scanner
	publisher *publish.Publisher

	responseTimeout time.Duration
	disconnect      func()
}

func newFleet(cfg *config.Config, logger *logrus.Logger) (*fleet, error) {
	f := &fleet{logger: logger, responseTimeout: cfg.ResponseTimeout}

	opts, err := cfg.DriverOptions(logger)
	if err != nil {
		return nil, err
	}

	var next device.DriverDelegate
	if cfg.MQTT.Enabled {
		client, disconnect, err := connectMQTT(cfg.MQTT.ClientConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("mqtt: %w", err)
		}
		f.disconnect = disconnect

		pub, err := publish.NewPublisher(client, cfg.MQTT.PublisherOptions(logger)...)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := pub.Start(); err != nil {
			f.Close()
			return nil, err
		}
		f.publisher = pub
		next = pub
		opts = append(opts, device.WithDeviceDelegate(pub))
	}

	f.scanner = scanner.NewScanner(next, logger)

	transport, err := newTransport(logger)
	if err != nil {
		f.Close()
		return nil, err
	}

	f.driver, err = device.NewDriver(transport, f.scanner, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Close tears down in reverse order; the publisher drains its outbox first.
func (f *fleet) Close() {
	if f.driver != nil {
		f.driver.Close()
	}
	if f.publisher != nil {
		if err := f.publisher.Stop(); err != nil {
			f.logger.WithError(err).Debug("Publisher was not running")
		}
	}
	if f.disconnect != nil {
		f.disconnect()
	}
}
