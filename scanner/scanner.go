package scanner

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/blefleet/internal/device"
)

// EventType marks what a scan event reports.
type EventType int

const (
	EventNew     EventType = iota // first sighting of a peripheral
	EventUpdated                  // a peripheral was seen again
	EventAdded                    // a sighting became an active fleet device
)

func (t EventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventUpdated:
		return "updated"
	case EventAdded:
		return "added"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	Sighting Sighting
}

// Sighting is what a scan learned about one peripheral.
type Sighting struct {
	Peripheral device.Peripheral
	Family     string // empty when no device spec matches
	Services   []string
	Accepted   bool // passed the allow/block lists
	Added      bool // promoted to the driver's active list
	Count      int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Recognized reports whether a device spec matched the advertisement.
func (s Sighting) Recognized() bool { return s.Family != "" }

// Options configures a scan.
type Options struct {
	Duration  time.Duration
	AllowList []string // when set, only these identifiers become devices
	BlockList []string
}

func DefaultOptions() *Options {
	return &Options{Duration: 10 * time.Second}
}

// Report is the outcome of Scan.
type Report struct {
	Sightings []Sighting      // strongest signal first
	Devices   []*device.Device // active devices when the scan ended
	Errors    []error
}

// Scanner surveys the radio through a Driver. It is installed as the
// driver's delegate: every fresh discovery passes its vetting, which records
// a Sighting and applies the allow/block lists. Callbacks are forwarded to
// the wrapped delegate.
type Scanner struct {
	next   device.DriverDelegate
	logger *logrus.Logger
	now    func() time.Time

	sightings *hashmap.Map[string, Sighting]
	events    *RingChannel[Event]

	mu     sync.Mutex
	opts   *Options
	errors []error
}

// NewScanner wraps next, which may be nil.
func NewScanner(next device.DriverDelegate, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		next:      next,
		logger:    logger,
		now:       time.Now,
		sightings: hashmap.New[string, Sighting](),
		events:    NewRingChannel[Event](100),
		opts:      DefaultOptions(),
	}
}

// Events delivers live scan events. Slow readers lose the oldest events.
func (s *Scanner) Events() <-chan Event { return s.events.C() }

// EventMetrics reports how many events were written and overwritten.
func (s *Scanner) EventMetrics() RingMetrics { return s.events.Metrics() }

func (s *Scanner) options() *Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Scan clears previous results, scans for opts.Duration or until ctx is done,
// stops scanning, waits for the driver to settle and reports.
func (s *Scanner) Scan(ctx context.Context, drv *device.Driver, opts *Options) Report {
	if opts == nil {
		opts = DefaultOptions()
	}
	s.mu.Lock()
	s.opts = opts
	s.errors = nil
	s.mu.Unlock()
	s.reset()

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	drv.StartScanning()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}
	<-ctx.Done()

	drv.StopScanning()
	drv.Sync()

	report := s.Report(drv)
	s.logger.WithFields(logrus.Fields{
		"sightings": len(report.Sightings),
		"devices":   len(report.Devices),
	}).Info("BLE scan completed")
	return report
}

func (s *Scanner) reset() {
	var ids []string
	s.sightings.Range(func(id string, _ Sighting) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		s.sightings.Del(id)
	}
}

// Report snapshots the sightings and the driver's active devices.
func (s *Scanner) Report(drv *device.Driver) Report {
	r := Report{Sightings: s.Sightings()}
	if drv != nil {
		r.Devices = drv.Devices()
	}
	s.mu.Lock()
	r.Errors = slices.Clone(s.errors)
	s.mu.Unlock()
	return r
}

// Sightings returns every sighting, strongest signal first.
func (s *Scanner) Sightings() []Sighting {
	out := make([]Sighting, 0, s.sightings.Len())
	s.sightings.Range(func(_ string, v Sighting) bool {
		out = append(out, v)
		return true
	})
	slices.SortFunc(out, func(a, b Sighting) int {
		if a.Peripheral.RSSI != b.Peripheral.RSSI {
			return b.Peripheral.RSSI - a.Peripheral.RSSI
		}
		return strings.Compare(a.Peripheral.ID, b.Peripheral.ID)
	})
	return out
}

// Sighting looks up one peripheral.
func (s *Scanner) Sighting(id string) (Sighting, bool) {
	return s.sightings.Get(id)
}

// shouldInclude applies the allow and block lists.
func shouldInclude(id string, opts *Options) bool {
	if slices.ContainsFunc(opts.BlockList, func(b string) bool { return strings.EqualFold(b, id) }) {
		return false
	}
	if len(opts.AllowList) > 0 {
		return slices.ContainsFunc(opts.AllowList, func(a string) bool { return strings.EqualFold(a, id) })
	}
	return true
}

// OnVetDiscoveredPeripheral records the sighting; the wrapped delegate has
// the final say for peripherals the lists accept.
func (s *Scanner) OnVetDiscoveredPeripheral(drv *device.Driver, adv device.Advertisement) bool {
	p := device.PeripheralFromAdvertisement(adv)
	now := s.now()

	accepted := shouldInclude(p.ID, s.options())
	if accepted {
		if v, ok := s.next.(device.PeripheralVetter); ok {
			accepted = v.OnVetDiscoveredPeripheral(drv, adv)
		}
	}

	event := Event{Type: EventUpdated}
	sighting, existing := s.sightings.Get(p.ID)
	if !existing {
		sighting = Sighting{FirstSeen: now}
		if spec := drv.Specs().MatchAdvertisement(adv); spec != nil {
			sighting.Family = spec.Family.String()
			if spec.Name != "" {
				sighting.Family = spec.Name
			}
		}
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device_id": p.ID,
			"name":      p.Name,
			"rssi":      p.RSSI,
			"family":    sighting.Family,
		}).Debug("Discovered new peripheral")
	}
	sighting.Peripheral = p
	sighting.Services = adv.Services()
	sighting.Accepted = accepted
	sighting.Count++
	sighting.LastSeen = now
	s.sightings.Set(p.ID, sighting)

	event.Sighting = sighting
	s.events.Send(event)
	return accepted
}

func (s *Scanner) OnDeviceAdded(drv *device.Driver, dev *device.Device) {
	if sighting, ok := s.sightings.Get(dev.ID()); ok {
		sighting.Added = true
		s.sightings.Set(dev.ID(), sighting)
		s.events.Send(Event{Type: EventAdded, Sighting: sighting})
	}
	if obs, ok := s.next.(device.DeviceAddedObserver); ok {
		obs.OnDeviceAdded(drv, dev)
	}
}

func (s *Scanner) OnStatusUpdate(drv *device.Driver) {
	if obs, ok := s.next.(device.StatusObserver); ok {
		obs.OnStatusUpdate(drv)
	}
}

func (s *Scanner) OnDriverError(drv *device.Driver, err error) {
	s.mu.Lock()
	s.errors = append(s.errors, err)
	s.mu.Unlock()
	if s.next != nil {
		s.next.OnDriverError(drv, err)
	}
}

var (
	_ device.DriverDelegate      = (*Scanner)(nil)
	_ device.DeviceAddedObserver = (*Scanner)(nil)
	_ device.StatusObserver      = (*Scanner)(nil)
	_ device.PeripheralVetter    = (*Scanner)(nil)
)
