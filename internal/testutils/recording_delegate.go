package testutils

import (
	"slices"
	"strings"
	"sync"

	"github.com/srg/blefleet/internal/device"
)

// RecordingDelegate implements every driver and device delegate capability and
// records callbacks as "<event>" or "<event>:<device id>" strings.
type RecordingDelegate struct {
	// Vet decides vetting; nil accepts every discovery.
	Vet func(adv device.Advertisement) bool
	// Hook, when set, runs inside each callback before it is recorded.
	Hook func(event string, dev *device.Device)

	mu           sync.Mutex
	events       []string
	driverErrors []error
	deviceErrors []error
}

func NewRecordingDelegate() *RecordingDelegate {
	return &RecordingDelegate{}
}

func (r *RecordingDelegate) record(event string, dev *device.Device) {
	if r.Hook != nil {
		r.Hook(event, dev)
	}
	if dev != nil {
		event += ":" + dev.ID()
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *RecordingDelegate) OnDriverError(_ *device.Driver, err error) {
	r.mu.Lock()
	r.driverErrors = append(r.driverErrors, err)
	r.mu.Unlock()
	r.record("driver_error", nil)
}

func (r *RecordingDelegate) OnDeviceAdded(_ *device.Driver, dev *device.Device) {
	r.record("added", dev)
}

func (r *RecordingDelegate) OnStatusUpdate(_ *device.Driver) {
	r.record("status", nil)
}

func (r *RecordingDelegate) OnVetDiscoveredPeripheral(_ *device.Driver, adv device.Advertisement) bool {
	if r.Vet == nil {
		return true
	}
	return r.Vet(adv)
}

func (r *RecordingDelegate) OnDeviceError(dev *device.Device, err error) {
	r.mu.Lock()
	r.deviceErrors = append(r.deviceErrors, err)
	r.mu.Unlock()
	r.record("device_error", dev)
}

func (r *RecordingDelegate) OnDeviceWillBeRemoved(dev *device.Device) { r.record("will_remove", dev) }
func (r *RecordingDelegate) OnDeviceWasRemoved(dev *device.Device)    { r.record("removed", dev) }
func (r *RecordingDelegate) OnDeviceWasConnected(dev *device.Device)  { r.record("connected", dev) }

func (r *RecordingDelegate) OnDeviceWasDisconnected(dev *device.Device, _ error) {
	r.record("disconnected", dev)
}

func (r *RecordingDelegate) OnDeviceStatusUpdate(dev *device.Device) {
	r.record("device_status", dev)
}

// Events returns a copy of every recorded event.
func (r *RecordingDelegate) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// EventsWithout returns the recorded events minus those starting with any of the prefixes.
func (r *RecordingDelegate) EventsWithout(prefixes ...string) []string {
	var out []string
	for _, e := range r.Events() {
		skip := false
		for _, p := range prefixes {
			if strings.HasPrefix(e, p) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, e)
		}
	}
	return out
}

func (r *RecordingDelegate) DriverErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.driverErrors)
}

func (r *RecordingDelegate) DeviceErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.deviceErrors)
}

func (r *RecordingDelegate) Reset() {
	r.mu.Lock()
	r.events = nil
	r.driverErrors = nil
	r.deviceErrors = nil
	r.mu.Unlock()
}
