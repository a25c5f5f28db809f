package publish

import (
	"strings"
	"time"

	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/obd"
)

// DeviceStatus is the retained payload of <prefix>/devices/<id>/status.
type DeviceStatus struct {
	ID               string                             `json:"id"`
	Name             string                             `json:"name"`
	Family           string                             `json:"family"`
	State            string                             `json:"state"`
	RSSI             int                                `json:"rssi"`
	Vendor           string                             `json:"vendor,omitempty"`
	StayConnected    bool                               `json:"stay_connected"`
	Manufacturer     string                             `json:"manufacturer,omitempty"`
	Model            string                             `json:"model,omitempty"`
	HardwareRevision string                             `json:"hardware_revision,omitempty"`
	FirmwareRevision string                             `json:"firmware_revision,omitempty"`
	Services         map[string]map[string]device.Value `json:"services,omitempty"`
	Timestamp        time.Time                          `json:"timestamp"`
}

// FleetStatus is the retained payload of <prefix>/fleet.
type FleetStatus struct {
	Scanning   bool      `json:"scanning"`
	Active     []string  `json:"active"`
	HoldingPen int       `json:"holding_pen"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorEvent is published to <prefix>/errors.
type ErrorEvent struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Telemetry is published to <prefix>/obd/<id>/<metric>.
type Telemetry struct {
	DeviceID string `json:"device_id"`
	obd.Result
	Timestamp time.Time `json:"timestamp"`
}

func deviceStatus(dev *device.Device, now time.Time) DeviceStatus {
	st := DeviceStatus{
		ID:               dev.ID(),
		Name:             dev.Name(),
		Family:           dev.Family().String(),
		State:            dev.State().String(),
		RSSI:             dev.RSSI(),
		Vendor:           dev.Peripheral().Vendor(),
		StayConnected:    dev.StayConnected(),
		Manufacturer:     dev.ManufacturerName(),
		Model:            dev.ModelNumber(),
		HardwareRevision: dev.HardwareRevision(),
		FirmwareRevision: dev.FirmwareRevision(),
		Timestamp:        now,
	}
	for _, svc := range dev.Services() {
		if st.Services == nil {
			st.Services = make(map[string]map[string]device.Value)
		}
		st.Services[svc.UUID()] = svc.Values()
	}
	return st
}

func errorEvent(deviceID string, err error, now time.Time) ErrorEvent {
	kind := device.KindOf(err)
	return ErrorEvent{
		DeviceID:  deviceID,
		Kind:      kind.String(),
		Key:       kind.Key(),
		Error:     err.Error(),
		Timestamp: now,
	}
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// topicSegment makes s usable as a single MQTT topic level.
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return topicEscaper.Replace(s)
}
