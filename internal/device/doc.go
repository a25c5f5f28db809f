// Package device manages a fleet of BLE peripherals independently of the radio stack.
//
// The package provides:
//   - A Driver that ingests discovery events, gates them by RSSI, deduplicates them
//     and tracks devices through a holding pen until their required characteristics
//     are read, then promotes them to the active list
//   - Device lifecycle control (connect, disconnect, delete) with delegate callbacks
//   - Device specifications binding GATT services to hardware families
//     (goTenna, BearTooth, ELM327, DeviceInfo and YAML-defined custom families)
//   - Typed characteristic values with read/notify sequencing
//
// The concrete radio is reached through the Transport interface; all transport
// results arrive as events and are re-dispatched onto the driver's serial
// execution context before any delegate is called.
package device
