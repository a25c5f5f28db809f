// Package obd speaks the ELM327 command language over a BLE serial channel.
//
// Encoding turns AT commands and OBD-II requests into ASCII lines and refuses
// out-of-range parameters. Decoding splits adapter output into ECU responses
// and interprets PID payloads. A Session runs the request/prompt conversation
// over the write and notify characteristics of an ELM327 or BearTooth device.
package obd
