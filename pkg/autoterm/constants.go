// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package autoterm implements the serial protocol spoken between Autoterm
// air heaters and their wired control panels.
//
// Both buses carry the same frame layout:
//
//	0xAA | device | len | 0x00 | msg_id | payload[len] | crc_hi | crc_lo
//
// The checksum is CRC-16/MODBUS over every byte that precedes it, transmitted
// high byte first. This package provides frame scanning with resynchronization,
// command encoding, payload parsing, validation and formatting.
package autoterm

// Protocol framing
const (
	Preamble = 0xAA

	HeaderSize  = 5 // preamble, device, len, reserved, msg_id
	TrailerSize = 2 // crc_hi, crc_lo
	Overhead    = HeaderSize + TrailerSize

	MaxPayloadSize = 64
	MaxFrameSize   = Overhead + MaxPayloadSize
)

// Device identifiers (second byte of every frame)
const (
	DeviceController = 0x03 // display panel or anything acting as one
	DeviceHeater     = 0x04
)

// MsgType is the message identifier carried in byte 4 of a frame
type MsgType uint8

// Message types
const (
	MsgPowerOn          MsgType = 0x01
	MsgSettings         MsgType = 0x02
	MsgPowerOff         MsgType = 0x03
	MsgStatus           MsgType = 0x0F
	MsgPanelTemperature MsgType = 0x11
	MsgFanMode          MsgType = 0x23
)

// Payload sizes
const (
	SettingsPayloadSize         = 6
	StatusPayloadSize           = 19
	PanelTemperaturePayloadSize = 1
	FanModePayloadSize          = 4
)

// expectedLengths lists the payload sizes accepted for each message type,
// keyed by the originating device. Types missing from this table are passed
// through without a length check.
var expectedLengths = map[byte]map[MsgType][]int{
	DeviceController: {
		MsgPowerOn:          {0, SettingsPayloadSize},
		MsgSettings:         {0, SettingsPayloadSize},
		MsgPowerOff:         {0},
		MsgStatus:           {0},
		MsgPanelTemperature: {PanelTemperaturePayloadSize},
		MsgFanMode:          {FanModePayloadSize},
	},
	DeviceHeater: {
		MsgPowerOn:          {0, SettingsPayloadSize},
		MsgSettings:         {SettingsPayloadSize},
		MsgPowerOff:         {0},
		MsgStatus:           {StatusPayloadSize},
		MsgPanelTemperature: {PanelTemperaturePayloadSize},
		MsgFanMode:          {FanModePayloadSize},
	},
}

// KnownType reports whether the message type has a defined payload layout
func KnownType(t MsgType) bool {
	_, ok := expectedLengths[DeviceController][t]
	return ok
}

// lengthValid reports whether payloadLen is acceptable for the device and type
func lengthValid(device byte, t MsgType, payloadLen int) bool {
	byType, ok := expectedLengths[device]
	if !ok {
		return true
	}
	sizes, ok := byType[t]
	if !ok {
		return true
	}
	for _, s := range sizes {
		if s == payloadLen {
			return true
		}
	}
	return false
}

// TemperatureSource as encoded in the settings payload
type TemperatureSource uint8

// Temperature source values. SourceVirtual never goes on the wire.
const (
	SourceUnknown  TemperatureSource = 0
	SourceInternal TemperatureSource = 1
	SourcePanel    TemperatureSource = 2
	SourceExternal TemperatureSource = 3
	SourceNone     TemperatureSource = 4
	SourceVirtual  TemperatureSource = 5
)

// Option labels as presented to users
const (
	LabelInternal = "internal sensor"
	LabelPanel    = "panel sensor"
	LabelExternal = "external sensor"
	LabelNone     = "no automatic temperature control"
	LabelVirtual  = "virtual panel"
)

// SourceLabels lists the selectable temperature sources in option order
var SourceLabels = []string{LabelInternal, LabelPanel, LabelExternal, LabelNone, LabelVirtual}

func (s TemperatureSource) String() string {
	switch s {
	case SourceInternal:
		return LabelInternal
	case SourcePanel:
		return LabelPanel
	case SourceExternal:
		return LabelExternal
	case SourceNone:
		return LabelNone
	case SourceVirtual:
		return LabelVirtual
	default:
		return "unknown"
	}
}

// ParseTemperatureSource maps an option label to its source.
// Returns false for unknown labels.
func ParseTemperatureSource(label string) (TemperatureSource, bool) {
	switch label {
	case LabelInternal:
		return SourceInternal, true
	case LabelPanel:
		return SourcePanel, true
	case LabelExternal:
		return SourceExternal, true
	case LabelNone:
		return SourceNone, true
	case LabelVirtual:
		return SourceVirtual, true
	}
	return SourceUnknown, false
}

// SourceFromIndex maps a zero-based option index to its source
func SourceFromIndex(i int) (TemperatureSource, bool) {
	if i < 0 || i >= len(SourceLabels) {
		return SourceUnknown, false
	}
	return ParseTemperatureSource(SourceLabels[i])
}

// Phase groups heater status codes by what the heater is doing
type Phase int

// Phase values
const (
	PhaseUnknown Phase = iota
	PhaseStandby
	PhaseStarting
	PhaseRunning
	PhaseVentilation
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStandby:
		return "standby"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseVentilation:
		return "ventilation"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status codes reported in the first two bytes of a status payload
const (
	StatusStandby            uint16 = 0x0001
	StatusCoolingFlameSensor uint16 = 0x0100
	StatusVentilation        uint16 = 0x0101
	StatusHeatingGlowPlug    uint16 = 0x0201
	StatusIgnition1          uint16 = 0x0202
	StatusIgnition2          uint16 = 0x0203
	StatusHeatingChamber     uint16 = 0x0204
	StatusHeating            uint16 = 0x0300
	StatusCoolingDown        uint16 = 0x0304
	StatusOnlyFan            uint16 = 0x0323
	StatusShuttingDown       uint16 = 0x0400
)

var statusNames = map[uint16]string{
	StatusStandby:            "standby",
	StatusCoolingFlameSensor: "cooling flame sensor",
	StatusVentilation:        "ventilation",
	StatusHeatingGlowPlug:    "heating glow plug",
	StatusIgnition1:          "ignition 1",
	StatusIgnition2:          "ignition 2",
	StatusHeatingChamber:     "heating combustion chamber",
	StatusHeating:            "heating",
	StatusOnlyFan:            "only fan",
	StatusCoolingDown:        "cooling down",
	StatusShuttingDown:       "shutting down",
}
