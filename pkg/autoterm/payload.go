// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"fmt"
	"math"
)

// Settings is the 6-byte settings block shared by POWER_ON and SETTINGS.
// Fields hold wire values so that unknown encodings survive a round trip.
type Settings struct {
	UseWorkTime       uint8 // 0 = on, 1 = off
	WorkTime          uint8
	TemperatureSource TemperatureSource
	SetTemperature    uint8 // °C
	WaitMode          uint8 // 1 = on, 2 = off
	PowerLevel        uint8 // 0-9
}

// DefaultSettings is used when the heater never reported its settings
var DefaultSettings = Settings{
	UseWorkTime:       1,
	WorkTime:          0,
	TemperatureSource: SourceNone,
	SetTemperature:    16,
	WaitMode:          0,
	PowerLevel:        8,
}

// WorkTimeEnabled reports whether the work-time limit is active
func (s Settings) WorkTimeEnabled() bool {
	return s.UseWorkTime == 0
}

// WithWorkTimeEnabled returns a copy with the work-time limit toggled
func (s Settings) WithWorkTimeEnabled(on bool) Settings {
	if on {
		s.UseWorkTime = 0
	} else {
		s.UseWorkTime = 1
	}
	return s
}

// WaitModeEnabled reports whether wait mode is active
func (s Settings) WaitModeEnabled() bool {
	return s.WaitMode == 1
}

// WithWaitModeEnabled returns a copy with wait mode toggled
func (s Settings) WithWaitModeEnabled(on bool) Settings {
	if on {
		s.WaitMode = 1
	} else {
		s.WaitMode = 2
	}
	return s
}

// Bytes returns the wire encoding
func (s Settings) Bytes() []byte {
	return []byte{
		s.UseWorkTime,
		s.WorkTime,
		byte(s.TemperatureSource),
		s.SetTemperature,
		s.WaitMode,
		s.PowerLevel,
	}
}

// ParseSettings decodes a settings payload
func ParseSettings(payload []byte) (Settings, error) {
	if len(payload) != SettingsPayloadSize {
		return Settings{}, fmt.Errorf("settings payload: expected %d bytes, got %d", SettingsPayloadSize, len(payload))
	}
	return Settings{
		UseWorkTime:       payload[0],
		WorkTime:          payload[1],
		TemperatureSource: TemperatureSource(payload[2]),
		SetTemperature:    payload[3],
		WaitMode:          payload[4],
		PowerLevel:        payload[5],
	}, nil
}

// Status is a decoded heater status report
type Status struct {
	Code           uint16
	ErrorCode      uint8
	InternalTemp   int     // °C
	ExternalTemp   int     // °C
	Voltage        float64 // V
	HeaterTemp     int     // °C
	FanSpeedSet    int     // rpm
	FanSpeedActual int     // rpm
	PumpFrequency  float64 // Hz

	Raw [StatusPayloadSize]byte
}

// ParseStatus decodes a status payload reported by the heater
func ParseStatus(payload []byte) (Status, error) {
	if len(payload) != StatusPayloadSize {
		return Status{}, fmt.Errorf("status payload: expected %d bytes, got %d", StatusPayloadSize, len(payload))
	}

	s := Status{
		Code:           uint16(payload[0])<<8 | uint16(payload[1]),
		ErrorCode:      payload[2],
		InternalTemp:   int(int8(payload[3])),
		ExternalTemp:   int(int8(payload[4])),
		Voltage:        float64(payload[6]) / 10.0,
		HeaterTemp:     int(payload[8]) - 15,
		FanSpeedSet:    int(payload[11]) * 60,
		FanSpeedActual: int(payload[12]) * 60,
		PumpFrequency:  float64(payload[14]) / 100.0,
	}
	copy(s.Raw[:], payload)

	return s, nil
}

// Phase returns the operating phase of the status code
func (s Status) Phase() Phase {
	return PhaseOf(s.Code)
}

// Text returns the status name
func (s Status) Text() string {
	return StatusText(s.Code)
}

// Fault reports whether the heater signals an error
func (s Status) Fault() bool {
	return s.ErrorCode != 0
}

// StatusText returns the name of a status code, or "unknown (0xHHLL)"
func StatusText(code uint16) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%04X)", code)
}

// PhaseOf groups a status code into its phase
func PhaseOf(code uint16) Phase {
	major := code >> 8
	switch {
	case code == StatusStandby:
		return PhaseStandby
	case code == StatusVentilation:
		return PhaseVentilation
	case code == StatusCoolingFlameSensor, code == StatusCoolingDown, major == 0x04:
		return PhaseStopping
	case major == 0x02:
		return PhaseStarting
	case major == 0x03:
		return PhaseRunning
	default:
		return PhaseUnknown
	}
}

// ParsePanelTemperature decodes a panel temperature payload to °C
func ParsePanelTemperature(payload []byte) (int, error) {
	if len(payload) != PanelTemperaturePayloadSize {
		return 0, fmt.Errorf("panel temperature payload: expected %d byte, got %d", PanelTemperaturePayloadSize, len(payload))
	}
	return int(payload[0]), nil
}

// Panel temperature range accepted for injection
const (
	PanelTempMin = -40.0
	PanelTempMax = 215.0
)

// PanelRaw converts °C to the panel temperature byte. The value is clamped
// to the injectable range, rounded, and clamped again to a byte.
func PanelRaw(celsius float64) (byte, float64) {
	clamped := math.Max(PanelTempMin, math.Min(PanelTempMax, celsius))
	raw := int(math.Round(clamped))
	if raw < 0 {
		raw = 0
	}
	if raw > 255 {
		raw = 255
	}
	return byte(raw), clamped
}
