// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package devstate

import (
	"github.com/Thermoquad/autoterm/pkg/autoterm"
)

// DeviceState is an immutable copy of the model
type DeviceState map[Field]Value

// Number returns a field value when it is present and fresh
func (s DeviceState) Number(f Field) (float64, bool) {
	v, ok := s[f]
	if !ok || !v.Set || v.Stale {
		return 0, false
	}
	return v.Number, true
}

// Text returns the text of a field, empty when absent
func (s DeviceState) Text(f Field) string {
	return s[f].Text
}

// Fresh reports whether a field is present and not stale
func (s DeviceState) Fresh(f Field) bool {
	_, ok := s.Number(f)
	return ok
}

// Phase returns the heater phase from a fresh status code
func (s DeviceState) Phase() autoterm.Phase {
	code, ok := s.Number(StatusCode)
	if !ok {
		return autoterm.PhaseUnknown
	}
	return autoterm.PhaseOf(uint16(code))
}

// Fault reports whether the heater reports a nonzero error code
func (s DeviceState) Fault() bool {
	code, ok := s.Number(ErrorCode)
	return ok && code != 0
}

// Connected reports bus connectivity for origin
func (s DeviceState) Connected(origin Origin) bool {
	f := HeaterConnected
	if origin == OriginDisplay {
		f = DisplayConnected
	}
	v, ok := s[f]
	return ok && v.Number != 0
}

// Settings rebuilds the heater settings block. Fields never reported take
// their defaults; stale values are still used.
func (s DeviceState) Settings() autoterm.Settings {
	out := autoterm.DefaultSettings
	if v, ok := s[UseWorkTime]; ok {
		out.UseWorkTime = uint8(v.Number)
	}
	if v, ok := s[WorkTime]; ok {
		out.WorkTime = uint8(v.Number)
	}
	if v, ok := s[HeaterTemperatureSource]; ok {
		out.TemperatureSource = autoterm.TemperatureSource(v.Number)
	}
	if v, ok := s[SetTemperature]; ok {
		out.SetTemperature = uint8(v.Number)
	}
	if v, ok := s[WaitMode]; ok {
		out.WaitMode = uint8(v.Number)
	}
	if v, ok := s[PowerLevel]; ok {
		out.PowerLevel = uint8(v.Number)
	}
	return out
}
