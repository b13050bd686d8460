// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyInvalidVoltage AnomalyType = iota
	AnomalyInvalidTemp
	AnomalyHighRPM
	AnomalyInvalidPowerLevel
	AnomalyInvalidSource
	AnomalyInvalidFanLevel
	AnomalyUnknownType
)

// Plausibility limits used by ValidateFrame
const (
	MaxPlausibleVoltage = 30.0 // 24V systems peak below this
	MinPlausibleTemp    = -50
	MaxPlausibleTemp    = 250
	MaxPlausibleRPM     = 6000
	MaxPowerLevel       = 9
	MaxFanLevel         = 9
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame checks decoded payload values for plausibility.
// Returns a slice of validation errors (empty if the frame looks sane).
func ValidateFrame(f *Frame) []ValidationError {
	errors := []ValidationError{}

	if !KnownType(f.Type) {
		return append(errors, ValidationError{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("Unknown message type 0x%02X", uint8(f.Type)),
			Details: map[string]interface{}{"type": uint8(f.Type), "length": len(f.Payload)},
		})
	}

	switch f.Type {
	case MsgStatus:
		if f.FromHeater() {
			errors = append(errors, validateStatus(f)...)
		}
	case MsgPowerOn, MsgSettings:
		if len(f.Payload) == SettingsPayloadSize {
			errors = append(errors, validateSettings(f)...)
		}
	case MsgFanMode:
		if len(f.Payload) == FanModePayloadSize && f.Payload[2] > MaxFanLevel {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidFanLevel,
				Message: fmt.Sprintf("Fan level %d out of range (max %d)", f.Payload[2], MaxFanLevel),
				Details: map[string]interface{}{"level": f.Payload[2], "max": MaxFanLevel},
			})
		}
	}

	return errors
}

func validateStatus(f *Frame) []ValidationError {
	errors := []ValidationError{}

	s, err := ParseStatus(f.Payload)
	if err != nil {
		return errors
	}

	if s.Voltage > MaxPlausibleVoltage {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidVoltage,
			Message: fmt.Sprintf("Voltage %.1fV exceeds %.0fV", s.Voltage, MaxPlausibleVoltage),
			Details: map[string]interface{}{"voltage": s.Voltage},
		})
	}

	temps := []struct {
		name  string
		value int
	}{
		{"internal", s.InternalTemp},
		{"external", s.ExternalTemp},
		{"heater", s.HeaterTemp},
	}
	for _, t := range temps {
		if t.value < MinPlausibleTemp || t.value > MaxPlausibleTemp {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Invalid %s temperature %d°C", t.name, t.value),
				Details: map[string]interface{}{"sensor": t.name, "value": t.value},
			})
		}
	}

	if s.FanSpeedActual > MaxPlausibleRPM {
		errors = append(errors, ValidationError{
			Type:    AnomalyHighRPM,
			Message: fmt.Sprintf("Fan speed %d rpm exceeds %d", s.FanSpeedActual, MaxPlausibleRPM),
			Details: map[string]interface{}{"rpm": s.FanSpeedActual},
		})
	}

	return errors
}

func validateSettings(f *Frame) []ValidationError {
	errors := []ValidationError{}

	s, err := ParseSettings(f.Payload)
	if err != nil {
		return errors
	}

	if s.PowerLevel > MaxPowerLevel {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidPowerLevel,
			Message: fmt.Sprintf("Power level %d out of range (max %d)", s.PowerLevel, MaxPowerLevel),
			Details: map[string]interface{}{"power_level": s.PowerLevel},
		})
	}

	if s.TemperatureSource < SourceInternal || s.TemperatureSource > SourceNone {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidSource,
			Message: fmt.Sprintf("Invalid temperature source %d", s.TemperatureSource),
			Details: map[string]interface{}{"source": uint8(s.TemperatureSource)},
		})
	}

	return errors
}
