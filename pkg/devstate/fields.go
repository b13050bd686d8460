// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package devstate

// Field names a device state entry
type Field string

// Device state fields
const (
	InternalTemp            Field = "internal_temp"
	ExternalTemp            Field = "external_temp"
	HeaterTemp              Field = "heater_temp"
	PanelTemp               Field = "panel_temp"
	VirtualPanelTemp        Field = "virtual_panel_temp"
	Voltage                 Field = "voltage"
	StatusCode              Field = "status_code"
	StatusText              Field = "status_text"
	ErrorCode               Field = "error_code"
	FanSpeedSet             Field = "fan_speed_set"
	FanSpeedActual          Field = "fan_speed_actual"
	PumpFrequency           Field = "pump_frequency"
	SetTemperature          Field = "set_temperature"
	WorkTime                Field = "work_time"
	PowerLevel              Field = "power_level"
	WaitMode                Field = "wait_mode"
	UseWorkTime             Field = "use_work_time"
	HeaterTemperatureSource Field = "heater_temperature_source"
	TemperatureSource       Field = "temperature_source"
	Runtime                 Field = "runtime"
	SessionRuntime          Field = "session_runtime"
	DisplayConnected        Field = "display_connected"
	HeaterConnected         Field = "heater_connected"
)

// Fields lists every field in a stable order
var Fields = []Field{
	InternalTemp,
	ExternalTemp,
	HeaterTemp,
	PanelTemp,
	VirtualPanelTemp,
	Voltage,
	StatusCode,
	StatusText,
	ErrorCode,
	FanSpeedSet,
	FanSpeedActual,
	PumpFrequency,
	SetTemperature,
	WorkTime,
	PowerLevel,
	WaitMode,
	UseWorkTime,
	HeaterTemperatureSource,
	TemperatureSource,
	Runtime,
	SessionRuntime,
	DisplayConnected,
	HeaterConnected,
}

// Origin identifies where a value came from
type Origin int

// Origins
const (
	OriginNone Origin = iota
	OriginHeater
	OriginDisplay
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginHeater:
		return "heater"
	case OriginDisplay:
		return "display"
	case OriginLocal:
		return "local"
	default:
		return "none"
	}
}

// authority maps each field to the origin whose values win while fresh.
// Fields missing here accept any origin.
var authority = map[Field]Origin{
	InternalTemp:            OriginHeater,
	ExternalTemp:            OriginHeater,
	HeaterTemp:              OriginHeater,
	Voltage:                 OriginHeater,
	StatusCode:              OriginHeater,
	StatusText:              OriginHeater,
	ErrorCode:               OriginHeater,
	FanSpeedSet:             OriginHeater,
	FanSpeedActual:          OriginHeater,
	PumpFrequency:           OriginHeater,
	PanelTemp:               OriginDisplay,
	SetTemperature:          OriginDisplay,
	WorkTime:                OriginDisplay,
	PowerLevel:              OriginDisplay,
	WaitMode:                OriginDisplay,
	UseWorkTime:             OriginDisplay,
	HeaterTemperatureSource: OriginDisplay,
	VirtualPanelTemp:        OriginLocal,
	TemperatureSource:       OriginLocal,
	Runtime:                 OriginLocal,
	SessionRuntime:          OriginLocal,
	DisplayConnected:        OriginLocal,
	HeaterConnected:         OriginLocal,
}

// Authority returns the authoritative origin of a field
func Authority(f Field) Origin {
	return authority[f]
}
