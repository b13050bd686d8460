// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Thermoquad/autoterm/pkg/thermostat"
)

// ErrUnknownControl is returned by Control for an unknown name
var ErrUnknownControl = errors.New("unknown control")

// Control names accepted by Control
const (
	ControlPower                = "power"
	ControlMode                 = "mode"
	ControlFanLevel             = "fan_level"
	ControlTargetTemperature    = "target_temperature"
	ControlPowerLevel           = "power_level"
	ControlWorkTime             = "work_time"
	ControlWaitMode             = "wait_mode"
	ControlUseWorkTime          = "use_work_time"
	ControlTemperatureSource    = "temperature_source"
	ControlDefaultSensor        = "default_sensor"
	ControlHysteresisOn         = "hysteresis_on"
	ControlHysteresisOff        = "hysteresis_off"
	ControlVirtualPanelTemp     = "virtual_panel_temp"
	ControlVirtualPanelOverride = "virtual_panel_override"
)

type controlFunc func(e *Engine, value string) error

var controls = map[string]controlFunc{
	ControlPower: func(e *Engine, v string) error {
		switch strings.ToLower(v) {
		case "on":
			e.PowerOn()
		case "off":
			e.PowerOff()
		case "fan":
			e.FanMode()
		default:
			return fmt.Errorf("power: expected on, off or fan, got %q", v)
		}
		return nil
	},
	ControlMode: func(e *Engine, v string) error {
		m, err := thermostat.ParseMode(strings.ToLower(v))
		if err != nil {
			return err
		}
		e.SetMode(m)
		return nil
	},
	ControlFanLevel:          numeric((*Engine).SetFanLevel),
	ControlTargetTemperature: numeric((*Engine).SetTargetTemperature),
	ControlPowerLevel:        numeric((*Engine).SetPowerLevel),
	ControlWorkTime:          numeric((*Engine).SetWorkTime),
	ControlWaitMode:          toggle((*Engine).SetWaitMode),
	ControlUseWorkTime:       toggle((*Engine).SetUseWorkTime),
	ControlTemperatureSource: func(e *Engine, v string) error {
		return e.SetTemperatureSource(v)
	},
	ControlDefaultSensor: func(e *Engine, v string) error {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("default sensor: %w", err)
		}
		return e.SetDefaultSensor(i)
	},
	ControlHysteresisOn:         numeric((*Engine).SetHysteresisOn),
	ControlHysteresisOff:        numeric((*Engine).SetHysteresisOff),
	ControlVirtualPanelTemp:     numeric((*Engine).SetVirtualPanelTemperature),
	ControlVirtualPanelOverride: toggle((*Engine).SetVirtualPanelOverride),
}

func numeric(set func(*Engine, float64) error) controlFunc {
	return func(e *Engine, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", v)
		}
		return set(e, f)
	}
}

func toggle(set func(*Engine, bool)) controlFunc {
	return func(e *Engine, v string) error {
		on, err := ParseSwitch(v)
		if err != nil {
			return err
		}
		set(e, on)
		return nil
	}
}

// ParseSwitch accepts on/off, true/false and 1/0
func ParseSwitch(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

// Control applies a named action from a text value, as received from MQTT
// or HTTP
func (e *Engine) Control(name, value string) error {
	fn, ok := controls[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownControl, name)
	}
	return fn(e, value)
}

// ControlNames lists every control name, sorted
func ControlNames() []string {
	names := make([]string, 0, len(controls))
	for n := range controls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
