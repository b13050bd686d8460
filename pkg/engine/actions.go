// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"fmt"
	"math"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/thermostat"
)

// User actions. Each is safe to call from any goroutine: arguments are
// validated immediately and the effect is applied at the next tick.

// PowerOn starts the heater with the last known settings
func (e *Engine) PowerOn() {
	e.enqueue(func() {
		e.log.Info("action: power on")
		e.heater.Send(autoterm.NewPowerOn(e.baseSettings()))
	})
}

// PowerOff stops the heater and switches the thermostat off
func (e *Engine) PowerOff() {
	e.enqueue(func() {
		e.log.Info("action: power off")
		active := e.ctrl.State() == thermostat.StateRequesting || e.ctrl.State() == thermostat.StateRunning
		e.ctrl.SetMode(thermostat.ModeOff)
		if !active {
			e.heater.Send(autoterm.NewPowerOff())
		}
	})
}

// FanMode runs the fan only, at the configured fan level
func (e *Engine) FanMode() {
	e.enqueue(func() {
		level := e.ctrl.Setpoint().FanLevel
		e.log.Infof("action: fan mode level %d", level)
		e.heater.Send(autoterm.NewFanMode(level))
	})
}

// SetMode switches the thermostat between off and heat
func (e *Engine) SetMode(m thermostat.Mode) {
	e.enqueue(func() {
		e.ctrl.SetMode(m)
	})
}

// SetFanLevel sets the ventilation fan level
func (e *Engine) SetFanLevel(level float64) error {
	if _, err := e.cfg.Thermostat.FanLevel.Apply("fan level", level); err != nil {
		return err
	}
	e.enqueue(func() {
		_ = e.ctrl.SetFanLevel(level)
	})
	return nil
}

// SetTargetTemperature sets the thermostat target and the heater set
// temperature
func (e *Engine) SetTargetTemperature(celsius float64) error {
	v, err := e.cfg.Thermostat.Target.Apply("target temperature", celsius)
	if err != nil {
		return err
	}
	e.enqueue(func() {
		_ = e.ctrl.SetTarget(v)
		e.writeSettings("set temperature", func(s *autoterm.Settings) {
			s.SetTemperature = uint8(math.Round(v))
		})
	})
	return nil
}

// SetPowerLevel sets the heating power level
func (e *Engine) SetPowerLevel(level float64) error {
	v, err := e.cfg.Thermostat.PowerLevel.Apply("power level", level)
	if err != nil {
		return err
	}
	e.enqueue(func() {
		_ = e.ctrl.SetPowerLevel(v)
		e.writeSettings("power level", func(s *autoterm.Settings) {
			s.PowerLevel = uint8(v)
		})
	})
	return nil
}

// SetWorkTime sets the heater work time limit
func (e *Engine) SetWorkTime(minutes float64) error {
	v, err := e.cfg.Thermostat.WorkTime.Apply("work time", minutes)
	if err != nil {
		return err
	}
	e.enqueue(func() {
		e.writeSettings("work time", func(s *autoterm.Settings) {
			s.WorkTime = uint8(v)
		})
	})
	return nil
}

// SetWaitMode toggles the heater wait mode
func (e *Engine) SetWaitMode(on bool) {
	e.enqueue(func() {
		e.writeSettings("wait mode", func(s *autoterm.Settings) {
			*s = s.WithWaitModeEnabled(on)
		})
	})
}

// SetUseWorkTime toggles the heater work time limit
func (e *Engine) SetUseWorkTime(on bool) {
	e.enqueue(func() {
		e.writeSettings("use work time", func(s *autoterm.Settings) {
			*s = s.WithWorkTimeEnabled(on)
		})
	})
}

// SetTemperatureSource selects the regulation source by option label. The
// heater is told to use its panel input for the virtual panel.
func (e *Engine) SetTemperatureSource(label string) error {
	src, ok := autoterm.ParseTemperatureSource(label)
	if !ok {
		return fmt.Errorf("unknown temperature source %q", label)
	}
	wire := src
	if src == autoterm.SourceVirtual {
		wire = autoterm.SourcePanel
	}
	e.enqueue(func() {
		_ = e.ctrl.SetSource(src)
		e.writeSettings("temperature source", func(s *autoterm.Settings) {
			s.TemperatureSource = wire
		})
	})
	return nil
}

// SetDefaultSensor selects the fallback source by option index
func (e *Engine) SetDefaultSensor(index int) error {
	if src, ok := autoterm.SourceFromIndex(index); !ok || src == autoterm.SourceNone {
		return &thermostat.InvalidSetpointError{Name: "default sensor index", Value: float64(index), Min: 0, Max: float64(len(autoterm.SourceLabels) - 1)}
	}
	e.enqueue(func() {
		_ = e.ctrl.SetDefaultSource(index)
	})
	return nil
}

// SetHysteresis sets the switch-on and switch-off bands
func (e *Engine) SetHysteresis(on, off float64) error {
	if _, err := e.cfg.Thermostat.HysteresisOn.Apply("hysteresis on", on); err != nil {
		return err
	}
	if _, err := e.cfg.Thermostat.HysteresisOff.Apply("hysteresis off", off); err != nil {
		return err
	}
	e.enqueue(func() {
		_ = e.ctrl.SetHysteresis(on, off)
	})
	return nil
}

// SetVirtualPanelTemperature sets the injected panel temperature
func (e *Engine) SetVirtualPanelTemperature(celsius float64) error {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return fmt.Errorf("virtual panel temperature: invalid value %v", celsius)
	}
	e.enqueue(func() {
		_ = e.panel.SetTemperature(celsius)
	})
	return nil
}

// SetVirtualPanelOverride engages or releases the injected temperature
func (e *Engine) SetVirtualPanelOverride(on bool) {
	e.enqueue(func() {
		e.log.Infof("action: virtual panel override %v", on)
		e.panel.SetOverride(on)
	})
}

// writeSettings sends one settings write built from the last known settings.
// Writes still waiting for the heater are the base for the next one. While
// the thermostat runs the heater it keeps its power level and source.
func (e *Engine) writeSettings(what string, modify func(*autoterm.Settings)) {
	s := e.baseSettings()
	modify(&s)
	if level, ok := e.ctrl.CommandedLevel(); ok {
		s.PowerLevel = level
		s.TemperatureSource = autoterm.SourceNone
	}
	e.pendingSettings = &s
	e.log.Infof("action: %s -> %s", what, autoterm.FormatSettings(s))
	e.heater.Send(autoterm.NewSettingsWrite(s))
}

// baseSettings returns the settings the next write starts from
func (e *Engine) baseSettings() autoterm.Settings {
	if e.pendingSettings != nil {
		return *e.pendingSettings
	}
	return e.model.Settings()
}

// sendControl queues a thermostat command. Its settings only carry the
// fields the thermostat owns; the rest come from the pending overlay.
func (e *Engine) sendControl(cmd autoterm.Command) {
	switch cmd.Kind {
	case autoterm.CmdSettingsWrite, autoterm.CmdPowerOn:
		s := e.baseSettings()
		s.PowerLevel = cmd.Settings.PowerLevel
		s.TemperatureSource = cmd.Settings.TemperatureSource
		s.SetTemperature = cmd.Settings.SetTemperature
		cmd.Settings = s
		if cmd.Kind == autoterm.CmdSettingsWrite {
			e.pendingSettings = &s
		}
	}
	e.heater.Send(cmd)
}

// SetHysteresisOn changes the switch-on band and keeps the switch-off band
func (e *Engine) SetHysteresisOn(on float64) error {
	if _, err := e.cfg.Thermostat.HysteresisOn.Apply("hysteresis on", on); err != nil {
		return err
	}
	e.enqueue(func() {
		_ = e.ctrl.SetHysteresis(on, e.ctrl.Setpoint().HysteresisOff)
	})
	return nil
}

// SetHysteresisOff changes the switch-off band and keeps the switch-on band
func (e *Engine) SetHysteresisOff(off float64) error {
	if _, err := e.cfg.Thermostat.HysteresisOff.Apply("hysteresis off", off); err != nil {
		return err
	}
	e.enqueue(func() {
		_ = e.ctrl.SetHysteresis(e.ctrl.Setpoint().HysteresisOn, off)
	})
	return nil
}
