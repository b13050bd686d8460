// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package vpanel stands in for the wired control panel. It resolves the
// temperature the thermostat regulates on, injects a virtual panel
// temperature into the heater and keeps the heater polled while the real
// display is absent.
package vpanel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/devstate"
)

// ErrTemperatureSourceUnavailable is returned when no source has a fresh value
var ErrTemperatureSourceUnavailable = errors.New("temperature source unavailable")

// Default intervals
const (
	DefaultResendInterval   = 2 * time.Second
	DefaultStatusInterval   = 2 * time.Second
	DefaultSettingsInterval = 10 * time.Second
)

// Reading is a resolved temperature
type Reading struct {
	Celsius float64
	Source  autoterm.TemperatureSource
	Field   devstate.Field
}

// Config holds emulator intervals. Zero values take the defaults.
type Config struct {
	ResendInterval   time.Duration
	StatusInterval   time.Duration
	SettingsInterval time.Duration
}

// Panel is the virtual panel emulator. It is driven from the engine tick
// and is not safe for concurrent use.
type Panel struct {
	cfg Config

	override bool
	value    float64
	raw      byte
	valueSet bool

	sendNow  bool
	lastSent time.Time

	lastStatusReq   time.Time
	lastSettingsReq time.Time
}

// New creates a panel emulator
func New(cfg Config) *Panel {
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.SettingsInterval <= 0 {
		cfg.SettingsInterval = DefaultSettingsInterval
	}
	return &Panel{cfg: cfg}
}

// SetOverride engages or releases the injected temperature. Engaging sends
// the value at the next tick.
func (p *Panel) SetOverride(on bool) {
	if on && !p.override {
		p.sendNow = true
	}
	p.override = on
}

// Override reports whether the injected temperature is engaged
func (p *Panel) Override() bool {
	return p.override
}

// SetTemperature stores the injected temperature, clamped to the panel
// range. The new value is sent at the next tick.
func (p *Panel) SetTemperature(celsius float64) error {
	if math.IsNaN(celsius) || math.IsInf(celsius, 0) {
		return fmt.Errorf("virtual panel temperature: invalid value %v", celsius)
	}
	p.raw, p.value = autoterm.PanelRaw(celsius)
	p.valueSet = true
	p.sendNow = true
	return nil
}

// Temperature returns the injected temperature and whether one was set
func (p *Panel) Temperature() (float64, bool) {
	return p.value, p.valueSet
}

// Active reports whether the injected value replaces the real panel
func (p *Panel) Active() bool {
	return p.override && p.valueSet
}

// Resolve picks the temperature to regulate on. An active override always
// wins. Otherwise the requested source, the fallback source, then internal,
// external and panel are tried and the first fresh value is returned.
func (p *Panel) Resolve(requested, fallback autoterm.TemperatureSource, s devstate.DeviceState, now time.Time) (Reading, error) {
	if p.Active() {
		return Reading{Celsius: p.value, Source: autoterm.SourceVirtual, Field: devstate.VirtualPanelTemp}, nil
	}

	chain := []autoterm.TemperatureSource{
		requested,
		fallback,
		autoterm.SourceInternal,
		autoterm.SourceExternal,
		autoterm.SourcePanel,
	}
	for _, src := range chain {
		if r, ok := p.read(src, s); ok {
			return r, nil
		}
	}

	return Reading{}, ErrTemperatureSourceUnavailable
}

func (p *Panel) read(src autoterm.TemperatureSource, s devstate.DeviceState) (Reading, bool) {
	if src == autoterm.SourceVirtual {
		if !p.valueSet {
			return Reading{}, false
		}
		return Reading{Celsius: p.value, Source: src, Field: devstate.VirtualPanelTemp}, true
	}

	field, ok := SourceField(src)
	if !ok {
		return Reading{}, false
	}
	v, ok := s.Number(field)
	if !ok {
		return Reading{}, false
	}
	return Reading{Celsius: v, Source: src, Field: field}, true
}

// SourceField maps a source to the state field holding its reading
func SourceField(src autoterm.TemperatureSource) (devstate.Field, bool) {
	switch src {
	case autoterm.SourceInternal:
		return devstate.InternalTemp, true
	case autoterm.SourceExternal:
		return devstate.ExternalTemp, true
	case autoterm.SourcePanel:
		return devstate.PanelTemp, true
	case autoterm.SourceVirtual:
		return devstate.VirtualPanelTemp, true
	}
	return "", false
}

// SourceText names the source Resolve would use, or "unavailable"
func (p *Panel) SourceText(requested, fallback autoterm.TemperatureSource, s devstate.DeviceState, now time.Time) string {
	if requested == autoterm.SourceNone && !p.Active() {
		return autoterm.LabelNone
	}
	r, err := p.Resolve(requested, fallback, s, now)
	if err != nil {
		return "unavailable"
	}
	return r.Source.String()
}

// Suppress reports whether a display frame must not reach the heater.
// While the override is engaged the real panel temperature is withheld.
func (p *Panel) Suppress(f *autoterm.Frame) bool {
	return p.override && f.FromController() && f.Type == autoterm.MsgPanelTemperature
}

// Due returns the commands to send this tick: the injected panel temperature
// when the override is engaged, and status and settings polls while the
// display is disconnected.
func (p *Panel) Due(now time.Time, displayConnected bool) []autoterm.Command {
	var cmds []autoterm.Command

	if p.Active() && (p.sendNow || now.Sub(p.lastSent) >= p.cfg.ResendInterval) {
		cmds = append(cmds, autoterm.NewPanelTemperature(p.raw))
		p.lastSent = now
		p.sendNow = false
	}

	if displayConnected {
		p.lastStatusReq = time.Time{}
		p.lastSettingsReq = time.Time{}
		return cmds
	}

	if p.lastStatusReq.IsZero() || now.Sub(p.lastStatusReq) >= p.cfg.StatusInterval {
		cmds = append(cmds, autoterm.NewStatusRequest())
		p.lastStatusReq = now
	}
	if p.lastSettingsReq.IsZero() || now.Sub(p.lastSettingsReq) >= p.cfg.SettingsInterval {
		cmds = append(cmds, autoterm.NewSettingsRequest())
		p.lastSettingsReq = now
	}

	return cmds
}
