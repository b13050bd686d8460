// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package thermostat turns a target temperature, a temperature source and
// hysteresis bounds into heater power and power-level commands.
package thermostat

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/devstate"
	"github.com/Thermoquad/autoterm/pkg/vpanel"
)

// Controller conditions
var (
	ErrHeaterStartFailed            = errors.New("heater start failed")
	ErrHeaterStopUnconfirmed        = errors.New("heater stop unconfirmed")
	ErrTemperatureSourceUnavailable = vpanel.ErrTemperatureSourceUnavailable
)

// Condition names reported in Status
const (
	CondHeaterStartFailed            = "heater_start_failed"
	CondHeaterStopUnconfirmed        = "heater_stop_unconfirmed"
	CondTemperatureSourceUnavailable = "temperature_source_unavailable"
	CondHeaterFault                  = "heater_fault"
	CondStoppedExternally            = "stopped_externally"
	CondStoppedOnFault               = "stopped_on_fault"
)

// State is the controller state
type State int

// Controller states
const (
	StateIdle State = iota
	StateRequesting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Regulation is the sub-state while running
type Regulation int

// Regulation states
const (
	RegulationNone Regulation = iota
	RegulationHeating
	RegulationHolding
)

func (r Regulation) String() string {
	switch r {
	case RegulationHeating:
		return "heating"
	case RegulationHolding:
		return "holding"
	default:
		return "none"
	}
}

// Resolver picks the temperature to regulate on
type Resolver interface {
	Resolve(requested, fallback autoterm.TemperatureSource, s devstate.DeviceState, now time.Time) (vpanel.Reading, error)
}

// Status is a read-only view of the controller
type Status struct {
	Mode          string   `json:"mode"`
	State         string   `json:"state"`
	Regulation    string   `json:"regulation"`
	Target        float64  `json:"target"`
	FanLevel      uint8    `json:"fan_level"`
	PowerLevel    uint8    `json:"power_level"`
	LastLevel     uint8    `json:"last_level"`
	Source        string   `json:"source"`
	Temperature   *float64 `json:"temperature,omitempty"`
	ActiveSource  string   `json:"active_source,omitempty"`
	HysteresisOn  float64  `json:"hysteresis_on"`
	HysteresisOff float64  `json:"hysteresis_off"`
	Conditions    []string `json:"conditions"`
}

// Controller is the thermostat state machine. Setters and Step are called
// from the engine tick; Status may be read from any goroutine through the
// engine.
type Controller struct {
	cfg      Config
	resolver Resolver
	log      logrus.FieldLogger

	sp Setpoint

	state      State
	regulation Regulation
	enteredAt  time.Time
	lastLevel  uint8
	leveled    bool

	startBlocked bool
	conditions   map[string]bool
	reading      *vpanel.Reading
}

// New creates a controller. Setpoints start at the configured defaults.
func New(cfg Config, resolver Resolver, logger logrus.FieldLogger) *Controller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	defaultSource, ok := autoterm.SourceFromIndex(cfg.DefaultSensorIndex)
	if !ok {
		defaultSource = autoterm.SourceInternal
	}

	return &Controller{
		cfg:      cfg,
		resolver: resolver,
		log:      logger.WithField("component", "thermostat"),
		sp: Setpoint{
			Mode:          ModeOff,
			Target:        cfg.DefaultTarget,
			FanLevel:      cfg.DefaultFanLevel,
			PowerLevel:    cfg.DefaultPowerLevel,
			Source:        defaultSource,
			DefaultSource: defaultSource,
			HysteresisOn:  cfg.DefaultHysteresisOn,
			HysteresisOff: cfg.DefaultHysteresisOff,
		},
		conditions: make(map[string]bool),
	}
}

// Setpoint returns a copy of the current setpoint
func (c *Controller) Setpoint() Setpoint {
	return c.sp
}

// State returns the controller state
func (c *Controller) State() State {
	return c.state
}

// Regulation returns the running sub-state
func (c *Controller) Regulation() Regulation {
	return c.regulation
}

// CommandedLevel returns the power level the controller last sent and
// whether it currently owns the heater settings
func (c *Controller) CommandedLevel() (uint8, bool) {
	active := c.state == StateRequesting || c.state == StateRunning
	return c.lastLevel, active && c.leveled
}

// SetMode changes the climate mode. Any mode change clears a blocked start.
func (c *Controller) SetMode(m Mode) {
	if m == c.sp.Mode {
		return
	}
	c.sp.Mode = m
	c.startBlocked = false
	delete(c.conditions, CondHeaterStartFailed)
	delete(c.conditions, CondStoppedExternally)
	delete(c.conditions, CondStoppedOnFault)
	c.log.WithField("state", c.state).Infof("mode %s", m)
}

// SetTarget validates and stores the target temperature
func (c *Controller) SetTarget(celsius float64) error {
	v, err := c.cfg.Target.Apply("target temperature", celsius)
	if err != nil {
		return err
	}
	c.sp.Target = v
	return nil
}

// SetFanLevel validates and stores the ventilation fan level
func (c *Controller) SetFanLevel(level float64) error {
	v, err := c.cfg.FanLevel.Apply("fan level", level)
	if err != nil {
		return err
	}
	c.sp.FanLevel = uint8(v)
	return nil
}

// SetPowerLevel validates and stores the heating power level
func (c *Controller) SetPowerLevel(level float64) error {
	v, err := c.cfg.PowerLevel.Apply("power level", level)
	if err != nil {
		return err
	}
	c.sp.PowerLevel = uint8(v)
	return nil
}

// SetSource selects the temperature source to regulate on
func (c *Controller) SetSource(src autoterm.TemperatureSource) error {
	if src < autoterm.SourceInternal || src > autoterm.SourceVirtual {
		return &InvalidSetpointError{Name: "temperature source", Value: float64(src), Min: float64(autoterm.SourceInternal), Max: float64(autoterm.SourceVirtual)}
	}
	c.sp.Source = src
	return nil
}

// SetDefaultSource picks the fallback source by option index
func (c *Controller) SetDefaultSource(index int) error {
	src, ok := autoterm.SourceFromIndex(index)
	if !ok || src == autoterm.SourceNone {
		return &InvalidSetpointError{Name: "default sensor index", Value: float64(index), Min: 0, Max: float64(len(autoterm.SourceLabels) - 1)}
	}
	c.sp.DefaultSource = src
	return nil
}

// CheckWorkTime validates a work time against the configured bounds
func (c *Controller) CheckWorkTime(v float64) (uint8, error) {
	w, err := c.cfg.WorkTime.Apply("work time", v)
	if err != nil {
		return 0, err
	}
	return uint8(w), nil
}

// SetHysteresis validates and stores the switch-on and switch-off bands
func (c *Controller) SetHysteresis(on, off float64) error {
	vOn, err := c.cfg.HysteresisOn.Apply("hysteresis on", on)
	if err != nil {
		return err
	}
	vOff, err := c.cfg.HysteresisOff.Apply("hysteresis off", off)
	if err != nil {
		return err
	}
	c.sp.HysteresisOn = vOn
	c.sp.HysteresisOff = vOff
	return nil
}

// Step advances the state machine and returns the commands to send
func (c *Controller) Step(now time.Time, s devstate.DeviceState) []autoterm.Command {
	reading, readErr := c.resolve(s, now)
	phase := s.Phase()
	fault := s.Fault()

	c.setCondition(CondHeaterFault, fault)
	c.setCondition(CondTemperatureSourceUnavailable, readErr != nil && c.sp.Source != autoterm.SourceNone)

	switch c.state {
	case StateIdle:
		return c.stepIdle(now, s, fault, readErr)

	case StateRequesting:
		if c.sp.Mode == ModeOff || fault {
			return c.stop(now, fault)
		}
		if phase == autoterm.PhaseRunning {
			c.transition(StateRunning, now)
			c.regulation = RegulationNone
			delete(c.conditions, CondHeaterStopUnconfirmed)
			return c.regulate(s, reading, readErr)
		}
		if now.Sub(c.enteredAt) >= c.cfg.StartTimeout {
			c.log.WithError(ErrHeaterStartFailed).Warnf("heater not running after %s", c.cfg.StartTimeout)
			c.transition(StateIdle, now)
			c.startBlocked = true
			c.conditions[CondHeaterStartFailed] = true
			return []autoterm.Command{autoterm.NewPowerOff()}
		}

	case StateRunning:
		if c.sp.Mode == ModeOff || fault {
			return c.stop(now, fault)
		}
		if phase == autoterm.PhaseStandby {
			c.log.Warn("heater stopped without a power-off request")
			c.transition(StateIdle, now)
			c.startBlocked = true
			c.conditions[CondStoppedExternally] = true
			return nil
		}
		return c.regulate(s, reading, readErr)

	case StateStopping:
		if phase == autoterm.PhaseStandby {
			c.transition(StateIdle, now)
			return nil
		}
		if now.Sub(c.enteredAt) >= c.cfg.StopTimeout {
			c.log.WithError(ErrHeaterStopUnconfirmed).Warnf("no standby after %s", c.cfg.StopTimeout)
			c.conditions[CondHeaterStopUnconfirmed] = true
			c.transition(StateIdle, now)
		}
	}

	return nil
}

func (c *Controller) stepIdle(now time.Time, s devstate.DeviceState, fault bool, readErr error) []autoterm.Command {
	if c.sp.Mode != ModeHeat || c.startBlocked || fault {
		return nil
	}
	if readErr != nil && c.sp.Source != autoterm.SourceNone {
		return nil
	}

	settings := c.runSettings(s, c.sp.PowerLevel)
	c.transition(StateRequesting, now)
	c.lastLevel = c.sp.PowerLevel
	c.leveled = true
	return []autoterm.Command{autoterm.NewPowerOn(settings)}
}

func (c *Controller) stop(now time.Time, fault bool) []autoterm.Command {
	if fault {
		// Stays stopped until the mode is switched off and back on
		c.log.Warn("heater fault, stopping")
		c.startBlocked = true
		c.conditions[CondStoppedOnFault] = true
	}
	c.transition(StateStopping, now)
	c.regulation = RegulationNone
	return []autoterm.Command{autoterm.NewPowerOff()}
}

// regulate applies the hysteresis and emits a settings write when the
// desired power level changed
func (c *Controller) regulate(s devstate.DeviceState, reading vpanel.Reading, readErr error) []autoterm.Command {
	if c.sp.Source == autoterm.SourceNone {
		c.regulation = RegulationNone
		return c.commandLevel(s, c.sp.PowerLevel)
	}
	if readErr != nil {
		// Hold the last command until a reading returns
		return nil
	}

	temp := reading.Celsius
	switch {
	case temp <= c.sp.Target-c.sp.HysteresisOn:
		c.regulation = RegulationHeating
	case temp >= c.sp.Target+c.sp.HysteresisOff:
		if c.regulation != RegulationHolding {
			c.regulation = RegulationHolding
			return c.commandLevel(s, c.cfg.Hold.Level(c.lastLevel))
		}
	case c.regulation == RegulationNone:
		// Inside the band after start: keep heating up to the target
		c.regulation = RegulationHeating
	}

	switch c.regulation {
	case RegulationHeating:
		return c.commandLevel(s, c.sp.PowerLevel)
	default:
		return nil
	}
}

func (c *Controller) commandLevel(s devstate.DeviceState, level uint8) []autoterm.Command {
	if c.leveled && level == c.lastLevel {
		return nil
	}
	c.lastLevel = level
	c.leveled = true
	c.log.WithField("state", c.regulation).Infof("power level %d", level)
	return []autoterm.Command{autoterm.NewSettingsWrite(c.runSettings(s, level))}
}

// runSettings builds the settings sent to the heater: the last known block
// with the requested level and no heater-side temperature control
func (c *Controller) runSettings(s devstate.DeviceState, level uint8) autoterm.Settings {
	settings := s.Settings()
	settings.TemperatureSource = autoterm.SourceNone
	settings.PowerLevel = level
	settings.SetTemperature = uint8(math.Max(0, math.Min(255, math.Round(c.sp.Target))))
	return settings
}

func (c *Controller) resolve(s devstate.DeviceState, now time.Time) (vpanel.Reading, error) {
	if c.resolver == nil {
		return vpanel.Reading{}, ErrTemperatureSourceUnavailable
	}
	r, err := c.resolver.Resolve(c.sp.Source, c.sp.DefaultSource, s, now)
	if err != nil {
		c.reading = nil
		return r, err
	}
	c.reading = &r
	return r, nil
}

func (c *Controller) transition(next State, now time.Time) {
	if next == c.state {
		return
	}
	c.log.WithField("state", next).Infof("%s -> %s", c.state, next)
	c.state = next
	c.enteredAt = now
	if next != StateRunning {
		c.regulation = RegulationNone
	}
}

func (c *Controller) setCondition(name string, on bool) {
	if on {
		c.conditions[name] = true
	} else {
		delete(c.conditions, name)
	}
}

// Conditions returns the active condition names, sorted
func (c *Controller) Conditions() []string {
	out := make([]string, 0, len(c.conditions))
	for name := range c.conditions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasCondition reports whether a condition is active
func (c *Controller) HasCondition(name string) bool {
	return c.conditions[name]
}

// Status returns a snapshot of the controller for display
func (c *Controller) Status() Status {
	st := Status{
		Mode:          c.sp.Mode.String(),
		State:         c.state.String(),
		Regulation:    c.regulation.String(),
		Target:        c.sp.Target,
		FanLevel:      c.sp.FanLevel,
		PowerLevel:    c.sp.PowerLevel,
		LastLevel:     c.lastLevel,
		Source:        c.sp.Source.String(),
		HysteresisOn:  c.sp.HysteresisOn,
		HysteresisOff: c.sp.HysteresisOff,
		Conditions:    c.Conditions(),
	}
	if c.reading != nil {
		t := c.reading.Celsius
		st.Temperature = &t
		st.ActiveSource = c.reading.Source.String()
	}
	return st
}
