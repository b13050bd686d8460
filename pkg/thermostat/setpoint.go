// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermostat

import (
	"errors"
	"fmt"
	"math"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
)

// ErrInvalidSetpoint matches every *InvalidSetpointError
var ErrInvalidSetpoint = errors.New("invalid setpoint")

// InvalidSetpointError is returned by setters for out-of-range values
type InvalidSetpointError struct {
	Name  string
	Value float64
	Min   float64
	Max   float64
}

func (e *InvalidSetpointError) Error() string {
	return fmt.Sprintf("invalid %s %v (allowed %v..%v)", e.Name, e.Value, e.Min, e.Max)
}

// Is makes errors.Is(err, ErrInvalidSetpoint) match
func (e *InvalidSetpointError) Is(target error) bool {
	return target == ErrInvalidSetpoint
}

// Bounds is a closed range with a step. Step <= 0 disables snapping.
type Bounds struct {
	Min  float64 `mapstructure:"min"`
	Max  float64 `mapstructure:"max"`
	Step float64 `mapstructure:"step"`
}

// Apply validates v and snaps it to the step
func (b Bounds) Apply(name string, v float64) (float64, error) {
	if math.IsNaN(v) || v < b.Min || v > b.Max {
		return 0, &InvalidSetpointError{Name: name, Value: v, Min: b.Min, Max: b.Max}
	}
	if b.Step > 0 {
		v = b.Min + math.Round((v-b.Min)/b.Step)*b.Step
		v = math.Min(b.Max, v)
		// Trim float noise from the multiplication
		v = math.Round(v*1e6) / 1e6
	}
	return v, nil
}

// Mode is the climate mode
type Mode int

// Modes
const (
	ModeOff Mode = iota
	ModeHeat
)

func (m Mode) String() string {
	if m == ModeHeat {
		return "heat"
	}
	return "off"
}

// ParseMode maps "off" and "heat" to a mode
func ParseMode(s string) (Mode, error) {
	switch s {
	case "off":
		return ModeOff, nil
	case "heat":
		return ModeHeat, nil
	}
	return ModeOff, fmt.Errorf("unknown mode %q", s)
}

// Setpoint holds the user-controlled targets
type Setpoint struct {
	Mode          Mode
	Target        float64
	FanLevel      uint8
	PowerLevel    uint8
	Source        autoterm.TemperatureSource
	DefaultSource autoterm.TemperatureSource
	HysteresisOn  float64
	HysteresisOff float64
}

// HoldKind selects how the holding power level is derived
type HoldKind int

// Hold policies
const (
	HoldFixed     HoldKind = iota // always MinLevel
	HoldDecrement                 // last level minus Decrement, floored at MinLevel
)

// HoldPolicy decides the power level used while the target is satisfied
type HoldPolicy struct {
	Kind      HoldKind
	MinLevel  uint8
	Decrement uint8
}

// Level returns the hold level given the last commanded level
func (p HoldPolicy) Level(last uint8) uint8 {
	if p.Kind == HoldDecrement && last > p.MinLevel+p.Decrement {
		return last - p.Decrement
	}
	return p.MinLevel
}

// ParseHoldKind maps "fixed" and "decrement" to a hold kind
func ParseHoldKind(s string) (HoldKind, error) {
	switch s {
	case "", "fixed":
		return HoldFixed, nil
	case "decrement":
		return HoldDecrement, nil
	}
	return HoldFixed, fmt.Errorf("unknown hold policy %q", s)
}
