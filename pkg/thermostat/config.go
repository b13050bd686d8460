// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermostat

import "time"

// Default timeouts
const (
	DefaultStartTimeout = 6 * time.Minute
	DefaultStopTimeout  = 10 * time.Minute
)

// Config holds controller bounds and defaults. Start from DefaultConfig.
type Config struct {
	Target        Bounds
	FanLevel      Bounds
	PowerLevel    Bounds
	WorkTime      Bounds
	HysteresisOn  Bounds
	HysteresisOff Bounds

	DefaultTarget        float64
	DefaultFanLevel      uint8
	DefaultPowerLevel    uint8
	DefaultHysteresisOn  float64
	DefaultHysteresisOff float64
	DefaultSensorIndex   int

	Hold         HoldPolicy
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// DefaultConfig returns the stock bounds and defaults
func DefaultConfig() Config {
	return Config{
		Target:        Bounds{Min: 0, Max: 40, Step: 0.5},
		FanLevel:      Bounds{Min: 0, Max: 9, Step: 1},
		PowerLevel:    Bounds{Min: 0, Max: 9, Step: 1},
		WorkTime:      Bounds{Min: 0, Max: 255, Step: 1},
		HysteresisOn:  Bounds{Min: 1, Max: 5, Step: 0.1},
		HysteresisOff: Bounds{Min: 0, Max: 2, Step: 0.1},

		DefaultTarget:        20,
		DefaultFanLevel:      5,
		DefaultPowerLevel:    8,
		DefaultHysteresisOn:  2,
		DefaultHysteresisOff: 1,
		DefaultSensorIndex:   0,

		Hold:         HoldPolicy{Kind: HoldFixed, MinLevel: 0},
		StartTimeout: DefaultStartTimeout,
		StopTimeout:  DefaultStopTimeout,
	}
}

// withDefaults fills unset bounds and timeouts
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(b *Bounds, def Bounds) {
		if b.Min == 0 && b.Max == 0 {
			*b = def
		}
	}
	fill(&c.Target, d.Target)
	fill(&c.FanLevel, d.FanLevel)
	fill(&c.PowerLevel, d.PowerLevel)
	fill(&c.WorkTime, d.WorkTime)
	fill(&c.HysteresisOn, d.HysteresisOn)
	fill(&c.HysteresisOff, d.HysteresisOff)
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}
