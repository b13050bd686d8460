// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads settings from an optional YAML file, AUTOTERM_*
// environment variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/autoterm/pkg/api"
	"github.com/Thermoquad/autoterm/pkg/bus"
	"github.com/Thermoquad/autoterm/pkg/engine"
	"github.com/Thermoquad/autoterm/pkg/mqttbridge"
	"github.com/Thermoquad/autoterm/pkg/thermostat"
	"github.com/Thermoquad/autoterm/pkg/transport"
	"github.com/Thermoquad/autoterm/pkg/vpanel"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "AUTOTERM"

// Config is the full application configuration
type Config struct {
	Display    transport.Endpoint `mapstructure:"display"`
	Heater     transport.Endpoint `mapstructure:"heater"`
	Forward    bool               `mapstructure:"forward"`
	LogLevel   string             `mapstructure:"log_level"`
	TickPeriod time.Duration      `mapstructure:"tick_period"`
	MaxAge     time.Duration      `mapstructure:"max_age"`
	Bus        Bus                `mapstructure:"bus"`
	Thermostat Thermostat         `mapstructure:"thermostat"`
	Panel      Panel              `mapstructure:"virtual_panel"`
	MQTT       mqttbridge.Config  `mapstructure:"mqtt"`
	HTTP       HTTP               `mapstructure:"http"`
}

// Bus holds session timing shared by both buses
type Bus struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// Thermostat holds controller bounds, defaults and the hold policy
type Thermostat struct {
	Target        thermostat.Bounds `mapstructure:"target"`
	FanLevel      thermostat.Bounds `mapstructure:"fan_level"`
	PowerLevel    thermostat.Bounds `mapstructure:"power_level"`
	WorkTime      thermostat.Bounds `mapstructure:"work_time"`
	HysteresisOn  thermostat.Bounds `mapstructure:"hysteresis_on"`
	HysteresisOff thermostat.Bounds `mapstructure:"hysteresis_off"`

	DefaultTarget        float64 `mapstructure:"default_target"`
	DefaultFanLevel      uint8   `mapstructure:"default_fan_level"`
	DefaultPowerLevel    uint8   `mapstructure:"default_power_level"`
	DefaultHysteresisOn  float64 `mapstructure:"default_hysteresis_on"`
	DefaultHysteresisOff float64 `mapstructure:"default_hysteresis_off"`
	DefaultSensorIndex   int     `mapstructure:"default_sensor_index"`

	Hold         Hold          `mapstructure:"hold"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// Hold selects the hold policy by name
type Hold struct {
	Policy    string `mapstructure:"policy"` // fixed or decrement
	MinLevel  uint8  `mapstructure:"min_level"`
	Decrement uint8  `mapstructure:"decrement"`
}

// Panel holds virtual panel timing
type Panel struct {
	ResendInterval   time.Duration `mapstructure:"resend_interval"`
	StatusInterval   time.Duration `mapstructure:"status_interval"`
	SettingsInterval time.Duration `mapstructure:"settings_interval"`
}

// HTTP configures the API server
type HTTP struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Default returns the stock configuration
func Default() Config {
	tc := thermostat.DefaultConfig()
	return Config{
		Display:    transport.Endpoint{Baud: transport.DefaultBaudRate},
		Heater:     transport.Endpoint{Baud: transport.DefaultBaudRate},
		Forward:    true,
		LogLevel:   "info",
		TickPeriod: engine.DefaultTickPeriod,
		MaxAge:     30 * time.Second,
		Bus: Bus{
			Timeout:    bus.DefaultTimeout,
			AckTimeout: bus.DefaultAckTimeout,
			MaxRetries: bus.DefaultMaxRetries,
			QueueSize:  bus.DefaultQueueSize,
		},
		Thermostat: Thermostat{
			Target:               tc.Target,
			FanLevel:             tc.FanLevel,
			PowerLevel:           tc.PowerLevel,
			WorkTime:             tc.WorkTime,
			HysteresisOn:         tc.HysteresisOn,
			HysteresisOff:        tc.HysteresisOff,
			DefaultTarget:        tc.DefaultTarget,
			DefaultFanLevel:      tc.DefaultFanLevel,
			DefaultPowerLevel:    tc.DefaultPowerLevel,
			DefaultHysteresisOn:  tc.DefaultHysteresisOn,
			DefaultHysteresisOff: tc.DefaultHysteresisOff,
			DefaultSensorIndex:   tc.DefaultSensorIndex,
			Hold:                 Hold{Policy: "fixed", MinLevel: tc.Hold.MinLevel, Decrement: 1},
			StartTimeout:         tc.StartTimeout,
			StopTimeout:          tc.StopTimeout,
		},
		Panel: Panel{
			ResendInterval:   vpanel.DefaultResendInterval,
			StatusInterval:   vpanel.DefaultStatusInterval,
			SettingsInterval: vpanel.DefaultSettingsInterval,
		},
		MQTT: mqttbridge.Config{Prefix: mqttbridge.DefaultPrefix},
		HTTP: HTTP{Listen: api.DefaultListen},
	}
}

// SetDefaults registers every key with its default so that environment
// variables reach Unmarshal
func SetDefaults(v *viper.Viper) {
	d := Default()
	for _, side := range []struct {
		key string
		ep  transport.Endpoint
	}{{"display", d.Display}, {"heater", d.Heater}} {
		v.SetDefault(side.key+".port", side.ep.Port)
		v.SetDefault(side.key+".baud", side.ep.Baud)
		v.SetDefault(side.key+".url", side.ep.URL)
		v.SetDefault(side.key+".username", side.ep.Username)
		v.SetDefault(side.key+".no_ssl_verify", side.ep.NoSSLVerify)
	}

	v.SetDefault("forward", d.Forward)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("tick_period", d.TickPeriod)
	v.SetDefault("max_age", d.MaxAge)

	v.SetDefault("bus.timeout", d.Bus.Timeout)
	v.SetDefault("bus.ack_timeout", d.Bus.AckTimeout)
	v.SetDefault("bus.max_retries", d.Bus.MaxRetries)
	v.SetDefault("bus.queue_size", d.Bus.QueueSize)

	t := d.Thermostat
	for key, b := range map[string]thermostat.Bounds{
		"target":         t.Target,
		"fan_level":      t.FanLevel,
		"power_level":    t.PowerLevel,
		"work_time":      t.WorkTime,
		"hysteresis_on":  t.HysteresisOn,
		"hysteresis_off": t.HysteresisOff,
	} {
		v.SetDefault("thermostat."+key+".min", b.Min)
		v.SetDefault("thermostat."+key+".max", b.Max)
		v.SetDefault("thermostat."+key+".step", b.Step)
	}
	v.SetDefault("thermostat.default_target", t.DefaultTarget)
	v.SetDefault("thermostat.default_fan_level", t.DefaultFanLevel)
	v.SetDefault("thermostat.default_power_level", t.DefaultPowerLevel)
	v.SetDefault("thermostat.default_hysteresis_on", t.DefaultHysteresisOn)
	v.SetDefault("thermostat.default_hysteresis_off", t.DefaultHysteresisOff)
	v.SetDefault("thermostat.default_sensor_index", t.DefaultSensorIndex)
	v.SetDefault("thermostat.hold.policy", t.Hold.Policy)
	v.SetDefault("thermostat.hold.min_level", t.Hold.MinLevel)
	v.SetDefault("thermostat.hold.decrement", t.Hold.Decrement)
	v.SetDefault("thermostat.start_timeout", t.StartTimeout)
	v.SetDefault("thermostat.stop_timeout", t.StopTimeout)

	v.SetDefault("virtual_panel.resend_interval", d.Panel.ResendInterval)
	v.SetDefault("virtual_panel.status_interval", d.Panel.StatusInterval)
	v.SetDefault("virtual_panel.settings_interval", d.Panel.SettingsInterval)

	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.username", d.MQTT.Username)
	v.SetDefault("mqtt.password", d.MQTT.Password)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.prefix", d.MQTT.Prefix)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)

	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.listen", d.HTTP.Listen)
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when set and decodes the result. Flags must already be
// bound to v.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks bounds, defaults and the hold policy
func (c Config) Validate() error {
	t := c.Thermostat
	var errs []error
	for name, b := range map[string]thermostat.Bounds{
		"target":         t.Target,
		"fan_level":      t.FanLevel,
		"power_level":    t.PowerLevel,
		"work_time":      t.WorkTime,
		"hysteresis_on":  t.HysteresisOn,
		"hysteresis_off": t.HysteresisOff,
	} {
		if b.Min > b.Max {
			errs = append(errs, fmt.Errorf("thermostat.%s: min %v above max %v", name, b.Min, b.Max))
		}
		if b.Step < 0 {
			errs = append(errs, fmt.Errorf("thermostat.%s: negative step", name))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	checks := []struct {
		name string
		b    thermostat.Bounds
		v    float64
	}{
		{"default_target", t.Target, t.DefaultTarget},
		{"default_fan_level", t.FanLevel, float64(t.DefaultFanLevel)},
		{"default_power_level", t.PowerLevel, float64(t.DefaultPowerLevel)},
		{"default_hysteresis_on", t.HysteresisOn, t.DefaultHysteresisOn},
		{"default_hysteresis_off", t.HysteresisOff, t.DefaultHysteresisOff},
		{"hold.min_level", t.PowerLevel, float64(t.Hold.MinLevel)},
	}
	for _, ch := range checks {
		if _, err := ch.b.Apply(ch.name, ch.v); err != nil {
			errs = append(errs, fmt.Errorf("thermostat: %w", err))
		}
	}
	if _, err := thermostat.ParseHoldKind(t.Hold.Policy); err != nil {
		errs = append(errs, fmt.Errorf("thermostat.hold: %w", err))
	}
	if c.TickPeriod <= 0 {
		errs = append(errs, errors.New("tick_period must be positive"))
	}
	return errors.Join(errs...)
}

// ThermostatConfig converts to the controller configuration
func (c Config) ThermostatConfig() thermostat.Config {
	t := c.Thermostat
	kind, _ := thermostat.ParseHoldKind(t.Hold.Policy)
	return thermostat.Config{
		Target:               t.Target,
		FanLevel:             t.FanLevel,
		PowerLevel:           t.PowerLevel,
		WorkTime:             t.WorkTime,
		HysteresisOn:         t.HysteresisOn,
		HysteresisOff:        t.HysteresisOff,
		DefaultTarget:        t.DefaultTarget,
		DefaultFanLevel:      t.DefaultFanLevel,
		DefaultPowerLevel:    t.DefaultPowerLevel,
		DefaultHysteresisOn:  t.DefaultHysteresisOn,
		DefaultHysteresisOff: t.DefaultHysteresisOff,
		DefaultSensorIndex:   t.DefaultSensorIndex,
		Hold:                 thermostat.HoldPolicy{Kind: kind, MinLevel: t.Hold.MinLevel, Decrement: t.Hold.Decrement},
		StartTimeout:         t.StartTimeout,
		StopTimeout:          t.StopTimeout,
	}
}

// EngineConfig assembles the engine configuration
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Bus: bus.Config{
			Timeout:    c.Bus.Timeout,
			AckTimeout: c.Bus.AckTimeout,
			MaxRetries: c.Bus.MaxRetries,
			QueueSize:  c.Bus.QueueSize,
		},
		Thermostat: c.ThermostatConfig(),
		Panel: vpanel.Config{
			ResendInterval:   c.Panel.ResendInterval,
			StatusInterval:   c.Panel.StatusInterval,
			SettingsInterval: c.Panel.SettingsInterval,
		},
		MaxAge:  c.MaxAge,
		Forward: c.Forward,
	}
}
