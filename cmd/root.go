// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/config"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var (
	configFile string
	busName    string

	// v holds flags, environment and file settings; cfg is decoded from it
	// before every command runs
	v   = config.New()
	cfg config.Config
)

// flagKeys maps flag names to configuration keys. Flags are bound when a
// command that defines them runs, so several commands may share a key.
var flagKeys = map[string][]string{
	"log-level":     {"log_level"},
	"heater-port":   {"heater.port"},
	"heater-baud":   {"heater.baud"},
	"heater-url":    {"heater.url"},
	"display-port":  {"display.port"},
	"display-baud":  {"display.baud"},
	"display-url":   {"display.url"},
	"username":      {"heater.username", "display.username"},
	"no-ssl-verify": {"heater.no_ssl_verify", "display.no_ssl_verify"},
	"forward":       {"forward"},
	"mqtt-broker":   {"mqtt.broker"},
	"mqtt-prefix":   {"mqtt.prefix"},
	"http":          {"http.enabled"},
	"http-listen":   {"http.listen"},
	"tick":          {"tick_period"},
}

var rootCmd = &cobra.Command{
	Use:   "autoterm",
	Short: "Autoterm diesel heater bridge and protocol analyzer",
	Long: `Autoterm - A CLI tool for bridging, controlling and analyzing Autoterm
diesel heaters.

The run command sits between the control panel and the heater, forwarding
traffic in both directions while exposing the heater state over MQTT, HTTP
and a terminal monitor. The remaining commands are single-bus diagnostics.

Connection modes (per bus):
  Serial:    --heater-port /dev/ttyUSB0 [--heater-baud 2400]
  WebSocket: --heater-url ws://host/path [--username user]

The display bus takes the same flags with a --display- prefix. Diagnostic
commands use the bus selected with --bus (heater by default).

Settings may also come from a YAML file (--config) or AUTOTERM_* environment
variables, for example AUTOTERM_HEATER_PORT or AUTOTERM_MQTT_BROKER.

For WebSocket authentication, the password is read from the AUTOTERM_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&busName, "bus", "heater", "Bus used by diagnostic commands (heater or display)")

	// Heater bus
	flags.StringP("heater-port", "p", "", "Heater serial port device")
	flags.IntP("heater-baud", "b", transport.DefaultBaudRate, "Heater baud rate (serial only)")
	flags.StringP("heater-url", "u", "", "Heater WebSocket URL (ws:// or wss://)")

	// Display bus
	flags.String("display-port", "", "Display serial port device")
	flags.Int("display-baud", transport.DefaultBaudRate, "Display baud rate (serial only)")
	flags.String("display-url", "", "Display WebSocket URL (ws:// or wss://)")

	// WebSocket auth, shared by both buses
	flags.String("username", "", "Username for HTTP Basic auth")
	flags.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")
}

// loadConfig decodes the configuration and sets up logging
func loadConfig(cmd *cobra.Command, args []string) error {
	for name, keys := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		for _, key := range keys {
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", name, err)
			}
		}
	}

	c, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	cfg = c

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

// endpoint returns the link configured for the named bus
func endpoint(name string) (transport.Endpoint, error) {
	switch name {
	case "heater":
		return cfg.Heater, nil
	case "display":
		return cfg.Display, nil
	default:
		return transport.Endpoint{}, fmt.Errorf("unknown bus %q (heater or display)", name)
	}
}

// openConnection opens the named bus and returns it with a banner string
func openConnection(name string) (transport.Connection, string, error) {
	ep, err := endpoint(name)
	if err != nil {
		return nil, "", err
	}
	conn, err := transport.Open(ep)
	if err != nil {
		return nil, "", fmt.Errorf("%s bus: %w", name, err)
	}
	return conn, ep.String(), nil
}

// openStream opens the named bus as a non-blocking stream
func openStream(name string) (*transport.Stream, string, error) {
	conn, info, err := openConnection(name)
	if err != nil {
		return nil, "", err
	}
	return transport.NewStream(conn), info, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
