// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var (
	sendTimeout     int
	sendTemperature float64
	sendPowerLevel  float64
	sendWorkTime    float64
	sendSource      string
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [value]",
	Short: "Send one command to the heater and print its reply",
	Long: `Send a single controller command on the selected bus and wait for the
heater to answer.

Commands:
  status              request a status report
  settings            request the settings; with any settings flag, write
                      the modified settings back
  power-on            start heating with the default settings changed by
                      the settings flags
  power-off           stop the heater
  fan LEVEL           ventilation only at fan level 0-9
  panel-temp CELSIUS  report a panel temperature

Settings flags: --set-temperature, --power-level, --work-time, --source.
Values are checked against the configured thermostat bounds.

Only use this on a bus where no panel is talking.`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{"status", "settings", "power-on", "power-off", "fan", "panel-temp"},
	RunE:      runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVar(&sendTimeout, "timeout", 2, "Timeout in seconds to wait for the reply")
	sendCmd.Flags().Float64Var(&sendTemperature, "set-temperature", 0, "Set temperature in °C")
	sendCmd.Flags().Float64Var(&sendPowerLevel, "power-level", 0, "Power level 0-9")
	sendCmd.Flags().Float64Var(&sendWorkTime, "work-time", 0, "Work time in minutes (enables the work time limit)")
	sendCmd.Flags().StringVar(&sendSource, "source", "", "Temperature source label (e.g. \"internal sensor\")")
}

// settingsChanged reports whether any settings flag was given
func settingsChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"set-temperature", "power-level", "work-time", "source"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// applySettingsFlags returns s modified by the settings flags
func applySettingsFlags(cmd *cobra.Command, s autoterm.Settings) (autoterm.Settings, error) {
	tc := cfg.ThermostatConfig()
	flags := cmd.Flags()

	if flags.Changed("set-temperature") {
		v, err := tc.Target.Apply("set_temperature", sendTemperature)
		if err != nil {
			return s, err
		}
		s.SetTemperature = uint8(v)
	}
	if flags.Changed("power-level") {
		v, err := tc.PowerLevel.Apply("power_level", sendPowerLevel)
		if err != nil {
			return s, err
		}
		s.PowerLevel = uint8(v)
	}
	if flags.Changed("work-time") {
		v, err := tc.WorkTime.Apply("work_time", sendWorkTime)
		if err != nil {
			return s, err
		}
		s.WorkTime = uint8(v)
		s = s.WithWorkTimeEnabled(true)
	}
	if flags.Changed("source") {
		src, ok := autoterm.ParseTemperatureSource(sendSource)
		if !ok || src == autoterm.SourceVirtual {
			return s, fmt.Errorf("unknown temperature source %q", sendSource)
		}
		s.TemperatureSource = src
	}
	return s, nil
}

// buildCommand maps the arguments to a command
func buildCommand(cmd *cobra.Command, args []string) (autoterm.Command, error) {
	value := func() (float64, error) {
		if len(args) < 2 {
			return 0, fmt.Errorf("%s needs a value", args[0])
		}
		return strconv.ParseFloat(args[1], 64)
	}

	switch args[0] {
	case "status":
		return autoterm.NewStatusRequest(), nil

	case "settings":
		return autoterm.NewSettingsRequest(), nil

	case "power-on":
		s, err := applySettingsFlags(cmd, autoterm.DefaultSettings)
		if err != nil {
			return autoterm.Command{}, err
		}
		return autoterm.NewPowerOn(s), nil

	case "power-off":
		return autoterm.NewPowerOff(), nil

	case "fan":
		v, err := value()
		if err != nil {
			return autoterm.Command{}, err
		}
		level, err := cfg.ThermostatConfig().FanLevel.Apply("fan_level", v)
		if err != nil {
			return autoterm.Command{}, err
		}
		return autoterm.NewFanMode(uint8(level)), nil

	case "panel-temp":
		v, err := value()
		if err != nil {
			return autoterm.Command{}, err
		}
		raw, _ := autoterm.PanelRaw(v)
		return autoterm.NewPanelTemperature(raw), nil
	}

	return autoterm.Command{}, fmt.Errorf("unknown command %q", args[0])
}

func runSend(cmd *cobra.Command, args []string) error {
	command, err := buildCommand(cmd, args)
	if err != nil {
		return err
	}

	stream, connInfo, err := openStream(busName)
	if err != nil {
		return err
	}
	defer stream.Close()

	fmt.Printf("Connection: %s (%s bus)\n", connInfo, busName)
	timeout := time.Duration(sendTimeout) * time.Second
	decoder := autoterm.NewDecoder()

	// Settings flags on "settings" turn the request into a read-modify-write
	if command.Kind == autoterm.CmdSettingsRequest && settingsChanged(cmd) {
		reply, err := exchange(stream, decoder, command, timeout)
		if err != nil {
			return err
		}
		current, err := autoterm.ParseSettings(reply.Payload)
		if err != nil {
			return fmt.Errorf("failed to read current settings: %w", err)
		}
		updated, err := applySettingsFlags(cmd, current)
		if err != nil {
			return err
		}
		command = autoterm.NewSettingsWrite(updated)
	}

	if _, err := exchange(stream, decoder, command, timeout); err != nil {
		return err
	}
	return nil
}

// exchange sends command and prints the heater reply
func exchange(stream *transport.Stream, decoder *autoterm.Decoder, command autoterm.Command, timeout time.Duration) (*autoterm.Frame, error) {
	log.WithField("cmd", command.String()).Debug("Sending command")
	if _, err := stream.Write(autoterm.Encode(command)); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", command.Kind, err)
	}

	fmt.Printf("Sent: %s\n", command)
	reply, err := awaitReply(stream, decoder, command.Type(), timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command.Kind, err)
	}
	fmt.Print(autoterm.FormatFrame(reply))
	return reply, nil
}
