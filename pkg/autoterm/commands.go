// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import "fmt"

// CommandKind identifies an outbound command
type CommandKind int

// Command kinds
const (
	CmdPowerOn CommandKind = iota + 1
	CmdPowerOff
	CmdStatusRequest
	CmdSettingsRequest
	CmdSettingsWrite
	CmdFanMode
	CmdPanelTemperature
)

func (k CommandKind) String() string {
	switch k {
	case CmdPowerOn:
		return "power_on"
	case CmdPowerOff:
		return "power_off"
	case CmdStatusRequest:
		return "status_request"
	case CmdSettingsRequest:
		return "settings_request"
	case CmdSettingsWrite:
		return "settings_write"
	case CmdFanMode:
		return "fan_mode"
	case CmdPanelTemperature:
		return "panel_temperature"
	default:
		return "unknown"
	}
}

// Command is one outbound intent. Each command encodes to exactly one frame
// sent with the controller device ID.
type Command struct {
	Kind     CommandKind
	Settings Settings // CmdPowerOn, CmdSettingsWrite
	Level    uint8    // CmdFanMode
	Raw      uint8    // CmdPanelTemperature, °C
}

// NewPowerOn creates a power-on command carrying the run settings
func NewPowerOn(s Settings) Command {
	return Command{Kind: CmdPowerOn, Settings: s}
}

// NewPowerOff creates a power-off command
func NewPowerOff() Command {
	return Command{Kind: CmdPowerOff}
}

// NewStatusRequest creates a status query
func NewStatusRequest() Command {
	return Command{Kind: CmdStatusRequest}
}

// NewSettingsRequest creates a settings query
func NewSettingsRequest() Command {
	return Command{Kind: CmdSettingsRequest}
}

// NewSettingsWrite creates a settings update
func NewSettingsWrite(s Settings) Command {
	return Command{Kind: CmdSettingsWrite, Settings: s}
}

// NewFanMode starts ventilation-only operation at the given fan level
func NewFanMode(level uint8) Command {
	return Command{Kind: CmdFanMode, Level: level}
}

// NewPanelTemperature reports a panel temperature to the heater
func NewPanelTemperature(raw uint8) Command {
	return Command{Kind: CmdPanelTemperature, Raw: raw}
}

// Type returns the message type the command is sent as
func (c Command) Type() MsgType {
	switch c.Kind {
	case CmdPowerOn:
		return MsgPowerOn
	case CmdPowerOff:
		return MsgPowerOff
	case CmdStatusRequest:
		return MsgStatus
	case CmdSettingsRequest, CmdSettingsWrite:
		return MsgSettings
	case CmdFanMode:
		return MsgFanMode
	case CmdPanelTemperature:
		return MsgPanelTemperature
	default:
		return 0
	}
}

// Payload returns the command payload
func (c Command) Payload() []byte {
	switch c.Kind {
	case CmdPowerOn, CmdSettingsWrite:
		return c.Settings.Bytes()
	case CmdFanMode:
		return []byte{0xFF, 0xFF, c.Level, 0xFF}
	case CmdPanelTemperature:
		return []byte{c.Raw}
	default:
		return nil
	}
}

// Supersedes reports whether c replaces an unsent o in a send queue.
// Only the newest settings write or panel temperature matters.
func (c Command) Supersedes(o Command) bool {
	if c.Kind != o.Kind {
		return false
	}
	return c.Kind == CmdSettingsWrite || c.Kind == CmdPanelTemperature
}

func (c Command) String() string {
	switch c.Kind {
	case CmdPowerOn, CmdSettingsWrite:
		return fmt.Sprintf("%s(%s)", c.Kind, FormatSettings(c.Settings))
	case CmdFanMode:
		return fmt.Sprintf("%s(level=%d)", c.Kind, c.Level)
	case CmdPanelTemperature:
		return fmt.Sprintf("%s(%d°C)", c.Kind, c.Raw)
	default:
		return c.Kind.String()
	}
}

// Encode returns the wire frame for a command
func Encode(c Command) []byte {
	return NewFrame(DeviceController, c.Type(), c.Payload()).Bytes()
}

// DecodeCommand recovers the command a controller frame carries.
// A bare POWER_ON decodes with zero settings.
func DecodeCommand(f *Frame) (Command, error) {
	if f.Device != DeviceController {
		return Command{}, fmt.Errorf("frame from 0x%02X is not a command", f.Device)
	}

	switch f.Type {
	case MsgPowerOn:
		if len(f.Payload) == 0 {
			return Command{Kind: CmdPowerOn}, nil
		}
		s, err := ParseSettings(f.Payload)
		if err != nil {
			return Command{}, fmt.Errorf("power on: %w", err)
		}
		return NewPowerOn(s), nil

	case MsgPowerOff:
		return NewPowerOff(), nil

	case MsgStatus:
		return NewStatusRequest(), nil

	case MsgSettings:
		if len(f.Payload) == 0 {
			return NewSettingsRequest(), nil
		}
		s, err := ParseSettings(f.Payload)
		if err != nil {
			return Command{}, fmt.Errorf("settings write: %w", err)
		}
		return NewSettingsWrite(s), nil

	case MsgFanMode:
		if len(f.Payload) != FanModePayloadSize {
			return Command{}, fmt.Errorf("fan mode: expected %d bytes, got %d", FanModePayloadSize, len(f.Payload))
		}
		return NewFanMode(f.Payload[2]), nil

	case MsgPanelTemperature:
		raw, err := ParsePanelTemperature(f.Payload)
		if err != nil {
			return Command{}, err
		}
		return NewPanelTemperature(uint8(raw)), nil
	}

	return Command{}, fmt.Errorf("unknown message type 0x%02X", uint8(f.Type))
}
