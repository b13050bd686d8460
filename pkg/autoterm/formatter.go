// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	msgType := FormatMessageType(f.Type)

	result := fmt.Sprintf("[%s] %s %s (0x%02X) len=%d\n", timestamp, FormatDevice(f.Device), msgType, uint8(f.Type), len(f.Payload))

	if details := FormatPayload(f); details != "" {
		result += details
	}

	return result
}

// FormatDevice returns a short name for the frame origin
func FormatDevice(device byte) string {
	switch device {
	case DeviceController:
		return "CTRL"
	case DeviceHeater:
		return "HEATER"
	default:
		return fmt.Sprintf("DEV_0x%02X", device)
	}
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(t MsgType) string {
	switch t {
	case MsgPowerOn:
		return "POWER_ON"
	case MsgSettings:
		return "SETTINGS"
	case MsgPowerOff:
		return "POWER_OFF"
	case MsgStatus:
		return "STATUS"
	case MsgPanelTemperature:
		return "PANEL_TEMPERATURE"
	case MsgFanMode:
		return "FAN_MODE"
	default:
		return "UNKNOWN"
	}
}

// FormatSettings renders a settings block on one line
func FormatSettings(s Settings) string {
	return fmt.Sprintf("work_time=%d (%s), source=%s, set=%d°C, wait=%s, power=%d",
		s.WorkTime, onOff(s.WorkTimeEnabled()), s.TemperatureSource, s.SetTemperature,
		onOff(s.WaitModeEnabled()), s.PowerLevel)
}

// FormatPayload formats the payload based on message type and origin
func FormatPayload(f *Frame) string {
	if len(f.Payload) == 0 {
		if f.FromController() {
			return "  (request)\n"
		}
		return ""
	}

	switch f.Type {
	case MsgPowerOn, MsgSettings:
		if s, err := ParseSettings(f.Payload); err == nil {
			return "  " + FormatSettings(s) + "\n"
		}

	case MsgStatus:
		if s, err := ParseStatus(f.Payload); err == nil {
			result := fmt.Sprintf("  Status: %s (0x%04X), Error: %d\n", s.Text(), s.Code, s.ErrorCode)
			result += fmt.Sprintf("  Temp: internal=%d°C external=%d°C heater=%d°C\n", s.InternalTemp, s.ExternalTemp, s.HeaterTemp)
			result += fmt.Sprintf("  Voltage: %.1fV, Fan: %d/%d rpm, Pump: %.2fHz\n", s.Voltage, s.FanSpeedSet, s.FanSpeedActual, s.PumpFrequency)
			return result
		}

	case MsgPanelTemperature:
		if t, err := ParsePanelTemperature(f.Payload); err == nil {
			return fmt.Sprintf("  Panel: %d°C\n", t)
		}

	case MsgFanMode:
		if len(f.Payload) == FanModePayloadSize {
			return fmt.Sprintf("  Fan level: %d\n", f.Payload[2])
		}
	}

	return "  Payload: " + HexDump(f.Payload) + "\n"
}

// HexDump renders bytes as space separated hex pairs
func HexDump(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
