// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

// buildStatusPayload creates a 19-byte heater status payload
func buildStatusPayload(code uint16, errCode byte, internal, external int8) []byte {
	p := make([]byte, StatusPayloadSize)
	p[0] = byte(code >> 8)
	p[1] = byte(code)
	p[2] = errCode
	p[3] = byte(internal)
	p[4] = byte(external)
	p[6] = 124 // 12.4 V
	p[8] = 75  // 60 °C
	p[11] = 40 // 2400 rpm
	p[12] = 39 // 2340 rpm
	p[14] = 150
	return p
}

func heaterFrame(t MsgType, payload []byte) []byte {
	return NewFrame(DeviceHeater, t, payload).Bytes()
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	crc := CalculateCRC([]byte{})
	if crc != 0xFFFF {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x4B37, // CRC-16/MODBUS check value
		},
		{
			name:     "status request header",
			data:     []byte{0xAA, 0x03, 0x00, 0x00, 0x0F},
			expected: 0x587C,
		},
		{
			name:     "settings request header",
			data:     []byte{0xAA, 0x03, 0x00, 0x00, 0x02},
			expected: 0x9DBD,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crc := CalculateCRC(tt.data)
			if crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

// ============================================================
// Encode Tests
// ============================================================

func TestEncode_KnownFrames(t *testing.T) {
	tests := []struct {
		name     string
		cmd      Command
		expected []byte
	}{
		{"status request", NewStatusRequest(), []byte{0xAA, 0x03, 0x00, 0x00, 0x0F, 0x58, 0x7C}},
		{"settings request", NewSettingsRequest(), []byte{0xAA, 0x03, 0x00, 0x00, 0x02, 0x9D, 0xBD}},
		{"power off", NewPowerOff(), []byte{0xAA, 0x03, 0x00, 0x00, 0x03, 0x5D, 0x7C}},
		{"panel temperature", NewPanelTemperature(0x17), []byte{0xAA, 0x03, 0x01, 0x00, 0x11, 0x17, 0xB3, 0x11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.cmd)
			if !bytes.Equal(got, tt.expected) {
				t.Errorf("Encode mismatch:\n  expected % X\n  got      % X", tt.expected, got)
			}
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	settings := Settings{UseWorkTime: 0, WorkTime: 30, TemperatureSource: SourceNone, SetTemperature: 21, WaitMode: 2, PowerLevel: 5}
	data := Encode(NewSettingsWrite(settings))

	if len(data) != Overhead+SettingsPayloadSize {
		t.Fatalf("Expected %d bytes, got %d", Overhead+SettingsPayloadSize, len(data))
	}
	if data[0] != Preamble || data[1] != DeviceController || data[2] != SettingsPayloadSize || data[3] != 0x00 || data[4] != byte(MsgSettings) {
		t.Errorf("Unexpected header % X", data[:HeaderSize])
	}
	if !bytes.Equal(data[HeaderSize:HeaderSize+SettingsPayloadSize], []byte{0, 30, 4, 21, 2, 5}) {
		t.Errorf("Unexpected payload % X", data[HeaderSize:HeaderSize+SettingsPayloadSize])
	}
	crc := CalculateCRC(data[:len(data)-2])
	if data[len(data)-2] != byte(crc>>8) || data[len(data)-1] != byte(crc) {
		t.Errorf("CRC not transmitted high byte first")
	}
}

func TestEncode_FanMode(t *testing.T) {
	data := Encode(NewFanMode(7))
	if !bytes.Equal(data[HeaderSize:HeaderSize+FanModePayloadSize], []byte{0xFF, 0xFF, 0x07, 0xFF}) {
		t.Errorf("Unexpected fan mode payload % X", data[HeaderSize:HeaderSize+FanModePayloadSize])
	}
}

func TestEncode_Deterministic(t *testing.T) {
	cmd := NewPowerOn(DefaultSettings)
	if !bytes.Equal(Encode(cmd), Encode(cmd)) {
		t.Error("Encode should be deterministic")
	}
}

// ============================================================
// Round Trip Tests
// ============================================================

func TestCommand_RoundTrip(t *testing.T) {
	settings := Settings{UseWorkTime: 0, WorkTime: 120, TemperatureSource: SourcePanel, SetTemperature: 22, WaitMode: 1, PowerLevel: 3}

	tests := []struct {
		name string
		cmd  Command
	}{
		{"power on", NewPowerOn(settings)},
		{"power on defaults", NewPowerOn(DefaultSettings)},
		{"power off", NewPowerOff()},
		{"status request", NewStatusRequest()},
		{"settings request", NewSettingsRequest()},
		{"settings write", NewSettingsWrite(settings)},
		{"fan mode", NewFanMode(4)},
		{"panel temperature", NewPanelTemperature(19)},
		{"panel temperature max", NewPanelTemperature(255)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, n, err := Decode(Encode(tt.cmd))
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if n != len(Encode(tt.cmd)) {
				t.Errorf("Expected %d bytes consumed, got %d", len(Encode(tt.cmd)), n)
			}
			got, err := DecodeCommand(frame)
			if err != nil {
				t.Fatalf("DecodeCommand error: %v", err)
			}
			if got != tt.cmd {
				t.Errorf("Round trip mismatch: expected %v, got %v", tt.cmd, got)
			}
		})
	}
}

func TestDecodeCommand_HeaterFrame(t *testing.T) {
	frame, _, err := Decode(heaterFrame(MsgStatus, buildStatusPayload(StatusHeating, 0, 20, 5)))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if _, err := DecodeCommand(frame); err == nil {
		t.Error("Expected error decoding a heater frame as a command")
	}
}

// ============================================================
// Decode Tests
// ============================================================

func TestDecode_NeedMoreBytes(t *testing.T) {
	full := Encode(NewSettingsWrite(DefaultSettings))

	for i := 0; i < len(full); i++ {
		frame, n, err := Decode(full[:i])
		if !errors.Is(err, ErrNeedMoreBytes) {
			t.Fatalf("prefix %d: expected ErrNeedMoreBytes, got %v", i, err)
		}
		if frame != nil || n != 0 {
			t.Fatalf("prefix %d: expected nothing consumed, got %d", i, n)
		}
	}
}

func TestDecode_NoPreamble(t *testing.T) {
	data := append([]byte{0x01, 0x02, 0x03}, Encode(NewPowerOff())...)

	_, n, err := Decode(data)
	if !errors.Is(err, ErrNoPreamble) {
		t.Fatalf("Expected ErrNoPreamble, got %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 noise bytes, got %d", n)
	}

	_, n, err = Decode([]byte{0x10, 0x20})
	if !errors.Is(err, ErrNoPreamble) || n != 2 {
		t.Errorf("Expected all bytes dropped as noise, got n=%d err=%v", n, err)
	}
}

func TestDecode_UnknownTypePassesThrough(t *testing.T) {
	data := NewFrame(DeviceHeater, MsgType(0x1C), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}).Bytes()

	frame, n, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if n != len(data) {
		t.Errorf("Expected %d consumed, got %d", len(data), n)
	}
	if KnownType(frame.Type) {
		t.Error("Type 0x1C should be unknown")
	}
}

func TestDecode_LengthMismatch(t *testing.T) {
	// Valid CRC but a status reply must carry 19 bytes
	data := heaterFrame(MsgStatus, []byte{0x03, 0x00, 0x00})

	frame, n, err := Decode(data)
	if !IsLengthError(err) {
		t.Fatalf("Expected length error, got %v", err)
	}
	if frame != nil {
		t.Error("Frame must not be returned on length error")
	}
	if n != len(data) {
		t.Errorf("Expected whole frame consumed (%d), got %d", len(data), n)
	}
}

func TestDecode_OversizedLength(t *testing.T) {
	data := []byte{0xAA, 0x04, 0x41, 0x00, 0x0F}

	_, n, err := Decode(data)
	if !IsLengthError(err) {
		t.Fatalf("Expected length error, got %v", err)
	}
	if n != 1 {
		t.Errorf("Expected only the preamble consumed, got %d", n)
	}
}

func TestDecode_SingleByteCorruption(t *testing.T) {
	original := heaterFrame(MsgStatus, buildStatusPayload(StatusHeating, 0, 21, -3))

	// Length byte corruption may legitimately turn into a length or
	// need-more result. Every other position must fail the checksum.
	for pos := 1; pos < len(original); pos++ {
		if pos == 2 {
			continue
		}
		for _, flip := range []byte{0x01, 0x80, 0xFF} {
			data := make([]byte, len(original))
			copy(data, original)
			data[pos] ^= flip

			frame, n, err := Decode(data)
			if frame != nil {
				t.Fatalf("pos %d flip 0x%02X: corrupted frame accepted", pos, flip)
			}
			if !IsChecksumError(err) {
				t.Fatalf("pos %d flip 0x%02X: expected checksum error, got %v", pos, flip, err)
			}
			if n != 1 {
				t.Fatalf("pos %d flip 0x%02X: expected 1 byte consumed, got %d", pos, flip, n)
			}
		}
	}
}

func TestDecode_ChecksumErrorFields(t *testing.T) {
	data := Encode(NewPowerOff())
	data[len(data)-1] ^= 0x01

	_, _, err := Decode(data)
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *FrameError, got %T", err)
	}
	if fe.Kind != FrameChecksumError {
		t.Errorf("Expected checksum kind, got %s", fe.Kind)
	}
	if fe.Expected != 0x5D7C || fe.Received != 0x5D7D {
		t.Errorf("Unexpected CRCs: expected=0x%04X received=0x%04X", fe.Expected, fe.Received)
	}
	if !strings.Contains(fe.Error(), "CRC mismatch") {
		t.Errorf("Unexpected message %q", fe.Error())
	}
}

// ============================================================
// Decoder Tests
// ============================================================

// drain pulls every complete item from the decoder
func drain(d *Decoder) (frames []*Frame, consumed []byte, errs []error) {
	for {
		frame, raw, err := d.Next()
		if raw == nil {
			return
		}
		consumed = append(consumed, raw...)
		if frame != nil {
			frames = append(frames, frame)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
}

func TestDecoder_Resync(t *testing.T) {
	badCRC := Encode(NewSettingsWrite(DefaultSettings))
	badCRC[7] ^= 0x55

	// A corrupt voltage byte reads as a preamble whose declared length runs
	// past the frames that follow
	status := buildStatusPayload(StatusHeating, 0, 20, 5)
	status[8] = 55
	falseHeader := heaterFrame(MsgStatus, status)
	falseHeader[HeaderSize+6] = Preamble

	var statusFrames [][]byte
	for i := 0; i < 5; i++ {
		statusFrames = append(statusFrames, heaterFrame(MsgStatus, buildStatusPayload(StatusHeating, 0, int8(i), 0)))
	}
	requests := [][]byte{Encode(NewSettingsRequest()), Encode(NewSettingsRequest())}

	tests := []struct {
		name    string
		corrupt []byte
		valid   [][]byte
	}{
		{"checksum mismatch", badCRC, statusFrames},
		{"false header with long length", falseHeader, requests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := append([]byte{}, tt.corrupt...)
			for _, v := range tt.valid {
				stream = append(stream, v...)
			}

			d := NewDecoder()
			d.Write(stream)
			frames, consumed, _ := drain(d)

			if len(frames) != len(tt.valid) {
				t.Fatalf("Expected %d frames after resync, got %d (%d bytes buffered)", len(tt.valid), len(frames), d.Buffered())
			}
			for i, f := range frames {
				if !bytes.Equal(f.Bytes(), tt.valid[i]) {
					t.Errorf("frame %d: expected % X, got % X", i, tt.valid[i], f.Bytes())
				}
			}
			if !bytes.Equal(consumed, stream) {
				t.Error("Consumed bytes must reproduce the input stream")
			}
			if d.Buffered() != 0 {
				t.Errorf("Expected empty buffer, got %d bytes", d.Buffered())
			}
		})
	}
}

func TestDecode_IncompleteFrameWaits(t *testing.T) {
	data := heaterFrame(MsgStatus, buildStatusPayload(StatusHeating, 0, 20, 5))
	partial := data[:len(data)-1]

	if _, n, err := Decode(partial); n != 0 || !errors.Is(err, ErrNeedMoreBytes) {
		t.Errorf("Expected ErrNeedMoreBytes with nothing consumed, got n=%d err=%v", n, err)
	}
}

func TestDecoder_SplitWrites(t *testing.T) {
	stream := append(Encode(NewStatusRequest()), heaterFrame(MsgSettings, DefaultSettings.Bytes())...)

	d := NewDecoder()
	var frames []*Frame
	for _, b := range stream {
		d.Write([]byte{b})
		got, _, _ := drain(d)
		frames = append(frames, got...)
	}

	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if frames[0].Type != MsgStatus || !frames[0].IsRequest() {
		t.Errorf("First frame should be a status request")
	}
	if frames[1].Type != MsgSettings || !frames[1].FromHeater() {
		t.Errorf("Second frame should be a heater settings reply")
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Write([]byte{0xAA, 0x04})
	if d.Buffered() != 2 {
		t.Fatalf("Expected 2 buffered bytes, got %d", d.Buffered())
	}
	d.Reset()
	if d.Buffered() != 0 {
		t.Errorf("Expected empty buffer after reset")
	}
}

// ============================================================
// Payload Tests
// ============================================================

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(buildStatusPayload(StatusHeating, 0, -5, 18))
	if err != nil {
		t.Fatalf("ParseStatus error: %v", err)
	}
	if s.Code != 0x0300 || s.Text() != "heating" || s.Phase() != PhaseRunning {
		t.Errorf("Unexpected status %04X %q %s", s.Code, s.Text(), s.Phase())
	}
	if s.InternalTemp != -5 || s.ExternalTemp != 18 {
		t.Errorf("Unexpected temperatures %d/%d", s.InternalTemp, s.ExternalTemp)
	}
	if s.Voltage < 12.39 || s.Voltage > 12.41 {
		t.Errorf("Expected 12.4V, got %f", s.Voltage)
	}
	if s.HeaterTemp != 60 {
		t.Errorf("Expected heater 60°C, got %d", s.HeaterTemp)
	}
	if s.FanSpeedSet != 2400 || s.FanSpeedActual != 2340 {
		t.Errorf("Unexpected fan speeds %d/%d", s.FanSpeedSet, s.FanSpeedActual)
	}
	if s.PumpFrequency < 1.49 || s.PumpFrequency > 1.51 {
		t.Errorf("Expected 1.5Hz, got %f", s.PumpFrequency)
	}
	if s.Fault() {
		t.Error("Error code 0 should not be a fault")
	}

	if _, err := ParseStatus(make([]byte, 10)); err == nil {
		t.Error("Expected error for short status payload")
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		code     uint16
		expected string
		phase    Phase
	}{
		{0x0001, "standby", PhaseStandby},
		{0x0100, "cooling flame sensor", PhaseStopping},
		{0x0101, "ventilation", PhaseVentilation},
		{0x0201, "heating glow plug", PhaseStarting},
		{0x0202, "ignition 1", PhaseStarting},
		{0x0203, "ignition 2", PhaseStarting},
		{0x0204, "heating combustion chamber", PhaseStarting},
		{0x0300, "heating", PhaseRunning},
		{0x0323, "only fan", PhaseRunning},
		{0x0304, "cooling down", PhaseStopping},
		{0x0400, "shutting down", PhaseStopping},
		{0x0512, "unknown (0x0512)", PhaseUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := StatusText(tt.code); got != tt.expected {
				t.Errorf("StatusText(0x%04X) = %q, expected %q", tt.code, got, tt.expected)
			}
			if got := PhaseOf(tt.code); got != tt.phase {
				t.Errorf("PhaseOf(0x%04X) = %s, expected %s", tt.code, got, tt.phase)
			}
		})
	}
}

func TestSettings_Flags(t *testing.T) {
	s := DefaultSettings
	if s.WorkTimeEnabled() {
		t.Error("Default settings have work time off")
	}
	s = s.WithWorkTimeEnabled(true).WithWaitModeEnabled(false)
	if s.UseWorkTime != 0 || s.WaitMode != 2 {
		t.Errorf("Unexpected wire values use_work_time=%d wait_mode=%d", s.UseWorkTime, s.WaitMode)
	}
	if !s.WithWaitModeEnabled(true).WaitModeEnabled() {
		t.Error("Wait mode should be enabled")
	}
}

func TestPanelRaw(t *testing.T) {
	tests := []struct {
		in      float64
		raw     byte
		clamped float64
	}{
		{23.0, 23, 23.0},
		{22.5, 23, 22.5},
		{22.4, 22, 22.4},
		{-10, 0, -10},
		{-100, 0, -40},
		{300, 215, 215},
	}

	for _, tt := range tests {
		raw, clamped := PanelRaw(tt.in)
		if raw != tt.raw || clamped != tt.clamped {
			t.Errorf("PanelRaw(%v) = %d, %v; expected %d, %v", tt.in, raw, clamped, tt.raw, tt.clamped)
		}
	}
}

func TestTemperatureSourceLabels(t *testing.T) {
	for i, label := range SourceLabels {
		src, ok := SourceFromIndex(i)
		if !ok {
			t.Fatalf("index %d not resolvable", i)
		}
		if src.String() != label {
			t.Errorf("index %d: expected %q, got %q", i, label, src.String())
		}
	}
	if _, ok := ParseTemperatureSource("bogus"); ok {
		t.Error("Unknown label should not parse")
	}
	if _, ok := SourceFromIndex(len(SourceLabels)); ok {
		t.Error("Out of range index should not resolve")
	}
}

// ============================================================
// Validator, Formatter and Statistics Tests
// ============================================================

func TestValidateFrame(t *testing.T) {
	good := NewFrame(DeviceHeater, MsgStatus, buildStatusPayload(StatusHeating, 0, 20, 10))
	if errs := ValidateFrame(good); len(errs) != 0 {
		t.Errorf("Expected no anomalies, got %v", errs)
	}

	p := buildStatusPayload(StatusHeating, 0, 20, 10)
	p[6] = 250 // 25.0V is fine
	p[12] = 120
	bad := NewFrame(DeviceHeater, MsgStatus, p)
	errs := ValidateFrame(bad)
	if len(errs) != 1 || errs[0].Type != AnomalyHighRPM {
		t.Errorf("Expected one high RPM anomaly, got %v", errs)
	}

	settings := DefaultSettings
	settings.PowerLevel = 12
	settings.TemperatureSource = 9
	errs = ValidateFrame(NewFrame(DeviceController, MsgSettings, settings.Bytes()))
	if len(errs) != 2 {
		t.Errorf("Expected power level and source anomalies, got %v", errs)
	}
}

func TestFormatFrame(t *testing.T) {
	out := FormatFrame(NewFrame(DeviceHeater, MsgStatus, buildStatusPayload(StatusStandby, 0, 20, 10)))
	for _, want := range []string{"HEATER", "STATUS", "standby", "12.4V"} {
		if !strings.Contains(out, want) {
			t.Errorf("FormatFrame output missing %q:\n%s", want, out)
		}
	}

	out = FormatFrame(NewFrame(DeviceController, MsgStatus, nil))
	if !strings.Contains(out, "(request)") {
		t.Errorf("Expected request marker:\n%s", out)
	}

	if got := HexDump([]byte{0xAA, 0x03, 0x0F}); got != "AA 03 0F" {
		t.Errorf("HexDump = %q", got)
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	d := NewDecoder()

	corrupt := Encode(NewPowerOff())
	corrupt[5] ^= 0xFF
	d.Write([]byte{0x00, 0x01})
	d.Write(corrupt)
	d.Write(Encode(NewStatusRequest()))

	for {
		frame, raw, err := d.Next()
		if raw == nil {
			break
		}
		var verrs []ValidationError
		if frame != nil {
			verrs = ValidateFrame(frame)
		}
		s.Update(frame, len(raw), err, verrs)
	}

	if s.ValidFrames != 1 {
		t.Errorf("Expected 1 valid frame, got %d", s.ValidFrames)
	}
	if s.CRCErrors == 0 {
		t.Error("Expected CRC errors to be counted")
	}
	if s.NoiseBytes < 2 {
		t.Errorf("Expected at least 2 noise bytes, got %d", s.NoiseBytes)
	}
	if !strings.Contains(s.String(), "Valid Frames") {
		t.Error("Summary missing valid frame count")
	}

	s.Reset()
	if s.TotalFrames != 0 || s.CRCErrors != 0 {
		t.Error("Reset should clear counters")
	}
}
