// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/devstate"
	"github.com/Thermoquad/autoterm/pkg/thermostat"
)

// ============================================================
// Test Helpers
// ============================================================

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakePort struct {
	rx []byte
	tx bytes.Buffer
}

func (p *fakePort) ReadAvailable(b []byte) (int, error) {
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.tx.Write(b)
}

func (p *fakePort) inject(data []byte) {
	p.rx = append(p.rx, data...)
}

// frames decodes everything written to the port so far
func (p *fakePort) frames() []*autoterm.Frame {
	d := autoterm.NewDecoder()
	d.Write(p.tx.Bytes())
	var out []*autoterm.Frame
	for {
		f, raw, _ := d.Next()
		if raw == nil {
			return out
		}
		if f != nil {
			out = append(out, f)
		}
	}
}

func newTestEngine(withDisplay bool) (*Engine, *fakePort, *fakePort) {
	l := logrus.New()
	l.SetOutput(io.Discard)

	cfg := DefaultConfig()
	cfg.Logger = l

	heater := &fakePort{}
	var display *fakePort
	if withDisplay {
		display = &fakePort{}
		return New(display, heater, cfg), display, heater
	}
	return New(nil, heater, cfg), nil, heater
}

func statusReply(code uint16, internal int8) []byte {
	p := make([]byte, autoterm.StatusPayloadSize)
	p[0] = byte(code >> 8)
	p[1] = byte(code)
	p[3] = byte(internal)
	p[6] = 124
	return autoterm.NewFrame(autoterm.DeviceHeater, autoterm.MsgStatus, p).Bytes()
}

func controllerFrame(t autoterm.MsgType, payload []byte) []byte {
	return autoterm.NewFrame(autoterm.DeviceController, t, payload).Bytes()
}

// heaterSim answers every command the engine wrote since the last call
type heaterSim struct {
	port     *fakePort
	code     uint16
	temp     int8
	settings autoterm.Settings
	writes   []autoterm.Settings
}

func (h *heaterSim) answer() {
	for _, f := range h.port.frames() {
		switch f.Type {
		case autoterm.MsgStatus:
			h.port.inject(statusReply(h.code, h.temp))
		case autoterm.MsgSettings, autoterm.MsgPowerOn:
			if s, err := autoterm.ParseSettings(f.Payload); err == nil {
				h.settings = s
				if f.Type == autoterm.MsgSettings {
					h.writes = append(h.writes, s)
				}
			}
			h.port.inject(autoterm.NewFrame(autoterm.DeviceHeater, f.Type, h.settings.Bytes()).Bytes())
		}
	}
	h.port.tx.Reset()
}

// tickUntil ticks at 100 ms steps, answering as the heater, until done
// reports true
func tickUntil(t *testing.T, e *Engine, h *heaterSim, now time.Time, done func() bool) time.Time {
	t.Helper()
	for i := 0; i < 100; i++ {
		e.Tick(now)
		h.answer()
		now = now.Add(100 * time.Millisecond)
		if done() {
			return now
		}
	}
	t.Fatalf("Condition not reached, controller %+v", e.ControllerStatus())
	return now
}

// ============================================================
// Forwarding Tests
// ============================================================

func TestTick_ForwardsBothWays(t *testing.T) {
	e, display, heater := newTestEngine(true)

	req := controllerFrame(autoterm.MsgStatus, nil)
	display.inject(req)
	e.Tick(t0)

	if !bytes.Equal(heater.tx.Bytes(), req) {
		t.Fatalf("Display frame not relayed to heater: % X", heater.tx.Bytes())
	}

	reply := statusReply(autoterm.StatusHeating, 20)
	heater.inject(reply)
	e.Tick(t0.Add(100 * time.Millisecond))

	if !bytes.Equal(display.tx.Bytes(), reply) {
		t.Errorf("Heater frame not relayed to display: % X", display.tx.Bytes())
	}

	s := e.model.Snapshot(t0)
	if !s.Connected(devstate.OriginDisplay) || !s.Connected(devstate.OriginHeater) {
		t.Error("Both buses should be connected")
	}
}

// ============================================================
// Display Stand-in Tests
// ============================================================

func TestTick_DisplayTimeout(t *testing.T) {
	e, display, heater := newTestEngine(true)

	var events []devstate.Change
	e.Subscribe(func(c devstate.Change) { events = append(events, c) })

	display.inject(controllerFrame(autoterm.MsgPanelTemperature, []byte{18}))
	e.Tick(t0)
	if !e.model.Snapshot(t0).Fresh(devstate.PanelTemp) {
		t.Fatal("panel_temp should be fresh")
	}

	now := t0
	for i := 0; i < 50; i++ {
		now = now.Add(100 * time.Millisecond)
		e.Tick(now)
	}
	if !e.model.Snapshot(now).Connected(devstate.OriginDisplay) {
		t.Fatal("display should still be connected at 5s")
	}
	heater.tx.Reset()

	events = nil
	now = now.Add(100 * time.Millisecond)
	e.Tick(now)

	s := e.model.Snapshot(now)
	if s.Connected(devstate.OriginDisplay) {
		t.Error("display_connected should be false after the timeout")
	}
	if s.Fresh(devstate.PanelTemp) {
		t.Error("panel_temp should be stale in the same tick")
	}
	stale := false
	for _, ev := range events {
		if ev.Field == devstate.PanelTemp && ev.Value.Stale {
			stale = true
		}
	}
	if !stale {
		t.Error("Expected a stale change event for panel_temp")
	}

	frames := heater.frames()
	if len(frames) == 0 || frames[0].Type != autoterm.MsgStatus || !frames[0].IsRequest() {
		t.Errorf("Expected a status poll once the display is gone, got %d frames", len(frames))
	}
}

func TestTick_SilentBusesPublishOff(t *testing.T) {
	e, _, _ := newTestEngine(true)

	var events []devstate.Change
	e.Subscribe(func(c devstate.Change) { events = append(events, c) })
	e.Tick(t0)

	for _, f := range []devstate.Field{devstate.DisplayConnected, devstate.HeaterConnected} {
		published := false
		for _, ev := range events {
			if ev.Field == f && ev.Value.Set && ev.Value.Number == 0 {
				published = true
			}
		}
		if !published {
			t.Errorf("Expected %s off on the first tick", f)
		}
	}

	events = nil
	e.Tick(t0.Add(100 * time.Millisecond))
	for _, ev := range events {
		if ev.Field == devstate.DisplayConnected {
			t.Errorf("display_connected republished without a change: %+v", ev.Value)
		}
	}
}

// ============================================================
// Virtual Panel Tests
// ============================================================

func TestTick_VirtualPanelOverride(t *testing.T) {
	e, display, heater := newTestEngine(true)

	if err := e.SetVirtualPanelTemperature(23.0); err != nil {
		t.Fatal(err)
	}
	e.SetVirtualPanelOverride(true)
	display.inject(controllerFrame(autoterm.MsgPanelTemperature, []byte{18}))
	e.Tick(t0)

	frames := heater.frames()
	if len(frames) != 1 {
		t.Fatalf("Expected only the injected frame on the heater bus, got %d", len(frames))
	}
	cmd, err := autoterm.DecodeCommand(frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if cmd != autoterm.NewPanelTemperature(23) {
		t.Errorf("Expected injected 23°C, got %v", cmd)
	}

	s := e.model.Snapshot(t0)
	if v, _ := s.Number(devstate.VirtualPanelTemp); v != 23 {
		t.Errorf("Expected virtual_panel_temp 23, got %v", v)
	}
	if v, _ := s.Number(devstate.PanelTemp); v != 18 {
		t.Errorf("Real panel value is still tracked, got %v", v)
	}
	if got := s.Text(devstate.TemperatureSource); got != "virtual panel" {
		t.Errorf("Expected temperature_source virtual panel, got %q", got)
	}
}

// ============================================================
// Action Tests
// ============================================================

func TestActions_SettingsReadModifyWrite(t *testing.T) {
	e, display, heater := newTestEngine(true)

	if err := e.SetTargetTemperature(22); err != nil {
		t.Fatal(err)
	}
	if err := e.SetPowerLevel(5); err != nil {
		t.Fatal(err)
	}
	display.inject(controllerFrame(autoterm.MsgStatus, nil))
	e.Tick(t0)

	var writes []autoterm.Settings
	for _, f := range heater.frames() {
		if f.Type == autoterm.MsgSettings && len(f.Payload) == autoterm.SettingsPayloadSize {
			s, _ := autoterm.ParseSettings(f.Payload)
			writes = append(writes, s)
		}
	}
	if len(writes) != 1 {
		t.Fatalf("Expected one settings write, got %d", len(writes))
	}
	want := autoterm.DefaultSettings
	want.SetTemperature = 22
	want.PowerLevel = 5
	if writes[0] != want {
		t.Errorf("Expected %+v, got %+v", want, writes[0])
	}
}

func TestActions_Validation(t *testing.T) {
	e, _, _ := newTestEngine(false)

	if err := e.SetTargetTemperature(55); !errors.Is(err, thermostat.ErrInvalidSetpoint) {
		t.Errorf("Expected invalid setpoint, got %v", err)
	}
	if err := e.SetWorkTime(300); !errors.Is(err, thermostat.ErrInvalidSetpoint) {
		t.Errorf("Expected invalid setpoint, got %v", err)
	}
	if err := e.SetTemperatureSource("bogus"); err == nil {
		t.Error("Unknown label must be rejected")
	}
	if err := e.SetDefaultSensor(3); err == nil {
		t.Error("Index of the none option must be rejected")
	}
}

func TestActions_TemperatureSourceVirtualUsesPanelInput(t *testing.T) {
	e, _, heater := newTestEngine(false)

	if err := e.SetTemperatureSource(autoterm.LabelVirtual); err != nil {
		t.Fatal(err)
	}
	e.Tick(t0)

	frames := heater.frames()
	if len(frames) != 1 {
		t.Fatalf("Expected one frame, got %d", len(frames))
	}
	s, err := autoterm.ParseSettings(frames[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if s.TemperatureSource != autoterm.SourcePanel {
		t.Errorf("Virtual panel should select the heater panel input, got %d", s.TemperatureSource)
	}
}

// ============================================================
// Thermostat Integration Tests
// ============================================================

func TestTick_ThermostatStart(t *testing.T) {
	e, _, heater := newTestEngine(false)

	e.SetMode(thermostat.ModeHeat)
	heater.inject(statusReply(autoterm.StatusStandby, 15))
	e.Tick(t0)

	frames := heater.frames()
	if len(frames) == 0 || frames[0].Type != autoterm.MsgPowerOn {
		t.Fatalf("Expected POWER_ON first, got %d frames", len(frames))
	}
	cmd, _ := autoterm.DecodeCommand(frames[0])
	if cmd.Settings.TemperatureSource != autoterm.SourceNone || cmd.Settings.PowerLevel != 8 {
		t.Errorf("Unexpected POWER_ON settings %+v", cmd.Settings)
	}
	if st := e.ControllerStatus(); st.State != "requesting" {
		t.Errorf("Expected requesting, got %s", st.State)
	}
}

func TestTick_SettingsOverlayKeepsBothWriters(t *testing.T) {
	e, _, heater := newTestEngine(false)
	sim := &heaterSim{port: heater, code: autoterm.StatusStandby, temp: 15, settings: autoterm.DefaultSettings}

	e.SetMode(thermostat.ModeHeat)
	now := tickUntil(t, e, sim, t0, func() bool { return e.ControllerStatus().State == "requesting" })
	sim.code = autoterm.StatusHeating
	now = tickUntil(t, e, sim, now, func() bool { return e.ControllerStatus().State == "running" })

	// A user write lands in the same tick the thermostat switches to hold
	if err := e.SetWorkTime(30); err != nil {
		t.Fatal(err)
	}
	sim.temp = 25
	heater.inject(statusReply(autoterm.StatusHeating, 25))
	now = tickUntil(t, e, sim, now, func() bool { return e.ControllerStatus().Regulation == "holding" })

	hold := e.ControllerStatus().LastLevel
	if hold == 8 {
		t.Fatalf("Expected a reduced hold level, got %d", hold)
	}
	now = tickUntil(t, e, sim, now, func() bool { return e.heater.Pending() == 0 && sim.settings.PowerLevel == hold })
	if sim.settings.WorkTime != 30 {
		t.Errorf("User work time lost: heater has %+v", sim.settings)
	}

	// A later user write keeps the hold level
	if err := e.SetWorkTime(45); err != nil {
		t.Fatal(err)
	}
	tickUntil(t, e, sim, now, func() bool { return e.heater.Pending() == 0 && sim.settings.WorkTime == 45 })

	last := sim.writes[len(sim.writes)-1]
	if last.WorkTime != 45 || last.PowerLevel != hold || last.TemperatureSource != autoterm.SourceNone {
		t.Errorf("Expected work time 45 at hold level %d without heater regulation, got %+v", hold, last)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	e, _, _ := newTestEngine(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, 5*time.Millisecond) }()

	deadline := time.Now().Add(2 * time.Second)
	for e.Ticks() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if e.Ticks() < 2 {
		t.Errorf("Expected at least 2 ticks, got %d", e.Ticks())
	}
}

// ============================================================
// Control Tests
// ============================================================

func TestControl(t *testing.T) {
	tests := []struct {
		name    string
		control string
		value   string
		wantErr bool
	}{
		{"power on", ControlPower, "on", false},
		{"power fan", ControlPower, "FAN", false},
		{"power bogus", ControlPower, "maybe", true},
		{"mode heat", ControlMode, "heat", false},
		{"mode bogus", ControlMode, "cool", true},
		{"target", ControlTargetTemperature, "21.5", false},
		{"target out of range", ControlTargetTemperature, "41", true},
		{"target not a number", ControlTargetTemperature, "warm", true},
		{"wait mode", ControlWaitMode, "on", false},
		{"wait mode bogus", ControlWaitMode, "yes please", true},
		{"source", ControlTemperatureSource, autoterm.LabelExternal, false},
		{"default sensor", ControlDefaultSensor, "2", false},
		{"default sensor text", ControlDefaultSensor, "two", true},
		{"hysteresis on", ControlHysteresisOn, "2.5", false},
		{"hysteresis off", ControlHysteresisOff, "3", true},
		{"virtual temp", ControlVirtualPanelTemp, "23", false},
		{"override", ControlVirtualPanelOverride, "true", false},
		{"unknown", "turbo", "on", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(false)
			err := e.Control(tt.control, tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("Control(%s, %s) error = %v, wantErr %v", tt.control, tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestControl_UnknownIsSentinel(t *testing.T) {
	e, _, _ := newTestEngine(false)
	if err := e.Control("turbo", "on"); !errors.Is(err, ErrUnknownControl) {
		t.Errorf("Expected ErrUnknownControl, got %v", err)
	}
}

func TestControl_HysteresisKeepsOtherBand(t *testing.T) {
	e, _, _ := newTestEngine(false)
	if err := e.Control(ControlHysteresisOn, "3"); err != nil {
		t.Fatal(err)
	}
	e.Tick(t0)

	st := e.ControllerStatus()
	if st.HysteresisOn != 3 || st.HysteresisOff != 1 {
		t.Errorf("Expected bands 3/1, got %v/%v", st.HysteresisOn, st.HysteresisOff)
	}
}

func TestControlNames(t *testing.T) {
	names := ControlNames()
	if len(names) != 14 {
		t.Errorf("Expected 14 controls, got %d", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("Names not sorted at %d: %s > %s", i, names[i-1], names[i])
		}
	}
}

func TestParseSwitch(t *testing.T) {
	for _, v := range []string{"on", "ON", "true", "1", " on "} {
		if on, err := ParseSwitch(v); err != nil || !on {
			t.Errorf("ParseSwitch(%q) = %v, %v", v, on, err)
		}
	}
	for _, v := range []string{"off", "false", "0"} {
		if on, err := ParseSwitch(v); err != nil || on {
			t.Errorf("ParseSwitch(%q) = %v, %v", v, on, err)
		}
	}
	if _, err := ParseSwitch("perhaps"); err == nil {
		t.Error("Expected an error for perhaps")
	}
}
