// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package devstate merges the frames seen on both buses into one device
// state snapshot.
//
// Every field remembers when and from which bus it was last written. Values
// are never cleared: a field whose bus went silent is flagged stale and keeps
// its last value.
package devstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
)

// DefaultMaxAge is the age after which a bus field counts as stale
const DefaultMaxAge = 30 * time.Second

// Value is one field entry
type Value struct {
	Number  float64
	Text    string
	Set     bool
	Updated time.Time
	Origin  Origin
	Stale   bool
}

// Change reports a field whose value, text or staleness changed
type Change struct {
	Field    Field
	Value    Value
	Previous Value
}

// Model owns the device state. Mutators return the changes they caused;
// Publish hands them to subscribers.
type Model struct {
	mu     sync.RWMutex
	fields map[Field]Value
	maxAge time.Duration

	subMu       sync.RWMutex
	subscribers []func(Change)

	lastStatusAt time.Time
	lastPhase    autoterm.Phase
}

// NewModel creates an empty model. maxAge <= 0 uses DefaultMaxAge.
func NewModel(maxAge time.Duration) *Model {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Model{
		fields: make(map[Field]Value),
		maxAge: maxAge,
	}
}

// Apply merges a decoded frame received on origin's bus
func (m *Model) Apply(f *autoterm.Frame, origin Origin, now time.Time) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change

	switch f.Type {
	case autoterm.MsgStatus:
		if !f.FromHeater() {
			return nil
		}
		s, err := autoterm.ParseStatus(f.Payload)
		if err != nil {
			return nil
		}
		changes = m.applyStatus(s, origin, now)

	case autoterm.MsgSettings, autoterm.MsgPowerOn:
		if len(f.Payload) != autoterm.SettingsPayloadSize {
			return nil
		}
		s, err := autoterm.ParseSettings(f.Payload)
		if err != nil {
			return nil
		}
		changes = m.applySettings(s, origin, now)

	case autoterm.MsgPanelTemperature:
		t, err := autoterm.ParsePanelTemperature(f.Payload)
		if err != nil {
			return nil
		}
		changes = m.appendSet(changes, PanelTemp, float64(t), "", origin, now)
	}

	return changes
}

func (m *Model) applyStatus(s autoterm.Status, origin Origin, now time.Time) []Change {
	var c []Change
	c = m.appendSet(c, StatusCode, float64(s.Code), fmt.Sprintf("0x%04X", s.Code), origin, now)
	c = m.appendSet(c, StatusText, float64(s.Code), s.Text(), origin, now)
	c = m.appendSet(c, ErrorCode, float64(s.ErrorCode), "", origin, now)
	c = m.appendSet(c, InternalTemp, float64(s.InternalTemp), "", origin, now)
	c = m.appendSet(c, ExternalTemp, float64(s.ExternalTemp), "", origin, now)
	c = m.appendSet(c, HeaterTemp, float64(s.HeaterTemp), "", origin, now)
	c = m.appendSet(c, Voltage, s.Voltage, "", origin, now)
	c = m.appendSet(c, FanSpeedSet, float64(s.FanSpeedSet), "", origin, now)
	c = m.appendSet(c, FanSpeedActual, float64(s.FanSpeedActual), "", origin, now)
	c = m.appendSet(c, PumpFrequency, s.PumpFrequency, "", origin, now)

	return append(c, m.updateRuntime(s.Phase(), now)...)
}

// updateRuntime accumulates running time between consecutive status frames.
// Gaps longer than maxAge are not counted.
func (m *Model) updateRuntime(phase autoterm.Phase, now time.Time) []Change {
	var c []Change

	active := func(p autoterm.Phase) bool {
		return p == autoterm.PhaseStarting || p == autoterm.PhaseRunning
	}

	session := m.fields[SessionRuntime].Number
	if active(phase) && !active(m.lastPhase) {
		session = 0
		c = m.appendSet(c, SessionRuntime, 0, "", OriginLocal, now)
	}

	if !m.lastStatusAt.IsZero() && phase == autoterm.PhaseRunning && m.lastPhase == autoterm.PhaseRunning {
		if dt := now.Sub(m.lastStatusAt); dt > 0 && dt <= m.maxAge {
			total := m.fields[Runtime].Number + dt.Seconds()
			c = m.appendSet(c, Runtime, total, "", OriginLocal, now)
			c = m.appendSet(c, SessionRuntime, session+dt.Seconds(), "", OriginLocal, now)
		}
	}

	m.lastStatusAt = now
	m.lastPhase = phase
	return c
}

func (m *Model) applySettings(s autoterm.Settings, origin Origin, now time.Time) []Change {
	var c []Change
	c = m.appendSet(c, SetTemperature, float64(s.SetTemperature), "", origin, now)
	c = m.appendSet(c, WorkTime, float64(s.WorkTime), "", origin, now)
	c = m.appendSet(c, PowerLevel, float64(s.PowerLevel), "", origin, now)
	c = m.appendSet(c, WaitMode, float64(s.WaitMode), boolText(s.WaitModeEnabled()), origin, now)
	c = m.appendSet(c, UseWorkTime, float64(s.UseWorkTime), boolText(s.WorkTimeEnabled()), origin, now)
	c = m.appendSet(c, HeaterTemperatureSource, float64(s.TemperatureSource), s.TemperatureSource.String(), origin, now)
	return c
}

func (m *Model) appendSet(changes []Change, f Field, number float64, text string, origin Origin, now time.Time) []Change {
	if ch, ok := m.set(f, number, text, origin, now); ok {
		return append(changes, ch)
	}
	return changes
}

// set writes a field honoring the authority rule. The caller holds mu.
func (m *Model) set(f Field, number float64, text string, origin Origin, now time.Time) (Change, bool) {
	prev := m.fields[f]

	if auth, ok := authority[f]; ok && origin != auth {
		if prev.Set && prev.Origin == auth && !m.stale(prev, now) {
			return Change{}, false
		}
	}

	next := Value{
		Number:  number,
		Text:    text,
		Set:     true,
		Updated: now,
		Origin:  origin,
	}
	m.fields[f] = next

	if prev.Set && prev.Number == number && prev.Text == text && !prev.Stale {
		return Change{}, false
	}
	return Change{Field: f, Value: next, Previous: prev}, true
}

func (m *Model) stale(v Value, now time.Time) bool {
	if !v.Set || v.Stale {
		return true
	}
	return v.Origin != OriginLocal && now.Sub(v.Updated) > m.maxAge
}

// SetLocal writes a locally derived field
func (m *Model) SetLocal(f Field, number float64, text string, now time.Time) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.set(f, number, text, OriginLocal, now); ok {
		return []Change{ch}
	}
	return nil
}

// SetBusConnected records bus connectivity. Losing a bus flags every field
// last written by it as stale.
func (m *Model) SetBusConnected(origin Origin, connected bool, now time.Time) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	field := HeaterConnected
	if origin == OriginDisplay {
		field = DisplayConnected
	}

	var changes []Change
	n := 0.0
	if connected {
		n = 1
	}
	changes = m.appendSet(changes, field, n, boolText(connected), OriginLocal, now)

	if connected {
		return changes
	}

	for _, f := range Fields {
		v, ok := m.fields[f]
		if !ok || v.Origin != origin || v.Stale {
			continue
		}
		prev := v
		v.Stale = true
		m.fields[f] = v
		changes = append(changes, Change{Field: f, Value: v, Previous: prev})
	}
	return changes
}

// Expire flags bus fields older than maxAge as stale
func (m *Model) Expire(now time.Time) []Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []Change
	for _, f := range Fields {
		v, ok := m.fields[f]
		if !ok || v.Stale || v.Origin == OriginLocal {
			continue
		}
		if now.Sub(v.Updated) <= m.maxAge {
			continue
		}
		prev := v
		v.Stale = true
		m.fields[f] = v
		changes = append(changes, Change{Field: f, Value: v, Previous: prev})
	}
	return changes
}

// Get returns a field with its age-derived staleness applied
func (m *Model) Get(f Field, now time.Time) Value {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.fields[f]
	v.Stale = m.stale(v, now) && v.Set
	return v
}

// IsStale reports whether a field is absent, flagged stale or older than maxAge
func (m *Model) IsStale(f Field, maxAge time.Duration, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.fields[f]
	if !ok || !v.Set || v.Stale {
		return true
	}
	return maxAge > 0 && now.Sub(v.Updated) > maxAge
}

// Snapshot returns a copy of every field with staleness evaluated at now
func (m *Model) Snapshot(now time.Time) DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := make(DeviceState, len(m.fields))
	for f, v := range m.fields {
		v.Stale = m.stale(v, now)
		state[f] = v
	}
	return state
}

// Settings returns the last known heater settings, falling back to
// defaults for every field never reported
func (m *Model) Settings() autoterm.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return DeviceState(m.fields).Settings()
}

// Subscribe registers fn for every published change
func (m *Model) Subscribe(fn func(Change)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Publish delivers changes to subscribers in order
func (m *Model) Publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	m.subMu.RLock()
	subs := make([]func(Change), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.RUnlock()

	for _, ch := range changes {
		for _, fn := range subs {
			fn(ch)
		}
	}
}

func boolText(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
