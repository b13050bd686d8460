// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package engine drives the heater link from a single cooperative tick:
// both bus sessions, the device state model, the thermostat and the virtual
// panel advance together, and user actions are applied between ticks.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/bus"
	"github.com/Thermoquad/autoterm/pkg/devstate"
	"github.com/Thermoquad/autoterm/pkg/thermostat"
	"github.com/Thermoquad/autoterm/pkg/vpanel"
)

// DefaultTickPeriod is the loop period used by Run when none is given
const DefaultTickPeriod = 100 * time.Millisecond

// Config assembles the engine components
type Config struct {
	Bus        bus.Config // timeouts and queue, shared by both buses
	Thermostat thermostat.Config
	Panel      vpanel.Config
	MaxAge     time.Duration // bus field staleness
	Forward    bool          // relay bytes between display and heater
	Logger     logrus.FieldLogger
}

// DefaultConfig returns a forwarding engine with stock controller settings
func DefaultConfig() Config {
	return Config{
		Thermostat: thermostat.DefaultConfig(),
		Forward:    true,
	}
}

// Engine owns every component. All mutation happens inside Tick; other
// goroutines go through the action queue and the snapshot accessors.
type Engine struct {
	cfg Config
	log logrus.FieldLogger

	display *bus.Session // nil when no display is attached
	heater  *bus.Session
	model   *devstate.Model
	ctrl    *thermostat.Controller
	panel   *vpanel.Panel

	actionMu sync.Mutex
	actions  []func()

	pendingSettings *autoterm.Settings
	started         bool

	statusMu   sync.RWMutex
	ctrlStatus thermostat.Status
	busStats   map[string]bus.Stats
	ticks      uint64
}

// New creates an engine. displayPort may be nil to run without a panel.
func New(displayPort, heaterPort bus.Port, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg.Bus.Logger = logger

	e := &Engine{
		cfg:   cfg,
		log:   logger.WithField("component", "engine"),
		model: devstate.NewModel(cfg.MaxAge),
		panel: vpanel.New(cfg.Panel),
	}
	e.ctrl = thermostat.New(cfg.Thermostat, e.panel, logger)

	heaterCfg := cfg.Bus
	heaterCfg.Name = "heater"
	e.heater = bus.NewSession(heaterPort, heaterCfg)

	if displayPort != nil {
		displayCfg := cfg.Bus
		displayCfg.Name = "display"
		e.display = bus.NewSession(displayPort, displayCfg)
		if cfg.Forward {
			e.display.SetPeer(e.heater)
			e.display.SetFilter(e.panel.Suppress)
			e.heater.SetPeer(e.display)
		}
	}

	e.ctrlStatus = e.ctrl.Status()
	e.busStats = make(map[string]bus.Stats)
	return e
}

// Run ticks every period until ctx is canceled
func (e *Engine) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			e.Tick(now)
		}
	}
}

// Tick runs one pass of the loop. It never blocks on I/O.
func (e *Engine) Tick(now time.Time) {
	var changes []devstate.Change

	// User actions queued since the last tick
	for _, action := range e.drainActions() {
		action()
	}

	// Poll both buses and merge frames in per-bus order
	type polled struct {
		session *bus.Session
		origin  devstate.Origin
		frames  []*autoterm.Frame
		was     bool
	}
	var sessions []polled
	if e.display != nil {
		sessions = append(sessions, polled{session: e.display, origin: devstate.OriginDisplay})
	}
	sessions = append(sessions, polled{session: e.heater, origin: devstate.OriginHeater})

	for i := range sessions {
		p := &sessions[i]
		p.was = p.session.Connected()
		p.frames = p.session.Poll(now)
	}
	for _, p := range sessions {
		if !p.was && p.session.Connected() {
			changes = append(changes, e.model.SetBusConnected(p.origin, true, now)...)
		}
		for _, f := range p.frames {
			changes = append(changes, e.model.Apply(f, p.origin, now)...)
		}
	}

	if e.heater.Pending() == 0 {
		e.pendingSettings = nil
	}

	// Silence detection. A bus quiet since startup reads as off.
	for _, p := range sessions {
		if p.session.CheckTimeout(now) || (!e.started && !p.session.Connected()) {
			changes = append(changes, e.model.SetBusConnected(p.origin, false, now)...)
		}
	}
	e.started = true
	if e.display == nil {
		changes = append(changes, e.model.SetLocal(devstate.DisplayConnected, 0, "off", now)...)
	}
	changes = append(changes, e.model.Expire(now)...)

	// Controller and virtual panel
	snap := e.model.Snapshot(now)
	for _, cmd := range e.ctrl.Step(now, snap) {
		e.sendControl(cmd)
	}
	for _, cmd := range e.panel.Due(now, e.displayConnected()) {
		e.heater.Send(cmd)
	}

	changes = append(changes, e.publishLocal(snap, now)...)

	e.heater.Flush(now)

	e.statusMu.Lock()
	e.ctrlStatus = e.ctrl.Status()
	e.busStats["heater"] = e.heater.Stats()
	if e.display != nil {
		e.busStats["display"] = e.display.Stats()
	}
	e.ticks++
	e.statusMu.Unlock()

	e.model.Publish(changes)
}

// publishLocal refreshes the locally derived fields
func (e *Engine) publishLocal(snap devstate.DeviceState, now time.Time) []devstate.Change {
	var changes []devstate.Change

	sp := e.ctrl.Setpoint()
	text := e.panel.SourceText(sp.Source, sp.DefaultSource, snap, now)
	src := sp.Source
	if r, err := e.panel.Resolve(sp.Source, sp.DefaultSource, snap, now); err == nil {
		src = r.Source
	}
	changes = append(changes, e.model.SetLocal(devstate.TemperatureSource, float64(src), text, now)...)

	if v, ok := e.panel.Temperature(); ok {
		changes = append(changes, e.model.SetLocal(devstate.VirtualPanelTemp, v, "", now)...)
	}
	return changes
}

func (e *Engine) displayConnected() bool {
	return e.display != nil && e.display.Connected()
}

func (e *Engine) drainActions() []func() {
	e.actionMu.Lock()
	defer e.actionMu.Unlock()
	actions := e.actions
	e.actions = nil
	return actions
}

// enqueue schedules fn for the next tick
func (e *Engine) enqueue(fn func()) {
	e.actionMu.Lock()
	e.actions = append(e.actions, fn)
	e.actionMu.Unlock()
}

// Snapshot returns the device state as of now
func (e *Engine) Snapshot() devstate.DeviceState {
	return e.model.Snapshot(time.Now())
}

// ControllerStatus returns the thermostat status as of the last tick
func (e *Engine) ControllerStatus() thermostat.Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.ctrlStatus
}

// BusStats returns per-bus counters as of the last tick
func (e *Engine) BusStats() map[string]bus.Stats {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	out := make(map[string]bus.Stats, len(e.busStats))
	for k, v := range e.busStats {
		out[k] = v
	}
	return out
}

// Ticks returns the number of completed ticks
func (e *Engine) Ticks() uint64 {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.ticks
}

// Subscribe registers fn for every device state change
func (e *Engine) Subscribe(fn func(devstate.Change)) {
	e.model.Subscribe(fn)
}
