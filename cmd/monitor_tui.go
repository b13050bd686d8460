// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/autoterm/pkg/bus"
	"github.com/Thermoquad/autoterm/pkg/devstate"
	"github.com/Thermoquad/autoterm/pkg/engine"
	"github.com/Thermoquad/autoterm/pkg/thermostat"
)

// Focus states
const (
	focusControls = iota
	focusValue
)

// controlHints shows the accepted values under each control
var controlHints = map[string]string{
	engine.ControlPower:                "on, off or fan",
	engine.ControlMode:                 "off or heat",
	engine.ControlFanLevel:             "fan level 0-9",
	engine.ControlTargetTemperature:    "°C",
	engine.ControlPowerLevel:           "power level 0-9",
	engine.ControlWorkTime:             "minutes",
	engine.ControlWaitMode:             "on or off",
	engine.ControlUseWorkTime:          "on or off",
	engine.ControlTemperatureSource:    "source label",
	engine.ControlDefaultSensor:        "option index",
	engine.ControlHysteresisOn:         "°C below target",
	engine.ControlHysteresisOff:        "°C above target",
	engine.ControlVirtualPanelTemp:     "°C",
	engine.ControlVirtualPanelOverride: "on or off",
}

// control is one entry of the control list
type control struct {
	name string
}

// Implement list.Item interface
func (c control) Title() string       { return c.name }
func (c control) Description() string { return controlHints[c.name] }
func (c control) FilterValue() string { return c.name }

// fieldGroups lays out the state panel
var fieldGroups = []struct {
	title  string
	fields []devstate.Field
}{
	{"Heater", []devstate.Field{
		devstate.StatusText, devstate.ErrorCode, devstate.Voltage,
		devstate.HeaterTemp, devstate.FanSpeedSet, devstate.FanSpeedActual,
		devstate.PumpFrequency, devstate.Runtime, devstate.SessionRuntime,
	}},
	{"Temperatures", []devstate.Field{
		devstate.InternalTemp, devstate.ExternalTemp, devstate.PanelTemp,
		devstate.VirtualPanelTemp, devstate.TemperatureSource,
	}},
	{"Settings", []devstate.Field{
		devstate.SetTemperature, devstate.PowerLevel, devstate.WorkTime,
		devstate.UseWorkTime, devstate.WaitMode, devstate.HeaterTemperatureSource,
	}},
	{"Links", []devstate.Field{
		devstate.HeaterConnected, devstate.DisplayConnected,
	}},
}

var fieldUnits = map[devstate.Field]string{
	devstate.InternalTemp:     "°C",
	devstate.ExternalTemp:     "°C",
	devstate.HeaterTemp:       "°C",
	devstate.PanelTemp:        "°C",
	devstate.VirtualPanelTemp: "°C",
	devstate.SetTemperature:   "°C",
	devstate.Voltage:          "V",
	devstate.FanSpeedSet:      "rpm",
	devstate.FanSpeedActual:   "rpm",
	devstate.PumpFrequency:    "Hz",
	devstate.WorkTime:         "min",
}

// Messages
type monitorTickMsg time.Time
type changeMsg devstate.Change
type logEntryMsg struct {
	timestamp time.Time
	message   string
	isError   bool
}
type connectionLostMsg struct {
	err error
}

// Controller is the part of the engine the monitor drives
type Controller interface {
	Snapshot() devstate.DeviceState
	ControllerStatus() thermostat.Status
	BusStats() map[string]bus.Stats
	Control(name, value string) error
}

// monitorModel is the bubbletea model of the monitor command
type monitorModel struct {
	engine   Controller
	connInfo string

	snapshot devstate.DeviceState
	status   thermostat.Status
	busStats map[string]bus.Stats

	controls   list.Model
	valueInput textinput.Model
	focus      int

	errorLog      []errorLogEntry
	maxLogEntries int

	override       bool
	connectionLost bool
	started        time.Time
	width          int
	height         int
	quitting       bool
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(b *bridge) monitorModel {
	info := "heater " + b.heaterInfo
	if b.displayInfo != "" {
		info += " | display " + b.displayInfo
	}
	return newMonitorModel(b.engine, info)
}

func newMonitorModel(e Controller, connInfo string) monitorModel {
	// Initialize text input for control values
	ti := textinput.New()
	ti.Placeholder = "value"
	ti.CharLimit = 40
	ti.Width = 24

	// Initialize control list
	names := engine.ControlNames()
	items := make([]list.Item, len(names))
	for i, name := range names {
		items[i] = control{name: name}
	}
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	controls := list.New(items, delegate, 30, 20)
	controls.Title = "Controls"
	controls.SetShowStatusBar(false)
	controls.SetShowHelp(false)
	controls.SetFilteringEnabled(false)

	return monitorModel{
		engine:        e,
		connInfo:      connInfo,
		snapshot:      e.Snapshot(),
		status:        e.ControllerStatus(),
		busStats:      e.BusStats(),
		controls:      controls,
		valueInput:    ti,
		focus:         focusControls,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		started:       time.Now(),
		width:         100,
		height:        30,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.controls.SetSize(30, max(10, m.height-12))

	case monitorTickMsg:
		m.refresh()
		return m, monitorTickCmd()

	case changeMsg:
		if m.snapshot == nil {
			m.snapshot = devstate.DeviceState{}
		}
		m.snapshot[msg.Field] = msg.Value
		m.addLogEntry(describeChange(devstate.Change(msg)), false)

	case logEntryMsg:
		m.errorLog = append(m.errorLog, errorLogEntry(msg))
		m.trimLog()

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry(fmt.Sprintf("Heater connection lost: %v", msg.err), true)
	}

	return m, nil
}

// refresh copies the engine state into the model
func (m *monitorModel) refresh() {
	m.snapshot = m.engine.Snapshot()
	m.status = m.engine.ControllerStatus()
	m.busStats = m.engine.BusStats()
}

func (m *monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "shift+tab":
		m.setFocus(1 - m.focus)
		return m, nil

	case "esc":
		m.valueInput.SetValue("")
		m.setFocus(focusControls)
		return m, nil

	case "enter":
		if m.focus == focusControls {
			m.setFocus(focusValue)
			return m, nil
		}
		m.applySelected(m.valueInput.Value())
		m.valueInput.SetValue("")
		m.setFocus(focusControls)
		return m, nil
	}

	if m.focus == focusValue {
		var cmd tea.Cmd
		m.valueInput, cmd = m.valueInput.Update(msg)
		return m, cmd
	}

	// Shortcuts only apply while the list has focus
	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "o":
		m.apply(engine.ControlPower, "on")
		return m, nil
	case "x":
		m.apply(engine.ControlPower, "off")
		return m, nil
	case "f":
		m.apply(engine.ControlPower, "fan")
		return m, nil
	case "v":
		m.apply(engine.ControlVirtualPanelOverride, strconv.FormatBool(!m.override))
		return m, nil
	}

	var cmd tea.Cmd
	m.controls, cmd = m.controls.Update(msg)
	return m, cmd
}

func (m *monitorModel) setFocus(focus int) {
	m.focus = focus
	if focus == focusValue {
		if c, ok := m.controls.SelectedItem().(control); ok {
			m.valueInput.Placeholder = controlHints[c.name]
		}
		m.valueInput.Focus()
	} else {
		m.valueInput.Blur()
	}
}

// applySelected applies value to the selected control
func (m *monitorModel) applySelected(value string) {
	c, ok := m.controls.SelectedItem().(control)
	if !ok {
		return
	}
	m.apply(c.name, value)
}

// apply sends a control and reports whether it was accepted
func (m *monitorModel) apply(name, value string) bool {
	// Don't allow control commands while connection is lost
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return false
	}
	if err := m.engine.Control(name, value); err != nil {
		var invalid *thermostat.InvalidSetpointError
		if errors.As(err, &invalid) {
			m.addLogEntry(fmt.Sprintf("%s rejected: %v", name, err), true)
			return false
		}
		m.addLogEntry(fmt.Sprintf("%s: %v", name, err), true)
		return false
	}
	if name == engine.ControlVirtualPanelOverride {
		if on, err := engine.ParseSwitch(value); err == nil {
			m.override = on
		}
	}
	m.addLogEntry(fmt.Sprintf("%s = %s", name, value), false)
	return true
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.errorLog = append(m.errorLog, errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	m.trimLog()
}

// Keep only last N entries
func (m *monitorModel) trimLog() {
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// describeChange renders a change for the event log
func describeChange(c devstate.Change) string {
	if c.Value.Stale && !c.Previous.Stale {
		return fmt.Sprintf("%s stale", c.Field)
	}
	return fmt.Sprintf("%s: %s -> %s", c.Field, formatField(c.Field, c.Previous), formatField(c.Field, c.Value))
}

// formatField renders a value with its unit
func formatField(f devstate.Field, v devstate.Value) string {
	if !v.Set {
		return "-"
	}
	if v.Text != "" {
		return v.Text
	}
	switch f {
	case devstate.Runtime, devstate.SessionRuntime:
		return formatUptime(uint64(v.Number * 1000))
	case devstate.ErrorCode:
		return fmt.Sprintf("0x%02X", uint8(v.Number))
	}
	s := strconv.FormatFloat(v.Number, 'f', -1, 64)
	if unit := fieldUnits[f]; unit != "" {
		s += " " + unit
	}
	return s
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("AUTOTERM MONITOR"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = errorStyle.Render("HEATER CONNECTION LOST")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch o/x/f=on/off/fan v=override", connStatus)))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf(" %s %s\n\n",
		statsLabelStyle.Render("Uptime:"),
		statsValueStyle.Render(formatUptime(uint64(time.Since(m.started).Milliseconds())))))

	// Left column: controls and value input
	listStyle, inputStyle := focusedBoxStyle, boxStyle
	if m.focus == focusValue {
		listStyle, inputStyle = boxStyle, focusedBoxStyle
	}
	left := lipgloss.JoinVertical(lipgloss.Left,
		listStyle.Render(m.controls.View()),
		inputStyle.Render(m.valueInput.View()),
	)

	// Right column: state, thermostat and buses
	right := lipgloss.JoinVertical(lipgloss.Left,
		boxStyle.Render(m.renderState(statsLabelStyle, statsValueStyle, headerStyle, errorStyle)),
		boxStyle.Render(m.renderThermostat(statsLabelStyle, statsValueStyle, warningStyle)),
		boxStyle.Render(m.renderBuses(statsLabelStyle, statsValueStyle, errorStyle)),
	)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	s.WriteString("\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	logHeight := m.height - lipgloss.Height(s.String()) - 3
	s.WriteString(renderEventLog(m.errorLog, logHeight, m.width, headerStyle, errorStyle, warningStyle, boxStyle))

	return s.String()
}

func (m monitorModel) renderState(labelStyle, valueStyle, staleStyle, errorStyle lipgloss.Style) string {
	var s strings.Builder
	for i, group := range fieldGroups {
		if i > 0 {
			s.WriteString("\n")
		}
		s.WriteString(labelStyle.Render(group.title))
		s.WriteString("\n")
		for _, f := range group.fields {
			v := m.snapshot[f]
			style := valueStyle
			switch {
			case !v.Set || v.Stale:
				style = staleStyle
			case f == devstate.ErrorCode && v.Number != 0:
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("  %-26s %s\n", f, style.Render(formatField(f, v))))
		}
	}
	return strings.TrimRight(s.String(), "\n")
}

func (m monitorModel) renderThermostat(labelStyle, valueStyle, warningStyle lipgloss.Style) string {
	st := m.status
	var s strings.Builder
	s.WriteString(labelStyle.Render("Thermostat"))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("  %s %s   %s %s   %s %s\n",
		labelStyle.Render("Mode:"), valueStyle.Render(st.Mode),
		labelStyle.Render("State:"), valueStyle.Render(st.State),
		labelStyle.Render("Band:"), valueStyle.Render(st.Regulation),
	))

	reading := "-"
	if st.Temperature != nil {
		reading = fmt.Sprintf("%.1f°C (%s)", *st.Temperature, st.ActiveSource)
	}
	s.WriteString(fmt.Sprintf("  %s %s   %s %.1f°C (-%.1f/+%.1f)\n",
		labelStyle.Render("Reading:"), valueStyle.Render(reading),
		labelStyle.Render("Target:"), st.Target, st.HysteresisOn, st.HysteresisOff,
	))
	s.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %s\n",
		labelStyle.Render("Fan:"), st.FanLevel,
		labelStyle.Render("Power:"), st.PowerLevel,
		labelStyle.Render("Last:"), st.LastLevel,
		labelStyle.Render("Source:"), st.Source,
	))

	if len(st.Conditions) > 0 {
		s.WriteString("  " + warningStyle.Render("⚠ "+strings.Join(st.Conditions, ", ")))
	} else {
		s.WriteString("  " + valueStyle.Render("✓ no conditions"))
	}
	return s.String()
}

func (m monitorModel) renderBuses(labelStyle, valueStyle, errorStyle lipgloss.Style) string {
	names := make([]string, 0, len(m.busStats))
	for name := range m.busStats {
		names = append(names, name)
	}
	sort.Strings(names)

	var s strings.Builder
	s.WriteString(labelStyle.Render("Buses"))
	for _, name := range names {
		st := m.busStats[name]
		link := valueStyle.Render("✓")
		if !st.Connected {
			link = errorStyle.Render("✗")
		}
		errs := fmt.Sprintf("%d crc %d len", st.CRCErrors, st.LengthErrors)
		if st.CRCErrors+st.LengthErrors > 0 {
			errs = errorStyle.Render(errs)
		}
		s.WriteString(fmt.Sprintf("\n  %s %-8s %6d frames  %s  %d sent %d retries %d dropped %d timeouts",
			link, name, st.Frames, errs, st.Sent, st.Retries, st.Dropped, st.Timeouts))
	}
	return s.String()
}
