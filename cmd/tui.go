// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// Telemetry data from the latest heater status and settings frames
type telemetryData struct {
	timestamp   time.Time
	status      autoterm.Status
	hasStatus   bool
	settings    autoterm.Settings
	hasSettings bool
}

// TUI model
type model struct {
	connInfo      string
	statsInterval int
	showAll       bool
	stats         *autoterm.Statistics
	errorLog      []errorLogEntry
	maxLogEntries int
	synchronized  bool
	invalidBytes  int
	syncTime      time.Time
	closed        bool
	width         int
	height        int
	quitting      bool
	lastTelemetry *telemetryData
}

// Messages
type tickMsg time.Time
type serialDataMsg decodeResult
type syncMsg struct {
	invalidBytes int
}
type connectionClosedMsg struct{}

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	months := days / 30
	years := months / 12

	seconds %= 60
	minutes %= 60
	hours %= 24
	days %= 30
	months %= 12

	units := []struct {
		n    uint64
		name string
	}{
		{years, "year"},
		{months, "month"},
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
	}

	parts := []string{}
	for _, u := range units {
		switch {
		case u.n == 1:
			parts = append(parts, "1 "+u.name)
		case u.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", u.n, u.name))
		}
	}
	if seconds > 0 || len(parts) == 0 {
		if seconds == 1 {
			parts = append(parts, "1 second")
		} else {
			parts = append(parts, fmt.Sprintf("%d seconds", seconds))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialModel(connInfo string, statsInterval int, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         autoterm.NewStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		synchronized:  false,
		invalidBytes:  0,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		// Update statistics rates
		m.stats.CalculateRates()
		return m, tickCmd()

	case syncMsg:
		m.synchronized = true
		m.invalidBytes = msg.invalidBytes
		m.syncTime = time.Now()
		if msg.invalidBytes > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d invalid bytes", msg.invalidBytes), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}

	case connectionClosedMsg:
		m.closed = true
		m.addLogEntry("Connection closed", true)

	case serialDataMsg:
		m.stats.Update(msg.frame, msg.consumed, msg.decodeErr, msg.validationErrors)
		if msg.decodeErr != nil {
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
		} else if msg.frame != nil {
			// Parse telemetry data
			m.parseTelemetry(msg.frame)

			msgType := autoterm.FormatDevice(msg.frame.Device) + " " + autoterm.FormatMessageType(msg.frame.Type)
			if len(msg.validationErrors) > 0 {
				for _, err := range msg.validationErrors {
					m.addLogEntry(fmt.Sprintf("%s: %s", msgType, err.Message), true)
				}
			} else if m.showAll {
				// Valid frame (only if --show-all)
				m.addLogEntry(fmt.Sprintf("%s (valid)", msgType), false)
			}
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

// parseTelemetry keeps the latest heater status and settings
func (m *model) parseTelemetry(frame *autoterm.Frame) {
	if !frame.FromHeater() {
		return
	}
	if m.lastTelemetry == nil {
		m.lastTelemetry = &telemetryData{}
	}

	switch frame.Type {
	case autoterm.MsgStatus:
		s, err := autoterm.ParseStatus(frame.Payload)
		if err != nil {
			return
		}
		m.lastTelemetry.status = s
		m.lastTelemetry.hasStatus = true
		m.lastTelemetry.timestamp = frame.Timestamp

	case autoterm.MsgSettings, autoterm.MsgPowerOn:
		s, err := autoterm.ParseSettings(frame.Payload)
		if err != nil {
			return
		}
		m.lastTelemetry.settings = s
		m.lastTelemetry.hasSettings = true
		m.lastTelemetry.timestamp = frame.Timestamp
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("AUTOTERM - ERROR DETECTION"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | r=reset q=quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	// Sync status
	switch {
	case m.closed:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
		s.WriteString("\n\n")
	case !m.synchronized:
		s.WriteString(warningStyle.Render("⏳ Waiting for synchronization..."))
		s.WriteString("\n\n")
	default:
		s.WriteString(statsValueStyle.Render("✓ Synchronized"))
		if m.invalidBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d invalid bytes)", m.invalidBytes)))
		}
		s.WriteString(headerStyle.Render(fmt.Sprintf(" for %s", formatUptime(uint64(time.Since(m.syncTime).Milliseconds())))))
		s.WriteString("\n\n")
	}

	// Statistics
	m.stats.CalculateRates()
	var validPercent, errorPercent float64
	if m.stats.TotalFrames > 0 {
		validPercent = float64(m.stats.ValidFrames) * 100.0 / float64(m.stats.TotalFrames)
		errorPercent = float64(m.stats.Errors()) * 100.0 / float64(m.stats.TotalFrames)
	}

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.ValidFrames, validPercent)),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", m.stats.Errors(), errorPercent)),
	))

	if m.stats.CRCErrors > 0 || m.stats.LengthErrors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("CRC Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.CRCErrors)),
			statsLabelStyle.Render("Length Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.LengthErrors)),
		))
	}

	if m.stats.UnknownTypes > 0 || m.stats.NoiseBytes > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Unknown Types:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.UnknownTypes)),
			statsLabelStyle.Render("Noise Bytes:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.NoiseBytes)),
		))
	}

	if m.stats.AnomalousValues > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.AnomalousValues)),
		))
		statsContent.WriteString(fmt.Sprintf(" (%s: %d, %s: %d, %s: %d, %s: %d)",
			headerStyle.Render("voltage"), m.stats.InvalidVoltage,
			headerStyle.Render("temp"), m.stats.InvalidTemp,
			headerStyle.Render("high RPM"), m.stats.HighRPM,
			headerStyle.Render("settings"), m.stats.InvalidSettings,
		))
		statsContent.WriteString("\n")
	}

	errorRate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	if m.stats.ErrorRate > 0 {
		errorRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", m.stats.ErrorRate))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", m.stats.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), errorRate,
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Telemetry section (only shown if heater frames received)
	if t := m.lastTelemetry; t != nil && (t.hasStatus || t.hasSettings) {
		s.WriteString(statsLabelStyle.Render("Latest Telemetry:"))
		s.WriteString("\n")

		telemetryContent := strings.Builder{}

		if t.hasStatus {
			st := t.status
			telemetryContent.WriteString(fmt.Sprintf("%s %s   %s 0x%02X\n",
				statsLabelStyle.Render("Status:"), statsValueStyle.Render(st.Text()),
				statsLabelStyle.Render("Error:"), st.ErrorCode,
			))
			telemetryContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
				statsLabelStyle.Render("Internal:"), statsValueStyle.Render(fmt.Sprintf("%d°C", st.InternalTemp)),
				statsLabelStyle.Render("External:"), statsValueStyle.Render(fmt.Sprintf("%d°C", st.ExternalTemp)),
				statsLabelStyle.Render("Heater:"), statsValueStyle.Render(fmt.Sprintf("%d°C", st.HeaterTemp)),
			))
			telemetryContent.WriteString(fmt.Sprintf("%s %s   %s %s (set %d)   %s %s\n",
				statsLabelStyle.Render("Voltage:"), statsValueStyle.Render(fmt.Sprintf("%.1fV", st.Voltage)),
				statsLabelStyle.Render("Fan:"), statsValueStyle.Render(fmt.Sprintf("%d rpm", st.FanSpeedActual)), st.FanSpeedSet,
				statsLabelStyle.Render("Pump:"), statsValueStyle.Render(fmt.Sprintf("%.2f Hz", st.PumpFrequency)),
			))
		}

		if t.hasSettings {
			telemetryContent.WriteString(fmt.Sprintf("%s %s\n",
				statsLabelStyle.Render("Settings:"), statsValueStyle.Render(autoterm.FormatSettings(t.settings)),
			))
		}

		telemetryContent.WriteString(headerStyle.Render(fmt.Sprintf("updated %s", t.timestamp.Format("15:04:05.000"))))

		s.WriteString(boxStyle.Render(telemetryContent.String()))
		s.WriteString("\n\n")
	}

	// Error log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	s.WriteString(renderEventLog(m.errorLog, m.height-15, m.width, headerStyle, errorStyle, warningStyle, boxStyle))

	return s.String()
}

// renderEventLog renders the newest entries that fit in logHeight lines
func renderEventLog(entries []errorLogEntry, logHeight, width int, headerStyle, errorStyle, warningStyle, boxStyle lipgloss.Style) string {
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(entries) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(entries) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(entries); i++ {
			entry := entries[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	return boxStyle.Width(width - 4).Render(logContent.String())
}
