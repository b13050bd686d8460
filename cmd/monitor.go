// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/devstate"
)

var monitorLogFile string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for monitoring and controlling the heater",
	Long: `Run the bridge with an interactive terminal UI.

The engine runs exactly as with the run command (forwarding, MQTT and HTTP
included) while the TUI shows:
  - Live heater state, with stale values dimmed
  - Thermostat state, regulation band and active conditions
  - Per-bus frame, error and retry counters
  - Event log of state changes and engine messages

Controls are picked from the list on the left. Tab moves to the value input
and Enter applies the control. Shortcuts in the list: o=power on, x=power off,
f=fan mode, v=toggle virtual panel override.

Log output is hidden while the TUI owns the terminal. Use --log-file to keep it.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addEngineFlags(monitorCmd)
	monitorCmd.Flags().StringVar(&captureFile, "capture", "", "Record both buses to this file")
	monitorCmd.Flags().StringVar(&captureNote, "note", "", "Note stored in the capture header")
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "Append log output to this file")
}

// eventHook copies log entries into the TUI event log without blocking
type eventHook struct {
	events chan<- tea.Msg
}

func (h *eventHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel, log.InfoLevel}
}

func (h *eventHook) Fire(entry *log.Entry) error {
	msg := logEntryMsg{
		timestamp: entry.Time,
		message:   entry.Message,
		isError:   entry.Level <= log.WarnLevel,
	}
	if b, ok := entry.Data["bus"]; ok {
		msg.message = fmt.Sprintf("[%v] %s", b, msg.message)
	}
	if err, ok := entry.Data[log.ErrorKey]; ok {
		msg.message = fmt.Sprintf("%s: %v", msg.message, err)
	}
	select {
	case h.events <- msg:
	default:
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// The TUI owns the terminal
	var logOutput io.Writer = io.Discard
	if monitorLogFile != "" {
		f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOutput = f
	}
	log.SetOutput(logOutput)

	events := make(chan tea.Msg, 256)
	log.AddHook(&eventHook{events: events})

	b, err := startBridge(captureFile, captureNote)
	if err != nil {
		return err
	}
	defer b.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.startServices(ctx); err != nil {
		return err
	}

	// Subscribers run inside the tick, so changes are queued, never sent
	b.engine.Subscribe(func(c devstate.Change) {
		select {
		case events <- changeMsg(c):
		default:
		}
	})

	m := initialMonitorModel(b)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-events:
				p.Send(msg)
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.heater.Done():
			p.Send(connectionLostMsg{err: b.heater.Err()})
		}
	}()

	go func() {
		if err := b.engine.Run(ctx, cfg.TickPeriod); err != nil && !errors.Is(err, context.Canceled) {
			p.Send(logEntryMsg{timestamp: time.Now(), message: fmt.Sprintf("engine stopped: %v", err), isError: true})
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
