// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/bus"
	"github.com/Thermoquad/autoterm/pkg/capture"
	"github.com/Thermoquad/autoterm/pkg/devstate"
	"github.com/Thermoquad/autoterm/pkg/engine"
	"github.com/Thermoquad/autoterm/pkg/mqttbridge"
)

var (
	replayRealtime bool
	replayQuiet    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Feed a capture through the engine",
	Long: `Replay a capture recorded with record or run --capture.

Received bytes are released to the engine on the recorded schedule and the
engine ticks on the capture clock, so timeouts, staleness and thermostat
decisions happen exactly as they would have live. Every device state change
is printed with its offset from the start of the capture. Commands the
engine would have sent are counted, not transmitted.

By default the replay runs as fast as possible. Use --realtime to pace it.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Pace the replay at recorded speed")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Only print the summary")
	replayCmd.Flags().Duration("tick", engine.DefaultTickPeriod, "Engine tick period")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	r, err := capture.NewReader(f)
	if err != nil {
		return err
	}
	header := r.Header()
	records, err := r.ReadAll()
	if err != nil {
		return err
	}

	buses := map[string]int{}
	for _, rec := range records {
		buses[rec.Bus] += len(rec.Data)
	}

	fmt.Printf("Autoterm - Replay\n")
	fmt.Printf("Capture: %s (session %s)\n", args[0], header.Session)
	fmt.Printf("Started: %s\n", header.StartTime().Format(time.RFC3339))
	if header.Note != "" {
		fmt.Printf("Note: %s\n", header.Note)
	}
	fmt.Printf("Records: %d\n\n", len(records))

	player := capture.NewPlayer(records)
	heater := player.Port("heater")
	var displayPort bus.Port
	var display *capture.ReplayPort
	if buses["display"] > 0 {
		display = player.Port("display")
		displayPort = display
	}

	ecfg := cfg.EngineConfig()
	ecfg.Logger = log.StandardLogger()
	e := engine.New(displayPort, heater, ecfg)

	start := header.StartTime()
	var clock time.Duration
	changes := 0
	e.Subscribe(func(c devstate.Change) {
		changes++
		if replayQuiet {
			return
		}
		fmt.Printf("[+%9.3fs] %-28s %s -> %s\n", clock.Seconds(), c.Field,
			mqttbridge.FormatValue(c.Previous), mqttbridge.FormatValue(c.Value))
	})

	tick := cfg.TickPeriod
	if tick <= 0 {
		tick = engine.DefaultTickPeriod
	}
	timeout := ecfg.Bus.Timeout
	if timeout <= 0 {
		timeout = bus.DefaultTimeout
	}

	// One extra bus timeout past the end lets the disconnect show up
	end := player.End() + timeout + tick
	for clock = 0; clock <= end; clock += tick {
		player.Advance(clock)
		e.Tick(start.Add(clock))
		if replayRealtime {
			time.Sleep(tick)
		}
	}

	// Summary
	fmt.Printf("\n--- Replay Results ---\n")
	fmt.Printf("Duration: %v (%d ticks)\n", end.Round(time.Millisecond), e.Ticks())
	fmt.Printf("State changes: %d\n", changes)

	stats := e.BusStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := stats[name]
		fmt.Printf("%s: %d frames, %d CRC errors, %d length errors, %d noise bytes, %d sent, %d timeouts\n",
			name, s.Frames, s.CRCErrors, s.LengthErrors, s.NoiseBytes, s.Sent, s.Timeouts)
	}
	fmt.Printf("Bytes the engine wrote: heater %d", len(heater.Written()))
	if display != nil {
		fmt.Printf(", display %d", len(display.Written()))
	}
	fmt.Println()

	st := e.ControllerStatus()
	fmt.Printf("Thermostat: mode=%s state=%s regulation=%s", st.Mode, st.State, st.Regulation)
	if len(st.Conditions) > 0 {
		fmt.Printf(" conditions=%v", st.Conditions)
	}
	fmt.Println()

	return nil
}
