// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/capture"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var (
	recordDuration int
	recordOutput   string
	recordNote     string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record bus traffic to a capture file",
	Long: `Listen on the configured buses without transmitting and write everything
received to a capture file. Use this with adapters tapped onto the existing
wiring; the bridge itself can record with run --capture.

Frames are decoded as they arrive to report progress. The capture keeps the
raw bytes, including noise and damaged frames, for replay.

Exit codes:
  0 - Recording completed normally
  1 - Recording failed
  2 - Connection error`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().IntVar(&recordDuration, "duration", 60, "Recording duration in seconds (0 until Ctrl+C)")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "autoterm.cap", "Capture file")
	recordCmd.Flags().StringVar(&recordNote, "note", "", "Note stored in the capture header")
}

// recordedBus is one bus being recorded
type recordedBus struct {
	name    string
	stream  *transport.Stream
	decoder *autoterm.Decoder
	frames  int
	bytes   int
}

func runRecord(cmd *cobra.Command, args []string) error {
	var buses []*recordedBus
	for _, name := range []string{"display", "heater"} {
		ep, _ := endpoint(name)
		if !ep.Configured() {
			continue
		}
		stream, info, err := openStream(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		defer stream.Close()
		fmt.Printf("Connection: %s (%s bus)\n", info, name)
		buses = append(buses, &recordedBus{name: name, stream: stream, decoder: autoterm.NewDecoder()})
	}
	if len(buses) == 0 {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", transport.ErrNoEndpoint)
		os.Exit(2)
	}

	f, err := os.Create(recordOutput)
	if err != nil {
		return fmt.Errorf("failed to create capture: %w", err)
	}
	defer f.Close()

	w, err := capture.NewWriter(f, time.Now(), recordNote)
	if err != nil {
		return err
	}
	for _, b := range buses {
		b.stream.SetTap(w.Tap(b.name))
	}

	fmt.Printf("Output: %s (session %s)\n", recordOutput, w.Header().Session)
	if recordDuration > 0 {
		fmt.Printf("Duration: %d seconds\n\n", recordDuration)
	} else {
		fmt.Printf("Duration: until Ctrl+C\n\n")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if recordDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, time.Duration(recordDuration)*time.Second)
		defer stop()
	}

	startTime := time.Now()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()
	buf := make([]byte, 512)

	fmt.Printf("Recording...\n\n")

	for {
		select {
		case <-ctx.Done():
			printRecordResults(buses, w, time.Since(startTime))
			if err := w.Err(); err != nil {
				fmt.Printf("Result: FAILED (%v)\n", err)
				os.Exit(1)
			}
			fmt.Printf("Result: PASSED\n")
			return nil

		case <-poll.C:
			for _, b := range buses {
				n, err := b.stream.ReadAvailable(buf)
				if err != nil {
					fmt.Printf("\n[%s] %s bus error: %v\n", time.Now().Format("15:04:05.000"), b.name, err)
					printRecordResults(buses, w, time.Since(startTime))
					fmt.Printf("Result: FAILED (connection error)\n")
					os.Exit(1)
				}
				b.bytes += n
				b.decoder.Write(buf[:n])
				for {
					frame, _, decodeErr := b.decoder.Next()
					if errors.Is(decodeErr, autoterm.ErrNeedMoreBytes) {
						break
					}
					if frame != nil {
						b.frames++
					}
				}
			}

		case <-heartbeat.C:
			// Just a heartbeat to show the recording is running
			fmt.Printf("[%s] %d records", time.Now().Format("15:04:05.000"), w.Records())
			for _, b := range buses {
				fmt.Printf(", %s %d frames", b.name, b.frames)
			}
			fmt.Println()
		}
	}
}

func printRecordResults(buses []*recordedBus, w *capture.Writer, elapsed time.Duration) {
	fmt.Printf("\n--- Recording Results ---\n")
	fmt.Printf("Duration: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Records written: %d\n", w.Records())
	for _, b := range buses {
		fmt.Printf("%s: %d frames, %d bytes\n", b.name, b.frames, b.bytes)
	}
}
