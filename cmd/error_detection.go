// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and errors",
	Long: `Track frame errors, malformed data, and anomalous values with statistics.

This command validates each frame and detects:
  - CRC errors and length mismatches
  - Unknown message types
  - Anomalous values (voltage > 30V, implausible temperatures, fan > 6000 rpm)
  - Out of range settings (power level, temperature source, fan level)
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.

Frames are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := openConnection(busName)
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runTUIMode(conn, connInfo)
	}
	return runTextMode(conn, connInfo)
}

// decodeResult is one item pulled from the decoder
type decodeResult struct {
	frame            *autoterm.Frame
	consumed         int
	decodeErr        error
	validationErrors []autoterm.ValidationError
}

// frameScanner feeds a decoder and tracks synchronization. Decode errors
// before the first valid frame only count as skipped bytes.
type frameScanner struct {
	decoder      *autoterm.Decoder
	synchronized bool
	invalidBytes int
}

func newFrameScanner() *frameScanner {
	return &frameScanner{decoder: autoterm.NewDecoder()}
}

// feed decodes data and returns the results. synced is true when this call
// produced the first valid frame.
func (fs *frameScanner) feed(data []byte) (results []decodeResult, synced bool) {
	fs.decoder.Write(data)
	for {
		frame, raw, err := fs.decoder.Next()
		if errors.Is(err, autoterm.ErrNeedMoreBytes) {
			return results, synced
		}

		if err != nil {
			if !fs.synchronized {
				// Not synced yet, just count invalid bytes
				fs.invalidBytes += len(raw)
				continue
			}
			results = append(results, decodeResult{consumed: len(raw), decodeErr: err})
			continue
		}

		if !fs.synchronized {
			// First frame! We're now synchronized
			fs.synchronized = true
			synced = true
		}
		results = append(results, decodeResult{
			frame:            frame,
			consumed:         len(raw),
			validationErrors: autoterm.ValidateFrame(frame),
		})
	}
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	if errors.Is(err, autoterm.ErrNoPreamble) {
		fmt.Printf("[%s] \033[1;33mNOISE:\033[0m %v\n\n", timestamp, err)
		return
	}
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(frame *autoterm.Frame, errs []autoterm.ValidationError) {
	timestamp := frame.Timestamp.Format("15:04:05.000")
	msgType := autoterm.FormatMessageType(frame.Type)

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s %s (0x%02X)\n",
		timestamp, autoterm.FormatDevice(frame.Device), msgType, uint8(frame.Type))
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case autoterm.AnomalyInvalidVoltage:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if voltage, ok := err.Details["voltage"].(float64); ok {
				fmt.Printf("    Voltage=%.1fV (max %.0fV)\n", voltage, autoterm.MaxPlausibleVoltage)
			}

		case autoterm.AnomalyInvalidTemp:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if sensor, ok := err.Details["sensor"].(string); ok {
				if value, ok := err.Details["value"].(int); ok {
					fmt.Printf("    %s=%d°C (valid: %d to %d°C)\n", sensor, value, autoterm.MinPlausibleTemp, autoterm.MaxPlausibleTemp)
				}
			}

		case autoterm.AnomalyHighRPM:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			if rpm, ok := err.Details["rpm"].(int); ok {
				fmt.Printf("    RPM=%d (max %d)\n", rpm, autoterm.MaxPlausibleRPM)
			}

		case autoterm.AnomalyInvalidPowerLevel, autoterm.AnomalyInvalidSource, autoterm.AnomalyInvalidFanLevel:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case autoterm.AnomalyUnknownType:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if length, ok := err.Details["length"].(int); ok {
				fmt.Printf("    Payload length=%d\n", length)
			}

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	// Print status header for context
	if frame.Type == autoterm.MsgStatus && frame.FromHeater() {
		if s, err := autoterm.ParseStatus(frame.Payload); err == nil {
			fmt.Printf("  Status: %s (0x%04X), Error: 0x%02X\n", s.Text(), s.Code, s.ErrorCode)
		}
	}

	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(conn transport.Connection, connInfo string) error {
	scanner := newFrameScanner()

	// Create TUI program
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	// Connection reader goroutine
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
					p.Send(connectionClosedMsg{})
					return
				}
				log.WithError(err).Debug("Read error")
				continue
			}

			results, synced := scanner.feed(buf[:n])
			if synced {
				p.Send(syncMsg{invalidBytes: scanner.invalidBytes})
			}
			for _, r := range results {
				p.Send(serialDataMsg(r))
			}
		}
	}()

	// Run TUI
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(conn transport.Connection, connInfo string) error {
	fmt.Printf("Autoterm - Error Detection Mode\n")
	fmt.Printf("Connection: %s (%s bus)\n", connInfo, busName)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	scanner := newFrameScanner()
	stats := autoterm.NewStatistics()

	// Statistics ticker
	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Channel for non-blocking reads
	readBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
					readErr <- err
					return
				}
				log.WithError(err).Debug("Read error")
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			readBuf <- data
		}
	}()

	for {
		select {
		case data := <-readBuf:
			results, synced := scanner.feed(data)
			if synced {
				if scanner.invalidBytes > 0 {
					fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", scanner.invalidBytes)
				} else {
					fmt.Printf("[SYNC] Synchronized\n\n")
				}
			}

			for _, r := range results {
				stats.Update(r.frame, r.consumed, r.decodeErr, r.validationErrors)

				// Print frame or error based on mode
				switch {
				case r.decodeErr != nil:
					printDecodeError(r.decodeErr)
				case len(r.validationErrors) > 0:
					printValidationErrors(r.frame, r.validationErrors)
				case showAll:
					// Print valid frame (only if --show-all flag is set)
					fmt.Print(autoterm.FormatFrame(r.frame))
				}
			}

		case err := <-readErr:
			fmt.Println()
			fmt.Print(stats.String())
			log.WithError(err).Info("Connection closed")
			return nil

		case <-statsTicker.C:
			// Print statistics
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
