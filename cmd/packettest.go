// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid Autoterm frame",
	Long: `Wait for a valid Autoterm frame on the connection until timeout.

This command connects to a serial port or WebSocket and waits for any valid
Autoterm frame. It ignores invalid bytes and waits for a complete, valid frame
(passing CRC check).

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Useful for checking the wiring of either bus before running the bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := openConnection(busName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Autoterm - Frame Test\n")
	fmt.Printf("Connection: %s (%s bus)\n", connInfo, busName)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid Autoterm frame...\n\n")

	decoder := autoterm.NewDecoder()
	buf := make([]byte, 128)

	// Channel for frame reception
	frameChan := make(chan *autoterm.Frame, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		invalidBytes := 0
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			decoder.Write(buf[:n])
			for {
				frame, raw, decodeErr := decoder.Next()
				if errors.Is(decodeErr, autoterm.ErrNeedMoreBytes) {
					break
				}
				if decodeErr != nil {
					// Ignore decode errors, just count invalid bytes
					invalidBytes += len(raw)
					continue
				}
				// Got a valid frame!
				if invalidBytes > 0 {
					fmt.Printf("(skipped %d invalid bytes before sync)\n", invalidBytes)
				}
				frameChan <- frame
				return
			}
		}
	}()

	// Wait for frame or timeout
	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: %s (0x%02X)\n", autoterm.FormatMessageType(frame.Type), uint8(frame.Type))
		fmt.Printf("  Device: %s (0x%02X)\n", autoterm.FormatDevice(frame.Device), frame.Device)
		fmt.Printf("  Length: %d bytes\n", len(frame.Payload))
		fmt.Printf("  CRC: 0x%04X\n", frame.CRC)
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(packetTestTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
