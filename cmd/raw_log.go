// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var rawLogHex bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display Autoterm frames as they arrive.

Each frame is shown with timestamp, sender, message type and decoded payload.
Checksum and length errors are reported inline and decoding resumes at the
next preamble.

Supports both serial and WebSocket connections. Use --bus to pick the bus.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Append the wire bytes of every frame")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := openConnection(busName)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Autoterm - Raw Frame Log\n")
	fmt.Printf("Connection: %s (%s bus)\n", connInfo, busName)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := autoterm.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			// For WebSocket connections, a read error usually means
			// the connection is permanently closed - exit gracefully
			if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, io.EOF) {
				log.Info("Connection closed")
				return nil
			}
			log.WithError(err).Warn("Read error")
			continue
		}

		decoder.Write(buf[:n])
		for {
			frame, raw, err := decoder.Next()
			if errors.Is(err, autoterm.ErrNeedMoreBytes) {
				break
			}
			if errors.Is(err, autoterm.ErrNoPreamble) {
				log.WithField("len", len(raw)).Debug("Skipped noise")
				continue
			}
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			fmt.Print(autoterm.FormatFrame(frame))
			if rawLogHex {
				fmt.Printf("  %s\n", autoterm.HexDump(raw))
			}
		}
	}
}
