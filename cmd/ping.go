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
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var (
	pingTimeout int
	pingCount   int
)

var errReplyTimeout = errors.New("no reply from heater")

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the heater link by sending status requests",
	Long: `Send status requests to the heater and wait for its status reports.

The requests are sent with the controller device ID, exactly as a control
panel would. Only use this on a bus where no panel is talking, or the two
controllers will collide.

This is useful for verifying:
  - The serial adapter or WebSocket bridge passes data both ways
  - HTTP Basic authentication works (WebSocket only)
  - The heater is powered and answering

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	stream, connInfo, err := openStream(busName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer stream.Close()

	fmt.Printf("Autoterm - Heater Ping Test\n")
	fmt.Printf("Connection: %s (%s bus)\n", connInfo, busName)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	decoder := autoterm.NewDecoder()
	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// Send status request
		startTime := time.Now()
		if _, err := stream.Write(autoterm.Encode(autoterm.NewStatusRequest())); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		// Wait for the status report
		frame, err := awaitReply(stream, decoder, autoterm.MsgStatus, time.Duration(pingTimeout)*time.Second)
		switch {
		case errors.Is(err, errReplyTimeout):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		case err != nil:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount++
		default:
			rtt := time.Since(startTime)
			status := "?"
			if s, err := autoterm.ParseStatus(frame.Payload); err == nil {
				status = s.Text()
			}
			fmt.Printf("reply from heater, status=%s, rtt=%v\n", status, rtt.Round(time.Millisecond))
			successCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}

// awaitReply polls s until the heater sends a frame of msgType. Frames of
// other types and decode errors are skipped.
func awaitReply(s *transport.Stream, decoder *autoterm.Decoder, msgType autoterm.MsgType, timeout time.Duration) (*autoterm.Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := s.ReadAvailable(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		decoder.Write(buf[:n])
		for {
			frame, _, decodeErr := decoder.Next()
			if errors.Is(decodeErr, autoterm.ErrNeedMoreBytes) {
				break
			}
			if decodeErr != nil {
				continue
			}
			if frame.FromHeater() && frame.Type == msgType {
				return frame, nil
			}
		}
	}

	return nil, errReplyTimeout
}
