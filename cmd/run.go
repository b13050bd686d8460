// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/autoterm/pkg/api"
	"github.com/Thermoquad/autoterm/pkg/bus"
	"github.com/Thermoquad/autoterm/pkg/capture"
	"github.com/Thermoquad/autoterm/pkg/engine"
	"github.com/Thermoquad/autoterm/pkg/mqttbridge"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var (
	captureFile string
	captureNote string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bridge the display and the heater and serve the heater state",
	Long: `Run the dual-bus engine.

The heater bus is required. When a display bus is configured, traffic is
forwarded in both directions; panel temperature frames are withheld while the
virtual panel override is on. Without a display the engine polls the heater
in its place.

The heater state is published to MQTT (--mqtt-broker) under
<prefix>/<field>/state, and controls are accepted on <prefix>/<control>/set.
With --http the REST API, /metrics and the /ws change stream are served on
--http-listen.

Use --capture to record both buses for later replay.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addEngineFlags(runCmd)
	runCmd.Flags().StringVar(&captureFile, "capture", "", "Record both buses to this file")
	runCmd.Flags().StringVar(&captureNote, "note", "", "Note stored in the capture header")
}

// addEngineFlags registers the flags shared by run and monitor
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("forward", true, "Forward traffic between display and heater")
	cmd.Flags().Duration("tick", engine.DefaultTickPeriod, "Engine tick period")
	cmd.Flags().String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
	cmd.Flags().String("mqtt-prefix", mqttbridge.DefaultPrefix, "MQTT topic prefix")
	cmd.Flags().Bool("http", false, "Serve the HTTP API")
	cmd.Flags().String("http-listen", api.DefaultListen, "HTTP listen address")
}

// bridge is a running engine with its streams and services
type bridge struct {
	engine  *engine.Engine
	heater  *transport.Stream
	display *transport.Stream
	capture *capture.Writer
	file    *os.File

	heaterInfo  string
	displayInfo string

	mqtt interface{ Disconnect(quiesce uint) }
	lost error
}

// startBridge opens the buses and builds the engine. Nothing ticks until
// the caller runs the engine.
func startBridge(capturePath, note string) (*bridge, error) {
	b := &bridge{}

	heater, info, err := openStream("heater")
	if err != nil {
		return nil, err
	}
	b.heater = heater
	b.heaterInfo = info
	log.WithFields(log.Fields{"bus": "heater", "link": info}).Info("Bus opened")

	// A nil interface, not a nil *Stream, when no display is configured
	var displayPort bus.Port
	if cfg.Display.Configured() {
		display, info, err := openStream("display")
		if err != nil {
			b.close()
			return nil, err
		}
		b.display = display
		b.displayInfo = info
		displayPort = display
		log.WithFields(log.Fields{"bus": "display", "link": info}).Info("Bus opened")
	} else {
		log.Info("No display configured, polling the heater directly")
	}

	if capturePath != "" {
		f, err := os.Create(capturePath)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("failed to create capture: %w", err)
		}
		w, err := capture.NewWriter(f, time.Now(), note)
		if err != nil {
			f.Close()
			b.close()
			return nil, err
		}
		b.file = f
		b.capture = w
		b.heater.SetTap(w.Tap("heater"))
		if b.display != nil {
			b.display.SetTap(w.Tap("display"))
		}
		log.WithFields(log.Fields{"file": capturePath, "session": w.Header().Session}).Info("Capturing")
	}

	ecfg := cfg.EngineConfig()
	ecfg.Logger = log.StandardLogger()
	b.engine = engine.New(displayPort, b.heater, ecfg)
	return b, nil
}

// startServices connects MQTT and the HTTP API when configured. The API
// stops when ctx is canceled.
func (b *bridge) startServices(ctx context.Context) error {
	logger := log.StandardLogger()

	if cfg.MQTT.Broker != "" {
		_, client, err := mqttbridge.Connect(cfg.MQTT, b.engine, logger)
		if err != nil {
			return err
		}
		b.mqtt = client
		log.WithField("broker", cfg.MQTT.Broker).Info("MQTT connected")
	}

	if cfg.HTTP.Enabled {
		srv := api.New(b.engine, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				log.WithError(err).Error("HTTP server stopped")
			}
		}()
		log.WithField("listen", cfg.HTTP.Listen).Info("HTTP API started")
	}

	return nil
}

// watch cancels when the heater link drops
func (b *bridge) watch(ctx context.Context, cancel context.CancelFunc) {
	select {
	case <-ctx.Done():
	case <-b.heater.Done():
		b.lost = fmt.Errorf("heater bus lost: %w", b.heater.Err())
		log.WithError(b.heater.Err()).WithField("bus", "heater").Error("Connection lost")
		cancel()
	}
}

func (b *bridge) close() {
	if b.mqtt != nil {
		b.mqtt.Disconnect(250)
	}
	if b.heater != nil {
		b.heater.Close()
	}
	if b.display != nil {
		b.display.Close()
	}
	if b.file != nil {
		if err := b.capture.Err(); err != nil {
			log.WithError(err).Warn("Capture incomplete")
		}
		log.WithField("records", b.capture.Records()).Info("Capture closed")
		b.file.Close()
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	b, err := startBridge(captureFile, captureNote)
	if err != nil {
		return err
	}
	defer b.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := b.startServices(ctx); err != nil {
		return err
	}
	go b.watch(ctx, cancel)

	log.WithField("tick", cfg.TickPeriod).Info("Engine running")
	err = b.engine.Run(ctx, cfg.TickPeriod)
	if b.lost != nil {
		return b.lost
	}
	if errors.Is(err, context.Canceled) {
		log.Info("Shutting down")
		return nil
	}
	return err
}
