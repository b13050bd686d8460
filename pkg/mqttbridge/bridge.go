// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mqttbridge publishes device state to an MQTT broker and maps set
// topics onto engine controls.
//
// Topics:
//
//	<prefix>/<field>/state    retained field value, "unavailable" when stale
//	<prefix>/<control>/set    control input
//	<prefix>/status           online/offline availability
package mqttbridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/autoterm/pkg/devstate"
)

// Defaults
const (
	DefaultPrefix  = "autoterm"
	DefaultTimeout = 10 * time.Second
)

// Unavailable is published for stale fields
const Unavailable = "unavailable"

// Config describes the broker connection
type Config struct {
	Broker   string `mapstructure:"broker"` // tcp://host:1883
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Prefix   string `mapstructure:"prefix"`
	QoS      byte   `mapstructure:"qos"`
}

// Engine is the part of the engine the bridge drives
type Engine interface {
	Subscribe(fn func(devstate.Change))
	Snapshot() devstate.DeviceState
	Control(name, value string) error
}

// Client is the subset of mqtt.Client the bridge uses
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Bridge connects an engine to a broker
type Bridge struct {
	cfg    Config
	engine Engine
	client Client
	log    logrus.FieldLogger
}

// NewClientOptions builds paho options for cfg. The bridge's OnConnect
// handler must be installed before connecting.
func NewClientOptions(cfg Config) *mqtt.ClientOptions {
	cfg = cfg.withDefaults()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetWill(cfg.Prefix+"/status", "offline", cfg.QoS, true)
	return opts
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.ClientID == "" {
		c.ClientID = "autoterm-" + uuid.NewString()[:8]
	}
	return c
}

// New creates a bridge using client for all broker traffic
func New(cfg Config, engine Engine, client Client, logger logrus.FieldLogger) *Bridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bridge{
		cfg:    cfg.withDefaults(),
		engine: engine,
		client: client,
		log:    logger.WithField("component", "mqtt"),
	}
}

// Connect dials the broker and starts the bridge. Subscriptions are
// renewed on every reconnect.
func Connect(cfg Config, engine Engine, logger logrus.FieldLogger) (*Bridge, mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, nil, errors.New("mqtt broker not configured")
	}
	opts := NewClientOptions(cfg)

	var b *Bridge
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Info("connected to MQTT broker")
		if err := b.subscribe(); err != nil {
			b.log.WithError(err).Error("subscribe failed")
		}
		b.PublishAll()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		b.log.WithError(err).Warn("lost MQTT connection")
	})

	client := mqtt.NewClient(opts)
	b = New(cfg, engine, client, logger)
	engine.Subscribe(b.PublishChange)

	t := client.Connect()
	if !t.WaitTimeout(DefaultTimeout) {
		b.log.Warn("MQTT connect timed out, retrying in background")
	} else if t.Error() != nil {
		return nil, nil, fmt.Errorf("failed to connect to MQTT broker: %w", t.Error())
	}
	return b, client, nil
}

// Start subscribes to set topics, registers for state changes and publishes
// the current state. Connect does this itself.
func (b *Bridge) Start() error {
	if err := b.subscribe(); err != nil {
		return err
	}
	b.engine.Subscribe(b.PublishChange)
	b.PublishAll()
	return nil
}

func (b *Bridge) subscribe() error {
	topic := b.cfg.Prefix + "/+/set"
	t := b.client.Subscribe(topic, b.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		b.HandleMessage(msg.Topic(), msg.Payload())
	})
	if t.WaitTimeout(DefaultTimeout) && t.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, t.Error())
	}
	b.log.Infof("subscribed to %s", topic)
	return nil
}

// StateTopic returns the state topic of a field
func (b *Bridge) StateTopic(f devstate.Field) string {
	return fmt.Sprintf("%s/%s/state", b.cfg.Prefix, f)
}

// PublishAll publishes availability and every known field
func (b *Bridge) PublishAll() {
	b.client.Publish(b.cfg.Prefix+"/status", b.cfg.QoS, true, "online")
	snap := b.engine.Snapshot()
	for _, f := range devstate.Fields {
		if v, ok := snap[f]; ok {
			b.publish(f, v)
		}
	}
}

// PublishChange publishes one field change
func (b *Bridge) PublishChange(c devstate.Change) {
	b.publish(c.Field, c.Value)
}

func (b *Bridge) publish(f devstate.Field, v devstate.Value) {
	payload := FormatValue(v)
	b.log.WithField("field", f).Debugf("publish %s", payload)
	b.client.Publish(b.StateTopic(f), b.cfg.QoS, true, payload)
}

// FormatValue renders a field value for MQTT
func FormatValue(v devstate.Value) string {
	if v.Stale || !v.Set {
		return Unavailable
	}
	if v.Text != "" {
		return v.Text
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

// HandleMessage applies a <prefix>/<control>/set message
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	value := strings.TrimSpace(string(payload))
	b.log.Infof("received %s from %s", value, topic)

	name, ok := strings.CutPrefix(topic, b.cfg.Prefix+"/")
	if ok {
		name, ok = strings.CutSuffix(name, "/set")
	}
	if !ok || name == "" || strings.Contains(name, "/") {
		b.log.Errorf("unexpected topic '%s'", topic)
		return
	}
	if err := b.engine.Control(name, value); err != nil {
		b.log.WithError(err).Warnf("rejected %s=%q", name, value)
	}
}
