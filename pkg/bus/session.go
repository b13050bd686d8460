// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus runs one side of the heater link: it decodes the frames
// arriving on a port, forwards the raw stream to the opposite bus and
// delivers queued commands with acknowledgement and retry.
package bus

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
)

// ErrBusTimeout is logged when a bus stays silent beyond its timeout
var ErrBusTimeout = errors.New("bus timeout")

// Default session parameters
const (
	DefaultTimeout    = 5 * time.Second
	DefaultAckTimeout = 500 * time.Millisecond
	DefaultMaxRetries = 3
	DefaultQueueSize  = 16
)

const readChunk = 256

// Port is a non-blocking byte stream. ReadAvailable returns immediately
// with whatever bytes are buffered, possibly none.
type Port interface {
	ReadAvailable(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Forwarder receives the raw byte stream of the opposite bus
type Forwarder interface {
	Forward(p []byte)
}

// Filter reports whether a decoded frame must be withheld from forwarding
type Filter func(f *autoterm.Frame) bool

// Config holds session parameters. Zero values take the defaults.
type Config struct {
	Name       string
	Timeout    time.Duration
	AckTimeout time.Duration
	MaxRetries int // negative disables retries
	QueueSize  int
	Peer       Forwarder
	Filter     Filter
	Logger     logrus.FieldLogger
}

// Stats holds session counters
type Stats struct {
	Frames        uint64    `json:"frames"`
	CRCErrors     uint64    `json:"crc_errors"`
	LengthErrors  uint64    `json:"length_errors"`
	NoiseBytes    uint64    `json:"noise_bytes"`
	ForwardBytes  uint64    `json:"forward_bytes"`
	Filtered      uint64    `json:"filtered"`
	Sent          uint64    `json:"sent"`
	Retries       uint64    `json:"retries"`
	Acked         uint64    `json:"acked"`
	Dropped       uint64    `json:"dropped"`
	Timeouts      uint64    `json:"timeouts"`
	Connected     bool      `json:"connected"`
	LastFrameTime time.Time `json:"last_frame_time"`
}

type pending struct {
	cmd     autoterm.Command
	sentAt  time.Time
	retries int
}

// Session tracks one bus. It is not safe for concurrent use; the engine
// drives it from a single tick loop.
type Session struct {
	cfg     Config
	port    Port
	decoder *autoterm.Decoder
	log     logrus.FieldLogger
	stats   *autoterm.Statistics

	queue       []autoterm.Command
	outstanding *pending

	connected bool
	lastFrame time.Time
	lastErr   error
	counters  Stats
	readBuf   []byte
}

// NewSession creates a session reading from port
func NewSession(port Port, cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Session{
		cfg:     cfg,
		port:    port,
		decoder: autoterm.NewDecoder(),
		log:     logger.WithField("bus", cfg.Name),
		stats:   autoterm.NewStatistics(),
		readBuf: make([]byte, readChunk),
	}
}

// Name returns the bus name
func (s *Session) Name() string {
	return s.cfg.Name
}

// SetPeer sets the forwarding target. A nil peer disables forwarding.
func (s *Session) SetPeer(peer Forwarder) {
	s.cfg.Peer = peer
}

// SetFilter sets the forwarding filter
func (s *Session) SetFilter(f Filter) {
	s.cfg.Filter = f
}

// Poll reads every available byte and returns the frames decoded, in
// arrival order. Noise and rejected frames are counted, forwarded and
// otherwise dropped.
func (s *Session) Poll(now time.Time) []*autoterm.Frame {
	s.read()

	var frames []*autoterm.Frame
	for {
		frame, raw, err := s.decoder.Next()
		if raw == nil {
			break
		}

		var verrs []autoterm.ValidationError
		if frame != nil {
			frame.Timestamp = now
			verrs = autoterm.ValidateFrame(frame)
		}
		s.stats.Update(frame, len(raw), err, verrs)
		s.forward(frame, raw)

		if err != nil {
			s.recordError(raw, err)
			continue
		}

		s.counters.Frames++
		for _, v := range verrs {
			s.log.WithField("msg", autoterm.FormatMessageType(frame.Type)).Debugf("anomaly: %s", v.Message)
		}
		s.log.WithFields(logrus.Fields{
			"msg": autoterm.FormatMessageType(frame.Type),
			"len": len(frame.Payload),
		}).Debugf("rx % X", raw)

		s.markFrame(now)
		s.acknowledge(frame)
		frames = append(frames, frame)
	}

	return frames
}

func (s *Session) read() {
	for {
		n, err := s.port.ReadAvailable(s.readBuf)
		if n > 0 {
			s.decoder.Write(s.readBuf[:n])
		}
		if err != nil {
			if s.lastErr == nil || err.Error() != s.lastErr.Error() {
				s.log.WithError(err).Warn("read failed")
			}
			s.lastErr = err
			return
		}
		s.lastErr = nil
		if n < len(s.readBuf) {
			return
		}
	}
}

func (s *Session) forward(frame *autoterm.Frame, raw []byte) {
	if s.cfg.Peer == nil {
		return
	}
	if frame != nil && s.cfg.Filter != nil && s.cfg.Filter(frame) {
		s.counters.Filtered++
		return
	}
	s.cfg.Peer.Forward(raw)
	s.counters.ForwardBytes += uint64(len(raw))
}

func (s *Session) recordError(raw []byte, err error) {
	switch {
	case errors.Is(err, autoterm.ErrNoPreamble):
		s.counters.NoiseBytes += uint64(len(raw))
		s.log.Debugf("skipped %d noise bytes", len(raw))
	case autoterm.IsChecksumError(err):
		s.counters.CRCErrors++
		s.log.WithError(err).Warn("frame rejected")
	case autoterm.IsLengthError(err):
		s.counters.LengthErrors++
		s.log.WithError(err).Warn("frame rejected")
	default:
		s.log.WithError(err).Warn("decode error")
	}
}

func (s *Session) markFrame(now time.Time) {
	s.lastFrame = now
	if !s.connected {
		s.connected = true
		s.log.Info("bus connected")
	}
}

func (s *Session) acknowledge(f *autoterm.Frame) {
	if s.outstanding == nil || !f.FromHeater() {
		return
	}
	if f.Type != s.outstanding.cmd.Type() {
		return
	}
	s.counters.Acked++
	s.log.WithField("msg", autoterm.FormatMessageType(f.Type)).Debugf("acknowledged %s", s.outstanding.cmd)
	s.outstanding = nil
}

// CheckTimeout marks the bus disconnected when no valid frame arrived
// within the timeout. Returns true when the bus just went silent.
func (s *Session) CheckTimeout(now time.Time) bool {
	if !s.connected || now.Sub(s.lastFrame) <= s.cfg.Timeout {
		return false
	}
	s.connected = false
	s.counters.Timeouts++
	s.log.WithError(ErrBusTimeout).Warnf("no valid frame for %s", now.Sub(s.lastFrame).Round(time.Millisecond))
	return true
}

// Connected reports whether a valid frame arrived within the timeout
func (s *Session) Connected() bool {
	return s.connected
}

// LastFrameTime returns when the last valid frame was decoded
func (s *Session) LastFrameTime() time.Time {
	return s.lastFrame
}

// Send queues a command. An unsent settings write or panel temperature is
// replaced by a newer one. When the queue is full the oldest unsent
// command is dropped.
func (s *Session) Send(cmd autoterm.Command) {
	for i, queued := range s.queue {
		if cmd.Supersedes(queued) {
			s.queue[i] = cmd
			return
		}
	}

	if len(s.queue) >= s.cfg.QueueSize {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.counters.Dropped++
		s.log.Warnf("send queue full, dropped %s", dropped)
	}
	s.queue = append(s.queue, cmd)
}

// Pending returns the number of commands not yet acknowledged
func (s *Session) Pending() int {
	n := len(s.queue)
	if s.outstanding != nil {
		n++
	}
	return n
}

// Flush retransmits an unacknowledged command once its ack timeout expired,
// or sends the next queued command when nothing is outstanding.
func (s *Session) Flush(now time.Time) {
	if p := s.outstanding; p != nil {
		if now.Sub(p.sentAt) < s.cfg.AckTimeout {
			return
		}
		if p.retries >= s.cfg.MaxRetries {
			s.counters.Dropped++
			s.log.Warnf("no reply to %s after %d retries, dropped", p.cmd, p.retries)
			s.outstanding = nil
		} else {
			p.retries++
			p.sentAt = now
			s.counters.Retries++
			s.log.Debugf("retry %d for %s", p.retries, p.cmd)
			s.transmit(p.cmd)
			return
		}
	}

	if len(s.queue) == 0 {
		return
	}
	cmd := s.queue[0]
	s.queue = s.queue[1:]
	s.outstanding = &pending{cmd: cmd, sentAt: now}
	s.transmit(cmd)
}

func (s *Session) transmit(cmd autoterm.Command) {
	data := autoterm.Encode(cmd)
	if _, err := s.port.Write(data); err != nil {
		s.log.WithError(err).Warnf("write %s failed", cmd)
		return
	}
	s.counters.Sent++
	s.log.WithField("msg", autoterm.FormatMessageType(cmd.Type())).Debugf("tx % X", data)
}

// Forward writes raw bytes from the opposite bus to this port
func (s *Session) Forward(p []byte) {
	if _, err := s.port.Write(p); err != nil {
		s.log.WithError(err).Warn("forward failed")
	}
}

// Stats returns a copy of the session counters
func (s *Session) Stats() Stats {
	st := s.counters
	st.Connected = s.connected
	st.LastFrameTime = s.lastFrame
	return st
}

// FrameStatistics returns the frame-level statistics for this bus
func (s *Session) FrameStatistics() *autoterm.Statistics {
	return s.stats
}
