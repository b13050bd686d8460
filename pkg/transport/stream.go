// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"io"
	"sync"
)

// Direction of bytes on a link
type Direction uint8

const (
	DirRX Direction = iota
	DirTX
)

func (d Direction) String() string {
	if d == DirTX {
		return "tx"
	}
	return "rx"
}

// Tap observes every chunk read from or written to a stream
type Tap func(dir Direction, data []byte)

// maxBuffered bounds unread bytes. Older bytes are discarded first.
const maxBuffered = 64 * 1024

// Stream makes a blocking connection non-blocking. A goroutine pumps reads
// into a buffer which ReadAvailable drains.
type Stream struct {
	conn io.ReadWriteCloser

	mu      sync.Mutex
	buf     []byte
	err     error
	dropped uint64
	tap     Tap

	done chan struct{}
}

// NewStream starts the reader goroutine for conn
func NewStream(conn io.ReadWriteCloser) *Stream {
	s := &Stream{
		conn: conn,
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.done)
	chunk := make([]byte, 256)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			if over := len(s.buf) - maxBuffered; over > 0 {
				s.buf = s.buf[over:]
				s.dropped += uint64(over)
			}
			tap := s.tap
			s.mu.Unlock()
			if tap != nil {
				tap(DirRX, append([]byte(nil), chunk[:n]...))
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

// SetTap installs an observer for both directions
func (s *Stream) SetTap(t Tap) {
	s.mu.Lock()
	s.tap = t
	s.mu.Unlock()
}

// ReadAvailable copies buffered bytes into p without blocking. Once the
// buffer is empty it reports the error that stopped the reader, if any.
func (s *Stream) ReadAvailable(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return 0, s.err
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Write sends p on the underlying connection
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	s.mu.Lock()
	tap := s.tap
	s.mu.Unlock()
	if tap != nil && n > 0 {
		tap(DirTX, append([]byte(nil), p[:n]...))
	}
	return n, err
}

// Err returns the error that stopped the reader
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of bytes discarded on buffer overflow
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Done is closed when the reader goroutine exits
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close closes the connection and stops the reader
func (s *Stream) Close() error {
	return s.conn.Close()
}
