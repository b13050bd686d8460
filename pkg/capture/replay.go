// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"sort"
	"time"

	"github.com/Thermoquad/autoterm/pkg/transport"
)

// Player releases recorded bus bytes as a replay clock advances
type Player struct {
	records []Record
	clock   time.Duration
	ports   map[string]*ReplayPort
}

// NewPlayer prepares the received records of a capture for replay
func NewPlayer(records []Record) *Player {
	p := &Player{ports: make(map[string]*ReplayPort)}
	for _, r := range records {
		if r.Dir == transport.DirRX {
			p.records = append(p.records, r)
		}
	}
	sort.SliceStable(p.records, func(i, j int) bool {
		return p.records[i].Offset < p.records[j].Offset
	})
	return p
}

// Port returns the replay port for a bus name
func (p *Player) Port(bus string) *ReplayPort {
	if port, ok := p.ports[bus]; ok {
		return port
	}
	port := &ReplayPort{}
	p.ports[bus] = port
	return port
}

// Advance moves the clock to offset and releases every record up to it
func (p *Player) Advance(offset time.Duration) {
	p.clock = offset
	for len(p.records) > 0 && p.records[0].Offset <= offset {
		r := p.records[0]
		p.records = p.records[1:]
		if port, ok := p.ports[r.Bus]; ok {
			port.pending = append(port.pending, r.Data...)
		}
	}
}

// Clock returns the current replay offset
func (p *Player) Clock() time.Duration {
	return p.clock
}

// Done reports whether every record has been released
func (p *Player) Done() bool {
	return len(p.records) == 0
}

// End returns the offset of the last record
func (p *Player) End() time.Duration {
	if len(p.records) == 0 {
		return p.clock
	}
	return p.records[len(p.records)-1].Offset
}

// ReplayPort serves released bytes and keeps whatever is written to it
type ReplayPort struct {
	pending []byte
	written bytes.Buffer
}

// ReadAvailable returns released bytes
func (r *ReplayPort) ReadAvailable(p []byte) (int, error) {
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Write keeps outgoing bytes for inspection
func (r *ReplayPort) Write(p []byte) (int, error) {
	return r.written.Write(p)
}

// Written returns everything written to the port
func (r *ReplayPort) Written() []byte {
	return r.written.Bytes()
}
