// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records raw bus traffic to a CBOR sequence and plays it
// back through the same decoding path.
//
// A capture file is one Header followed by any number of Records, each a
// CBOR map with integer keys.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Thermoquad/autoterm/pkg/transport"
)

// FormatVersion is written into every header
const FormatVersion = 1

// ErrBadVersion is returned for captures written by an unknown format
var ErrBadVersion = errors.New("unsupported capture version")

// Header opens a capture file
type Header struct {
	Version int    `cbor:"1,keyasint"`
	Session string `cbor:"2,keyasint"`
	Started int64  `cbor:"3,keyasint"` // unix nanoseconds
	Note    string `cbor:"4,keyasint,omitempty"`
}

// StartTime returns Started as a time
func (h Header) StartTime() time.Time {
	return time.Unix(0, h.Started)
}

// Record is one chunk of bytes seen on a bus
type Record struct {
	Offset time.Duration       `cbor:"1,keyasint"` // since Header.Started
	Bus    string              `cbor:"2,keyasint"`
	Dir    transport.Direction `cbor:"3,keyasint"`
	Data   []byte              `cbor:"4,keyasint"`
}

// Writer appends records to a capture
type Writer struct {
	mu      sync.Mutex
	enc     *cbor.Encoder
	header  Header
	start   time.Time
	records uint64
	err     error
}

// NewWriter writes a header with a fresh session ID and returns a writer
func NewWriter(w io.Writer, start time.Time, note string) (*Writer, error) {
	h := Header{
		Version: FormatVersion,
		Session: uuid.NewString(),
		Started: start.UnixNano(),
		Note:    note,
	}
	enc := cbor.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &Writer{enc: enc, header: h, start: start}, nil
}

// Header returns the header written for this capture
func (w *Writer) Header() Header {
	return w.header
}

// Write records data seen at time at. The first error sticks.
func (w *Writer) Write(bus string, dir transport.Direction, data []byte, at time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	rec := Record{Offset: at.Sub(w.start), Bus: bus, Dir: dir, Data: data}
	if err := w.enc.Encode(rec); err != nil {
		w.err = fmt.Errorf("failed to write capture record: %w", err)
		return w.err
	}
	w.records++
	return nil
}

// Tap returns a stream tap recording under bus name
func (w *Writer) Tap(bus string) transport.Tap {
	return func(dir transport.Direction, data []byte) {
		_ = w.Write(bus, dir, data, time.Now())
	}
}

// Records returns the number of records written
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Err returns the first write error
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Reader iterates over a capture
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the header
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return &Reader{dec: dec, header: h}, nil
}

// Header returns the capture header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end of the capture
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("failed to read capture record: %w", err)
	}
	return rec, nil
}

// ReadAll returns every remaining record
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
