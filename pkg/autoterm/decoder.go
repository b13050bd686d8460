// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"bytes"
	"time"
)

// Decode scans data for the next frame.
//
// It returns the decoded frame and the number of bytes it occupied, or an
// error together with the number of bytes the caller should discard:
//
//   - ErrNeedMoreBytes, 0: data holds an incomplete frame
//   - ErrNoPreamble, n: the first n bytes are noise before the next preamble,
//     or a header that would run past a complete frame starting at n
//   - *FrameError (checksum), 1: the preamble was false, rescan from the next byte
//   - *FrameError (length), 1: the declared length exceeds MaxPayloadSize
//   - *FrameError (length), frame size: the frame is intact but its length does
//     not match its type
func Decode(data []byte) (*Frame, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrNeedMoreBytes
	}

	if data[0] != Preamble {
		skip := bytes.IndexByte(data, Preamble)
		if skip < 0 {
			skip = len(data)
		}
		return nil, skip, ErrNoPreamble
	}

	if len(data) < 3 {
		return nil, 0, ErrNeedMoreBytes
	}

	device := data[1]
	payloadLen := int(data[2])
	if payloadLen > MaxPayloadSize {
		return nil, 1, &FrameError{Kind: FrameLengthError, Device: device, Length: payloadLen}
	}

	total := Overhead + payloadLen
	if len(data) < total {
		// A complete frame further on means this header was false
		if next := nextCompleteFrame(data); next > 0 {
			return nil, next, ErrNoPreamble
		}
		return nil, 0, ErrNeedMoreBytes
	}

	received := uint16(data[total-2])<<8 | uint16(data[total-1])
	expected := CalculateCRC(data[:total-TrailerSize])
	if received != expected {
		return nil, 1, &FrameError{
			Kind:     FrameChecksumError,
			Device:   device,
			Type:     MsgType(data[4]),
			Length:   payloadLen,
			Expected: expected,
			Received: received,
		}
	}

	msgType := MsgType(data[4])
	if !lengthValid(device, msgType, payloadLen) {
		return nil, total, &FrameError{Kind: FrameLengthError, Device: device, Type: msgType, Length: payloadLen}
	}

	raw := make([]byte, total)
	copy(raw, data[:total])

	return &Frame{
		Device:    device,
		Type:      msgType,
		Payload:   raw[HeaderSize : HeaderSize+payloadLen],
		CRC:       received,
		Timestamp: time.Now(),
		raw:       raw,
	}, total, nil
}

// nextCompleteFrame returns the offset of the first later preamble that
// starts a complete frame with a valid checksum, or 0 when there is none
func nextCompleteFrame(data []byte) int {
	for i := 1; i < len(data); i++ {
		if data[i] != Preamble {
			continue
		}
		rest := data[i:]
		if len(rest) < Overhead || int(rest[2]) > MaxPayloadSize {
			continue
		}
		total := Overhead + int(rest[2])
		if len(rest) < total {
			continue
		}
		received := uint16(rest[total-2])<<8 | uint16(rest[total-1])
		if received == CalculateCRC(rest[:total-TrailerSize]) {
			return i
		}
	}
	return 0
}

// Decoder buffers a byte stream and yields frames as they complete
type Decoder struct {
	buffer []byte
}

// NewDecoder creates a new decoder
func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, MaxFrameSize*2)}
}

// Write appends received bytes. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buffer = append(d.buffer, p...)
	return len(p), nil
}

// Next decodes the next item from the buffer. It returns the frame (if any),
// the bytes consumed from the stream and the decode error. When the error is
// ErrNeedMoreBytes nothing was consumed and more input is required.
func (d *Decoder) Next() (*Frame, []byte, error) {
	frame, n, err := Decode(d.buffer)
	if n == 0 {
		return nil, nil, err
	}

	consumed := make([]byte, n)
	copy(consumed, d.buffer[:n])
	d.buffer = append(d.buffer[:0], d.buffer[n:]...)

	return frame, consumed, err
}

// Buffered returns the number of bytes waiting to be decoded
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}

// Reset discards all buffered bytes
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
}
