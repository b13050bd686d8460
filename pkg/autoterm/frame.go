// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import "time"

// Frame is one checksum-validated protocol message
type Frame struct {
	Device    byte
	Type      MsgType
	Payload   []byte
	CRC       uint16
	Timestamp time.Time

	raw []byte
}

// NewFrame builds a frame and computes its checksum
func NewFrame(device byte, t MsgType, payload []byte) *Frame {
	raw := make([]byte, 0, Overhead+len(payload))
	raw = append(raw, Preamble, device, byte(len(payload)), 0x00, byte(t))
	raw = append(raw, payload...)
	raw = appendCRC(raw)

	return &Frame{
		Device:    device,
		Type:      t,
		Payload:   raw[HeaderSize : HeaderSize+len(payload)],
		CRC:       uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1]),
		Timestamp: time.Now(),
		raw:       raw,
	}
}

// Bytes returns the frame in wire format
func (f *Frame) Bytes() []byte {
	if f.raw == nil {
		f.raw = NewFrame(f.Device, f.Type, f.Payload).raw
	}
	return f.raw
}

// Len returns the payload length
func (f *Frame) Len() int {
	return len(f.Payload)
}

// FromHeater reports whether the heater originated the frame
func (f *Frame) FromHeater() bool {
	return f.Device == DeviceHeater
}

// FromController reports whether a panel or controller originated the frame
func (f *Frame) FromController() bool {
	return f.Device == DeviceController
}

// IsRequest reports whether the frame is a zero-length query
func (f *Frame) IsRequest() bool {
	return f.Device == DeviceController && len(f.Payload) == 0
}
