// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"errors"
	"fmt"
)

// ErrNeedMoreBytes is returned when the buffer holds an incomplete frame
var ErrNeedMoreBytes = errors.New("autoterm: need more bytes")

// ErrNoPreamble is returned when bytes before the next preamble were skipped
var ErrNoPreamble = errors.New("autoterm: no preamble")

// FrameErrorKind classifies rejected frames
type FrameErrorKind int

// Frame error kinds
const (
	FrameChecksumError FrameErrorKind = iota
	FrameLengthError
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameChecksumError:
		return "checksum"
	case FrameLengthError:
		return "length"
	default:
		return "unknown"
	}
}

// FrameError describes a rejected frame. It is always recoverable.
type FrameError struct {
	Kind     FrameErrorKind
	Device   byte
	Type     MsgType
	Length   int
	Expected uint16 // calculated CRC (checksum errors)
	Received uint16 // received CRC (checksum errors)
}

func (e *FrameError) Error() string {
	switch e.Kind {
	case FrameChecksumError:
		return fmt.Sprintf("CRC mismatch: expected 0x%04X, got 0x%04X", e.Expected, e.Received)
	case FrameLengthError:
		return fmt.Sprintf("invalid length %d for %s from 0x%02X", e.Length, FormatMessageType(e.Type), e.Device)
	default:
		return "invalid frame"
	}
}

// IsChecksumError reports whether err is a frame checksum failure
func IsChecksumError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe) && fe.Kind == FrameChecksumError
}

// IsLengthError reports whether err is a frame length failure
func IsLengthError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe) && fe.Kind == FrameLengthError
}
