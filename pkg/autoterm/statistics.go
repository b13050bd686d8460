// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	CRCErrors       uint64
	LengthErrors    uint64
	NoiseBytes      uint64
	AnomalousValues uint64
	InvalidVoltage  uint64
	InvalidTemp     uint64
	HighRPM         uint64
	InvalidSettings uint64
	UnknownTypes    uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records one decode result. Noise (ErrNoPreamble) is counted per
// byte and ErrNeedMoreBytes is ignored.
func (s *Statistics) Update(frame *Frame, consumed int, decodeErr error, validationErrors []ValidationError) {
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		var fe *FrameError
		switch {
		case errors.Is(decodeErr, ErrNeedMoreBytes):
		case errors.Is(decodeErr, ErrNoPreamble):
			s.NoiseBytes += uint64(consumed)
		case errors.As(decodeErr, &fe) && fe.Kind == FrameChecksumError:
			s.TotalFrames++
			s.CRCErrors++
		case errors.As(decodeErr, &fe) && fe.Kind == FrameLengthError:
			s.TotalFrames++
			s.LengthErrors++
		}
		return
	}

	if frame == nil {
		return
	}
	s.TotalFrames++

	if len(validationErrors) == 0 {
		s.ValidFrames++
		return
	}

	for _, err := range validationErrors {
		switch err.Type {
		case AnomalyInvalidVoltage:
			s.InvalidVoltage++
			s.AnomalousValues++
		case AnomalyInvalidTemp:
			s.InvalidTemp++
			s.AnomalousValues++
		case AnomalyHighRPM:
			s.HighRPM++
			s.AnomalousValues++
		case AnomalyInvalidPowerLevel, AnomalyInvalidSource, AnomalyInvalidFanLevel:
			s.InvalidSettings++
			s.AnomalousValues++
		case AnomalyUnknownType:
			s.UnknownTypes++
		}
	}
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// Errors returns the number of rejected or anomalous frames
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.LengthErrors + s.AnomalousValues
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames))

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors))
	}
	if s.LengthErrors > 0 {
		result += fmt.Sprintf("Length Errors:   %8d (%.1f%%)\n", s.LengthErrors, percent(s.LengthErrors))
	}
	if s.UnknownTypes > 0 {
		result += fmt.Sprintf("Unknown Types:   %8d (%.1f%%)\n", s.UnknownTypes, percent(s.UnknownTypes))
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d (%.1f%%)\n", s.AnomalousValues, percent(s.AnomalousValues))
		if s.InvalidVoltage > 0 {
			result += fmt.Sprintf("  Invalid Voltage:  %5d\n", s.InvalidVoltage)
		}
		if s.InvalidTemp > 0 {
			result += fmt.Sprintf("  Invalid Temp:     %5d\n", s.InvalidTemp)
		}
		if s.HighRPM > 0 {
			result += fmt.Sprintf("  High RPM (>%d): %5d\n", MaxPlausibleRPM, s.HighRPM)
		}
		if s.InvalidSettings > 0 {
			result += fmt.Sprintf("  Invalid Settings: %5d\n", s.InvalidSettings)
		}
	}
	if s.NoiseBytes > 0 {
		result += fmt.Sprintf("Noise Bytes:     %8d\n", s.NoiseBytes)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
