// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package autoterm

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomSettings returns settings with arbitrary byte values
func randomSettings(rng *rand.Rand) Settings {
	return Settings{
		UseWorkTime:       uint8(rng.Intn(256)),
		WorkTime:          uint8(rng.Intn(256)),
		TemperatureSource: TemperatureSource(rng.Intn(256)),
		SetTemperature:    uint8(rng.Intn(256)),
		WaitMode:          uint8(rng.Intn(256)),
		PowerLevel:        uint8(rng.Intn(256)),
	}
}

// randomCommand returns an arbitrary command of any kind
func randomCommand(rng *rand.Rand) Command {
	switch rng.Intn(7) {
	case 0:
		return NewPowerOn(randomSettings(rng))
	case 1:
		return NewPowerOff()
	case 2:
		return NewStatusRequest()
	case 3:
		return NewSettingsRequest()
	case 4:
		return NewSettingsWrite(randomSettings(rng))
	case 5:
		return NewFanMode(uint8(rng.Intn(256)))
	default:
		return NewPanelTemperature(uint8(rng.Intn(256)))
	}
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

func TestFuzz_CommandRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		cmd := randomCommand(rng)
		frame, _, err := Decode(Encode(cmd))
		if err != nil {
			t.Fatalf("round %d: decode %v: %v", i, cmd, err)
		}
		got, err := DecodeCommand(frame)
		if err != nil {
			t.Fatalf("round %d: decode command %v: %v", i, cmd, err)
		}
		if got != cmd {
			t.Fatalf("round %d: expected %v, got %v", i, cmd, got)
		}
	}
}

func TestFuzz_DecoderNeverPanics(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(200))
		rng.Read(data)
		// Sprinkle preambles so the frame paths are exercised
		for j := range data {
			if rng.Intn(8) == 0 {
				data[j] = Preamble
			}
		}

		d := NewDecoder()
		d.Write(data)
		var consumed []byte
		for {
			_, raw, _ := d.Next()
			if raw == nil {
				break
			}
			consumed = append(consumed, raw...)
		}

		if len(consumed)+d.Buffered() != len(data) {
			t.Fatalf("round %d: consumed %d + buffered %d != %d", i, len(consumed), d.Buffered(), len(data))
		}
		if !bytes.Equal(consumed, data[:len(consumed)]) {
			t.Fatalf("round %d: consumed bytes out of order", i)
		}
	}
}

func TestFuzz_FramesSurviveNoise(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds() / 10
	if rounds == 0 {
		rounds = 1
	}

	for i := 0; i < rounds; i++ {
		var stream []byte
		var sent []Command
		for j := 0; j < 10; j++ {
			// Noise without preambles cannot hide a frame
			noise := make([]byte, rng.Intn(8))
			for k := range noise {
				noise[k] = byte(rng.Intn(Preamble))
			}
			stream = append(stream, noise...)

			cmd := randomCommand(rng)
			sent = append(sent, cmd)
			stream = append(stream, Encode(cmd)...)
		}

		d := NewDecoder()
		d.Write(stream)
		var got []Command
		for {
			frame, raw, _ := d.Next()
			if raw == nil {
				break
			}
			if frame != nil {
				cmd, err := DecodeCommand(frame)
				if err != nil {
					t.Fatalf("round %d: %v", i, err)
				}
				got = append(got, cmd)
			}
		}

		if len(got) != len(sent) {
			t.Fatalf("round %d: expected %d commands, got %d", i, len(sent), len(got))
		}
		for j := range sent {
			if got[j] != sent[j] {
				t.Fatalf("round %d: command %d: expected %v, got %v", i, j, sent[j], got[j])
			}
		}
	}
}
