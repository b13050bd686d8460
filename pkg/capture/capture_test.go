// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Thermoquad/autoterm/pkg/autoterm"
	"github.com/Thermoquad/autoterm/pkg/transport"
)

var start = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func statusRequest() []byte {
	return autoterm.Encode(autoterm.NewStatusRequest())
}

// ============================================================
// Writer/Reader Tests
// ============================================================

func TestCapture_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, start, "bench")
	if err != nil {
		t.Fatal(err)
	}

	req := statusRequest()
	if err := w.Write("display", transport.DirRX, req, start.Add(150*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := w.Write("heater", transport.DirTX, req, start.Add(151*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if w.Records() != 2 {
		t.Errorf("Expected 2 records, got %d", w.Records())
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	h := r.Header()
	if h.Version != FormatVersion || h.Note != "bench" {
		t.Errorf("Unexpected header %+v", h)
	}
	if _, err := uuid.Parse(h.Session); err != nil {
		t.Errorf("Session %q is not a UUID: %v", h.Session, err)
	}
	if h.Session != w.Header().Session {
		t.Error("Reader and writer disagree on session")
	}
	if !h.StartTime().Equal(start) {
		t.Errorf("Expected start %v, got %v", start, h.StartTime())
	}

	recs, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Bus != "display" || recs[0].Dir != transport.DirRX || recs[0].Offset != 150*time.Millisecond {
		t.Errorf("Unexpected first record %+v", recs[0])
	}
	if !bytes.Equal(recs[1].Data, req) || recs[1].Dir != transport.DirTX {
		t.Errorf("Unexpected second record %+v", recs[1])
	}
}

func TestCapture_RejectsVersion(t *testing.T) {
	data, err := cbor.Marshal(Header{Version: 99, Session: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(bytes.NewReader(data)); !errors.Is(err, ErrBadVersion) {
		t.Errorf("Expected ErrBadVersion, got %v", err)
	}
}

func TestCapture_TruncatedRecord(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, start, "")
	_ = w.Write("heater", transport.DirRX, statusRequest(), start)

	data := buf.Bytes()[:buf.Len()-2]
	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ReadAll(); err == nil {
		t.Error("Truncated record should fail")
	}
}

func TestCapture_Tap(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, time.Now(), "")

	tap := w.Tap("heater")
	tap(transport.DirRX, []byte{0xAA})
	tap(transport.DirTX, []byte{0x03})

	if w.Records() != 2 || w.Err() != nil {
		t.Errorf("Expected 2 records without error, got %d, %v", w.Records(), w.Err())
	}
}

// ============================================================
// Player Tests
// ============================================================

func TestPlayer_ReleasesByOffset(t *testing.T) {
	req := statusRequest()
	records := []Record{
		{Offset: 300 * time.Millisecond, Bus: "heater", Dir: transport.DirRX, Data: []byte{0x02}},
		{Offset: 100 * time.Millisecond, Bus: "display", Dir: transport.DirRX, Data: req},
		{Offset: 120 * time.Millisecond, Bus: "heater", Dir: transport.DirTX, Data: req},
		{Offset: 200 * time.Millisecond, Bus: "heater", Dir: transport.DirRX, Data: []byte{0x01}},
	}

	p := NewPlayer(records)
	display := p.Port("display")
	heater := p.Port("heater")
	if p.Port("heater") != heater {
		t.Fatal("Port should return the same port per bus")
	}

	buf := make([]byte, 32)
	p.Advance(50 * time.Millisecond)
	if n, _ := display.ReadAvailable(buf); n != 0 {
		t.Errorf("Nothing is due at 50ms, got %d bytes", n)
	}

	p.Advance(250 * time.Millisecond)
	n, _ := display.ReadAvailable(buf)
	if !bytes.Equal(buf[:n], req) {
		t.Errorf("Expected display request, got % X", buf[:n])
	}
	n, _ = heater.ReadAvailable(buf)
	if !bytes.Equal(buf[:n], []byte{0x01}) {
		t.Errorf("Transmitted bytes must not be replayed, got % X", buf[:n])
	}
	if p.Done() {
		t.Error("One record is still pending")
	}
	if p.End() != 300*time.Millisecond {
		t.Errorf("Expected end 300ms, got %v", p.End())
	}

	p.Advance(time.Second)
	n, _ = heater.ReadAvailable(buf)
	if !bytes.Equal(buf[:n], []byte{0x02}) {
		t.Errorf("Expected 02, got % X", buf[:n])
	}
	if !p.Done() || p.Clock() != time.Second {
		t.Errorf("Expected done at 1s, got %v at %v", p.Done(), p.Clock())
	}

	if _, err := heater.Write([]byte{0xAA}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(heater.Written(), []byte{0xAA}) {
		t.Errorf("Writes should be kept, got % X", heater.Written())
	}
}

func TestPlayer_DecodesReplayedFrames(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, start, "")
	for i := 0; i < 3; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		_ = w.Write("display", transport.DirRX, statusRequest(), at)
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	p := NewPlayer(recs)
	port := p.Port("display")
	p.Advance(5 * time.Second)

	d := autoterm.NewDecoder()
	chunk := make([]byte, 64)
	n, _ := port.ReadAvailable(chunk)
	d.Write(chunk[:n])

	frames := 0
	for {
		f, raw, err := d.Next()
		if raw == nil {
			break
		}
		if err != nil {
			t.Fatalf("Unexpected decode error: %v", err)
		}
		if f.Type != autoterm.MsgStatus || !f.IsRequest() {
			t.Errorf("Unexpected frame %s", autoterm.FormatMessageType(f.Type))
		}
		frames++
	}
	if frames != 3 {
		t.Errorf("Expected 3 frames, got %d", frames)
	}
}
