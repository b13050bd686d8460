// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================
// Test Helpers
// ============================================================

// pipeConn reads from an io.Pipe and records writes
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

func newPipeConn() *pipeConn {
	r, w := io.Pipe()
	return &pipeConn{r: r, w: w}
}

func (c *pipeConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *pipeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(p)
}

func (c *pipeConn) Close() error {
	return c.w.Close()
}

// drain polls ReadAvailable until want bytes arrived or the deadline passes
func drain(t *testing.T, s *Stream, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		n, _ := s.ReadAvailable(buf)
		got = append(got, buf[:n]...)
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return got
}

// ============================================================
// Stream Tests
// ============================================================

func TestStream_ReadAvailable(t *testing.T) {
	conn := newPipeConn()
	s := NewStream(conn)
	defer s.Close()

	buf := make([]byte, 16)
	if n, err := s.ReadAvailable(buf); n != 0 || err != nil {
		t.Fatalf("Empty stream should return 0, nil; got %d, %v", n, err)
	}

	data := []byte{0xAA, 0x03, 0x00, 0x00, 0x0F, 0x58, 0x7C}
	go func() { _, _ = conn.w.Write(data) }()

	got := drain(t, s, len(data))
	if !bytes.Equal(got, data) {
		t.Errorf("Expected % X, got % X", data, got)
	}
}

func TestStream_ReportsReaderError(t *testing.T) {
	conn := newPipeConn()
	s := NewStream(conn)

	go func() {
		_, _ = conn.w.Write([]byte{1, 2, 3})
		_ = conn.w.Close()
	}()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Reader did not stop after EOF")
	}

	buf := make([]byte, 16)
	n, err := s.ReadAvailable(buf)
	if n != 3 || err != nil {
		t.Fatalf("Buffered bytes come before the error, got %d, %v", n, err)
	}
	if _, err := s.ReadAvailable(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF once drained, got %v", err)
	}
	if !errors.Is(s.Err(), io.EOF) {
		t.Errorf("Err() should report EOF, got %v", s.Err())
	}
}

func TestStream_Tap(t *testing.T) {
	conn := newPipeConn()
	s := NewStream(conn)
	defer s.Close()

	var mu sync.Mutex
	seen := map[Direction][]byte{}
	s.SetTap(func(dir Direction, data []byte) {
		mu.Lock()
		seen[dir] = append(seen[dir], data...)
		mu.Unlock()
	})

	if _, err := s.Write([]byte{0x0A, 0x0B}); err != nil {
		t.Fatal(err)
	}
	go func() { _, _ = conn.w.Write([]byte{0x01}) }()
	drain(t, s, 1)

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(seen[DirTX], []byte{0x0A, 0x0B}) {
		t.Errorf("Expected tx tap 0A 0B, got % X", seen[DirTX])
	}
	if !bytes.Equal(seen[DirRX], []byte{0x01}) {
		t.Errorf("Expected rx tap 01, got % X", seen[DirRX])
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !bytes.Equal(conn.written.Bytes(), []byte{0x0A, 0x0B}) {
		t.Errorf("Write not passed to connection: % X", conn.written.Bytes())
	}
}

func TestDirection_String(t *testing.T) {
	if DirRX.String() != "rx" || DirTX.String() != "tx" {
		t.Errorf("Unexpected direction names %s/%s", DirRX, DirTX)
	}
}

// ============================================================
// WebSocket Tests
// ============================================================

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); ok && user != "admin" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			// Noise the client must skip
			_ = c.WriteMessage(websocket.TextMessage, []byte("hello"))
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketConnection_RoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := OpenWebSocketConnection(url, "admin", "secret", false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := []byte{0xAA, 0x03, 0x00, 0x00, 0x02, 0x9D, 0xBD}
	if n, err := conn.Write(frame); err != nil || n != len(frame) {
		t.Fatalf("Write returned %d, %v", n, err)
	}

	// Small reads exercise the message buffer
	var got []byte
	buf := make([]byte, 3)
	for len(got) < len(frame) {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("Expected % X, got % X", frame, got)
	}
}

func TestWebSocketConnection_ClosedAfterError(t *testing.T) {
	srv := newEchoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := OpenWebSocketConnection(url, "", "", false)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = conn.Close()
	srv.Close()

	buf := make([]byte, 8)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("Read on a closed socket should fail")
	}
	if _, err := conn.Read(buf); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestOpenWebSocketConnection_RejectsScheme(t *testing.T) {
	if _, err := OpenWebSocketConnection("http://localhost/bus", "", "", false); err == nil {
		t.Error("http:// must be rejected")
	}
}

func TestOpenWebSocketConnection_HTTPStatus(t *testing.T) {
	srv := newEchoServer(t)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := OpenWebSocketConnection(url, "intruder", "pw", false)
	if err == nil || !strings.Contains(err.Error(), "HTTP 403") {
		t.Errorf("Expected HTTP 403 failure, got %v", err)
	}
}

// ============================================================
// Endpoint Tests
// ============================================================

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		ep         Endpoint
		configured bool
		text       string
	}{
		{"empty", Endpoint{}, false, "Serial:  @ 2400 baud"},
		{"serial", Endpoint{Port: "/dev/ttyS1"}, true, "Serial: /dev/ttyS1 @ 2400 baud"},
		{"serial baud", Endpoint{Port: "/dev/ttyS1", Baud: 9600}, true, "Serial: /dev/ttyS1 @ 9600 baud"},
		{"websocket", Endpoint{Port: "/dev/ttyS1", URL: "ws://bridge/heater"}, true, "WebSocket: ws://bridge/heater"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.Configured(); got != tt.configured {
				t.Errorf("Configured() = %v, want %v", got, tt.configured)
			}
			if got := tt.ep.String(); got != tt.text {
				t.Errorf("String() = %q, want %q", got, tt.text)
			}
		})
	}
}

func TestOpen_NoEndpoint(t *testing.T) {
	if _, err := Open(Endpoint{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Expected ErrNoEndpoint, got %v", err)
	}
}

func TestGetPassword_FromEnv(t *testing.T) {
	t.Setenv(PasswordEnv, "hunter2")
	pw, err := GetPassword()
	if err != nil || pw != "hunter2" {
		t.Errorf("Expected hunter2, got %q, %v", pw, err)
	}
}
