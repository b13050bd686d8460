// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Thermoquad/autoterm/pkg/devstate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMsgSize     = 1 << 12
	listenerBuffer = 64
)

// Envelope wraps every websocket message
type Envelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ChangeEvent is the websocket view of a field change
type ChangeEvent struct {
	Field string     `json:"field"`
	State FieldState `json:"state"`
}

// listener is one websocket client
type listener struct {
	ch chan []byte
}

// Hub fans change events out to websocket clients. Slow clients are
// dropped rather than blocking the tick.
type Hub struct {
	listeners  map[*listener]bool
	broadcast  chan []byte
	register   chan *listener
	deregister chan *listener
	done       chan struct{}
}

// NewHub creates an idle hub. Run must be started to deliver events.
func NewHub() *Hub {
	return &Hub{
		listeners:  make(map[*listener]bool),
		broadcast:  make(chan []byte, listenerBuffer),
		register:   make(chan *listener),
		deregister: make(chan *listener),
		done:       make(chan struct{}),
	}
}

// Publish queues a change for every client. It never blocks: when the
// broadcast queue is full the event is dropped.
func (h *Hub) Publish(c devstate.Change) {
	msg, err := json.Marshal(Envelope{Type: "change", Data: ChangeEvent{
		Field: string(c.Field),
		State: NewFieldState(c.Value),
	}})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Run delivers events until ctx is canceled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for l := range h.listeners {
				close(l.ch)
				delete(h.listeners, l)
			}
			return
		case l := <-h.register:
			h.listeners[l] = true
		case l := <-h.deregister:
			if _, ok := h.listeners[l]; ok {
				delete(h.listeners, l)
				close(l.ch)
			}
		case msg := <-h.broadcast:
			for l := range h.listeners {
				select {
				case l.ch <- msg:
				default:
					close(l.ch)
					delete(h.listeners, l)
				}
			}
		}
	}
}

// subscribe registers a client. Once the hub has stopped the returned
// channel is already closed.
func (h *Hub) subscribe() *listener {
	l := &listener{ch: make(chan []byte, listenerBuffer)}
	select {
	case h.register <- l:
	case <-h.done:
		close(l.ch)
	}
	return l
}

func (h *Hub) unsubscribe(l *listener) {
	select {
	case h.deregister <- l:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConnect sends the full state, then every change
func (s *Server) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	l := s.hub.subscribe()
	defer s.hub.unsubscribe(l)

	snap := s.engine.Snapshot()
	state := make(map[string]FieldState, len(snap))
	for f, v := range snap {
		state[string(f)] = NewFieldState(v)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Envelope{Type: "state", Data: state}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-l.ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
