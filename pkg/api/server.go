// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package api serves device state, controller status and controls over
// HTTP, streams changes over a websocket and exposes Prometheus metrics.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/autoterm/pkg/bus"
	"github.com/Thermoquad/autoterm/pkg/devstate"
	"github.com/Thermoquad/autoterm/pkg/engine"
	"github.com/Thermoquad/autoterm/pkg/thermostat"
)

// DefaultListen is the default HTTP address
const DefaultListen = ":8080"

const (
	maxHeaderBytes    = 1 << 20
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
	maxBodyBytes      = 1 << 10
)

// Engine is the part of the engine the API serves
type Engine interface {
	Snapshot() devstate.DeviceState
	ControllerStatus() thermostat.Status
	BusStats() map[string]bus.Stats
	Subscribe(fn func(devstate.Change))
	Control(name, value string) error
}

// Server holds the router and the change hub
type Server struct {
	engine   Engine
	hub      *Hub
	router   *gin.Engine
	registry *prometheus.Registry
	log      logrus.FieldLogger
	http     *http.Server
}

// New builds the router and subscribes the hub to engine changes
func New(e Engine, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		engine:   e,
		hub:      NewHub(),
		registry: prometheus.NewRegistry(),
		log:      logger.WithField("component", "api"),
	}
	s.registry.MustRegister(NewCollector(e))
	e.Subscribe(s.hub.Publish)
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the change hub
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.wsConnect)

	api := r.Group("/api")
	{
		api.GET("/state", s.getState)
		api.GET("/state/:field", s.getField)
		api.GET("/controller", s.getController)
		api.GET("/bus", s.getBus)
		api.GET("/controls", s.getControls)
		api.PUT("/control/:name", s.putControl)
	}
	return r
}

// ListenAndServe serves on addr until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.log.Infof("listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// FieldState is the JSON view of one field
type FieldState struct {
	Value   *float64  `json:"value"`
	Text    string    `json:"text,omitempty"`
	Stale   bool      `json:"stale"`
	Origin  string    `json:"origin"`
	Updated time.Time `json:"updated"`
}

// NewFieldState converts a model value. Value is null when stale.
func NewFieldState(v devstate.Value) FieldState {
	fs := FieldState{
		Text:    v.Text,
		Stale:   v.Stale || !v.Set,
		Origin:  v.Origin.String(),
		Updated: v.Updated,
	}
	if !fs.Stale {
		n := v.Number
		fs.Value = &n
	}
	return fs
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getState(c *gin.Context) {
	snap := s.engine.Snapshot()
	out := make(map[string]FieldState, len(snap))
	for f, v := range snap {
		out[string(f)] = NewFieldState(v)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getField(c *gin.Context) {
	v, ok := s.engine.Snapshot()[devstate.Field(c.Param("field"))]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or unreported field"})
		return
	}
	c.JSON(http.StatusOK, NewFieldState(v))
}

func (s *Server) getController(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ControllerStatus())
}

func (s *Server) getBus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.BusStats())
}

func (s *Server) getControls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"controls": engine.ControlNames()})
}

type controlRequest struct {
	Value string `json:"value" binding:"required"`
}

// putControl accepts {"value": "..."} or a plain text body
func (s *Server) putControl(c *gin.Context) {
	name := c.Param("name")

	var value string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req controlRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
		value = req.Value
	} else {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
		value = strings.TrimSpace(string(body))
	}

	if err := s.engine.Control(name, value); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, engine.ErrUnknownControl) {
			code = http.StatusNotFound
		}
		s.log.WithError(err).Warnf("control %s=%q rejected", name, value)
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}

	s.log.Infof("control %s=%q accepted", name, value)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "control": name, "value": value})
}
