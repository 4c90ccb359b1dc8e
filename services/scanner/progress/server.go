// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/skyscan/services/scanner/pixel"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// PixelRecord is one committed pixel as served over HTTP.
type PixelRecord struct {
	Pixel        uint64           `json:"pixel"`
	LLH          skymap.LLH       `json:"llh"`
	EnergyInside float64          `json:"energy_inside"`
	EnergyTotal  float64          `json:"energy_total"`
	Vertex       skymap.Vertex    `json:"vertex"`
	Variation    skymap.Variation `json:"variation"`
	Fallback     bool             `json:"fallback,omitempty"`
}

// Server exposes a Reporter and the result cache over HTTP.
type Server struct {
	reporter *Reporter
	view     skymap.View
	metrics  http.Handler
	logger   *slog.Logger
	router   *gin.Engine
	srv      *http.Server
}

// NewServer builds the router. addr is used only by ListenAndServe.
func NewServer(addr string, reporter *Reporter, view skymap.View, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		reporter: reporter,
		view:     view,
		logger:   logger.With(slog.String("component", "progress.server")),
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("skyscan"))

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)

	v1 := s.router.Group("/v1/scan")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/pixels/:nside", s.handlePixels)
		v1.GET("/progress/ws", s.handleProgressWS)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// WithMetrics serves h on /metrics. Without it /metrics answers 404.
func (s *Server) WithMetrics(h http.Handler) *Server {
	s.metrics = h
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("progress server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "prometheus exporter not enabled"})
		return
	}
	s.metrics.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.reporter.Latest())
}

func (s *Server) handlePixels(c *gin.Context) {
	n, err := strconv.ParseUint(c.Param("nside"), 10, 32)
	if err != nil || pixel.ValidateNSide(uint32(n)) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nside must be a power of two"})
		return
	}
	nside := uint32(n)
	level := s.view.Get(nside)

	out := make([]PixelRecord, 0, len(level))
	for pix, r := range level {
		out = append(out, PixelRecord{
			Pixel:        pix,
			LLH:          r.LLH,
			EnergyInside: r.EnergyInside,
			EnergyTotal:  r.EnergyTotal,
			Vertex:       r.Vertex,
			Variation:    r.Variation,
			Fallback:     r.Fallback,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pixel < out[j].Pixel })

	c.JSON(http.StatusOK, gin.H{
		"nside":  nside,
		"total":  pixel.NPix(nside),
		"count":  len(out),
		"pixels": out,
	})
}

// handleProgressWS streams snapshots until the client leaves or the
// reporter stops.
func (s *Server) handleProgressWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	snaps, unsubscribe := s.reporter.Subscribe()
	defer unsubscribe()

	// Reader goroutine only notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(snap Snapshot) bool {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(snap); err != nil {
			s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	if !send(s.reporter.Latest()) {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if !send(snap) {
				return
			}
		}
	}
}
