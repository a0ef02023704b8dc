// Package server exposes the download engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/utils"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

type Server struct {
	config     Config
	eng        *engine.Engine
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(cfg Config, eng *engine.Engine) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		config: cfg,
		eng:    eng,
		router: gin.New(),
		log:    utils.GetLogger("server"),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router.Use(gin.Recovery(), s.loggerMiddleware())
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.GET("/health", s.handleHealth)
	downloads := api.Group("/downloads")
	downloads.POST("", s.handleStart)
	downloads.GET("", s.handleList)
	downloads.GET("/active", s.handleActive)
	downloads.GET("/:id", s.handleStatus)
	downloads.DELETE("/:id", s.handleCancel)
	downloads.POST("/:id/ack", s.handleAcknowledge)
	downloads.GET("/:id/events", s.handleEvents)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.config.Addr).Msg("Control server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes event streams and stops accepting requests. The engine is
// shut down by its owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		event := s.log.Debug()
		switch {
		case status >= 500:
			event = s.log.Error()
		case status >= 400:
			event = s.log.Warn()
		}
		event.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}
