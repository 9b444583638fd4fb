// Package server exposes the HTTP surface: the Slack webhook endpoint, a
// small REST API over the task store, and the realtime push channels (SSE and
// WebSocket) backed by the realtime hub.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"otto/internal/logging"
	"otto/internal/observability"
	"otto/internal/realtime"
	"otto/internal/slack"
	"otto/internal/task"
)

// Options carries the listen address and HTTP behavior knobs.
type Options struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Debug          bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (o *Options) applyDefaults() {
	if o.Port == 0 {
		o.Port = 8090
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout == 0 {
		// SSE and WebSocket connections outlive any sane write timeout; the
		// handlers manage their own liveness via heartbeats.
		o.WriteTimeout = 0
	}
}

// Server wires the HTTP endpoints over the task store and realtime hub.
type Server struct {
	opts       Options
	engine     *gin.Engine
	httpServer *http.Server

	store      *task.Store
	dispatcher *task.Dispatcher
	hub        *realtime.Hub
	gateway    *slack.Gateway

	wsUpgrader websocket.Upgrader
	metrics    *observability.Metrics
	logger     logging.Logger
	startTime  time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics attaches prometheus instrumentation and enables /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGateway mounts the Slack events endpoint.
func WithGateway(g *slack.Gateway) Option {
	return func(s *Server) { s.gateway = g }
}

// New builds the server and registers all routes.
func New(opts Options, store *task.Store, dispatcher *task.Dispatcher, hub *realtime.Hub, logger logging.Logger, options ...Option) *Server {
	opts.applyDefaults()

	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		opts:       opts,
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}
	for _, opt := range options {
		opt(s)
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	if s.gateway != nil {
		s.engine.POST("/slack/events", s.gateway.HandleEvents)
	}

	api := s.engine.Group("/api")
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.POST("/tasks/:id/cancel", s.handleCancelTask)
	api.POST("/tasks/cancel_all", s.handleCancelAll)
	api.GET("/tasks/:id/activity", s.handleTaskActivity)
	api.GET("/activity/feed", s.handleActivityFeed)
	api.GET("/events", s.handleSSE)

	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then drains with a shutdown grace
// period. A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	}
	if s.dispatcher != nil {
		payload["queue_depth"] = s.dispatcher.QueueDepth()
	}
	c.JSON(http.StatusOK, payload)
}
