// Package server exposes the broker over HTTP: client lifecycle control,
// session CRUD, message access, and websocket event attachment.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"conduit/internal/agentclient"
	"conduit/internal/broker"
	"conduit/internal/eventsink"
	"conduit/internal/logging"
	"conduit/internal/model"
)

// Config holds the HTTP listener settings.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Server is the HTTP front of the broker.
type Server struct {
	lifecycle *broker.LifecycleManager
	registry  *broker.SessionRegistry
	hub       *eventsink.Hub
	metrics   http.Handler
	logger    logging.Logger

	engine *gin.Engine
	http   *http.Server
}

// New builds the server and its route table. metricsHandler may be nil when
// metric export is disabled.
func New(cfg Config, lifecycle *broker.LifecycleManager, registry *broker.SessionRegistry, hub *eventsink.Hub, metricsHandler http.Handler, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		lifecycle: lifecycle,
		registry:  registry,
		hub:       hub,
		metrics:   metricsHandler,
		logger:    logging.OrNop(logger),
		engine:    engine,
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))

	s.routes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the route table for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.engine.Group("/api/v1")

	client := api.Group("/client")
	client.GET("/status", s.handleClientStatus)
	client.POST("/start", s.handleClientStart)
	client.POST("/stop", s.handleClientStop)
	client.POST("/force-stop", s.handleClientForceStop)
	client.POST("/ping", s.handleClientPing)
	client.GET("/config", s.handleGetConfig)
	client.PUT("/config", s.handlePutConfig)

	sessions := api.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("", s.handleListSessions)
	sessions.GET("/:id", s.handleGetSession)
	sessions.DELETE("/:id", s.handleDeleteSession)
	sessions.POST("/:id/resume", s.handleResumeSession)
	sessions.GET("/:id/messages", s.handleGetMessages)
	sessions.POST("/:id/messages", s.handleAppendMessages)
	sessions.PUT("/:id/summary", s.handleUpdateSummary)
	sessions.GET("/:id/history", s.handleEventHistory)
	sessions.GET("/:id/events", s.handleEventStream)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleClientStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lifecycle.Status())
}

func (s *Server) handleClientStart(c *gin.Context) {
	if err := s.lifecycle.Start(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Status())
}

func (s *Server) handleClientStop(c *gin.Context) {
	if err := s.lifecycle.Stop(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Status())
}

func (s *Server) handleClientForceStop(c *gin.Context) {
	if err := s.lifecycle.ForceStop(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Status())
}

func (s *Server) handleClientPing(c *gin.Context) {
	var req struct {
		Message string `json:"message"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}
	if req.Message == "" {
		req.Message = "ping"
	}
	report, err := s.lifecycle.Ping(c.Request.Context(), req.Message)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"echo": report.Echo, "latency_ms": report.Latency.Milliseconds()})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.lifecycle.Config())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var cfg model.ClientConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid config: %v", err)})
		return
	}
	if err := s.lifecycle.UpdateConfig(c.Request.Context(), &cfg); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lifecycle.Config())
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Config model.SessionConfig    `json:"config"`
		Tools  []model.ToolDefinition `json:"tools"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}
	sessionID, err := s.registry.CreateSession(c.Request.Context(), req.Config, req.Tools)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sessionID})
}

func (s *Server) handleListSessions(c *gin.Context) {
	metas := s.registry.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"sessions": metas, "count": len(metas)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	record, err := s.registry.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": record.Metadata,
		"active":  s.registry.IsSessionActive(sessionID),
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	existed, err := s.registry.RemoveSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleResumeSession(c *gin.Context) {
	var req struct {
		Streaming *bool                  `json:"streaming,omitempty"`
		Provider  string                 `json:"provider,omitempty"`
		Tools     []model.ToolDefinition `json:"tools,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
	}
	opts := agentclient.ResumeOptions{Streaming: req.Streaming, Provider: req.Provider, Tools: req.Tools}
	if err := s.registry.ResumeSession(c.Request.Context(), c.Param("id"), opts); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	messages, err := s.registry.GetMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if messages == nil {
		messages = []model.PersistedMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

func (s *Server) handleAppendMessages(c *gin.Context) {
	var req struct {
		Messages []model.PersistedMessage `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if err := s.registry.AppendMessages(c.Request.Context(), c.Param("id"), req.Messages); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appended": len(req.Messages)})
}

func (s *Server) handleUpdateSummary(c *gin.Context) {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	s.registry.UpdateSummary(c.Request.Context(), c.Param("id"), req.Summary)
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleEventHistory(c *gin.Context) {
	history := s.hub.History(c.Param("id"))
	if history == nil {
		history = []eventsink.Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{"events": history, "count": len(history)})
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
