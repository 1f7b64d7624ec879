// Package server hosts an engine behind a WebSocket endpoint and exposes
// session status over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"roundtrip/internal/engine"
	"roundtrip/internal/store"
	"roundtrip/internal/wsconn"
)

// Config captures the server options.
type Config struct {
	Sources        []string
	InputQueueSize int
	GinMode        string
}

// SessionStore persists finished sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, rec store.SessionRecord) error
	RecentSessions(ctx context.Context, limit int) ([]store.SessionRecord, error)
}

// Dependencies groups the collaborators of a server. Store is optional.
type Dependencies struct {
	Engine   engine.Engine
	Store    SessionStore
	Registry *Registry
	Logger   *slog.Logger
}

// Server serves frame sessions.
type Server struct {
	cfg      Config
	engine   engine.Engine
	store    SessionStore
	registry *Registry
	logger   *slog.Logger
	router   *gin.Engine

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// New constructs a Server with the supplied configuration and dependencies.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine dependency is required")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if cfg.InputQueueSize <= 0 {
		cfg.InputQueueSize = 60
	}

	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		engine:   deps.Engine,
		store:    deps.Store,
		registry: registry,
		logger:   logger.With("component", "server"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) routes() *gin.Engine {
	router := gin.Default()
	router.Use(corsMiddleware())

	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/sessions", s.getSessions)
	}
	return router
}

// Run serves addr until ctx ends, then closes every session.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("engine server listening", "addr", addr, "engine", s.engine.Name(), "sources", s.cfg.Sources)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends every live session and waits for them to be recorded.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.registry.closeAll()
	s.sessions.Wait()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "server shutting down"})
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	conn, err := wsconn.Upgrade(c.Writer, c.Request)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, s.engine, s.cfg.Sources, s.cfg.InputQueueSize, s.logger)
	s.registry.register(sess)
	if s.ctx.Err() != nil {
		// Close ran between the gate above and registration.
		sess.close()
	}
	rec := sess.run(s.ctx)
	s.registry.remove(sess)

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.SaveSession(ctx, rec); err != nil {
			s.logger.Warn("failed to save session", "session", rec.SessionID, "error", err)
		}
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"engine":   s.engine.Name(),
			"sources":  s.cfg.Sources,
			"stats":    s.registry.Stats(),
			"sessions": s.registry.List(),
		},
	})
}

func (s *Server) getSessions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "session history disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "limit must be a positive integer"})
		return
	}

	records, err := s.store.RecentSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": records})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
