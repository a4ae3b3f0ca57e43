// Package api exposes the read-only status surface: liveness, open
// positions, and live trailing-stop state. It never mutates trading state;
// all writes go through the trading core.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/database"
)

// PositionStore is the read surface the server needs from the database.
type PositionStore interface {
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	HealthCheck(ctx context.Context) error
}

// TrailingSource exposes live trailing-stop state.
type TrailingSource interface {
	Snapshots() []*database.TrailingStopState
}

// Server is the HTTP status server.
type Server struct {
	cfg       config.ServerConfig
	store     PositionStore
	trailing  TrailingSource
	exchanges []string
	logger    zerolog.Logger
	httpSrv   *http.Server
	startedAt time.Time
}

func NewServer(cfg config.ServerConfig, store PositionStore, trailing TrailingSource, exchanges []string, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		trailing:  trailing,
		exchanges: exchanges,
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if s.cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.cfg.AllowedOrigins}
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	r.Use(cors.New(corsConfig))

	r.GET("/health", s.handleHealth)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/trailing", s.handleTrailing)
	}
	return r
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("status API listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status API failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status API shutdown failed: %w", err)
		}
		s.logger.Info().Msg("status API stopped")
		return nil
	}
}

// ==================== HANDLERS ====================

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.store.HealthCheck(ctx) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":   map[bool]string{true: "ok", false: "degraded"}[dbOK],
		"database": dbOK,
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	positions, err := s.store.GetOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exchanges":      s.exchanges,
		"open_positions": len(positions),
		"trailing_stops": len(s.trailing.Snapshots()),
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.store.GetOpenPositions(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list positions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handleTrailing(c *gin.Context) {
	states := s.trailing.Snapshots()
	c.JSON(http.StatusOK, gin.H{"trailing_stops": states, "count": len(states)})
}
