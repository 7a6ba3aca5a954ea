package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yoga-protocol-server/internal/domain"
	"github.com/yoga-protocol-server/internal/middleware"
)

// RecommendationService is the engine surface the HTTP layer exposes.
type RecommendationService interface {
	Recommend(ctx context.Context, names []string) (*domain.RecommendationResult, error)
	Summarize(ctx context.Context, names []string) (string, error)
	OnTrialChange(ctx context.Context, before, after *domain.Trial) error
	VerifyEvidenceCounts(ctx context.Context) (int, error)
}

// HealthChecker reports backing-store health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	cfg     *domain.Config
	service RecommendationService
	health  HealthChecker
	router  *gin.Engine
	server  *http.Server
	log     *logrus.Logger
}

// NewServer creates a new HTTP server instance. health may be nil.
func NewServer(cfg *domain.Config, service RecommendationService, health HealthChecker, logger *logrus.Logger) *Server {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RateLimit(cfg.Server.RequestsPerSecond, cfg.Server.RequestBurst))

	server := &Server{
		cfg:     cfg,
		service: service,
		health:  health,
		router:  router,
		log:     logger,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/recommendations", s.handleRecommend)
		v1.GET("/recommendations/summary", s.handleSummary)
		v1.POST("/trials/events", s.handleTrialEvent)
		v1.POST("/evidence/verify", s.handleVerifyEvidence)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	if s.health != nil {
		if err := s.health.Health(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			s.log.WithError(err).Warn("Health check failed")
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

type recommendRequest struct {
	Conditions []string `json:"conditions" binding:"required"`
}

// handleRecommend computes the structured recommendation for a condition set.
func (s *Server) handleRecommend(c *gin.Context) {
	var req recommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.service.Recommend(c.Request.Context(), req.Conditions)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleSummary renders the narrative projection for a condition set passed
// as repeated ?condition= query parameters.
func (s *Server) handleSummary(c *gin.Context) {
	names := c.QueryArray("condition")

	summary, err := s.service.Summarize(c.Request.Context(), names)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

type trialEventRequest struct {
	Before *domain.Trial `json:"before"`
	After  *domain.Trial `json:"after"`
}

// handleTrialEvent relays a trial lifecycle event from the record-owning CRUD
// layer: create passes after only, delete before only, update both.
func (s *Server) handleTrialEvent(c *gin.Context) {
	var req trialEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Before == nil && req.After == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one of before/after is required"})
		return
	}

	if err := s.service.OnTrialChange(c.Request.Context(), req.Before, req.After); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "applied"})
}

// handleVerifyEvidence runs the corrective evidence-count sweep.
func (s *Server) handleVerifyEvidence(c *gin.Context) {
	corrected, err := s.service.VerifyEvidenceCounts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrected": corrected})
}

// writeError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var unknown *domain.UnknownConditionError
	var ambiguous *domain.AmbiguousConditionError
	var size *domain.InvalidCombinationSizeError

	switch {
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   unknown.Error(),
			"unknown": unknown.Names,
		})
	case errors.As(err, &ambiguous):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      ambiguous.Error(),
			"name":       ambiguous.Name,
			"candidates": ambiguous.Candidates,
		})
	case errors.As(err, &size):
		c.JSON(http.StatusBadRequest, gin.H{"error": size.Error()})
	default:
		s.log.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
