// Package server exposes the sync engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roach88/enrollsync/internal/delta"
	"github.com/roach88/enrollsync/internal/engine"
	"github.com/roach88/enrollsync/internal/model"
)

// Runner is the part of the engine the server drives.
type Runner interface {
	RunAll(ctx context.Context, req engine.JobRequest, categories ...model.Category) ([]*engine.Report, error)
	Programs() []string
	Ping(ctx context.Context) error
}

// SyncRequest is the body of POST /programs/:program/sync.
type SyncRequest struct {
	Categories []string `json:"categories"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	SyncedBy   string   `json:"synced_by"`
}

// SyncResponse reports the jobs a sync request ran.
type SyncResponse struct {
	Program string           `json:"program"`
	Reports []*engine.Report `json:"reports"`
	Error   string           `json:"error,omitempty"`
}

// Server holds the handlers' dependencies.
type Server struct {
	runner   Runner
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	syncedBy string

	mu      sync.Mutex
	running map[string]bool
}

// New creates a Server. syncedBy is used when a request names no user.
func New(runner Runner, gatherer prometheus.Gatherer, logger *zap.Logger, syncedBy string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if syncedBy == "" {
		syncedBy = engine.DefaultSyncedBy
	}
	return &Server{
		runner:   runner,
		gatherer: gatherer,
		logger:   logger,
		syncedBy: syncedBy,
		running:  make(map[string]bool),
	}
}

// Router wires the endpoints.
// Public: /health, /ready, /metrics
// Jobs: POST /programs/:program/sync
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := s.runner.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	r.GET("/programs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"programs": s.runner.Programs()})
	})
	r.POST("/programs/:program/sync", s.handleSync)

	return r
}

func (s *Server) handleSync(c *gin.Context) {
	program := c.Param("program")
	if !s.known(program) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown program " + program})
		return
	}

	var req SyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
	}

	categories := make([]model.Category, 0, len(req.Categories))
	for _, name := range req.Categories {
		cat, err := model.ParseCategory(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		categories = append(categories, cat)
	}

	rng, err := delta.ParseRange(req.StartDate, req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.acquire(program) {
		c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running for " + program})
		return
	}
	defer s.release(program)

	syncedBy := req.SyncedBy
	if syncedBy == "" {
		syncedBy = s.syncedBy
	}
	reports, err := s.runner.RunAll(c.Request.Context(), engine.JobRequest{
		Program:  program,
		Range:    rng,
		SyncedBy: syncedBy,
	}, categories...)

	resp := SyncResponse{Program: program, Reports: reports}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(statusFor(err), resp)
}

// statusFor maps a RunAll error to a response code: business failures are
// 422, remote failures 502, anything else fatal 500.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case !engine.IsFatal(err):
		return http.StatusUnprocessableEntity
	case engine.IsTransportError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) known(program string) bool {
	for _, p := range s.runner.Programs() {
		if p == program {
			return true
		}
	}
	return false
}

// acquire marks program as running. Concurrent syncs of one program would
// race on its watermarks.
func (s *Server) acquire(program string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[program] {
		return false
	}
	s.running[program] = true
	return true
}

func (s *Server) release(program string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, program)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
