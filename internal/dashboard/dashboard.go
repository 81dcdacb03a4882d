// Package dashboard serves the orchestrator's read-only HTTP status
// surface: aggregate metrics, the work item and agent run tables, and a
// tail of an agent's ingested event stream. It follows the gin.Engine
// setup idiom used across the example pack (gin.New + gin.Recovery +
// a redacting request logger) rather than a bare net/http mux, and reuses
// internal/security.RateLimiter — carried over from the teacher almost
// unchanged — as per-IP request throttling middleware, since this is the
// one HTTP-facing surface in the orchestrator that benefits from it.
package dashboard

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andywolf/swarmd/internal/logx"
	"github.com/andywolf/swarmd/internal/metrics"
	"github.com/andywolf/swarmd/internal/security"
	"github.com/andywolf/swarmd/internal/store"
)

//go:embed static/*
var staticFS embed.FS

// Store is the subset of internal/store.Store the dashboard reads from.
// It never calls a write method; this is a read-only surface by
// construction, not just by convention.
type Store interface {
	ListWorkItems() ([]store.WorkItem, error)
	ListAgentRuns() ([]store.AgentRun, error)
	GetAgentRun(agentID string) (*store.AgentRun, error)
	ListEventsSince(agentID string, since int64) ([]store.AgentEvent, error)
	ListReviewIterations() ([]store.ReviewIteration, error)
	StatusCounts() (map[string]int, error)
	AgentRunStatusCounts() (map[string]int, error)
	AverageTurnsUsed() (float64, error)
}

// Server wraps the gin engine and the dependencies its handlers read from.
type Server struct {
	engine *gin.Engine
	store  Store
	met    *metrics.Registry
	log    *logx.Logger
	srv    *http.Server
}

// New builds a Server listening on port, rate limiting each client IP to
// rate requests per interval.
func New(st Store, met *metrics.Registry, log *logx.Logger, port int, rate int, interval time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	limiter := security.NewRateLimiter(rate, interval)
	r.Use(rateLimitMiddleware(limiter))

	s := &Server{engine: r, store: st, met: met, log: log}
	s.routes()

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
	return s
}

func requestLogger(log *logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func rateLimitMiddleware(limiter *security.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(security.IPKeyFunc(c.Request)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) routes() {
	static, err := fs.Sub(staticFS, "static")
	if err == nil {
		s.engine.StaticFS("/ui", http.FS(static))
	}
	s.engine.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/ui/") })
	s.engine.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := s.engine.Group("/api")
	api.GET("/metrics", s.handleMetrics)
	api.GET("/issues", s.handleIssues)
	api.GET("/agents", s.handleAgents)
	api.GET("/agents/:id/logs", s.handleAgentLogs)
	api.GET("/prs", s.handlePRs)
}

func (s *Server) handleMetrics(c *gin.Context) {
	workItemCounts, err := s.store.StatusCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	agentCounts, err := s.store.AgentRunStatusCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	avgTurns, err := s.store.AverageTurnsUsed()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"work_items":        workItemCounts,
		"agent_runs":        agentCounts,
		"average_turns":     avgTurns,
	})
}

func (s *Server) handleIssues(c *gin.Context) {
	items, err := s.store.ListWorkItems()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) handleAgents(c *gin.Context) {
	runs, err := s.store.ListAgentRuns()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleAgentLogs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetAgentRun(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent id"})
		return
	}

	since := int64(0)
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an integer event id"})
			return
		}
		since = n
	}

	events, err := s.store.ListEventsSince(id, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handlePRs(c *gin.Context) {
	iterations, err := s.store.ListReviewIterations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	byPR := map[int][]store.ReviewIteration{}
	for _, it := range iterations {
		byPR[it.PRNumber] = append(byPR[it.PRNumber], it)
	}
	out := make([]gin.H, 0, len(byPR))
	for pr, its := range byPR {
		out = append(out, gin.H{"pr_number": pr, "iterations": its})
	}
	c.JSON(http.StatusOK, out)
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the underlying http.Handler for tests that want to drive
// requests directly with httptest, without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.engine
}
