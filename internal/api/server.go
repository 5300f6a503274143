// Package api exposes the metering engine over HTTP: usage queries for the
// platform dashboard, a secret-guarded run trigger for the scheduler, and
// operational endpoints.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platform-billing/usage-meter/internal/metrics"
	"github.com/platform-billing/usage-meter/pkg/models"
)

// RunTrigger starts a metering run
type RunTrigger interface {
	Run(ctx context.Context) (*models.RunReport, error)
}

// UsageReader serves usage queries
type UsageReader interface {
	Get(ctx context.Context, userID, date string) (*models.DailyUsageAggregate, error)
	GetSummary(ctx context.Context, userID, startDate, endDate string) (*models.UsageSummary, error)
}

// MappingReader serves ownership mapping queries
type MappingReader interface {
	ListByCluster(ctx context.Context, clusterID string) ([]*models.OwnershipMapping, error)
}

// MappingAdmin applies manual ownership overrides
type MappingAdmin interface {
	Upsert(ctx context.Context, mapping *models.OwnershipMapping) error
	Invalidate(ctx context.Context, namespace string) error
}

// ReportWriter streams one date's finance report
type ReportWriter interface {
	WriteCSV(ctx context.Context, w io.Writer, date string) (int, error)
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	runner       RunTrigger
	usage        UsageReader
	mappings     MappingReader
	mappingAdmin MappingAdmin
	reports      ReportWriter

	// The run trigger is internal-only; callers prove themselves with this
	// shared secret.
	runSecret string

	host string
	port int

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithReportWriter sets the finance report writer
func WithReportWriter(reports ReportWriter) Option {
	return func(s *Server) {
		s.reports = reports
	}
}

// WithMappingAdmin enables the manual ownership override endpoints
func WithMappingAdmin(admin MappingAdmin) Option {
	return func(s *Server) {
		s.mappingAdmin = admin
	}
}

// New creates a new API server
func New(
	runner RunTrigger,
	usage UsageReader,
	mappings MappingReader,
	runSecret string,
	opts ...Option,
) *Server {
	s := &Server{
		logger:    slog.Default(),
		runner:    runner,
		usage:     usage,
		mappings:  mappings,
		runSecret: runSecret,
		host:      "0.0.0.0",
		port:      8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Internal endpoints, shared-secret guarded
	internal := router.Group("/internal", s.sharedSecretMiddleware())
	{
		// The scheduler fires GET or POST with no body
		internal.POST("/metering/run", s.handleTriggerRun)
		internal.GET("/metering/run", s.handleTriggerRun)
		internal.GET("/reports/:date", s.handleExportReport)
		internal.PUT("/mappings", s.handleUpsertMapping)
		internal.DELETE("/mappings/:namespace", s.handleExpireMapping)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/usage/:user_id", s.handleGetUsage)
		v1.GET("/usage/:user_id/summary", s.handleGetUsageSummary)
		v1.GET("/mappings", s.handleListMappings)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Matched route pattern keeps the path label low-cardinality
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		metrics.RecordHTTPRequest(c.Request.Method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", stack),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
