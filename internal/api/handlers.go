package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/platform-billing/usage-meter/internal/service/metering"
	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

var validDateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func isValidDate(date string) bool {
	if !validDateRegex.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

func (s *Server) sharedSecretMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Metering-Secret")
		if s.runSecret == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(s.runSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:     "unauthorized",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now().UTC(),
	}

	if !response.Ready {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleTriggerRun(c *gin.Context) {
	ctx := c.Request.Context()

	report, err := s.runner.Run(ctx)
	if errors.Is(err, metering.ErrRunInProgress) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     "a metering run is already in progress",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     fmt.Sprintf("metering run failed: %v", err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) handleGetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	if !isValidDate(date) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid date: must be YYYY-MM-DD, got %q", date),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	agg, err := s.usage.Get(ctx, userID, date)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     fmt.Sprintf("no usage recorded for %s on %s", userID, date),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to load usage",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, agg)
}

func (s *Server) handleGetUsageSummary(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("user_id")

	start := c.Query("start")
	end := c.Query("end")
	if !isValidDate(start) || !isValidDate(end) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "start and end must be YYYY-MM-DD",
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if start > end {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("start %s is after end %s", start, end),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	summary, err := s.usage.GetSummary(ctx, userID, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to load usage summary",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleListMappings(c *gin.Context) {
	ctx := c.Request.Context()

	mappings, err := s.mappings.ListByCluster(ctx, c.Query("cluster"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to list mappings",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mappings": mappings,
		"count":    len(mappings),
	})
}

// UpsertMappingRequest pins a namespace to a billable owner, bypassing
// registry resolution. Used when registry naming drifts from the namespace.
type UpsertMappingRequest struct {
	Namespace   string `json:"namespace" binding:"required,max=63"`
	UserID      string `json:"user_id" binding:"required,max=128"`
	ProjectID   string `json:"project_id" binding:"max=128"`
	ProjectName string `json:"project_name" binding:"max=128"`
}

func (s *Server) handleUpsertMapping(c *gin.Context) {
	ctx := c.Request.Context()

	if s.mappingAdmin == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "mapping administration is not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	var req UpsertMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	mapping := &models.OwnershipMapping{
		Namespace:   req.Namespace,
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		ProjectName: req.ProjectName,
	}
	if mapping.ProjectName == "" {
		mapping.ProjectName = req.Namespace
	}

	if err := s.mappingAdmin.Upsert(ctx, mapping); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to persist mapping",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.logger.Info("ownership mapping overridden",
		"namespace", req.Namespace,
		"user_id", req.UserID,
		"request_id", c.GetString("request_id"))

	c.JSON(http.StatusOK, mapping)
}

func (s *Server) handleExpireMapping(c *gin.Context) {
	ctx := c.Request.Context()

	if s.mappingAdmin == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "mapping administration is not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	namespace := c.Param("namespace")
	err := s.mappingAdmin.Invalidate(ctx, namespace)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     fmt.Sprintf("no active mapping for namespace %q", namespace),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to expire mapping",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	s.logger.Info("ownership mapping expired",
		"namespace", namespace,
		"request_id", c.GetString("request_id"))

	c.JSON(http.StatusOK, gin.H{"status": "expired", "namespace": namespace})
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages to avoid leaking implementation details.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		field := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var snakeCaseRegex = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	// "UserID" style acronym suffixes come out wrong from the regex alone
	fieldMappings := map[string]string{
		"UserID":    "user_id",
		"ProjectID": "project_id",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}
	return strings.ToLower(snakeCaseRegex.ReplaceAllString(s, "${1}_${2}"))
}

func (s *Server) handleExportReport(c *gin.Context) {
	ctx := c.Request.Context()

	date := c.Param("date")
	if !isValidDate(date) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid date: must be YYYY-MM-DD, got %q", date),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if s.reports == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:     "report export is not configured",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=usage-%s.csv", date))
	if _, err := s.reports.WriteCSV(ctx, c.Writer, date); err != nil {
		// Headers are already out; all we can do is log and cut the stream
		s.logger.Error("report export failed", "date", date, "error", err.Error())
		c.Abort()
		return
	}
	c.Status(http.StatusOK)
}
