package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/steward/internal/collab"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/lifecycle"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

// jsonOnly rejects request bodies that are not JSON.
func jsonOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := c.GetHeader("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIResponse{
					Error: "Content-Type must be application/json",
				})
				return
			}
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if status >= http.StatusBadRequest {
			level = slog.LevelInfo
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUnknownProject),
		errors.Is(err, orchestrator.ErrUnknownTask),
		errors.Is(err, gate.ErrNotFound),
		errors.Is(err, collab.ErrNotFound),
		errors.Is(err, lifecycle.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotAssigned),
		errors.Is(err, orchestrator.ErrProjectInactive),
		errors.Is(err, models.ErrTaskImmutable),
		errors.Is(err, gate.ErrAlreadyResolved),
		errors.Is(err, collab.ErrInvalidState),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, lifecycle.ErrAgentExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), APIResponse{Error: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid request: " + err.Error()})
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}
