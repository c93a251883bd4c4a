package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/san-kum/object-tracker/server/export"
	"github.com/san-kum/object-tracker/server/framesource"
	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/processor"
	"github.com/san-kum/object-tracker/server/session"
)

const apiVersion = "1.0"

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta(c),
	})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.APIResponse{
		Success: false,
		Error: &models.APIError{
			Code:    code,
			Message: message,
		},
		Meta: meta(c),
	})
}

func meta(c *gin.Context) *models.ResponseMeta {
	m := &models.ResponseMeta{
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Version:   apiVersion,
	}
	if start, ok := c.Get(startKey); ok {
		m.ProcessingTime = float64(time.Since(start.(time.Time)).Microseconds()) / 1000
	}
	return m
}

// respondSessionError maps pipeline errors onto HTTP statuses.
func respondSessionError(c *gin.Context, err error) {
	var exportErr *export.ExportError
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, processor.ErrBusy):
		respondError(c, http.StatusConflict, "busy", err.Error())
	case errors.Is(err, session.ErrNotRunning), errors.Is(err, session.ErrWrongMode):
		respondError(c, http.StatusConflict, "not_running", err.Error())
	case errors.Is(err, session.ErrRunNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrCancelled), errors.Is(err, context.Canceled):
		respondError(c, http.StatusConflict, "cancelled", "operation cancelled")
	case errors.Is(err, session.ErrClosed), errors.Is(err, processor.ErrDispatcherClosed):
		respondError(c, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, session.ErrEmptyBuffer), errors.Is(err, framesource.ErrEmptyImage), errors.Is(err, framesource.ErrInvalidDataURL):
		respondError(c, http.StatusBadRequest, "invalid_frame", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &exportErr):
		respondError(c, http.StatusInternalServerError, "export_failed", exportErr.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

const startKey = "request_start"

// Timing records when the request reached the handler chain so responses can
// report processing time.
func Timing() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(startKey, time.Now())
		c.Next()
	}
}
