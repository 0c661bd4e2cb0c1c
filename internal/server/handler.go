package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"swapkline/internal/kline"
	"swapkline/internal/query"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetKline handles GET /kline/token0/:token0/token1/:token1/start_at/:start_at/end_at/:end_at/interval/:interval
func (s *Server) GetKline(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	start, err := strconv.ParseInt(c.Param("start_at"), 10, 64)
	if err != nil {
		s.handleError(c, err, http.StatusBadRequest, "start_at must be unix seconds")
		return
	}
	end, err := strconv.ParseInt(c.Param("end_at"), 10, 64)
	if err != nil {
		s.handleError(c, err, http.StatusBadRequest, "end_at must be unix seconds")
		return
	}
	includeOpen := false
	if v := c.Query("include_open"); v != "" {
		if includeOpen, err = strconv.ParseBool(v); err != nil {
			s.handleError(c, err, http.StatusBadRequest, "include_open must be a boolean")
			return
		}
	}

	resp, err := s.klines.GetKline(ctx, query.Request{
		Token0:      c.Param("token0"),
		Token1:      c.Param("token1"),
		Start:       start,
		End:         end,
		Interval:    c.Param("interval"),
		IncludeOpen: includeOpen,
	})
	switch {
	case errors.Is(err, kline.ErrInvalidInterval), errors.Is(err, query.ErrInvalidRange):
		s.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.handleError(c, err, http.StatusInternalServerError, "internal server error")
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RunTicker handles POST /run/ticker. Starting twice is harmless.
func (s *Server) RunTicker(c *gin.Context) {
	started, err := s.runner.Start(c.Request.Context())
	if err != nil {
		s.handleError(c, err, http.StatusInternalServerError, fmt.Sprintf("failed to start: %v", err))
		return
	}

	status := "already_running"
	if started {
		status = "started"
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   ServiceName,
		"ingestion": s.runner.State().String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := c.GetString(RequestIDContextKey)

	level := s.logger.Warn
	if statusCode >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("api error",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status_code", statusCode),
		zap.Error(err))

	c.JSON(statusCode, gin.H{
		"error":      userMessage,
		"request_id": requestID,
	})
}
