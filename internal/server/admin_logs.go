package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/health"
)

// ListLogs returns a page of request logs, newest first. Filters arrive as
// query parameters; since and until take RFC 3339 timestamps.
func (s *Server) ListLogs(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "page must be an integer"})
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "page_size must be an integer"})
		return
	}

	q := db.LogQuery{
		Page:           page,
		PageSize:       pageSize,
		RequestedModel: c.Query("model"),
		ProviderID:     c.Query("provider_id"),
		APIKeyID:       c.Query("api_key_id"),
		OnlyErrors:     c.Query("only_errors") == "true",
	}

	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "since must be RFC 3339"})
			return
		}
		q.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "until must be RFC 3339"})
			return
		}
		q.Until = t
	}

	logs, total, err := s.logs.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      logs,
		"total":     total,
		"page":      q.Page,
		"page_size": q.PageSize,
	})
}

// GetLog returns one request log by id.
func (s *Server) GetLog(c *gin.Context) {
	lg, err := s.logs.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if lg == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "request log not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": lg})
}

// ProviderHealth returns the health monitor's per-provider snapshot.
func (s *Server) ProviderHealth(c *gin.Context) {
	snapshot := []health.ProviderHealth{}
	if s.health != nil {
		snapshot = s.health.Snapshot()
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": snapshot})
}
