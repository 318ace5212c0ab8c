package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/auth"
	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// CreateAPIKey mints a client API key. The plaintext key appears only in
// this response; the store keeps its hash.
func (s *Server) CreateAPIKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	key, err := auth.MintKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	rec := &typ.APIKey{
		ID:       uuid.NewString(),
		Name:     req.Name,
		KeyHash:  auth.HashKey(key),
		IsActive: true,
	}
	if err := s.keys.Create(c.Request.Context(), rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": MintedKeyResponse{
		ID:       rec.ID,
		Name:     rec.Name,
		Key:      key,
		IsActive: rec.IsActive,
	}})
}

// ListAPIKeys returns every key without its hash.
func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.keys.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": keys})
}

// SetAPIKeyActive enables or disables a key. Disabled keys fail relay
// authentication immediately.
func (s *Server) SetAPIKeyActive(c *gin.Context) {
	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	err := s.keys.SetActive(c.Request.Context(), c.Param("id"), *req.IsActive)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DeleteAPIKey removes a key permanently.
func (s *Server) DeleteAPIKey(c *gin.Context) {
	err := s.keys.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "api key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
