package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ListProviders returns every provider with its key masked.
func (s *Server) ListProviders(c *gin.Context) {
	providers, err := s.providers.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	masked := make([]*typ.Provider, len(providers))
	for i, p := range providers {
		masked[i] = maskedProvider(p)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": masked})
}

// CreateProvider adds a new provider
func (s *Server) CreateProvider(c *gin.Context) {
	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	proto, err := protocol.Parse(req.Protocol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	p := req.toProvider(proto)
	p.ID = uuid.NewString()
	if req.IsActive == nil {
		p.IsActive = true
	}

	if err := s.providers.Save(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": maskedProvider(p)})
}

// GetProvider returns one provider by id with its key masked.
func (s *Server) GetProvider(c *gin.Context) {
	p, err := s.providers.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "provider not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": maskedProvider(p)})
}

// UpdateProvider replaces a provider's settings.
func (s *Server) UpdateProvider(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	existing, err := s.providers.GetByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "provider not found"})
		return
	}

	var req ProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	proto, err := protocol.Parse(req.Protocol)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	p := req.toProvider(proto)
	p.ID = id
	p.CreatedAt = existing.CreatedAt
	if req.IsActive == nil {
		p.IsActive = existing.IsActive
	}
	// List responses mask keys, so an empty or masked key means "keep".
	if p.APIKey == "" || strings.Contains(p.APIKey, "*") {
		p.APIKey = existing.APIKey
	}

	if err := s.providers.Save(ctx, p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": maskedProvider(p)})
}

// DeleteProvider removes a provider and every edge pointing at it.
func (s *Server) DeleteProvider(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.models.DeleteProviderMappingsByProvider(ctx, id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := s.providers.Delete(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "provider not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	if s.health != nil {
		s.health.Reset(id)
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (r *ProviderRequest) toProvider(proto protocol.Protocol) *typ.Provider {
	p := &typ.Provider{
		Name:         r.Name,
		BaseURL:      r.BaseURL,
		Protocol:     proto,
		APIKey:       r.APIKey,
		ExtraHeaders: r.ExtraHeaders,
		ProxyURL:     r.ProxyURL,
		Timeout:      r.Timeout,
		Rules:        r.Rules,
		Billing:      r.Billing,
	}
	if r.IsActive != nil {
		p.IsActive = *r.IsActive
	}
	return p
}

// maskedProvider returns a copy safe to show in API responses.
func maskedProvider(p *typ.Provider) *typ.Provider {
	masked := *p
	masked.APIKey = maskKey(p.APIKey)
	return &masked
}

// maskKey hides the middle of a credential for display.
func maskKey(key string) string {
	if key == "" {
		return ""
	}

	// If already masked, return as is
	if strings.Contains(key, "*") {
		return key
	}

	// For very short keys, mask all characters
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}

	// For longer keys, show first 4 and last 4 characters
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
