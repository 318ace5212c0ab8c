package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ListModelMappings returns every logical model with its edges.
func (s *Server) ListModelMappings(c *gin.Context) {
	ctx := c.Request.Context()

	mappings, err := s.models.ListMappings(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	out := make([]MappingResponse, 0, len(mappings))
	for _, m := range mappings {
		edges, err := s.models.GetProviderMappings(ctx, m.RequestedModel, false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		out = append(out, MappingResponse{ModelMapping: m, Providers: edges})
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

// CreateModelMapping adds a logical model, optionally seeding its edges.
func (s *Server) CreateModelMapping(c *gin.Context) {
	ctx := c.Request.Context()

	var req MappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.RequestedModel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "requested_model is required"})
		return
	}

	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	existing, err := s.models.GetMapping(ctx, req.RequestedModel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": fmt.Sprintf("model %q already exists", req.RequestedModel)})
		return
	}

	m := &typ.ModelMapping{
		RequestedModel: req.RequestedModel,
		Strategy:       strategy,
		Rules:          req.Rules,
		Billing:        req.Billing,
		IsActive:       true,
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}

	edges := make([]typ.ProviderMapping, 0, len(req.Providers))
	for _, er := range req.Providers {
		edge, err := s.buildEdge(c, er, req.RequestedModel)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		edges = append(edges, *edge)
	}

	if err := s.models.SaveMapping(ctx, m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	for i := range edges {
		if err := s.models.SaveProviderMapping(ctx, &edges[i]); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": MappingResponse{ModelMapping: m, Providers: edges}})
}

// GetModelMapping returns one logical model with its edges.
func (s *Server) GetModelMapping(c *gin.Context) {
	ctx := c.Request.Context()
	model := c.Param("model")

	m, err := s.models.GetMapping(ctx, model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "model mapping not found"})
		return
	}

	edges, err := s.models.GetProviderMappings(ctx, model, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": MappingResponse{ModelMapping: m, Providers: edges}})
}

// UpdateModelMapping replaces a logical model's settings. Edges are managed
// through the nested provider routes.
func (s *Server) UpdateModelMapping(c *gin.Context) {
	ctx := c.Request.Context()
	model := c.Param("model")

	existing, err := s.models.GetMapping(ctx, model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "model mapping not found"})
		return
	}

	var req MappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	strategy, err := parseStrategy(req.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	m := &typ.ModelMapping{
		RequestedModel: model,
		Strategy:       strategy,
		Rules:          req.Rules,
		Billing:        req.Billing,
		IsActive:       existing.IsActive,
		CreatedAt:      existing.CreatedAt,
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}

	if err := s.models.SaveMapping(ctx, m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	edges, err := s.models.GetProviderMappings(ctx, model, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": MappingResponse{ModelMapping: m, Providers: edges}})
}

// DeleteModelMapping removes a logical model and its edges.
func (s *Server) DeleteModelMapping(c *gin.Context) {
	err := s.models.DeleteMapping(c.Request.Context(), c.Param("model"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "model mapping not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UpsertProviderMapping adds or replaces one edge of a logical model.
func (s *Server) UpsertProviderMapping(c *gin.Context) {
	ctx := c.Request.Context()
	model := c.Param("model")

	m, err := s.models.GetMapping(ctx, model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "model mapping not found"})
		return
	}

	var req EdgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	edge, err := s.buildEdge(c, req, model)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := s.models.SaveProviderMapping(ctx, edge); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": edge})
}

// DeleteProviderMapping removes one edge by id.
func (s *Server) DeleteProviderMapping(c *gin.Context) {
	err := s.models.DeleteProviderMapping(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "provider mapping not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// buildEdge validates an edge payload against the provider store.
func (s *Server) buildEdge(c *gin.Context, req EdgeRequest, model string) (*typ.ProviderMapping, error) {
	p, err := s.providers.GetByID(c.Request.Context(), req.ProviderID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("unknown provider %q", req.ProviderID)
	}

	edge := &typ.ProviderMapping{
		ID:              req.ID,
		RequestedModel:  model,
		ProviderID:      req.ProviderID,
		TargetModelName: req.TargetModelName,
		Priority:        req.Priority,
		Weight:          req.Weight,
		MaxRetries:      req.MaxRetries,
		RetryDelayMs:    req.RetryDelayMs,
		Rules:           req.Rules,
		Billing:         req.Billing,
		IsActive:        true,
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if req.IsActive != nil {
		edge.IsActive = *req.IsActive
	}
	return edge, nil
}

// parseStrategy rejects unknown names instead of silently defaulting.
func parseStrategy(s string) (typ.Strategy, error) {
	if s == "" {
		return typ.StrategyRoundRobin, nil
	}
	strategy := typ.ParseStrategy(s)
	if string(strategy) != s {
		return "", fmt.Errorf("unknown strategy %q", s)
	}
	return strategy, nil
}
