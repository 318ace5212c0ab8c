// Package server exposes the relay over HTTP: OpenAI- and
// Anthropic-compatible inference endpoints under /v1 and the management
// API under /admin. Handlers stay thin; protocol work happens in the
// gateway and persistence in the stores.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/auth"
	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/gateway"
	"github.com/tingly-dev/tingly-relay/internal/health"
	"github.com/tingly-dev/tingly-relay/internal/server/middleware"
)

// Relayer is the gateway surface the transport needs. *gateway.Gateway
// implements it.
type Relayer interface {
	Handle(ctx context.Context, req *gateway.Request) *gateway.Reply
}

// Config carries the server's collaborators.
type Config struct {
	Config    *config.Config
	Gateway   Relayer
	Providers *db.ProviderStore
	Models    *db.ModelStore
	Logs      *db.LogStore
	Keys      *db.APIKeyStore
	Health    *health.Monitor
	Verifier  *auth.Verifier
	JWT       *auth.JWTManager
	Version   string
}

// Server is the HTTP front of the relay.
type Server struct {
	cfg       *config.Config
	relayer   Relayer
	providers *db.ProviderStore
	models    *db.ModelStore
	logs      *db.LogStore
	keys      *db.APIKeyStore
	health    *health.Monitor

	authMW *middleware.AuthMiddleware

	engine     *gin.Engine
	httpServer *http.Server
	version    string
}

// New assembles the engine, middleware and routes.
func New(cfg Config) (*Server, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("server: gateway is required")
	}
	if cfg.Providers == nil || cfg.Models == nil || cfg.Logs == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("server: stores are required")
	}
	if cfg.Verifier == nil || cfg.JWT == nil {
		return nil, fmt.Errorf("server: auth is required")
	}

	s := &Server{
		cfg:       cfg.Config,
		relayer:   cfg.Gateway,
		providers: cfg.Providers,
		models:    cfg.Models,
		logs:      cfg.Logs,
		keys:      cfg.Keys,
		health:    cfg.Health,
		authMW:    middleware.NewAuthMiddleware(cfg.Verifier, cfg.JWT),
		engine:    gin.New(),
		version:   cfg.Version,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.AccessLog())
	s.engine.Use(middleware.CORS())
}

// setupRoutes configures server routes
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.Healthz)

	// Inference API group (OpenAI and Anthropic compatible)
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/chat/completions", s.authMW.ModelAuthMiddleware(), s.OpenAIChatCompletions)
		v1.POST("/responses", s.authMW.ModelAuthMiddleware(), s.OpenAIResponses)
		v1.POST("/messages", s.authMW.ModelAuthMiddleware(), s.AnthropicMessages)
		v1.GET("/models", s.authMW.ModelAuthMiddleware(), s.ListModels)
	}

	// Management API group
	admin := s.engine.Group("/admin", s.authMW.AdminAuthMiddleware())
	{
		admin.GET("/providers", s.ListProviders)
		admin.POST("/providers", s.CreateProvider)
		admin.GET("/providers/:id", s.GetProvider)
		admin.PUT("/providers/:id", s.UpdateProvider)
		admin.DELETE("/providers/:id", s.DeleteProvider)

		admin.GET("/models", s.ListModelMappings)
		admin.POST("/models", s.CreateModelMapping)
		admin.GET("/models/:model", s.GetModelMapping)
		admin.PUT("/models/:model", s.UpdateModelMapping)
		admin.DELETE("/models/:model", s.DeleteModelMapping)
		admin.POST("/models/:model/providers", s.UpsertProviderMapping)
		admin.DELETE("/models/:model/providers/:id", s.DeleteProviderMapping)

		admin.GET("/logs", s.ListLogs)
		admin.GET("/logs/:id", s.GetLog)
		admin.GET("/health", s.ProviderHealth)

		admin.POST("/keys", s.CreateAPIKey)
		admin.GET("/keys", s.ListAPIKeys)
		admin.PUT("/keys/:id/active", s.SetAPIKeyActive)
		admin.DELETE("/keys/:id", s.DeleteAPIKey)
	}
}

// Healthz is the unauthenticated liveness endpoint.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, HealthCheckResponse{
		Status:  "healthy",
		Service: "tingly-relay",
		Version: s.version,
	})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	logrus.Infof("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.engine
}
