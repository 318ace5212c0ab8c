package server

import (
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// HealthCheckResponse represents the health check response
type HealthCheckResponse struct {
	Status  string `json:"status" example:"healthy"`
	Service string `json:"service" example:"tingly-relay"`
	Version string `json:"version,omitempty"`
}

// OpenAIModel is one row of the OpenAI-compatible model listing.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelsResponse is the OpenAI-compatible model listing envelope.
type OpenAIModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// ProviderRequest is the admin payload for creating or replacing a
// provider. A nil is_active defaults to true on create and keeps the
// stored value on update. An empty or masked api_key on update keeps the
// stored key, so admins can PUT back what list endpoints returned.
type ProviderRequest struct {
	Name         string             `json:"name" binding:"required"`
	BaseURL      string             `json:"base_url" binding:"required"`
	Protocol     string             `json:"protocol" binding:"required"`
	APIKey       string             `json:"api_key"`
	ExtraHeaders map[string]string  `json:"extra_headers"`
	ProxyURL     string             `json:"proxy_url"`
	Timeout      int64              `json:"timeout"`
	Rules        *typ.RuleSet       `json:"rules"`
	Billing      *typ.BillingConfig `json:"billing"`
	IsActive     *bool              `json:"is_active"`
}

// MappingRequest is the admin payload for a logical model. Providers seeds
// edges on create; updates manage edges through the nested routes.
type MappingRequest struct {
	RequestedModel string             `json:"requested_model"`
	Strategy       string             `json:"strategy"`
	Rules          *typ.RuleSet       `json:"rules"`
	Billing        *typ.BillingConfig `json:"billing"`
	IsActive       *bool              `json:"is_active"`
	Providers      []EdgeRequest      `json:"providers"`
}

// EdgeRequest is the admin payload for one (model, provider) edge.
type EdgeRequest struct {
	ID              string             `json:"id"`
	ProviderID      string             `json:"provider_id" binding:"required"`
	TargetModelName string             `json:"target_model_name" binding:"required"`
	Priority        int                `json:"priority"`
	Weight          int                `json:"weight"`
	MaxRetries      int                `json:"max_retries"`
	RetryDelayMs    int64              `json:"retry_delay_ms"`
	Rules           *typ.RuleSet       `json:"rules"`
	Billing         *typ.BillingConfig `json:"billing"`
	IsActive        *bool              `json:"is_active"`
}

// MappingResponse joins a logical model with its provider edges.
type MappingResponse struct {
	*typ.ModelMapping
	Providers []typ.ProviderMapping `json:"providers"`
}

// CreateKeyRequest names a new client API key.
type CreateKeyRequest struct {
	Name string `json:"name" binding:"required"`
}

// MintedKeyResponse carries the plaintext key exactly once; only its hash
// is stored.
type MintedKeyResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Key      string `json:"key"`
	IsActive bool   `json:"is_active"`
}

// SetActiveRequest toggles a key or resource on or off.
type SetActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}
