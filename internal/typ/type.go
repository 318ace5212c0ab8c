package typ

import (
	"time"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// Strategy selects how candidates are picked for a logical model.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyPriority   Strategy = "priority"
	StrategyCostFirst  Strategy = "cost_first"
)

// ParseStrategy normalizes a stored strategy name, defaulting to round_robin.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyPriority:
		return StrategyPriority
	case StrategyCostFirst:
		return StrategyCostFirst
	default:
		return StrategyRoundRobin
	}
}

// Provider is an upstream endpoint able to serve one or more target models.
type Provider struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	BaseURL      string            `json:"base_url" yaml:"base_url"`
	Protocol     protocol.Protocol `json:"protocol" yaml:"protocol"`
	APIKey       string            `json:"api_key" yaml:"api_key"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" yaml:"extra_headers,omitempty"`
	ProxyURL     string            `json:"proxy_url,omitempty" yaml:"proxy_url,omitempty"` // http://, https:// or socks5://
	Timeout      int64             `json:"timeout,omitempty" yaml:"timeout,omitempty"`     // seconds, 0 means server default
	Rules        *RuleSet          `json:"rules,omitempty" yaml:"rules,omitempty"`
	Billing      *BillingConfig    `json:"billing,omitempty" yaml:"billing,omitempty"`
	IsActive     bool              `json:"is_active" yaml:"is_active"`
	CreatedAt    time.Time         `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty" yaml:"-"`
}

// ModelMapping is the logical model record keyed by the client-requested name.
type ModelMapping struct {
	RequestedModel string         `json:"requested_model" yaml:"requested_model"`
	Strategy       Strategy       `json:"strategy" yaml:"strategy"`
	Rules          *RuleSet       `json:"rules,omitempty" yaml:"rules,omitempty"`
	Billing        *BillingConfig `json:"billing,omitempty" yaml:"billing,omitempty"`
	IsActive       bool           `json:"is_active" yaml:"is_active"`
	CreatedAt      time.Time      `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty" yaml:"-"`
}

// ProviderMapping is one (requested_model, provider) edge.
type ProviderMapping struct {
	ID              string         `json:"id" yaml:"id"`
	RequestedModel  string         `json:"requested_model" yaml:"requested_model"`
	ProviderID      string         `json:"provider_id" yaml:"provider_id"`
	TargetModelName string         `json:"target_model_name" yaml:"target_model_name"`
	Priority        int            `json:"priority" yaml:"priority"` // lower runs earlier
	Weight          int            `json:"weight" yaml:"weight"`
	MaxRetries      int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`       // attempts per candidate, 0 means server default
	RetryDelayMs    int64          `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"` // pause between same-candidate attempts
	Rules           *RuleSet       `json:"rules,omitempty" yaml:"rules,omitempty"`
	Billing         *BillingConfig `json:"billing,omitempty" yaml:"billing,omitempty"`
	IsActive        bool           `json:"is_active" yaml:"is_active"`
}

// CandidateProvider is the runtime join of mapping, edge and provider. It
// carries everything one forward attempt needs and is only built after rule
// evaluation has filtered inactive rows.
type CandidateProvider struct {
	MappingID      string
	RequestedModel string
	TargetModel    string
	Priority       int
	Weight         int
	MaxRetries     int
	RetryDelayMs   int64

	Provider *Provider

	// Billing layers kept separate; pricing resolves them per request.
	ModelBilling    *BillingConfig
	ProviderBilling *BillingConfig
}

// Identity is the tried-set key for failover bookkeeping. Two mappings that
// share a provider but differ in target model are distinct candidates.
func (c *CandidateProvider) Identity() string {
	return c.MappingID + "|" + c.Provider.ID + "|" + c.TargetModel
}

// APIKey is a gateway client credential. Only the hash is stored.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"-"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}
