// Package health tracks provider availability from request outcomes and
// recovers providers through background probes. Health is observability
// only: it feeds the admin snapshot and metrics, never candidate selection.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// Status is the availability verdict for one provider.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config tunes the monitor.
type Config struct {
	// ConsecutiveErrorThreshold is how many retryable errors in a row mark a
	// provider unhealthy. Rate-limit and auth errors skip the threshold.
	ConsecutiveErrorThreshold int `json:"consecutive_error_threshold" yaml:"consecutive_error_threshold"`
	// RecoveryTimeoutSeconds is how long an unhealthy provider stays marked
	// before it is considered recovered (or probed, when probing is on).
	RecoveryTimeoutSeconds int  `json:"recovery_timeout_seconds" yaml:"recovery_timeout_seconds"`
	ProbeEnabled           bool `json:"probe_enabled" yaml:"probe_enabled"`
	ProbeIntervalSeconds   int  `json:"probe_interval_seconds" yaml:"probe_interval_seconds"`
}

func DefaultConfig() Config {
	return Config{
		ConsecutiveErrorThreshold: 3,
		RecoveryTimeoutSeconds:    300,
		ProbeEnabled:              true,
		ProbeIntervalSeconds:      60,
	}
}

// ProviderHealth is one row of the admin snapshot.
type ProviderHealth struct {
	ProviderID        string    `json:"provider_id"`
	ProviderName      string    `json:"provider_name,omitempty"`
	Status            Status    `json:"status"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	RateLimited       bool      `json:"rate_limited,omitempty"`
	AuthError         bool      `json:"auth_error,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
	LastCheck         time.Time `json:"last_check,omitempty"`
}

// Prober issues a minimal request against a provider to test it end to end.
// The llmclient pool implements this over the vendor SDKs.
type Prober interface {
	Probe(ctx context.Context, provider *typ.Provider) error
}

// Lister supplies the providers the background loop should watch.
type Lister func(ctx context.Context) ([]typ.Provider, error)

type state struct {
	name              string
	status            Status
	consecutiveErrors int
	rateLimited       bool
	authError         bool
	lastError         string
	lastErrorTime     time.Time
	lastCheck         time.Time
	recoveryTimeout   time.Duration
}

// Monitor keeps per-provider health state.
type Monitor struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*state
	prober Prober
}

func NewMonitor(cfg Config, prober Prober) *Monitor {
	if cfg.ConsecutiveErrorThreshold <= 0 {
		cfg.ConsecutiveErrorThreshold = DefaultConfig().ConsecutiveErrorThreshold
	}
	if cfg.ProbeIntervalSeconds <= 0 {
		cfg.ProbeIntervalSeconds = DefaultConfig().ProbeIntervalSeconds
	}
	return &Monitor{
		cfg:    cfg,
		states: make(map[string]*state),
		prober: prober,
	}
}

func (m *Monitor) getOrCreate(providerID, name string) *state {
	if st, ok := m.states[providerID]; ok {
		if name != "" {
			st.name = name
		}
		return st
	}
	st := &state{
		name:            name,
		status:          StatusHealthy,
		recoveryTimeout: time.Duration(m.cfg.RecoveryTimeoutSeconds) * time.Second,
	}
	m.states[providerID] = st
	return st
}

// ReportSuccess clears error state. Any success recovers immediately.
func (m *Monitor) ReportSuccess(providerID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(providerID, name)
	if st.status == StatusUnhealthy {
		logrus.WithField("provider", providerID).Info("health: provider recovered")
	}
	st.status = StatusHealthy
	st.consecutiveErrors = 0
	st.rateLimited = false
	st.authError = false
	st.lastError = ""
	st.lastCheck = time.Now()
}

// ReportError counts a retryable failure; the threshold flips the provider
// to unhealthy.
func (m *Monitor) ReportError(providerID, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(providerID, name)
	st.consecutiveErrors++
	if err != nil {
		st.lastError = err.Error()
	}
	st.lastErrorTime = time.Now()
	st.lastCheck = st.lastErrorTime
	if st.consecutiveErrors >= m.cfg.ConsecutiveErrorThreshold && st.status != StatusUnhealthy {
		st.status = StatusUnhealthy
		logrus.WithField("provider", providerID).Warn("health: provider marked unhealthy")
	}
}

// ReportRateLimit marks the provider unhealthy at once; 429s do not wait for
// the threshold.
func (m *Monitor) ReportRateLimit(providerID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(providerID, name)
	st.status = StatusUnhealthy
	st.rateLimited = true
	st.consecutiveErrors = 0
	st.lastError = "rate limited"
	st.lastErrorTime = time.Now()
	st.lastCheck = st.lastErrorTime
}

// ReportAuthError marks the provider unhealthy at once; a bad key will not
// fix itself with retries.
func (m *Monitor) ReportAuthError(providerID, name string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.getOrCreate(providerID, name)
	st.status = StatusUnhealthy
	st.authError = true
	st.lastError = "auth error"
	st.lastErrorTime = time.Now()
	st.lastCheck = st.lastErrorTime
	logrus.WithFields(logrus.Fields{"provider": providerID, "status": statusCode}).
		Warn("health: provider auth failure")
}

// IsHealthy reads the current verdict. An unhealthy provider whose recovery
// timeout has elapsed counts as healthy again; probing only moves the
// timestamps, so this stays a pure read.
func (m *Monitor) IsHealthy(providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[providerID]
	if !ok || st.status == StatusHealthy {
		return true
	}
	return time.Since(st.lastErrorTime) > st.recoveryTimeout
}

// Snapshot returns a copy of every tracked provider, sorted by id.
func (m *Monitor) Snapshot() []ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, ProviderHealth{
			ProviderID:        id,
			ProviderName:      st.name,
			Status:            st.status,
			ConsecutiveErrors: st.consecutiveErrors,
			RateLimited:       st.rateLimited,
			AuthError:         st.authError,
			LastError:         st.lastError,
			LastErrorTime:     st.lastErrorTime,
			LastCheck:         st.lastCheck,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Reset forces a provider back to healthy (admin action).
func (m *Monitor) Reset(providerID string) {
	m.ReportSuccess(providerID, "")
}

// Run probes unhealthy providers on an interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, list Lister) {
	ticker := time.NewTicker(time.Duration(m.cfg.ProbeIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			providers, err := list(ctx)
			if err != nil {
				logrus.WithError(err).Warn("health: listing providers for probe sweep")
				continue
			}
			m.sweep(ctx, providers)
		}
	}
}

// sweep probes every active provider that is unhealthy and past its
// recovery timeout. A passing probe recovers it; a failing one pushes the
// recovery window out.
func (m *Monitor) sweep(ctx context.Context, providers []typ.Provider) {
	if !m.cfg.ProbeEnabled || m.prober == nil {
		return
	}
	for i := range providers {
		p := &providers[i]
		if !p.IsActive {
			continue
		}
		m.mu.RLock()
		st, ok := m.states[p.ID]
		due := ok && st.status == StatusUnhealthy && time.Since(st.lastErrorTime) > st.recoveryTimeout
		m.mu.RUnlock()
		if !due {
			continue
		}
		if err := m.prober.Probe(ctx, p); err != nil {
			m.mu.Lock()
			st.lastError = err.Error()
			st.lastErrorTime = time.Now()
			st.lastCheck = st.lastErrorTime
			m.mu.Unlock()
			continue
		}
		m.ReportSuccess(p.ID, p.Name)
	}
}
