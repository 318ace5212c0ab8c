package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ProviderRecord is the GORM model for one upstream provider, credentials
// included.
type ProviderRecord struct {
	ID           string    `gorm:"primaryKey;column:id"`
	Name         string    `gorm:"column:name;not null;index"`
	BaseURL      string    `gorm:"column:base_url;not null"`
	Protocol     string    `gorm:"column:protocol;not null"`
	APIKey       string    `gorm:"column:api_key"`
	ExtraHeaders string    `gorm:"column:extra_headers;type:text"` // JSON object
	ProxyURL     string    `gorm:"column:proxy_url"`
	Timeout      int64     `gorm:"column:timeout"`
	Rules        string    `gorm:"column:rules;type:text"`   // JSON RuleSet
	Billing      string    `gorm:"column:billing;type:text"` // JSON BillingConfig
	IsActive     bool      `gorm:"column:is_active;index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (ProviderRecord) TableName() string {
	return "providers"
}

func (r *ProviderRecord) toProvider() *typ.Provider {
	return &typ.Provider{
		ID:           r.ID,
		Name:         r.Name,
		BaseURL:      r.BaseURL,
		Protocol:     protocol.Protocol(r.Protocol),
		APIKey:       r.APIKey,
		ExtraHeaders: stringMapFromJSON(r.ExtraHeaders),
		ProxyURL:     r.ProxyURL,
		Timeout:      r.Timeout,
		Rules:        rulesFromJSON(r.Rules),
		Billing:      billingFromJSON(r.Billing),
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r *ProviderRecord) fromProvider(p *typ.Provider) {
	r.ID = p.ID
	r.Name = p.Name
	r.BaseURL = p.BaseURL
	r.Protocol = string(p.Protocol)
	r.APIKey = p.APIKey
	r.ExtraHeaders = stringMapToJSON(p.ExtraHeaders)
	r.ProxyURL = p.ProxyURL
	r.Timeout = p.Timeout
	r.Rules = rulesToJSON(p.Rules)
	r.Billing = billingToJSON(p.Billing)
	r.IsActive = p.IsActive
	r.UpdatedAt = time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
}

// ProviderStore manages provider records.
type ProviderStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewProviderStore wraps an opened relay database.
func NewProviderStore(gdb *gorm.DB) *ProviderStore {
	return &ProviderStore{db: gdb}
}

// Save creates or updates a provider keyed by its ID.
func (s *ProviderStore) Save(ctx context.Context, p *typ.Provider) error {
	if p == nil {
		return errors.New("provider cannot be nil")
	}
	if p.ID == "" {
		return errors.New("provider id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing ProviderRecord
	err := s.db.WithContext(ctx).Where("id = ?", p.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var rec ProviderRecord
		rec.fromProvider(p)
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create provider record: %w", err)
		}
		logrus.Debugf("created provider %s (%s)", p.Name, p.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query existing provider: %w", err)
	}

	existing.fromProvider(p)
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("failed to update provider record: %w", err)
	}
	logrus.Debugf("updated provider %s (%s)", p.Name, p.ID)
	return nil
}

// GetByID returns a provider, or nil when the id is unknown.
func (s *ProviderStore) GetByID(ctx context.Context, id string) (*typ.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ProviderRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return rec.toProvider(), nil
}

// GetByName returns a provider by display name, or nil when unknown.
func (s *ProviderStore) GetByName(ctx context.Context, name string) (*typ.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ProviderRecord
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return rec.toProvider(), nil
}

// List returns all providers ordered by name.
func (s *ProviderStore) List(ctx context.Context) ([]*typ.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []ProviderRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	out := make([]*typ.Provider, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toProvider())
	}
	return out, nil
}

// ListActive returns all active providers.
func (s *ProviderStore) ListActive(ctx context.Context) ([]*typ.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []ProviderRecord
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}
	out := make([]*typ.Provider, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toProvider())
	}
	return out, nil
}

// Delete removes a provider by id.
func (s *ProviderStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&ProviderRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete provider: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("provider %q: %w", id, ErrNotFound)
	}
	logrus.Debugf("deleted provider %s", id)
	return nil
}

// Count returns the number of provider records.
func (s *ProviderStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.WithContext(ctx).Model(&ProviderRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count providers: %w", err)
	}
	return n, nil
}
