package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ModelMappingRecord is the GORM model for one logical model, keyed by the
// client-requested name.
type ModelMappingRecord struct {
	RequestedModel string    `gorm:"primaryKey;column:requested_model"`
	Strategy       string    `gorm:"column:strategy;not null"`
	Rules          string    `gorm:"column:rules;type:text"`
	Billing        string    `gorm:"column:billing;type:text"`
	IsActive       bool      `gorm:"column:is_active;index"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (ModelMappingRecord) TableName() string {
	return "model_mappings"
}

func (r *ModelMappingRecord) toMapping() *typ.ModelMapping {
	return &typ.ModelMapping{
		RequestedModel: r.RequestedModel,
		Strategy:       typ.ParseStrategy(r.Strategy),
		Rules:          rulesFromJSON(r.Rules),
		Billing:        billingFromJSON(r.Billing),
		IsActive:       r.IsActive,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *ModelMappingRecord) fromMapping(m *typ.ModelMapping) {
	r.RequestedModel = m.RequestedModel
	r.Strategy = string(typ.ParseStrategy(string(m.Strategy)))
	r.Rules = rulesToJSON(m.Rules)
	r.Billing = billingToJSON(m.Billing)
	r.IsActive = m.IsActive
	r.UpdatedAt = time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.UpdatedAt
	}
}

// ProviderMappingRecord is one (requested model, provider) edge.
type ProviderMappingRecord struct {
	ID              string `gorm:"primaryKey;column:id"`
	RequestedModel  string `gorm:"column:requested_model;not null;index:idx_edge_model"`
	ProviderID      string `gorm:"column:provider_id;not null;index:idx_edge_provider"`
	TargetModelName string `gorm:"column:target_model_name;not null"`
	Priority        int    `gorm:"column:priority"`
	Weight          int    `gorm:"column:weight"`
	MaxRetries      int    `gorm:"column:max_retries"`
	RetryDelayMs    int64  `gorm:"column:retry_delay_ms"`
	Rules           string `gorm:"column:rules;type:text"`
	Billing         string `gorm:"column:billing;type:text"`
	IsActive        bool   `gorm:"column:is_active;index"`
}

// TableName specifies the table name for GORM.
func (ProviderMappingRecord) TableName() string {
	return "provider_mappings"
}

func (r *ProviderMappingRecord) toEdge() typ.ProviderMapping {
	return typ.ProviderMapping{
		ID:              r.ID,
		RequestedModel:  r.RequestedModel,
		ProviderID:      r.ProviderID,
		TargetModelName: r.TargetModelName,
		Priority:        r.Priority,
		Weight:          r.Weight,
		MaxRetries:      r.MaxRetries,
		RetryDelayMs:    r.RetryDelayMs,
		Rules:           rulesFromJSON(r.Rules),
		Billing:         billingFromJSON(r.Billing),
		IsActive:        r.IsActive,
	}
}

func (r *ProviderMappingRecord) fromEdge(e *typ.ProviderMapping) {
	r.ID = e.ID
	r.RequestedModel = e.RequestedModel
	r.ProviderID = e.ProviderID
	r.TargetModelName = e.TargetModelName
	r.Priority = e.Priority
	r.Weight = e.Weight
	r.MaxRetries = e.MaxRetries
	r.RetryDelayMs = e.RetryDelayMs
	r.Rules = rulesToJSON(e.Rules)
	r.Billing = billingToJSON(e.Billing)
	r.IsActive = e.IsActive
}

// ModelStore manages model mappings and their provider edges.
type ModelStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewModelStore wraps an opened relay database.
func NewModelStore(gdb *gorm.DB) *ModelStore {
	return &ModelStore{db: gdb}
}

// GetMapping returns the logical model record, or nil when the name is
// unknown.
func (s *ModelStore) GetMapping(ctx context.Context, requestedModel string) (*typ.ModelMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ModelMappingRecord
	err := s.db.WithContext(ctx).Where("requested_model = ?", requestedModel).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model mapping: %w", err)
	}
	return rec.toMapping(), nil
}

// SaveMapping creates or updates a logical model.
func (s *ModelStore) SaveMapping(ctx context.Context, m *typ.ModelMapping) error {
	if m == nil {
		return errors.New("mapping cannot be nil")
	}
	if m.RequestedModel == "" {
		return errors.New("requested model cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing ModelMappingRecord
	err := s.db.WithContext(ctx).Where("requested_model = ?", m.RequestedModel).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var rec ModelMappingRecord
		rec.fromMapping(m)
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create model mapping: %w", err)
		}
		logrus.Debugf("created model mapping %s", m.RequestedModel)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query existing model mapping: %w", err)
	}

	existing.fromMapping(m)
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("failed to update model mapping: %w", err)
	}
	logrus.Debugf("updated model mapping %s", m.RequestedModel)
	return nil
}

// ListMappings returns every logical model ordered by name.
func (s *ModelStore) ListMappings(ctx context.Context) ([]*typ.ModelMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []ModelMappingRecord
	if err := s.db.WithContext(ctx).Order("requested_model").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list model mappings: %w", err)
	}
	out := make([]*typ.ModelMapping, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toMapping())
	}
	return out, nil
}

// ListActiveMappings returns the logical models clients may request.
func (s *ModelStore) ListActiveMappings(ctx context.Context) ([]*typ.ModelMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []ModelMappingRecord
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("requested_model").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list active model mappings: %w", err)
	}
	out := make([]*typ.ModelMapping, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toMapping())
	}
	return out, nil
}

// DeleteMapping removes a logical model and all of its provider edges.
func (s *ModelStore) DeleteMapping(ctx context.Context, requestedModel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("requested_model = ?", requestedModel).Delete(&ModelMappingRecord{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete model mapping: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("model mapping %q: %w", requestedModel, ErrNotFound)
		}
		if err := tx.Where("requested_model = ?", requestedModel).Delete(&ProviderMappingRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete provider mappings: %w", err)
		}
		logrus.Debugf("deleted model mapping %s", requestedModel)
		return nil
	})
}

// GetProviderMappings returns the edges of one logical model, optionally
// filtered to active rows. Unknown names return an empty slice.
func (s *ModelStore) GetProviderMappings(ctx context.Context, requestedModel string, activeOnly bool) ([]typ.ProviderMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.db.WithContext(ctx).Where("requested_model = ?", requestedModel)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var recs []ProviderMappingRecord
	if err := q.Order("priority, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list provider mappings: %w", err)
	}
	out := make([]typ.ProviderMapping, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toEdge())
	}
	return out, nil
}

// TargetModelForProvider returns the target model of the highest-priority
// active edge pointing at a provider. Health probes use it so they exercise
// a model the provider actually serves. Empty when no edge exists.
func (s *ModelStore) TargetModelForProvider(ctx context.Context, providerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec ProviderMappingRecord
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND is_active = ?", providerID, true).
		Order("priority, id").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve probe model: %w", err)
	}
	return rec.TargetModelName, nil
}

// SaveProviderMapping creates or updates one edge keyed by its ID.
func (s *ModelStore) SaveProviderMapping(ctx context.Context, e *typ.ProviderMapping) error {
	if e == nil {
		return errors.New("provider mapping cannot be nil")
	}
	if e.ID == "" || e.RequestedModel == "" || e.ProviderID == "" {
		return errors.New("provider mapping id, requested model and provider id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing ProviderMappingRecord
	err := s.db.WithContext(ctx).Where("id = ?", e.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var rec ProviderMappingRecord
		rec.fromEdge(e)
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to create provider mapping: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query existing provider mapping: %w", err)
	}

	existing.fromEdge(e)
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return fmt.Errorf("failed to update provider mapping: %w", err)
	}
	return nil
}

// DeleteProviderMapping removes one edge by id.
func (s *ModelStore) DeleteProviderMapping(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&ProviderMappingRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete provider mapping: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("provider mapping %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteProviderMappingsByProvider removes every edge pointing at a
// provider; used when the provider itself is deleted.
func (s *ModelStore) DeleteProviderMappingsByProvider(ctx context.Context, providerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Delete(&ProviderMappingRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete provider mappings: %w", res.Error)
	}
	return res.RowsAffected, nil
}
