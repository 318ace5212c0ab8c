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

// APIKeyRecord is the GORM model for one gateway credential. Only the hash
// of the key material is stored; the cleartext exists once, at mint time.
type APIKeyRecord struct {
	ID         string    `gorm:"primaryKey;column:id"`
	Name       string    `gorm:"column:name;not null"`
	KeyHash    string    `gorm:"column:key_hash;not null;uniqueIndex"`
	IsActive   bool      `gorm:"column:is_active;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	LastUsedAt time.Time `gorm:"column:last_used_at"`
}

// TableName specifies the table name for GORM.
func (APIKeyRecord) TableName() string {
	return "api_keys"
}

func (r *APIKeyRecord) toAPIKey() *typ.APIKey {
	return &typ.APIKey{
		ID:         r.ID,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt,
		LastUsedAt: r.LastUsedAt,
	}
}

// APIKeyStore manages client credentials.
type APIKeyStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewAPIKeyStore wraps an opened relay database.
func NewAPIKeyStore(gdb *gorm.DB) *APIKeyStore {
	return &APIKeyStore{db: gdb}
}

// Create stores a new key.
func (s *APIKeyStore) Create(ctx context.Context, k *typ.APIKey) error {
	if k == nil {
		return errors.New("api key cannot be nil")
	}
	if k.ID == "" || k.KeyHash == "" {
		return errors.New("api key id and hash are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := APIKeyRecord{
		ID:        k.ID,
		Name:      k.Name,
		KeyHash:   k.KeyHash,
		IsActive:  k.IsActive,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	logrus.Debugf("created api key %s (%s)", k.Name, k.ID)
	return nil
}

// GetByHash returns the key matching a credential hash, or nil when no key
// matches.
func (s *APIKeyStore) GetByHash(ctx context.Context, hash string) (*typ.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec APIKeyRecord
	if err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return rec.toAPIKey(), nil
}

// GetByID returns a key by id, or nil when unknown.
func (s *APIKeyStore) GetByID(ctx context.Context, id string) (*typ.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec APIKeyRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return rec.toAPIKey(), nil
}

// List returns all keys, newest first.
func (s *APIKeyStore) List(ctx context.Context) ([]*typ.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []APIKeyRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	out := make([]*typ.APIKey, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toAPIKey())
	}
	return out, nil
}

// SetActive flips a key's active flag.
func (s *APIKeyStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Model(&APIKeyRecord{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to update api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("api key %q: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes a key by id.
func (s *APIKeyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&APIKeyRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("api key %q: %w", id, ErrNotFound)
	}
	logrus.Debugf("deleted api key %s", id)
	return nil
}

// TouchLastUsed records when a key last authenticated a request. Best
// effort; a miss is not an error.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Model(&APIKeyRecord{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}
