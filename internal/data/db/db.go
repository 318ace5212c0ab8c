// Package db persists gateway state in SQLite through GORM: providers,
// model mappings, provider mappings, request logs and API keys. Records are
// flat rows with nested config (rules, billing, headers) JSON-encoded into
// text columns; converters map them to and from the domain types.
//
// Lookups that find nothing return nil with a nil error. Errors are
// reserved for the database itself failing, so callers can tell 404 from
// 500 without sentinel checks.
package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ErrNotFound marks a write against a row that does not exist. Deletes and
// updates wrap it so transports can answer 404 instead of 500.
var ErrNotFound = errors.New("not found")

// Open opens (creating if needed) the relay database and migrates the
// schema. All stores share the returned handle.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&ProviderRecord{},
		&ModelMappingRecord{},
		&ProviderMappingRecord{},
		&RequestLogRecord{},
		&APIKeyRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rulesToJSON(rs *typ.RuleSet) string {
	if rs.IsEmpty() {
		return ""
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return ""
	}
	return string(b)
}

func rulesFromJSON(s string) *typ.RuleSet {
	if s == "" {
		return nil
	}
	var rs typ.RuleSet
	if err := json.Unmarshal([]byte(s), &rs); err != nil {
		return nil
	}
	return &rs
}

func billingToJSON(b *typ.BillingConfig) string {
	if b == nil {
		return ""
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(raw)
}

func billingFromJSON(s string) *typ.BillingConfig {
	if s == "" {
		return nil
	}
	var b typ.BillingConfig
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return nil
	}
	return &b
}

func stringMapToJSON(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func stringMapFromJSON(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
