package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// RequestLogRecord is the GORM model for one request log row. Cost is kept
// as its decimal string so no precision is lost in the float round-trip.
type RequestLogRecord struct {
	ID          string    `gorm:"primaryKey;column:id"`
	TraceID     string    `gorm:"column:trace_id;index"`
	RequestTime time.Time `gorm:"column:request_time;index"`

	APIKeyID       string `gorm:"column:api_key_id;index"`
	ClientProtocol string `gorm:"column:client_protocol"`
	TargetProtocol string `gorm:"column:target_protocol"`

	RequestedModel string `gorm:"column:requested_model;index"`
	TargetModel    string `gorm:"column:target_model"`
	ProviderID     string `gorm:"column:provider_id;index"`
	ProviderName   string `gorm:"column:provider_name"`

	RetryCount           int `gorm:"column:retry_count"`
	MatchedProviderCount int `gorm:"column:matched_provider_count"`

	FirstByteDelayMs int64 `gorm:"column:first_byte_delay_ms"`
	TotalTimeMs      int64 `gorm:"column:total_time_ms"`

	InputTokens  int64 `gorm:"column:input_tokens"`
	OutputTokens int64 `gorm:"column:output_tokens"`

	Cost        string `gorm:"column:cost"`
	PriceSource string `gorm:"column:price_source"`

	RequestHeaders string `gorm:"column:request_headers;type:text"` // JSON object
	RequestBody    string `gorm:"column:request_body;type:text"`
	ResponseStatus int    `gorm:"column:response_status;index"`
	ResponseBody   string `gorm:"column:response_body;type:text"`

	IsStream  bool   `gorm:"column:is_stream"`
	ErrorInfo string `gorm:"column:error_info"`
}

// TableName specifies the table name for GORM.
func (RequestLogRecord) TableName() string {
	return "request_logs"
}

func (r *RequestLogRecord) toLog() *typ.RequestLog {
	cost, err := decimal.NewFromString(r.Cost)
	if err != nil {
		cost = decimal.Zero
	}
	return &typ.RequestLog{
		ID:                   r.ID,
		TraceID:              r.TraceID,
		RequestTime:          r.RequestTime,
		APIKeyID:             r.APIKeyID,
		ClientProtocol:       r.ClientProtocol,
		TargetProtocol:       r.TargetProtocol,
		RequestedModel:       r.RequestedModel,
		TargetModel:          r.TargetModel,
		ProviderID:           r.ProviderID,
		ProviderName:         r.ProviderName,
		RetryCount:           r.RetryCount,
		MatchedProviderCount: r.MatchedProviderCount,
		FirstByteDelayMs:     r.FirstByteDelayMs,
		TotalTimeMs:          r.TotalTimeMs,
		InputTokens:          r.InputTokens,
		OutputTokens:         r.OutputTokens,
		Cost:                 cost,
		PriceSource:          r.PriceSource,
		RequestHeaders:       stringMapFromJSON(r.RequestHeaders),
		RequestBody:          r.RequestBody,
		ResponseStatus:       r.ResponseStatus,
		ResponseBody:         r.ResponseBody,
		IsStream:             r.IsStream,
		ErrorInfo:            r.ErrorInfo,
	}
}

func (r *RequestLogRecord) fromLog(lg *typ.RequestLog) {
	r.ID = lg.ID
	r.TraceID = lg.TraceID
	r.RequestTime = lg.RequestTime
	r.APIKeyID = lg.APIKeyID
	r.ClientProtocol = lg.ClientProtocol
	r.TargetProtocol = lg.TargetProtocol
	r.RequestedModel = lg.RequestedModel
	r.TargetModel = lg.TargetModel
	r.ProviderID = lg.ProviderID
	r.ProviderName = lg.ProviderName
	r.RetryCount = lg.RetryCount
	r.MatchedProviderCount = lg.MatchedProviderCount
	r.FirstByteDelayMs = lg.FirstByteDelayMs
	r.TotalTimeMs = lg.TotalTimeMs
	r.InputTokens = lg.InputTokens
	r.OutputTokens = lg.OutputTokens
	r.Cost = lg.Cost.String()
	r.PriceSource = lg.PriceSource
	r.RequestHeaders = stringMapToJSON(lg.RequestHeaders)
	r.RequestBody = lg.RequestBody
	r.ResponseStatus = lg.ResponseStatus
	r.ResponseBody = lg.ResponseBody
	r.IsStream = lg.IsStream
	r.ErrorInfo = lg.ErrorInfo
}

// LogQuery filters and pages a request log listing.
type LogQuery struct {
	Page     int // 1-based; values < 1 mean the first page
	PageSize int // defaults to 50, capped at 500

	RequestedModel string
	ProviderID     string
	APIKeyID       string
	OnlyErrors     bool // response status >= 400 or a recorded error
	Since          time.Time
	Until          time.Time
}

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

// LogStore appends and queries request logs. The hot path is Create; the
// gateway calls it once per request, so it takes no store-level lock and
// leans on SQLite's own write serialization.
type LogStore struct {
	db *gorm.DB
}

// NewLogStore wraps an opened relay database.
func NewLogStore(gdb *gorm.DB) *LogStore {
	return &LogStore{db: gdb}
}

// Create persists one request log.
func (s *LogStore) Create(ctx context.Context, lg *typ.RequestLog) error {
	if lg == nil {
		return errors.New("request log cannot be nil")
	}
	if lg.ID == "" {
		return errors.New("request log id cannot be empty")
	}
	var rec RequestLogRecord
	rec.fromLog(lg)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create request log: %w", err)
	}
	return nil
}

// GetByID returns one log row, or nil when unknown.
func (s *LogStore) GetByID(ctx context.Context, id string) (*typ.RequestLog, error) {
	var rec RequestLogRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get request log: %w", err)
	}
	return rec.toLog(), nil
}

// List returns one page of logs, newest first, plus the total row count for
// the filter.
func (s *LogStore) List(ctx context.Context, q LogQuery) ([]*typ.RequestLog, int64, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = defaultLogPageSize
	}
	if size > maxLogPageSize {
		size = maxLogPageSize
	}

	tx := s.db.WithContext(ctx).Model(&RequestLogRecord{})
	if q.RequestedModel != "" {
		tx = tx.Where("requested_model = ?", q.RequestedModel)
	}
	if q.ProviderID != "" {
		tx = tx.Where("provider_id = ?", q.ProviderID)
	}
	if q.APIKeyID != "" {
		tx = tx.Where("api_key_id = ?", q.APIKeyID)
	}
	if q.OnlyErrors {
		tx = tx.Where("response_status >= ? OR error_info <> ''", 400)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("request_time >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		tx = tx.Where("request_time < ?", q.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count request logs: %w", err)
	}

	var recs []RequestLogRecord
	if err := tx.Order("request_time DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list request logs: %w", err)
	}

	out := make([]*typ.RequestLog, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toLog())
	}
	return out, total, nil
}

// Prune deletes logs older than the cutoff and reports how many went.
func (s *LogStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("request_time < ?", before).Delete(&RequestLogRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
