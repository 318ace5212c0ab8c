package typ

import (
	"time"

	"github.com/shopspring/decimal"
)

// StreamSummary replaces the response body in logs of streaming requests.
type StreamSummary struct {
	EventCount    int    `json:"event_count"`
	OutputPreview string `json:"output_preview"`
	Truncated     bool   `json:"truncated"`
	StopReason    string `json:"stop_reason,omitempty"`
}

// RequestLog is the one record written per request that enters the gateway,
// on success, failure and client disconnect alike.
type RequestLog struct {
	ID          string    `json:"id"`
	TraceID     string    `json:"trace_id"`
	RequestTime time.Time `json:"request_time"`

	APIKeyID       string `json:"api_key_id,omitempty"`
	ClientProtocol string `json:"client_protocol"`
	TargetProtocol string `json:"target_protocol,omitempty"`

	RequestedModel string `json:"requested_model"`
	TargetModel    string `json:"target_model,omitempty"`
	ProviderID     string `json:"provider_id,omitempty"`
	ProviderName   string `json:"provider_name,omitempty"`

	RetryCount           int `json:"retry_count"`
	MatchedProviderCount int `json:"matched_provider_count"`

	FirstByteDelayMs int64 `json:"first_byte_delay_ms"`
	TotalTimeMs      int64 `json:"total_time_ms"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	Cost        decimal.Decimal `json:"cost"`
	PriceSource string          `json:"price_source,omitempty"`

	RequestHeaders map[string]string `json:"request_headers,omitempty"` // secrets redacted before logging
	RequestBody    string            `json:"request_body,omitempty"`
	ResponseStatus int               `json:"response_status"`
	ResponseBody   string            `json:"response_body,omitempty"` // stream summary JSON when IsStream

	IsStream  bool   `json:"is_stream"`
	ErrorInfo string `json:"error_info,omitempty"`
}
