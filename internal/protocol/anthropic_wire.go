package protocol

import (
	"encoding/json"
)

// Wire shapes for the Anthropic Messages API.

type anthropicRequest struct {
	Model         string               `json:"model"`
	Messages      []anthropicMessage   `json:"messages"`
	System        json.RawMessage      `json:"system,omitempty"` // string | []text block
	MaxTokens     *int64               `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	TopK          *int64               `json:"top_k,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Metadata      *anthropicMetadata   `json:"metadata,omitempty"`
	Thinking      *anthropicThinking   `json:"thinking,omitempty"`
}

var anthropicRequestKnownKeys = map[string]bool{
	"model": true, "messages": true, "system": true, "max_tokens": true,
	"temperature": true, "top_p": true, "top_k": true,
	"stop_sequences": true, "stream": true, "tools": true,
	"tool_choice": true, "metadata": true, "thinking": true,
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string | []block
}

type anthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text      string `json:"text,omitempty"`
	Citations []any  `json:"citations,omitempty"`

	// image, document
	Source *anthropicSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string | []block
	IsError   bool            `json:"is_error,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// MarshalJSON emits only the fields of the active block type. tool_use
// requires an input object even when empty, which omitempty would drop, so
// marshaling goes through an explicit map.
func (b anthropicContentBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": b.Type}
	switch b.Type {
	case "text":
		m["text"] = b.Text
		if len(b.Citations) > 0 {
			m["citations"] = b.Citations
		}
	case "image", "document":
		m["source"] = b.Source
	case "tool_use":
		m["id"] = b.ID
		m["name"] = b.Name
		if b.Input != nil {
			m["input"] = b.Input
		} else {
			m["input"] = map[string]any{}
		}
	case "tool_result":
		m["tool_use_id"] = b.ToolUseID
		if len(b.Content) > 0 {
			m["content"] = b.Content
		}
		if b.IsError {
			m["is_error"] = true
		}
	case "thinking":
		m["thinking"] = b.Thinking
		if b.Signature != "" {
			m["signature"] = b.Signature
		}
	case "redacted_thinking":
		m["data"] = b.Data
	default:
		if b.Text != "" {
			m["text"] = b.Text
		}
	}
	return json.Marshal(m)
}

type anthropicSource struct {
	Type      string `json:"type"` // base64 | url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Type        string         `json:"type,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicToolChoice struct {
	Type                   string `json:"type"` // auto | any | tool | none
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

type anthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"` // enabled | disabled
	BudgetTokens *int64 `json:"budget_tokens,omitempty"`
}

type anthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"` // message
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []anthropicContentBlock `json:"content"`
	StopReason   *string                 `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        *anthropicUsage         `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicErrorBody struct {
	Type  string               `json:"type"` // "error"
	Error anthropicErrorDetail `json:"error"`
}

// Stream event names.
const (
	anthropicEventMessageStart      = "message_start"
	anthropicEventContentBlockStart = "content_block_start"
	anthropicEventContentBlockDelta = "content_block_delta"
	anthropicEventContentBlockStop  = "content_block_stop"
	anthropicEventMessageDelta      = "message_delta"
	anthropicEventMessageStop       = "message_stop"
	anthropicEventPing              = "ping"
	anthropicEventError             = "error"
)

// Delta payload names.
const (
	anthropicDeltaText      = "text_delta"
	anthropicDeltaInputJSON = "input_json_delta"
	anthropicDeltaThinking  = "thinking_delta"
	anthropicDeltaSignature = "signature_delta"
)

// anthropicStreamEnvelope is the decode shape for one stream event.
type anthropicStreamEnvelope struct {
	Type         string                 `json:"type"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	Index        int                    `json:"index,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        json.RawMessage        `json:"delta,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        *anthropicErrorDetail  `json:"error,omitempty"`
}

// anthropicBlockDelta is a content_block_delta payload.
type anthropicBlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// anthropicMessageDeltaPayload is a message_delta payload.
type anthropicMessageDeltaPayload struct {
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}
