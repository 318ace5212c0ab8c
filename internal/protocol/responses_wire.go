package protocol

import (
	"encoding/json"
)

// Wire shapes for the OpenAI Responses API.

type responsesRequest struct {
	Model           string              `json:"model"`
	Input           json.RawMessage     `json:"input,omitempty"` // string | []item
	Instructions    string              `json:"instructions,omitempty"`
	MaxOutputTokens *int64              `json:"max_output_tokens,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	ToolChoice      json.RawMessage     `json:"tool_choice,omitempty"` // string | object
	Text            *responsesText      `json:"text,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
	User            string              `json:"user,omitempty"`
}

var responsesRequestKnownKeys = map[string]bool{
	"model": true, "input": true, "instructions": true,
	"max_output_tokens": true, "temperature": true, "top_p": true,
	"stream": true, "tools": true, "tool_choice": true,
	"text": true, "reasoning": true, "user": true,
}

// Input item types.
const (
	responsesItemMessage            = "message"
	responsesItemFunctionCall       = "function_call"
	responsesItemFunctionCallOutput = "function_call_output"
	responsesItemReasoning          = "reasoning"
)

// responsesItem covers every input/output item variant; the active fields
// depend on Type. Plain message items in the input list may omit Type.
type responsesItem struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string | []part

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output json.RawMessage `json:"output,omitempty"` // string | []part

	// reasoning
	Summary          []responsesSummaryPart `json:"summary,omitempty"`
	EncryptedContent string                 `json:"encrypted_content,omitempty"`
}

type responsesPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Detail      string `json:"detail,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	Refusal     string `json:"refusal,omitempty"`
	Annotations []any  `json:"annotations,omitempty"`
}

type responsesSummaryPart struct {
	Type string `json:"type"` // summary_text
	Text string `json:"text"`
}

// responsesTool is flat, unlike Chat Completions' nested function wrapper.
type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type responsesText struct {
	Format *responsesTextFormat `json:"format,omitempty"`
}

type responsesTextFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict *bool          `json:"strict,omitempty"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesNamedToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type responsesResponse struct {
	ID                string               `json:"id"`
	Object            string               `json:"object,omitempty"` // "response"
	CreatedAt         int64                `json:"created_at,omitempty"`
	Status            string               `json:"status,omitempty"`
	Model             string               `json:"model,omitempty"`
	Output            []responsesItem      `json:"output"`
	Usage             *responsesUsage      `json:"usage,omitempty"`
	IncompleteDetails *responsesIncomplete `json:"incomplete_details,omitempty"`
	Error             *responsesError      `json:"error,omitempty"`
}

type responsesIncomplete struct {
	Reason string `json:"reason,omitempty"`
}

type responsesError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type responsesUsage struct {
	InputTokens         int64                        `json:"input_tokens"`
	OutputTokens        int64                        `json:"output_tokens"`
	TotalTokens         int64                        `json:"total_tokens,omitempty"`
	InputTokensDetails  *responsesInputTokensDetail  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *responsesOutputTokensDetail `json:"output_tokens_details,omitempty"`
}

type responsesInputTokensDetail struct {
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}

type responsesOutputTokensDetail struct {
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
}

// Response statuses.
const (
	responsesStatusInProgress = "in_progress"
	responsesStatusCompleted  = "completed"
	responsesStatusIncomplete = "incomplete"
	responsesStatusFailed     = "failed"
)

// Stream event types.
const (
	responsesEventCreated          = "response.created"
	responsesEventInProgress       = "response.in_progress"
	responsesEventCompleted        = "response.completed"
	responsesEventIncomplete       = "response.incomplete"
	responsesEventFailed           = "response.failed"
	responsesEventOutputItemAdded  = "response.output_item.added"
	responsesEventOutputItemDone   = "response.output_item.done"
	responsesEventContentPartAdded = "response.content_part.added"
	responsesEventContentPartDone  = "response.content_part.done"
	responsesEventOutputTextDelta  = "response.output_text.delta"
	responsesEventOutputTextDone   = "response.output_text.done"
	responsesEventRefusalDelta     = "response.refusal.delta"
	responsesEventFuncArgsDelta    = "response.function_call_arguments.delta"
	responsesEventFuncArgsDone     = "response.function_call_arguments.done"
	responsesEventReasoningDelta   = "response.reasoning_summary_text.delta"
	responsesEventReasoningText    = "response.reasoning_text.delta"
	responsesEventError            = "error"
)

// responsesStreamEnvelope is the decode shape for one Responses stream event.
type responsesStreamEnvelope struct {
	Type           string             `json:"type"`
	SequenceNumber int64              `json:"sequence_number,omitempty"`
	Response       *responsesResponse `json:"response,omitempty"`
	OutputIndex    int                `json:"output_index,omitempty"`
	ContentIndex   int                `json:"content_index,omitempty"`
	SummaryIndex   int                `json:"summary_index,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	Item           *responsesItem     `json:"item,omitempty"`
	Part           *responsesPart     `json:"part,omitempty"`
	Delta          string             `json:"delta,omitempty"`
	Text           string             `json:"text,omitempty"`
	Arguments      string             `json:"arguments,omitempty"`
	Code           string             `json:"code,omitempty"`
	Message        string             `json:"message,omitempty"`
}
