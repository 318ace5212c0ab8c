package protocol

import (
	"encoding/json"
)

// Wire shapes for the OpenAI Chat Completions API. These are hand-rolled
// rather than SDK unions so the codec controls exactly which fields survive
// translation and which land in UnsupportedParams.

type openaiChatRequest struct {
	Model               string                `json:"model"`
	Messages            []openaiChatMessage   `json:"messages"`
	MaxTokens           *int64                `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int64                `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	Stop                json.RawMessage       `json:"stop,omitempty"` // string | []string
	Stream              bool                  `json:"stream,omitempty"`
	PresencePenalty     *float64              `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64              `json:"frequency_penalty,omitempty"`
	Seed                *int64                `json:"seed,omitempty"`
	User                string                `json:"user,omitempty"`
	Tools               []openaiTool          `json:"tools,omitempty"`
	ToolChoice          json.RawMessage       `json:"tool_choice,omitempty"` // string | object
	ResponseFormat      *openaiResponseFormat `json:"response_format,omitempty"`
	ReasoningEffort     string                `json:"reasoning_effort,omitempty"`
}

// openaiChatRequestKnownKeys lists the top-level fields the codec consumes.
// Everything else is preserved in UnsupportedParams for identity encoding.
var openaiChatRequestKnownKeys = map[string]bool{
	"model": true, "messages": true, "max_tokens": true,
	"max_completion_tokens": true, "temperature": true, "top_p": true,
	"stop": true, "stream": true, "presence_penalty": true,
	"frequency_penalty": true, "seed": true, "user": true, "tools": true,
	"tool_choice": true, "response_format": true, "reasoning_effort": true,
	// legacy fields are rewritten before decoding
	"functions": true, "function_call": true,
}

type openaiChatMessage struct {
	Role             string           `json:"role"`
	Content          json.RawMessage  `json:"content,omitempty"` // string | []part | null
	Name             string           `json:"name,omitempty"`
	ToolCalls        []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
}

type openaiContentPart struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	ImageURL   *openaiImageURL   `json:"image_url,omitempty"`
	InputAudio *openaiInputAudio `json:"input_audio,omitempty"`
}

type openaiImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openaiInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type openaiToolCall struct {
	Index    *int               `json:"index,omitempty"` // streaming deltas only
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type openaiNamedToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict *bool          `json:"strict,omitempty"`
}

type openaiChatResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	Created           int64              `json:"created"`
	Model             string             `json:"model"`
	Choices           []openaiChatChoice `json:"choices"`
	Usage             *openaiUsage       `json:"usage,omitempty"`
	SystemFingerprint string             `json:"system_fingerprint,omitempty"`
}

type openaiChatChoice struct {
	Index        int                `json:"index"`
	Message      *openaiChatMessage `json:"message,omitempty"`
	Delta        *openaiChatMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens            int64                          `json:"prompt_tokens"`
	CompletionTokens        int64                          `json:"completion_tokens"`
	TotalTokens             int64                          `json:"total_tokens"`
	PromptTokensDetails     *openaiPromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *openaiCompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

type openaiPromptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens,omitempty"`
	AudioTokens  int64 `json:"audio_tokens,omitempty"`
}

type openaiCompletionTokensDetails struct {
	ReasoningTokens int64 `json:"reasoning_tokens,omitempty"`
	AudioTokens     int64 `json:"audio_tokens,omitempty"`
}

type openaiErrorBody struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
