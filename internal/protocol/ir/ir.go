// Package ir defines the protocol-neutral intermediate representation that
// every codec decodes into and encodes from. IR values are request-scoped and
// treated as immutable once a decoder returns them.
package ir

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Request is the protocol-neutral chat request.
type Request struct {
	Model    string
	Messages []Message
	// System is carried separately from Messages; encoders place it where
	// the target protocol expects it.
	System     string
	Generation GenerationConfig
	Tools      []ToolDeclaration
	ToolChoice *ToolChoice
	// ResponseFormat requests structured output when set.
	ResponseFormat *ResponseFormat
	Thinking       *ThinkingConfig
	Stream         bool
	User           string
	// UnsupportedParams preserves source-only fields for identity
	// round-trips. Cross-protocol encoders ignore them.
	UnsupportedParams map[string]any
}

// Message is one turn of the conversation.
type Message struct {
	Role    Role
	Content []ContentBlock
	Name    string
}

// TextMessage builds a single-block text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// GenerationConfig carries the sampling knobs shared across protocols.
// Pointer fields distinguish "unset" from zero values.
type GenerationConfig struct {
	MaxTokens *int64
	// LegacyMaxTokens records that an OpenAI Chat source used the deprecated
	// max_tokens field; the Chat encoder re-emits that field instead of
	// max_completion_tokens so identity round-trips stay byte-stable.
	LegacyMaxTokens  bool
	Temperature      *float64
	TopP             *float64
	TopK             *int64
	StopSequences    []string
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Seed             *int64
}

// ToolDeclaration describes one callable tool. Parameters is a JSON schema
// object kept as decoded JSON.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoiceKind is the tool-choice discriminator.
type ToolChoiceKind string

const (
	ToolChoiceAuto     ToolChoiceKind = "auto"
	ToolChoiceNone     ToolChoiceKind = "none"
	ToolChoiceRequired ToolChoiceKind = "required"
	ToolChoiceTool     ToolChoiceKind = "tool"
)

// ToolChoice constrains which tool the model may call. Name is only set for
// ToolChoiceTool.
type ToolChoice struct {
	Kind ToolChoiceKind
	Name string
}

// ResponseFormatKind is the structured-output discriminator.
type ResponseFormatKind string

const (
	ResponseFormatText       ResponseFormatKind = "text"
	ResponseFormatJSONObject ResponseFormatKind = "json_object"
	ResponseFormatJSONSchema ResponseFormatKind = "json_schema"
)

// ResponseFormat requests plain text, loose JSON or schema-bound JSON.
type ResponseFormat struct {
	Kind       ResponseFormatKind
	SchemaName string
	Schema     map[string]any
	Strict     *bool
}

// ThinkingConfig enables extended reasoning where the target supports it.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens *int64
	Effort       string
}
