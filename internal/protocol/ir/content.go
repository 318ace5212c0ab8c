package ir

// BlockKind tags a content block variant. Downstream code skips unknown
// kinds instead of failing.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockAudio      BlockKind = "audio"
	BlockDocument   BlockKind = "document"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking   BlockKind = "thinking"
)

// SourceKind distinguishes referenced from inline media.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceBase64 SourceKind = "base64"
)

// MediaSource locates image, audio or document payloads. Either URL or
// (MediaType, Data) is populated depending on Kind.
type MediaSource struct {
	Kind      SourceKind
	URL       string
	MediaType string
	Data      string // base64 payload without the data: prefix
	Detail    string // OpenAI image detail hint, preserved verbatim
}

// ContentBlock is the tagged sum over all block variants. Only the fields of
// the active Kind are meaningful.
type ContentBlock struct {
	Kind BlockKind

	// BlockText
	Text      string
	Citations []any

	// BlockImage, BlockAudio, BlockDocument
	Source *MediaSource

	// BlockToolUse
	ID    string
	Name  string
	Input map[string]any
	// PartialArgs accumulates raw JSON argument fragments during stream
	// assembly; unary decoders leave it empty.
	PartialArgs string

	// BlockToolResult. String-form results stay in Text; structured results
	// use Content.
	ToolUseID string
	Content   []ContentBlock
	IsError   bool

	// BlockThinking
	Thinking     string
	Signature    string
	Redacted     bool
	RedactedData string
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ImageBlock builds an image block from a media source.
func ImageBlock(src MediaSource) ContentBlock {
	return ContentBlock{Kind: BlockImage, Source: &src}
}

// ToolUseBlock builds a tool invocation block with parsed input.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a string-form tool result.
func ToolResultBlock(toolUseID, text string, isErr bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolUseID: toolUseID, Text: text, IsError: isErr}
}

// ThinkingBlock builds a reasoning block.
func ThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Kind: BlockThinking, Thinking: thinking, Signature: signature}
}
