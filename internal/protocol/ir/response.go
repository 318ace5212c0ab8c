package ir

// StopReason is the canonical stop vocabulary (Anthropic-shaped; codecs map
// OpenAI finish reasons onto it).
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopStopSequence  StopReason = "stop_sequence"
	StopToolUse       StopReason = "tool_use"
	StopContentFilter StopReason = "content_filter"
	StopError         StopReason = "error"
)

// Usage aggregates token accounting across protocols. Zero values mean
// "not reported".
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	ReasoningTokens     int64
	AudioTokens         int64
	Details             map[string]any
}

// Total returns the reported total, falling back to input+output.
func (u *Usage) Total() int64 {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Response is the protocol-neutral unary chat response.
type Response struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   StopReason
	StopSequence string
	Usage        *Usage
	Created      int64 // unix seconds, 0 when the source does not report it
}

// TextContent concatenates all text blocks of the response.
func (r *Response) TextContent() string {
	var out string
	for _, b := range r.Content {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool invocation blocks in order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Kind == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether any tool invocation is present.
func (r *Response) HasToolUse() bool {
	for _, b := range r.Content {
		if b.Kind == BlockToolUse {
			return true
		}
	}
	return false
}
