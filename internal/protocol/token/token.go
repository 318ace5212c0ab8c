// Package token approximates token counts when upstreams do not report
// them. All counting runs on the o200k_base encoding regardless of target
// model; the gateway needs a consistent estimate for routing and billing,
// not a model-exact count.
package token

import (
	"encoding/json"
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// requestOverhead covers the chat framing tokens around the counted text.
const requestOverhead = 3

// Counter counts tokens with the o200k_base encoding. The zero value and a
// nil Counter fall back to a character/4 estimate, so callers never need to
// special-case tokenizer setup failures. Safe for concurrent use.
type Counter struct {
	enc tokenizer.Codec
}

// NewCounter builds a counter on o200k_base (GPT-4o and newer).
func NewCounter() (*Counter, error) {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer: %w", err)
	}
	return &Counter{enc: enc}, nil
}

// Count returns the token count for text, falling back to a character/4
// estimate when no encoder is available or it rejects the input.
func (c *Counter) Count(text string) int64 {
	if text == "" {
		return 0
	}
	if c == nil || c.enc == nil {
		return int64(len(text) / 4)
	}
	n, err := c.enc.Count(text)
	if err != nil {
		return int64(len(text) / 4)
	}
	return int64(n)
}

// CountRequest approximates the input tokens of a request: system text,
// roles, text-bearing content blocks, serialized tool inputs and the tool
// declarations. Media blocks are skipped; image token accounting is
// model-specific and out of scope here.
func (c *Counter) CountRequest(req *ir.Request) int64 {
	if req == nil {
		return 0
	}
	total := c.Count(req.System)
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += c.Count(string(msg.Role))
		total += c.countBlocks(msg.Content)
	}
	for _, tool := range req.Tools {
		total += c.Count(tool.Name)
		total += c.Count(tool.Description)
		if len(tool.Parameters) > 0 {
			if raw, err := json.Marshal(tool.Parameters); err == nil {
				total += c.Count(string(raw))
			}
		}
	}
	return total + requestOverhead
}

// CountResponse approximates the output tokens of a unary response.
func (c *Counter) CountResponse(resp *ir.Response) int64 {
	if resp == nil {
		return 0
	}
	return c.countBlocks(resp.Content)
}

func (c *Counter) countBlocks(blocks []ir.ContentBlock) int64 {
	var total int64
	for _, b := range blocks {
		switch b.Kind {
		case ir.BlockText:
			total += c.Count(b.Text)
		case ir.BlockThinking:
			total += c.Count(b.Thinking)
		case ir.BlockToolUse:
			total += c.Count(b.Name)
			if len(b.Input) > 0 {
				if raw, err := json.Marshal(b.Input); err == nil {
					total += c.Count(string(raw))
				}
			}
		case ir.BlockToolResult:
			total += c.Count(b.Text)
			total += c.countBlocks(b.Content)
		}
	}
	return total
}
