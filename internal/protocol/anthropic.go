package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// anthropicDefaultMaxTokens is injected when a request that did not start as
// Anthropic reaches an Anthropic upstream without a max_tokens value.
const anthropicDefaultMaxTokens = 4096

// AnthropicCodec converts between the Anthropic Messages API and the IR.
type AnthropicCodec struct{}

// NewAnthropicCodec builds the Anthropic Messages codec.
func NewAnthropicCodec() *AnthropicCodec { return &AnthropicCodec{} }

func (*AnthropicCodec) Protocol() Protocol { return ProtocolAnthropic }

// DecodeRequest parses a Messages API request. tool_result blocks inside user
// messages are lifted into standalone tool-role IR messages so OpenAI-family
// encoders can emit them as individual tool messages.
func (*AnthropicCodec) DecodeRequest(body []byte) (*ir.Request, []string, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, nil, NewInvalidRequest("invalid JSON body: %s", err.Error())
	}
	if len(wire.Messages) == 0 {
		return nil, nil, NewInvalidRequest("messages is required")
	}

	var warnings []string
	req := &ir.Request{Model: wire.Model, Stream: wire.Stream}

	if len(wire.System) > 0 {
		system, warns, err := anthropicSystemText(wire.System)
		if err != nil {
			return nil, nil, NewInvalidRequest("invalid system field: %s", err.Error())
		}
		req.System = system
		warnings = append(warnings, warns...)
	}

	for _, msg := range wire.Messages {
		decoded, warns, err := decodeAnthropicMessage(msg)
		if err != nil {
			return nil, warnings, err
		}
		warnings = append(warnings, warns...)
		req.Messages = append(req.Messages, decoded...)
	}

	req.Generation = ir.GenerationConfig{
		MaxTokens:     wire.MaxTokens,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		TopK:          wire.TopK,
		StopSequences: wire.StopSequences,
	}

	for _, tool := range wire.Tools {
		if tool.Name == "" {
			warnings = append(warnings, "dropped tool without a name (type "+tool.Type+")")
			continue
		}
		req.Tools = append(req.Tools, ir.ToolDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if wire.ToolChoice != nil {
		tc, err := decodeAnthropicToolChoice(wire.ToolChoice)
		if err != nil {
			return nil, warnings, err
		}
		req.ToolChoice = tc
	}
	if wire.Metadata != nil {
		req.User = wire.Metadata.UserID
	}
	if wire.Thinking != nil {
		req.Thinking = &ir.ThinkingConfig{
			Enabled:      wire.Thinking.Type == "enabled",
			BudgetTokens: wire.Thinking.BudgetTokens,
		}
	}
	req.UnsupportedParams = collectUnknownParams(body, anthropicRequestKnownKeys)
	return req, warnings, nil
}

// EncodeRequest renders an IR request as a Messages API body. max_tokens is
// mandatory on this wire: requests that originated elsewhere get a default,
// native Anthropic requests without one are rejected.
func (*AnthropicCodec) EncodeRequest(req *ir.Request, opts EncodeOptions) ([]byte, error) {
	wire := anthropicRequest{
		Model:  opts.Model(req.Model),
		Stream: req.Stream,
	}

	maxTokens := req.Generation.MaxTokens
	if maxTokens == nil {
		if opts.Source == ProtocolAnthropic {
			return nil, NewValidation("max_tokens is required")
		}
		def := int64(anthropicDefaultMaxTokens)
		maxTokens = &def
	}
	wire.MaxTokens = maxTokens

	if t := req.Generation.Temperature; t != nil {
		clamped := clampUnit(*t)
		wire.Temperature = &clamped
	}
	wire.TopP = req.Generation.TopP
	wire.TopK = req.Generation.TopK
	wire.StopSequences = req.Generation.StopSequences

	system := req.System

	var pending []anthropicContentBlock
	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		raw, _ := json.Marshal(pending)
		wire.Messages = append(wire.Messages, anthropicMessage{Role: "user", Content: raw})
		pending = nil
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case ir.RoleSystem:
			if text := msg.Text(); text != "" {
				if system != "" {
					system += "\n\n"
				}
				system += text
			}
		case ir.RoleTool:
			for _, b := range msg.Content {
				if b.Kind == ir.BlockToolResult {
					pending = append(pending, irToolResultToAnthropic(b))
				}
			}
		case ir.RoleUser:
			blocks := irBlocksToAnthropic(msg.Content)
			if len(pending) > 0 {
				pending = append(pending, blocks...)
				flushPending()
				continue
			}
			wire.Messages = append(wire.Messages, anthropicMessage{Role: "user", Content: anthropicContentJSON(blocks)})
		case ir.RoleAssistant:
			flushPending()
			blocks := irBlocksToAnthropic(msg.Content)
			wire.Messages = append(wire.Messages, anthropicMessage{Role: "assistant", Content: anthropicContentJSON(blocks)})
		}
	}
	flushPending()

	if len(wire.Messages) == 0 {
		return nil, NewValidation("request has no convertible messages")
	}
	if system != "" {
		wire.System = marshalString(system)
	}

	for _, tool := range req.Tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	if req.ToolChoice != nil {
		wire.ToolChoice = encodeAnthropicToolChoice(req.ToolChoice)
	}
	if req.User != "" {
		wire.Metadata = &anthropicMetadata{UserID: req.User}
	}
	if req.Thinking != nil {
		wire.Thinking = encodeAnthropicThinking(req.Thinking)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, NewValidation("failed to encode anthropic request: %s", err.Error())
	}
	return applyUnsupportedParams(payload, req.UnsupportedParams, opts, ProtocolAnthropic), nil
}

// DecodeResponse parses a unary Messages API response.
func (*AnthropicCodec) DecodeResponse(body []byte) (*ir.Response, error) {
	var wire anthropicResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, NewInvalidRequest("invalid JSON response: %s", err.Error())
	}
	return anthropicResponseToIR(&wire), nil
}

// EncodeResponse renders an IR response as a unary Messages API body.
func (*AnthropicCodec) EncodeResponse(resp *ir.Response, opts EncodeOptions) ([]byte, error) {
	wire := anthropicResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   opts.Model(resp.Model),
		Content: irBlocksToAnthropic(resp.Content),
	}
	if wire.ID == "" {
		wire.ID = "msg_" + uuid.NewString()
	}
	if wire.Content == nil {
		wire.Content = []anthropicContentBlock{}
	}

	stop := resp.StopReason
	if resp.HasToolUse() {
		stop = ir.StopToolUse
	}
	if stop != "" {
		s := string(stop)
		wire.StopReason = &s
	}
	if resp.StopSequence != "" {
		seq := resp.StopSequence
		wire.StopSequence = &seq
	}
	wire.Usage = irUsageToAnthropic(resp.Usage)

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, NewValidation("failed to encode anthropic response: %s", err.Error())
	}
	return payload, nil
}

// anthropicSystemText flattens the system field, which is a string or a list
// of text blocks.
func anthropicSystemText(raw json.RawMessage) (string, []string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, err
	}
	var warnings []string
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
			continue
		}
		warnings = append(warnings, "dropped non-text system block of type "+b.Type)
	}
	return strings.Join(parts, "\n\n"), warnings, nil
}

// decodeAnthropicMessage converts one wire message into one or more IR
// messages. User messages fan out: each tool_result becomes its own tool-role
// message, remaining blocks stay as the user message.
func decodeAnthropicMessage(msg anthropicMessage) ([]ir.Message, []string, error) {
	role := ir.Role(msg.Role)
	if role != ir.RoleUser && role != ir.RoleAssistant {
		return nil, nil, NewInvalidRequest("unsupported message role: %s", msg.Role)
	}

	blocks, text, isText, err := anthropicContentList(msg.Content)
	if err != nil {
		return nil, nil, NewInvalidRequest("invalid message content: %s", err.Error())
	}
	if isText {
		return []ir.Message{ir.TextMessage(role, text)}, nil, nil
	}

	var warnings []string
	var out []ir.Message
	var rest []ir.ContentBlock
	for _, b := range blocks {
		blk, warn, ok := anthropicBlockToIR(b)
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if !ok {
			continue
		}
		if role == ir.RoleUser && blk.Kind == ir.BlockToolResult {
			out = append(out, ir.Message{Role: ir.RoleTool, Content: []ir.ContentBlock{blk}})
			continue
		}
		rest = append(rest, blk)
	}
	if len(rest) > 0 || len(out) == 0 {
		out = append(out, ir.Message{Role: role, Content: rest})
	}
	return out, warnings, nil
}

// anthropicContentList parses the string-or-blocks content union.
func anthropicContentList(raw json.RawMessage) ([]anthropicContentBlock, string, bool, error) {
	if len(raw) == 0 {
		return nil, "", true, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return nil, text, true, nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, "", false, err
	}
	return blocks, "", false, nil
}

func anthropicBlockToIR(b anthropicContentBlock) (ir.ContentBlock, string, bool) {
	switch b.Type {
	case "text":
		blk := ir.TextBlock(b.Text)
		blk.Citations = b.Citations
		return blk, "", true
	case "image":
		return ir.ContentBlock{Kind: ir.BlockImage, Source: anthropicSourceToIR(b.Source)}, "", true
	case "document":
		return ir.ContentBlock{Kind: ir.BlockDocument, Source: anthropicSourceToIR(b.Source)}, "", true
	case "tool_use":
		return ir.ToolUseBlock(b.ID, b.Name, b.Input), "", true
	case "tool_result":
		blk := ir.ContentBlock{Kind: ir.BlockToolResult, ToolUseID: b.ToolUseID, IsError: b.IsError}
		nested, text, isText, err := anthropicContentList(b.Content)
		if err != nil {
			return ir.ContentBlock{}, "dropped tool_result with malformed content", false
		}
		if isText {
			blk.Text = text
		} else {
			for _, n := range nested {
				if inner, _, ok := anthropicBlockToIR(n); ok {
					blk.Content = append(blk.Content, inner)
				}
			}
		}
		return blk, "", true
	case "thinking":
		return ir.ThinkingBlock(b.Thinking, b.Signature), "", true
	case "redacted_thinking":
		return ir.ContentBlock{Kind: ir.BlockThinking, Redacted: true, RedactedData: b.Data}, "", true
	default:
		return ir.ContentBlock{}, "dropped unsupported content block type " + b.Type, false
	}
}

func anthropicSourceToIR(src *anthropicSource) *ir.MediaSource {
	if src == nil {
		return nil
	}
	if src.Type == "url" {
		return &ir.MediaSource{Kind: ir.SourceURL, URL: src.URL}
	}
	return &ir.MediaSource{Kind: ir.SourceBase64, MediaType: src.MediaType, Data: src.Data}
}

// irSourceToAnthropic renders a media source. URL-shaped data URLs are split
// back into inline base64 because the Messages API models them separately.
func irSourceToAnthropic(src *ir.MediaSource) *anthropicSource {
	if src == nil {
		return nil
	}
	if src.Kind == ir.SourceURL {
		if parsed, ok := ParseDataURL(src.URL); ok {
			return &anthropicSource{Type: "base64", MediaType: parsed.MediaType, Data: parsed.Data}
		}
		return &anthropicSource{Type: "url", URL: src.URL}
	}
	return &anthropicSource{Type: "base64", MediaType: src.MediaType, Data: src.Data}
}

func irBlocksToAnthropic(blocks []ir.ContentBlock) []anthropicContentBlock {
	var out []anthropicContentBlock
	for _, b := range blocks {
		switch b.Kind {
		case ir.BlockText:
			out = append(out, anthropicContentBlock{Type: "text", Text: b.Text, Citations: b.Citations})
		case ir.BlockImage:
			out = append(out, anthropicContentBlock{Type: "image", Source: irSourceToAnthropic(b.Source)})
		case ir.BlockDocument:
			out = append(out, anthropicContentBlock{Type: "document", Source: irSourceToAnthropic(b.Source)})
		case ir.BlockToolUse:
			out = append(out, anthropicContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: toolUseInput(b)})
		case ir.BlockToolResult:
			out = append(out, irToolResultToAnthropic(b))
		case ir.BlockThinking:
			if b.Redacted {
				out = append(out, anthropicContentBlock{Type: "redacted_thinking", Data: b.RedactedData})
			} else {
				out = append(out, anthropicContentBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature})
			}
		}
	}
	return out
}

// anthropicContentJSON renders a block list as wire content, collapsing a
// lone text block back to the string form clients commonly send.
func anthropicContentJSON(blocks []anthropicContentBlock) json.RawMessage {
	if len(blocks) == 0 {
		return marshalString("")
	}
	if len(blocks) == 1 && blocks[0].Type == "text" && len(blocks[0].Citations) == 0 {
		return marshalString(blocks[0].Text)
	}
	raw, _ := json.Marshal(blocks)
	return raw
}

// toolUseInput resolves a tool_use block's input object, falling back to
// stream-assembled raw arguments.
func toolUseInput(b ir.ContentBlock) map[string]any {
	if b.Input != nil {
		return b.Input
	}
	if b.PartialArgs != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(b.PartialArgs), &m); err == nil {
			return m
		}
	}
	return map[string]any{}
}

func irToolResultToAnthropic(b ir.ContentBlock) anthropicContentBlock {
	out := anthropicContentBlock{Type: "tool_result", ToolUseID: b.ToolUseID, IsError: b.IsError}
	if len(b.Content) > 0 {
		nested := irBlocksToAnthropic(b.Content)
		raw, _ := json.Marshal(nested)
		out.Content = raw
	} else if b.Text != "" {
		out.Content = marshalString(b.Text)
	}
	return out
}

func decodeAnthropicToolChoice(tc *anthropicToolChoice) (*ir.ToolChoice, error) {
	switch tc.Type {
	case "auto":
		return &ir.ToolChoice{Kind: ir.ToolChoiceAuto}, nil
	case "any":
		return &ir.ToolChoice{Kind: ir.ToolChoiceRequired}, nil
	case "none":
		return &ir.ToolChoice{Kind: ir.ToolChoiceNone}, nil
	case "tool":
		if tc.Name == "" {
			return nil, NewInvalidRequest("tool_choice of type tool requires a name")
		}
		return &ir.ToolChoice{Kind: ir.ToolChoiceTool, Name: tc.Name}, nil
	default:
		return nil, NewInvalidRequest("unsupported tool_choice type: %s", tc.Type)
	}
}

func encodeAnthropicToolChoice(tc *ir.ToolChoice) *anthropicToolChoice {
	switch tc.Kind {
	case ir.ToolChoiceNone:
		return &anthropicToolChoice{Type: "none"}
	case ir.ToolChoiceRequired:
		return &anthropicToolChoice{Type: "any"}
	case ir.ToolChoiceTool:
		return &anthropicToolChoice{Type: "tool", Name: tc.Name}
	default:
		return &anthropicToolChoice{Type: "auto"}
	}
}

// encodeAnthropicThinking maps the IR thinking config. OpenAI-style effort
// levels carry no token budget, so enabled thinking without one gets a
// budget derived from the effort tier.
func encodeAnthropicThinking(t *ir.ThinkingConfig) *anthropicThinking {
	if !t.Enabled {
		return &anthropicThinking{Type: "disabled"}
	}
	out := &anthropicThinking{Type: "enabled", BudgetTokens: t.BudgetTokens}
	if out.BudgetTokens == nil {
		budget := thinkingBudgetForEffort(t.Effort)
		out.BudgetTokens = &budget
	}
	return out
}

func thinkingBudgetForEffort(effort string) int64 {
	switch effort {
	case "minimal", "low":
		return 1024
	case "high", "xhigh":
		return 16384
	default:
		return 8192
	}
}

func anthropicUsageToIR(u *anthropicUsage) *ir.Usage {
	if u == nil {
		return nil
	}
	return &ir.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		TotalTokens:         u.InputTokens + u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

func irUsageToAnthropic(u *ir.Usage) *anthropicUsage {
	if u == nil {
		return nil
	}
	return &anthropicUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
	}
}

// clampUnit clamps OpenAI's [0,2] temperature range into Anthropic's [0,1].
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
