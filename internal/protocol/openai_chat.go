package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// OpenAIChatCodec converts between the OpenAI Chat Completions wire format
// and the IR.
type OpenAIChatCodec struct{}

// NewOpenAIChatCodec builds the Chat Completions codec.
func NewOpenAIChatCodec() *OpenAIChatCodec { return &OpenAIChatCodec{} }

// Protocol implements Codec.
func (c *OpenAIChatCodec) Protocol() Protocol { return ProtocolOpenAI }

// NormalizeOpenAILegacyFunctions rewrites the deprecated functions and
// function_call fields into tools and tool_choice. It is applied before
// decoding and on identity passthrough bodies.
func NormalizeOpenAILegacyFunctions(body []byte) []byte {
	if fns := gjson.GetBytes(body, "functions"); fns.Exists() {
		if !gjson.GetBytes(body, "tools").Exists() {
			tools := make([]any, 0, len(fns.Array()))
			for _, fn := range fns.Array() {
				tools = append(tools, map[string]any{"type": "function", "function": fn.Value()})
			}
			body, _ = sjson.SetBytes(body, "tools", tools)
		}
		body, _ = sjson.DeleteBytes(body, "functions")
	}
	if fc := gjson.GetBytes(body, "function_call"); fc.Exists() {
		if !gjson.GetBytes(body, "tool_choice").Exists() {
			switch {
			case fc.Type == gjson.String:
				body, _ = sjson.SetBytes(body, "tool_choice", fc.String())
			case fc.IsObject() && fc.Get("name").Exists():
				body, _ = sjson.SetBytes(body, "tool_choice", map[string]any{
					"type":     "function",
					"function": map[string]any{"name": fc.Get("name").String()},
				})
			}
		}
		body, _ = sjson.DeleteBytes(body, "function_call")
	}
	return body
}

// DecodeRequest implements Codec.
func (c *OpenAIChatCodec) DecodeRequest(body []byte) (*ir.Request, []string, error) {
	body = NormalizeOpenAILegacyFunctions(body)

	var wire openaiChatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, nil, NewInvalidRequest("malformed chat completions request: %v", err)
	}
	if len(wire.Messages) == 0 {
		return nil, nil, NewInvalidRequest("messages is required")
	}

	var warnings []string
	req := &ir.Request{
		Model:  wire.Model,
		Stream: wire.Stream,
		User:   wire.User,
	}

	var systemParts []string
	for _, msg := range wire.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, flattenOpenAIContentText(msg.Content))
		case "user":
			blocks, w := openaiContentToBlocks(msg.Content)
			warnings = append(warnings, w...)
			req.Messages = append(req.Messages, ir.Message{Role: ir.RoleUser, Content: blocks, Name: msg.Name})
		case "assistant":
			req.Messages = append(req.Messages, decodeOpenAIAssistantMessage(msg))
		case "tool":
			req.Messages = append(req.Messages, ir.Message{
				Role:    ir.RoleTool,
				Content: []ir.ContentBlock{ir.ToolResultBlock(msg.ToolCallID, flattenOpenAIContentText(msg.Content), false)},
			})
		default:
			warnings = append(warnings, "skipped message with unknown role "+msg.Role)
		}
	}
	req.System = strings.Join(systemParts, "\n\n")

	req.Generation = ir.GenerationConfig{
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
		Seed:             wire.Seed,
		StopSequences:    decodeOpenAIStop(wire.Stop),
	}
	switch {
	case wire.MaxCompletionTokens != nil:
		req.Generation.MaxTokens = wire.MaxCompletionTokens
	case wire.MaxTokens != nil:
		req.Generation.MaxTokens = wire.MaxTokens
		req.Generation.LegacyMaxTokens = true
	}

	for _, t := range wire.Tools {
		if t.Type != "function" {
			warnings = append(warnings, "skipped non-function tool of type "+t.Type)
			continue
		}
		req.Tools = append(req.Tools, ir.ToolDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	req.ToolChoice = decodeOpenAIToolChoice(wire.ToolChoice)
	req.ResponseFormat = decodeOpenAIResponseFormat(wire.ResponseFormat)
	if wire.ReasoningEffort != "" {
		req.Thinking = &ir.ThinkingConfig{Enabled: true, Effort: wire.ReasoningEffort}
	}

	req.UnsupportedParams = collectUnknownParams(body, openaiChatRequestKnownKeys)
	return req, warnings, nil
}

// EncodeRequest implements Codec.
func (c *OpenAIChatCodec) EncodeRequest(req *ir.Request, opts EncodeOptions) ([]byte, error) {
	wire := openaiChatRequest{
		Model:            opts.Model(req.Model),
		Stream:           req.Stream,
		User:             req.User,
		Temperature:      req.Generation.Temperature,
		TopP:             req.Generation.TopP,
		PresencePenalty:  req.Generation.PresencePenalty,
		FrequencyPenalty: req.Generation.FrequencyPenalty,
		Seed:             req.Generation.Seed,
		Stop:             encodeOpenAIStop(req.Generation.StopSequences),
	}
	if req.Generation.MaxTokens != nil {
		if req.Generation.LegacyMaxTokens {
			wire.MaxTokens = req.Generation.MaxTokens
		} else {
			wire.MaxCompletionTokens = req.Generation.MaxTokens
		}
	}

	if req.System != "" {
		wire.Messages = append(wire.Messages, openaiChatMessage{
			Role:    "system",
			Content: marshalString(req.System),
		})
	}
	for _, msg := range req.Messages {
		encoded, err := encodeOpenAIMessage(msg)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, encoded...)
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, openaiTool{
			Type:     "function",
			Function: openaiFunctionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	wire.ToolChoice = encodeOpenAIToolChoice(req.ToolChoice)
	wire.ResponseFormat = encodeOpenAIResponseFormat(req.ResponseFormat)
	if req.Thinking != nil && req.Thinking.Effort != "" {
		wire.ReasoningEffort = req.Thinking.Effort
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, NewValidation("encode chat completions request: %v", err)
	}
	return applyUnsupportedParams(payload, req.UnsupportedParams, opts, ProtocolOpenAI), nil
}

// DecodeResponse implements Codec.
func (c *OpenAIChatCodec) DecodeResponse(body []byte) (*ir.Response, error) {
	var wire openaiChatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, NewValidation("malformed chat completions response: %v", err)
	}
	if len(wire.Choices) == 0 {
		return nil, NewValidation("chat completions response has no choices")
	}

	choice := wire.Choices[0]
	resp := &ir.Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Usage:   usageFromOpenAI(wire.Usage),
	}
	if choice.Message != nil {
		msg := decodeOpenAIAssistantMessage(*choice.Message)
		resp.Content = msg.Content
	}
	if choice.FinishReason != nil {
		resp.StopReason = finishReasonToStop(*choice.FinishReason)
	}
	return resp, nil
}

// EncodeResponse implements Codec.
func (c *OpenAIChatCodec) EncodeResponse(resp *ir.Response, opts EncodeOptions) ([]byte, error) {
	msg := openaiChatMessage{Role: "assistant"}
	var text string
	var thinking string
	for _, b := range resp.Content {
		switch b.Kind {
		case ir.BlockText:
			text += b.Text
		case ir.BlockThinking:
			thinking += b.Thinking
		case ir.BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: openaiFunctionCall{Name: b.Name, Arguments: toolArgumentsJSON(b)},
			})
		}
	}
	msg.Content = marshalString(text)
	msg.ReasoningContent = thinking

	finish := stopToFinishReason(resp.StopReason)
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	wire := openaiChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   opts.Model(resp.Model),
		Choices: []openaiChatChoice{{Index: 0, Message: &msg, FinishReason: &finish}},
		Usage:   usageToOpenAI(resp.Usage),
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, NewValidation("encode chat completions response: %v", err)
	}
	return payload, nil
}

// decodeOpenAIAssistantMessage maps an assistant wire message (or delta)
// onto an IR message. Thinking blocks come first so the ordering matches
// Anthropic's expectation for assistant turns.
func decodeOpenAIAssistantMessage(msg openaiChatMessage) ir.Message {
	out := ir.Message{Role: ir.RoleAssistant, Name: msg.Name}
	if msg.ReasoningContent != "" {
		out.Content = append(out.Content, ir.ThinkingBlock(msg.ReasoningContent, ""))
	}
	if text := flattenOpenAIContentText(msg.Content); text != "" {
		out.Content = append(out.Content, ir.TextBlock(text))
	}
	for _, tc := range msg.ToolCalls {
		block := ir.ContentBlock{Kind: ir.BlockToolUse, ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err == nil {
				block.Input = input
			} else {
				block.PartialArgs = tc.Function.Arguments
			}
		}
		out.Content = append(out.Content, block)
	}
	return out
}

// encodeOpenAIMessage renders one IR message as wire messages. Tool-role
// messages map one to one; other roles may fold several block kinds into a
// single wire message.
func encodeOpenAIMessage(msg ir.Message) ([]openaiChatMessage, error) {
	switch msg.Role {
	case ir.RoleTool:
		var out []openaiChatMessage
		for _, b := range msg.Content {
			if b.Kind != ir.BlockToolResult {
				continue
			}
			out = append(out, openaiChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    marshalString(toolResultText(b)),
			})
		}
		return out, nil
	case ir.RoleAssistant:
		wire := openaiChatMessage{Role: "assistant", Name: msg.Name}
		var text, thinking string
		for _, b := range msg.Content {
			switch b.Kind {
			case ir.BlockText:
				text += b.Text
			case ir.BlockThinking:
				thinking += b.Thinking
			case ir.BlockToolUse:
				wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: openaiFunctionCall{Name: b.Name, Arguments: toolArgumentsJSON(b)},
				})
			}
		}
		wire.Content = marshalString(text)
		wire.ReasoningContent = thinking
		return []openaiChatMessage{wire}, nil
	case ir.RoleSystem:
		return []openaiChatMessage{{Role: "system", Content: marshalString(msg.Text()), Name: msg.Name}}, nil
	default:
		content, err := blocksToOpenAIContent(msg.Content)
		if err != nil {
			return nil, err
		}
		return []openaiChatMessage{{Role: "user", Content: content, Name: msg.Name}}, nil
	}
}

// openaiContentToBlocks parses string-or-parts message content into blocks.
func openaiContentToBlocks(raw json.RawMessage) ([]ir.ContentBlock, []string) {
	if len(raw) == 0 {
		return nil, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []ir.ContentBlock{ir.TextBlock(asString)}, nil
	}
	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, []string{"unparseable message content skipped"}
	}
	var blocks []ir.ContentBlock
	var warnings []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, ir.TextBlock(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, ir.ImageBlock(*mediaSourceFromURL(p.ImageURL.URL, p.ImageURL.Detail)))
			}
		case "input_audio":
			if p.InputAudio != nil {
				blocks = append(blocks, ir.ContentBlock{Kind: ir.BlockAudio, Source: &ir.MediaSource{
					Kind:      ir.SourceBase64,
					MediaType: "audio/" + p.InputAudio.Format,
					Data:      p.InputAudio.Data,
				}})
			}
		default:
			warnings = append(warnings, "skipped content part of type "+p.Type)
		}
	}
	return blocks, warnings
}

// blocksToOpenAIContent renders blocks as a plain string when the content is
// a single text block, or a parts array otherwise.
func blocksToOpenAIContent(blocks []ir.ContentBlock) (json.RawMessage, error) {
	if len(blocks) == 1 && blocks[0].Kind == ir.BlockText {
		return marshalString(blocks[0].Text), nil
	}
	var parts []openaiContentPart
	for _, b := range blocks {
		switch b.Kind {
		case ir.BlockText:
			parts = append(parts, openaiContentPart{Type: "text", Text: b.Text})
		case ir.BlockImage:
			parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{
				URL:    mediaURL(b.Source),
				Detail: sourceDetail(b.Source),
			}})
		case ir.BlockAudio:
			if b.Source != nil && b.Source.Kind == ir.SourceBase64 {
				parts = append(parts, openaiContentPart{Type: "input_audio", InputAudio: &openaiInputAudio{
					Data:   b.Source.Data,
					Format: strings.TrimPrefix(b.Source.MediaType, "audio/"),
				}})
			}
		}
	}
	return json.Marshal(parts)
}

// flattenOpenAIContentText extracts the text of string-or-parts content.
func flattenOpenAIContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func decodeOpenAIStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func encodeOpenAIStop(stops []string) json.RawMessage {
	switch len(stops) {
	case 0:
		return nil
	case 1:
		return marshalString(stops[0])
	default:
		raw, _ := json.Marshal(stops)
		return raw
	}
}

func decodeOpenAIToolChoice(raw json.RawMessage) *ir.ToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &ir.ToolChoice{Kind: ir.ToolChoiceAuto}
		case "none":
			return &ir.ToolChoice{Kind: ir.ToolChoiceNone}
		case "required":
			return &ir.ToolChoice{Kind: ir.ToolChoiceRequired}
		}
		return nil
	}
	var named openaiNamedToolChoice
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &ir.ToolChoice{Kind: ir.ToolChoiceTool, Name: named.Function.Name}
	}
	return nil
}

func encodeOpenAIToolChoice(tc *ir.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Kind {
	case ir.ToolChoiceTool:
		named := openaiNamedToolChoice{Type: "function"}
		named.Function.Name = tc.Name
		raw, _ := json.Marshal(named)
		return raw
	case ir.ToolChoiceAuto, ir.ToolChoiceNone, ir.ToolChoiceRequired:
		return marshalString(string(tc.Kind))
	default:
		return nil
	}
}

func decodeOpenAIResponseFormat(rf *openaiResponseFormat) *ir.ResponseFormat {
	if rf == nil {
		return nil
	}
	switch rf.Type {
	case "json_object":
		return &ir.ResponseFormat{Kind: ir.ResponseFormatJSONObject}
	case "json_schema":
		out := &ir.ResponseFormat{Kind: ir.ResponseFormatJSONSchema}
		if rf.JSONSchema != nil {
			out.SchemaName = rf.JSONSchema.Name
			out.Schema = rf.JSONSchema.Schema
			out.Strict = rf.JSONSchema.Strict
		}
		return out
	case "text":
		return &ir.ResponseFormat{Kind: ir.ResponseFormatText}
	default:
		return nil
	}
}

func encodeOpenAIResponseFormat(rf *ir.ResponseFormat) *openaiResponseFormat {
	if rf == nil {
		return nil
	}
	switch rf.Kind {
	case ir.ResponseFormatJSONObject:
		return &openaiResponseFormat{Type: "json_object"}
	case ir.ResponseFormatJSONSchema:
		return &openaiResponseFormat{Type: "json_schema", JSONSchema: &openaiJSONSchema{
			Name:   rf.SchemaName,
			Schema: rf.Schema,
			Strict: rf.Strict,
		}}
	case ir.ResponseFormatText:
		return &openaiResponseFormat{Type: "text"}
	default:
		return nil
	}
}

func usageFromOpenAI(u *openaiUsage) *ir.Usage {
	if u == nil {
		return nil
	}
	out := &ir.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
		out.AudioTokens += u.PromptTokensDetails.AudioTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
		out.AudioTokens += u.CompletionTokensDetails.AudioTokens
	}
	return out
}

func usageToOpenAI(u *ir.Usage) *openaiUsage {
	if u == nil {
		return nil
	}
	out := &openaiUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.Total(),
	}
	if u.CacheReadTokens > 0 {
		out.PromptTokensDetails = &openaiPromptTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &openaiCompletionTokensDetails{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

// toolArgumentsJSON serializes a tool_use block's input for wire formats
// that expect a JSON string.
func toolArgumentsJSON(b ir.ContentBlock) string {
	if b.Input != nil {
		if raw, err := json.Marshal(b.Input); err == nil {
			return string(raw)
		}
	}
	if b.PartialArgs != "" {
		return b.PartialArgs
	}
	return "{}"
}

// toolResultText flattens a tool result's content to plain text.
func toolResultText(b ir.ContentBlock) string {
	if b.Text != "" || len(b.Content) == 0 {
		return b.Text
	}
	var sb strings.Builder
	for _, nested := range b.Content {
		if nested.Kind == ir.BlockText {
			sb.WriteString(nested.Text)
		}
	}
	return sb.String()
}

func sourceDetail(src *ir.MediaSource) string {
	if src == nil {
		return ""
	}
	return src.Detail
}

// collectUnknownParams gathers top-level fields the codec does not consume.
func collectUnknownParams(body []byte, known map[string]bool) map[string]any {
	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil
	}
	var unknown map[string]any
	for k, v := range generic {
		if !known[k] {
			if unknown == nil {
				unknown = make(map[string]any)
			}
			unknown[k] = v
		}
	}
	return unknown
}

// applyUnsupportedParams writes preserved source-only fields back into the
// payload, but only when encoding toward the protocol they came from.
func applyUnsupportedParams(payload []byte, params map[string]any, opts EncodeOptions, target Protocol) []byte {
	if len(params) == 0 {
		return payload
	}
	if opts.Source != "" && opts.Source != target {
		return payload
	}
	for k, v := range params {
		payload, _ = sjson.SetBytes(payload, k, v)
	}
	return payload
}

func marshalString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
