package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// OpenAIResponsesCodec converts between the OpenAI Responses API and the IR.
type OpenAIResponsesCodec struct{}

// NewOpenAIResponsesCodec builds the OpenAI Responses codec.
func NewOpenAIResponsesCodec() *OpenAIResponsesCodec { return &OpenAIResponsesCodec{} }

func (*OpenAIResponsesCodec) Protocol() Protocol { return ProtocolOpenAIResponse }

// DecodeRequest parses a Responses API request. The input union accepts a
// bare string (one user turn) or an item list; system and developer message
// items are folded into the instructions-backed IR system field.
func (*OpenAIResponsesCodec) DecodeRequest(body []byte) (*ir.Request, []string, error) {
	var wire responsesRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, nil, NewInvalidRequest("invalid JSON body: %s", err.Error())
	}
	if len(wire.Input) == 0 {
		return nil, nil, NewInvalidRequest("input is required")
	}

	var warnings []string
	req := &ir.Request{Model: wire.Model, Stream: wire.Stream, System: wire.Instructions}

	var inputText string
	if err := json.Unmarshal(wire.Input, &inputText); err == nil {
		req.Messages = append(req.Messages, ir.TextMessage(ir.RoleUser, inputText))
	} else {
		var items []responsesItem
		if err := json.Unmarshal(wire.Input, &items); err != nil {
			return nil, nil, NewInvalidRequest("invalid input field: %s", err.Error())
		}
		systemParts := []string{}
		if req.System != "" {
			systemParts = append(systemParts, req.System)
		}
		for _, item := range items {
			msgs, sysText, warns := decodeResponsesItem(item)
			warnings = append(warnings, warns...)
			if sysText != "" {
				systemParts = append(systemParts, sysText)
			}
			req.Messages = append(req.Messages, msgs...)
		}
		req.System = strings.Join(systemParts, "\n\n")
	}

	req.Generation = ir.GenerationConfig{
		MaxTokens:   wire.MaxOutputTokens,
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
	}

	for _, tool := range wire.Tools {
		if tool.Type != "" && tool.Type != "function" {
			warnings = append(warnings, "dropped unsupported tool of type "+tool.Type)
			continue
		}
		req.Tools = append(req.Tools, ir.ToolDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	req.ToolChoice = decodeResponsesToolChoice(wire.ToolChoice)
	if wire.Text != nil {
		req.ResponseFormat = decodeResponsesTextFormat(wire.Text.Format)
	}
	if wire.Reasoning != nil && wire.Reasoning.Effort != "" {
		req.Thinking = &ir.ThinkingConfig{Enabled: true, Effort: wire.Reasoning.Effort}
	}
	req.User = wire.User
	req.UnsupportedParams = collectUnknownParams(body, responsesRequestKnownKeys)
	return req, warnings, nil
}

// EncodeRequest renders an IR request as a Responses API body. Tool uses
// become function_call items and tool results become function_call_output
// items, both addressed by call_id.
func (*OpenAIResponsesCodec) EncodeRequest(req *ir.Request, opts EncodeOptions) ([]byte, error) {
	wire := responsesRequest{
		Model:  opts.Model(req.Model),
		Stream: req.Stream,
	}

	instructions := req.System
	var items []responsesItem
	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case ir.RoleSystem:
			if text := msg.Text(); text != "" {
				if instructions != "" {
					instructions += "\n\n"
				}
				instructions += text
			}
		case ir.RoleUser:
			items = append(items, encodeResponsesUserMessage(msg))
		case ir.RoleAssistant:
			items = append(items, encodeResponsesAssistantMessage(msg)...)
		case ir.RoleTool:
			for _, b := range msg.Content {
				if b.Kind != ir.BlockToolResult {
					continue
				}
				items = append(items, responsesItem{
					Type:   responsesItemFunctionCallOutput,
					CallID: b.ToolUseID,
					Output: marshalString(toolResultText(b)),
				})
			}
		}
	}
	if len(items) == 0 {
		return nil, NewValidation("request has no convertible messages")
	}
	raw, _ := json.Marshal(items)
	wire.Input = raw
	wire.Instructions = instructions

	wire.MaxOutputTokens = req.Generation.MaxTokens
	wire.Temperature = req.Generation.Temperature
	wire.TopP = req.Generation.TopP

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, responsesTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	wire.ToolChoice = encodeResponsesToolChoice(req.ToolChoice)
	if req.ResponseFormat != nil {
		wire.Text = &responsesText{Format: encodeResponsesTextFormat(req.ResponseFormat)}
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		effort := req.Thinking.Effort
		if effort == "" {
			effort = "medium"
		}
		wire.Reasoning = &responsesReasoning{Effort: effort}
	}
	wire.User = req.User

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, NewValidation("failed to encode responses request: %s", err.Error())
	}
	return applyUnsupportedParams(payload, req.UnsupportedParams, opts, ProtocolOpenAIResponse), nil
}

// DecodeResponse parses a unary Responses API body, flattening output items
// into IR content blocks.
func (*OpenAIResponsesCodec) DecodeResponse(body []byte) (*ir.Response, error) {
	var wire responsesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, NewInvalidRequest("invalid JSON response: %s", err.Error())
	}

	resp := &ir.Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.CreatedAt,
	}
	for _, item := range wire.Output {
		resp.Content = append(resp.Content, responsesOutputItemBlocks(item)...)
	}
	resp.StopReason = responsesStatusToStop(&wire, resp.HasToolUse())
	resp.Usage = responsesUsageToIR(wire.Usage)
	return resp, nil
}

// EncodeResponse renders an IR response as a unary Responses API body.
func (*OpenAIResponsesCodec) EncodeResponse(resp *ir.Response, opts EncodeOptions) ([]byte, error) {
	wire := responsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Model:     opts.Model(resp.Model),
		Output:    irContentToResponsesOutput(resp.Content),
	}
	if wire.ID == "" {
		wire.ID = "resp_" + uuid.NewString()
	}
	if wire.CreatedAt == 0 {
		wire.CreatedAt = time.Now().Unix()
	}
	if wire.Output == nil {
		wire.Output = []responsesItem{}
	}

	wire.Status = responsesStatusCompleted
	switch resp.StopReason {
	case ir.StopMaxTokens:
		wire.Status = responsesStatusIncomplete
		wire.IncompleteDetails = &responsesIncomplete{Reason: "max_output_tokens"}
	case ir.StopContentFilter:
		wire.Status = responsesStatusIncomplete
		wire.IncompleteDetails = &responsesIncomplete{Reason: "content_filter"}
	case ir.StopError:
		wire.Status = responsesStatusFailed
	}
	wire.Usage = irUsageToResponses(resp.Usage)

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, NewValidation("failed to encode responses response: %s", err.Error())
	}
	return payload, nil
}

// decodeResponsesItem converts one input item. Message items with system or
// developer roles return their text via sysText instead of an IR message.
func decodeResponsesItem(item responsesItem) (msgs []ir.Message, sysText string, warnings []string) {
	itemType := item.Type
	if itemType == "" && item.Role != "" {
		itemType = responsesItemMessage
	}
	switch itemType {
	case responsesItemMessage:
		switch item.Role {
		case "system", "developer":
			return nil, responsesContentText(item.Content), nil
		case "assistant":
			blocks, warns := responsesContentBlocks(item.Content)
			return []ir.Message{{Role: ir.RoleAssistant, Content: blocks}}, "", warns
		default:
			blocks, warns := responsesContentBlocks(item.Content)
			return []ir.Message{{Role: ir.RoleUser, Content: blocks}}, "", warns
		}

	case responsesItemFunctionCall:
		block := ir.ContentBlock{Kind: ir.BlockToolUse, ID: item.CallID, Name: item.Name}
		if block.ID == "" {
			block.ID = item.ID
		}
		if item.Arguments != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(item.Arguments), &input); err == nil {
				block.Input = input
			} else {
				block.PartialArgs = item.Arguments
			}
		}
		return []ir.Message{{Role: ir.RoleAssistant, Content: []ir.ContentBlock{block}}}, "", nil

	case responsesItemFunctionCallOutput:
		block := ir.ContentBlock{Kind: ir.BlockToolResult, ToolUseID: item.CallID, Text: responsesContentText(item.Output)}
		return []ir.Message{{Role: ir.RoleTool, Content: []ir.ContentBlock{block}}}, "", nil

	case responsesItemReasoning:
		block := ir.ContentBlock{Kind: ir.BlockThinking, Signature: item.EncryptedContent}
		var parts []string
		for _, s := range item.Summary {
			if s.Text != "" {
				parts = append(parts, s.Text)
			}
		}
		block.Thinking = strings.Join(parts, "\n")
		return []ir.Message{{Role: ir.RoleAssistant, Content: []ir.ContentBlock{block}}}, "", nil

	default:
		return nil, "", []string{"dropped unsupported input item of type " + itemType}
	}
}

// responsesContentText flattens a string-or-parts union to plain text.
func responsesContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []responsesPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			sb.WriteString(p.Text)
		case "refusal":
			sb.WriteString(p.Refusal)
		}
	}
	return sb.String()
}

// responsesContentBlocks parses message content into IR blocks. Input and
// output part families are both accepted regardless of the item's role.
func responsesContentBlocks(raw json.RawMessage) ([]ir.ContentBlock, []string) {
	if len(raw) == 0 {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ir.ContentBlock{ir.TextBlock(text)}, nil
	}
	var parts []responsesPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, []string{"dropped malformed message content"}
	}
	var blocks []ir.ContentBlock
	var warnings []string
	for _, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			blocks = append(blocks, ir.TextBlock(p.Text))
		case "refusal":
			blocks = append(blocks, ir.TextBlock(p.Refusal))
		case "input_image":
			if p.ImageURL != "" {
				blocks = append(blocks, ir.ContentBlock{Kind: ir.BlockImage, Source: mediaSourceFromURL(p.ImageURL, p.Detail)})
			} else {
				warnings = append(warnings, "dropped input_image without image_url")
			}
		default:
			warnings = append(warnings, "dropped unsupported content part of type "+p.Type)
		}
	}
	return blocks, warnings
}

// encodeResponsesUserMessage renders a user turn, collapsing a lone text
// block to string content.
func encodeResponsesUserMessage(msg *ir.Message) responsesItem {
	item := responsesItem{Type: responsesItemMessage, Role: "user"}
	if len(msg.Content) == 1 && msg.Content[0].Kind == ir.BlockText {
		item.Content = marshalString(msg.Content[0].Text)
		return item
	}
	var parts []responsesPart
	for _, b := range msg.Content {
		switch b.Kind {
		case ir.BlockText:
			parts = append(parts, responsesPart{Type: "input_text", Text: b.Text})
		case ir.BlockImage:
			parts = append(parts, responsesPart{Type: "input_image", ImageURL: mediaURL(b.Source), Detail: sourceDetail(b.Source)})
		}
	}
	raw, _ := json.Marshal(parts)
	item.Content = raw
	return item
}

// encodeResponsesAssistantMessage renders an assistant turn: thinking blocks
// become reasoning items, tool uses become function_call items, text becomes
// one message item.
func encodeResponsesAssistantMessage(msg *ir.Message) []responsesItem {
	var items []responsesItem
	var text strings.Builder
	for _, b := range msg.Content {
		switch b.Kind {
		case ir.BlockText:
			text.WriteString(b.Text)
		case ir.BlockThinking:
			if b.Redacted {
				continue
			}
			item := responsesItem{
				Type:             responsesItemReasoning,
				ID:               "rs_" + uuid.NewString(),
				EncryptedContent: b.Signature,
			}
			if b.Thinking != "" {
				item.Summary = []responsesSummaryPart{{Type: "summary_text", Text: b.Thinking}}
			}
			items = append(items, item)
		case ir.BlockToolUse:
			items = append(items, responsesItem{
				Type:      responsesItemFunctionCall,
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: toolArgumentsJSON(b),
			})
		}
	}
	if text.Len() > 0 {
		items = append(items, responsesItem{
			Type:    responsesItemMessage,
			Role:    "assistant",
			Content: marshalString(text.String()),
		})
	}
	return items
}

// responsesOutputItemBlocks flattens one response output item into IR blocks.
func responsesOutputItemBlocks(item responsesItem) []ir.ContentBlock {
	switch item.Type {
	case responsesItemMessage:
		blocks, _ := responsesContentBlocks(item.Content)
		return blocks
	case responsesItemFunctionCall:
		block := ir.ContentBlock{Kind: ir.BlockToolUse, ID: item.CallID, Name: item.Name}
		if block.ID == "" {
			block.ID = item.ID
		}
		if item.Arguments != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(item.Arguments), &input); err == nil {
				block.Input = input
			} else {
				block.PartialArgs = item.Arguments
			}
		}
		return []ir.ContentBlock{block}
	case responsesItemReasoning:
		var parts []string
		for _, s := range item.Summary {
			if s.Text != "" {
				parts = append(parts, s.Text)
			}
		}
		if len(parts) == 0 && item.EncryptedContent == "" {
			return nil
		}
		return []ir.ContentBlock{{
			Kind:      ir.BlockThinking,
			Thinking:  strings.Join(parts, "\n"),
			Signature: item.EncryptedContent,
		}}
	default:
		return nil
	}
}

// irContentToResponsesOutput renders IR content as response output items.
func irContentToResponsesOutput(blocks []ir.ContentBlock) []responsesItem {
	var items []responsesItem
	var text strings.Builder
	for _, b := range blocks {
		switch b.Kind {
		case ir.BlockText:
			text.WriteString(b.Text)
		case ir.BlockThinking:
			if b.Redacted {
				continue
			}
			item := responsesItem{
				Type:             responsesItemReasoning,
				ID:               "rs_" + uuid.NewString(),
				EncryptedContent: b.Signature,
			}
			if b.Thinking != "" {
				item.Summary = []responsesSummaryPart{{Type: "summary_text", Text: b.Thinking}}
			}
			items = append(items, item)
		case ir.BlockToolUse:
			items = append(items, responsesItem{
				Type:      responsesItemFunctionCall,
				ID:        "fc_" + uuid.NewString(),
				CallID:    b.ID,
				Name:      b.Name,
				Arguments: toolArgumentsJSON(b),
				Status:    responsesStatusCompleted,
			})
		}
	}
	if text.Len() > 0 {
		part := responsesPart{Type: "output_text", Text: text.String()}
		raw, _ := json.Marshal([]responsesPart{part})
		items = append(items, responsesItem{
			Type:    responsesItemMessage,
			ID:      "msg_" + uuid.NewString(),
			Status:  responsesStatusCompleted,
			Role:    "assistant",
			Content: raw,
		})
	}
	return items
}

func decodeResponsesToolChoice(raw json.RawMessage) *ir.ToolChoice {
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
	var named responsesNamedToolChoice
	if err := json.Unmarshal(raw, &named); err == nil && named.Type == "function" && named.Name != "" {
		return &ir.ToolChoice{Kind: ir.ToolChoiceTool, Name: named.Name}
	}
	return nil
}

func encodeResponsesToolChoice(tc *ir.ToolChoice) json.RawMessage {
	if tc == nil {
		return nil
	}
	switch tc.Kind {
	case ir.ToolChoiceTool:
		raw, _ := json.Marshal(responsesNamedToolChoice{Type: "function", Name: tc.Name})
		return raw
	case ir.ToolChoiceAuto, ir.ToolChoiceNone, ir.ToolChoiceRequired:
		return marshalString(string(tc.Kind))
	default:
		return nil
	}
}

func decodeResponsesTextFormat(tf *responsesTextFormat) *ir.ResponseFormat {
	if tf == nil {
		return nil
	}
	switch tf.Type {
	case "json_object":
		return &ir.ResponseFormat{Kind: ir.ResponseFormatJSONObject}
	case "json_schema":
		return &ir.ResponseFormat{
			Kind:       ir.ResponseFormatJSONSchema,
			SchemaName: tf.Name,
			Schema:     tf.Schema,
			Strict:     tf.Strict,
		}
	case "text":
		return &ir.ResponseFormat{Kind: ir.ResponseFormatText}
	default:
		return nil
	}
}

func encodeResponsesTextFormat(rf *ir.ResponseFormat) *responsesTextFormat {
	switch rf.Kind {
	case ir.ResponseFormatJSONObject:
		return &responsesTextFormat{Type: "json_object"}
	case ir.ResponseFormatJSONSchema:
		return &responsesTextFormat{
			Type:   "json_schema",
			Name:   rf.SchemaName,
			Schema: rf.Schema,
			Strict: rf.Strict,
		}
	default:
		return &responsesTextFormat{Type: "text"}
	}
}

// responsesStatusToStop maps the response status onto the canonical stop
// vocabulary.
func responsesStatusToStop(wire *responsesResponse, hasToolUse bool) ir.StopReason {
	switch wire.Status {
	case responsesStatusFailed:
		return ir.StopError
	case responsesStatusIncomplete:
		if wire.IncompleteDetails != nil && wire.IncompleteDetails.Reason == "content_filter" {
			return ir.StopContentFilter
		}
		return ir.StopMaxTokens
	default:
		if hasToolUse {
			return ir.StopToolUse
		}
		if wire.Status == "" {
			return ""
		}
		return ir.StopEndTurn
	}
}

func responsesUsageToIR(u *responsesUsage) *ir.Usage {
	if u == nil {
		return nil
	}
	out := &ir.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.InputTokensDetails != nil {
		out.CacheReadTokens = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	return out
}

func irUsageToResponses(u *ir.Usage) *responsesUsage {
	if u == nil {
		return nil
	}
	out := &responsesUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.Total(),
	}
	if u.CacheReadTokens > 0 {
		out.InputTokensDetails = &responsesInputTokensDetail{CachedTokens: u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		out.OutputTokensDetails = &responsesOutputTokensDetail{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}
