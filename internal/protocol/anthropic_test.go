package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

func TestAnthropicDecodeRequest(t *testing.T) {
	codec := NewAnthropicCodec()

	tests := []struct {
		name           string
		body           string
		expectedSystem string
		expectedRoles  []ir.Role
		expectedUser   string
	}{
		{
			name:          "string content",
			body:          `{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`,
			expectedRoles: []ir.Role{ir.RoleUser},
		},
		{
			name:           "system string",
			body:           `{"model":"claude-sonnet-4","max_tokens":100,"system":"be helpful","messages":[{"role":"user","content":"hi"}]}`,
			expectedSystem: "be helpful",
			expectedRoles:  []ir.Role{ir.RoleUser},
		},
		{
			name:           "system blocks joined",
			body:           `{"model":"claude-sonnet-4","max_tokens":100,"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"hi"}]}`,
			expectedSystem: "a\n\nb",
			expectedRoles:  []ir.Role{ir.RoleUser},
		},
		{
			name: "tool_result lifted into tool role",
			body: `{"model":"claude-sonnet-4","max_tokens":100,"messages":[
				{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"f","input":{}}]},
				{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"ok"},{"type":"text","text":"and now?"}]}
			]}`,
			expectedRoles: []ir.Role{ir.RoleAssistant, ir.RoleTool, ir.RoleUser},
		},
		{
			name:          "metadata user id",
			body:          `{"model":"claude-sonnet-4","max_tokens":100,"metadata":{"user_id":"u-1"},"messages":[{"role":"user","content":"hi"}]}`,
			expectedRoles: []ir.Role{ir.RoleUser},
			expectedUser:  "u-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _, err := codec.DecodeRequest([]byte(tt.body))
			require.NoError(t, err)

			assert.Equal(t, tt.expectedSystem, req.System)
			assert.Equal(t, tt.expectedUser, req.User)
			require.Len(t, req.Messages, len(tt.expectedRoles))
			for i, role := range tt.expectedRoles {
				assert.Equal(t, role, req.Messages[i].Role, "message %d", i)
			}
		})
	}
}

func TestAnthropicDecodeRequestErrors(t *testing.T) {
	codec := NewAnthropicCodec()

	_, _, err := codec.DecodeRequest([]byte(`{"model":"claude-sonnet-4","max_tokens":100,"messages":[]}`))
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, _, err = codec.DecodeRequest([]byte(`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"system","content":"x"}]}`))
	require.Error(t, err, "system is not a message role on this wire")

	_, _, err = codec.DecodeRequest([]byte(`{"model":"claude-sonnet-4","max_tokens":100,"tool_choice":{"type":"tool"},"messages":[{"role":"user","content":"hi"}]}`))
	require.Error(t, err, "named tool_choice requires a name")
}

func TestAnthropicDecodeThinkingConfig(t *testing.T) {
	codec := NewAnthropicCodec()
	body := `{"model":"claude-sonnet-4","max_tokens":2048,"thinking":{"type":"enabled","budget_tokens":1024},"messages":[{"role":"user","content":"hi"}]}`

	req, _, err := codec.DecodeRequest([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, req.Thinking)
	assert.True(t, req.Thinking.Enabled)
	require.NotNil(t, req.Thinking.BudgetTokens)
	assert.Equal(t, int64(1024), *req.Thinking.BudgetTokens)
}

func TestAnthropicEncodeRequestMaxTokens(t *testing.T) {
	codec := NewAnthropicCodec()
	base := func() *ir.Request {
		return &ir.Request{
			Model:    "claude-sonnet-4",
			Messages: []ir.Message{ir.TextMessage(ir.RoleUser, "hi")},
		}
	}

	t.Run("default injected for non-anthropic sources", func(t *testing.T) {
		payload, err := codec.EncodeRequest(base(), EncodeOptions{Source: ProtocolOpenAI})
		require.NoError(t, err)
		assert.Equal(t, int64(4096), gjson.GetBytes(payload, "max_tokens").Int())
	})

	t.Run("missing max_tokens rejected for anthropic sources", func(t *testing.T) {
		_, err := codec.EncodeRequest(base(), EncodeOptions{Source: ProtocolAnthropic})
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("explicit value passes through", func(t *testing.T) {
		req := base()
		maxTokens := int64(16)
		req.Generation.MaxTokens = &maxTokens
		payload, err := codec.EncodeRequest(req, EncodeOptions{Source: ProtocolAnthropic})
		require.NoError(t, err)
		assert.Equal(t, int64(16), gjson.GetBytes(payload, "max_tokens").Int())
	})
}

func TestAnthropicEncodeRequestClampsTemperature(t *testing.T) {
	codec := NewAnthropicCodec()
	temp := 1.7
	req := &ir.Request{
		Model:      "claude-sonnet-4",
		Messages:   []ir.Message{ir.TextMessage(ir.RoleUser, "hi")},
		Generation: ir.GenerationConfig{Temperature: &temp},
	}

	payload, err := codec.EncodeRequest(req, EncodeOptions{Source: ProtocolOpenAI})
	require.NoError(t, err)
	assert.Equal(t, 1.0, gjson.GetBytes(payload, "temperature").Float())
}

func TestAnthropicEncodeRequestMergesToolResults(t *testing.T) {
	codec := NewAnthropicCodec()
	maxTokens := int64(100)
	req := &ir.Request{
		Model: "claude-sonnet-4",
		Messages: []ir.Message{
			{Role: ir.RoleAssistant, Content: []ir.ContentBlock{
				ir.ToolUseBlock("toolu_1", "get_weather", map[string]any{"city": "Paris"}),
			}},
			{Role: ir.RoleTool, Content: []ir.ContentBlock{
				ir.ToolResultBlock("toolu_1", "sunny", false),
			}},
			ir.TextMessage(ir.RoleUser, "thanks"),
		},
		Generation: ir.GenerationConfig{MaxTokens: &maxTokens},
	}

	payload, err := codec.EncodeRequest(req, EncodeOptions{Source: ProtocolOpenAI})
	require.NoError(t, err)

	msgs := gjson.GetBytes(payload, "messages").Array()
	require.Len(t, msgs, 2, "tool result folds into the following user turn")

	assert.Equal(t, "assistant", msgs[0].Get("role").String())
	assert.Equal(t, "tool_use", msgs[0].Get("content.0.type").String())

	assert.Equal(t, "user", msgs[1].Get("role").String())
	blocks := msgs[1].Get("content").Array()
	require.Len(t, blocks, 2)
	assert.Equal(t, "tool_result", blocks[0].Get("type").String())
	assert.Equal(t, "toolu_1", blocks[0].Get("tool_use_id").String())
	assert.Equal(t, "text", blocks[1].Get("type").String())
	assert.Equal(t, "thanks", blocks[1].Get("text").String())
}

func TestAnthropicEncodeRequestTrailingToolResult(t *testing.T) {
	codec := NewAnthropicCodec()
	maxTokens := int64(100)
	req := &ir.Request{
		Model: "claude-sonnet-4",
		Messages: []ir.Message{
			ir.TextMessage(ir.RoleUser, "weather?"),
			{Role: ir.RoleAssistant, Content: []ir.ContentBlock{
				ir.ToolUseBlock("toolu_1", "get_weather", nil),
			}},
			{Role: ir.RoleTool, Content: []ir.ContentBlock{
				ir.ToolResultBlock("toolu_1", "sunny", false),
			}},
		},
		Generation: ir.GenerationConfig{MaxTokens: &maxTokens},
	}

	payload, err := codec.EncodeRequest(req, EncodeOptions{Source: ProtocolOpenAI})
	require.NoError(t, err)

	msgs := gjson.GetBytes(payload, "messages").Array()
	require.Len(t, msgs, 3, "trailing tool result flushes as its own user turn")
	assert.Equal(t, "user", msgs[2].Get("role").String())
	assert.Equal(t, "tool_result", msgs[2].Get("content.0.type").String())

	// tool_use without input still carries an empty input object.
	assert.True(t, msgs[1].Get("content.0.input").IsObject())
}

func TestAnthropicEncodeRequestToolSchemaDefault(t *testing.T) {
	codec := NewAnthropicCodec()
	maxTokens := int64(100)
	req := &ir.Request{
		Model:      "claude-sonnet-4",
		Messages:   []ir.Message{ir.TextMessage(ir.RoleUser, "hi")},
		Tools:      []ir.ToolDeclaration{{Name: "noop"}},
		Generation: ir.GenerationConfig{MaxTokens: &maxTokens},
	}

	payload, err := codec.EncodeRequest(req, EncodeOptions{Source: ProtocolOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "object", gjson.GetBytes(payload, "tools.0.input_schema.type").String())
}

func TestAnthropicEncodeThinkingBudgets(t *testing.T) {
	tests := []struct {
		effort   string
		expected int64
	}{
		{"minimal", 1024},
		{"low", 1024},
		{"medium", 8192},
		{"", 8192},
		{"high", 16384},
		{"xhigh", 16384},
	}

	for _, tt := range tests {
		t.Run("effort "+tt.effort, func(t *testing.T) {
			out := encodeAnthropicThinking(&ir.ThinkingConfig{Enabled: true, Effort: tt.effort})
			assert.Equal(t, "enabled", out.Type)
			require.NotNil(t, out.BudgetTokens)
			assert.Equal(t, tt.expected, *out.BudgetTokens)
		})
	}

	t.Run("explicit budget wins", func(t *testing.T) {
		budget := int64(2048)
		out := encodeAnthropicThinking(&ir.ThinkingConfig{Enabled: true, Effort: "high", BudgetTokens: &budget})
		require.NotNil(t, out.BudgetTokens)
		assert.Equal(t, int64(2048), *out.BudgetTokens)
	})

	t.Run("disabled", func(t *testing.T) {
		out := encodeAnthropicThinking(&ir.ThinkingConfig{Enabled: false})
		assert.Equal(t, "disabled", out.Type)
		assert.Nil(t, out.BudgetTokens)
	})
}

func TestAnthropicDecodeResponse(t *testing.T) {
	codec := NewAnthropicCodec()
	body := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[
		{"type":"thinking","thinking":"let me see","signature":"sig_abc"},
		{"type":"text","text":"hello"},
		{"type":"tool_use","id":"toolu_1","name":"f","input":{"x":1}}
	],"stop_reason":"tool_use","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":2}}`

	resp, err := codec.DecodeResponse([]byte(body))
	require.NoError(t, err)

	require.Len(t, resp.Content, 3)
	assert.Equal(t, ir.BlockThinking, resp.Content[0].Kind)
	assert.Equal(t, "sig_abc", resp.Content[0].Signature)
	assert.Equal(t, "hello", resp.TextContent())
	assert.True(t, resp.HasToolUse())
	assert.Equal(t, ir.StopToolUse, resp.StopReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(2), resp.Usage.CacheReadTokens)
}

func TestAnthropicEncodeResponse(t *testing.T) {
	codec := NewAnthropicCodec()

	t.Run("tool use forces stop reason", func(t *testing.T) {
		resp := &ir.Response{
			Model: "gpt-4o",
			Content: []ir.ContentBlock{
				ir.ToolUseBlock("call_1", "f", map[string]any{"x": 1}),
			},
			StopReason: ir.StopEndTurn,
		}
		payload, err := codec.EncodeResponse(resp, EncodeOptions{TargetModel: "claude-sonnet-4"})
		require.NoError(t, err)
		assert.Equal(t, "tool_use", gjson.GetBytes(payload, "stop_reason").String())
		assert.Equal(t, "claude-sonnet-4", gjson.GetBytes(payload, "model").String())
		assert.True(t, gjson.GetBytes(payload, "content.0.input").IsObject())
	})

	t.Run("empty content stays an array", func(t *testing.T) {
		payload, err := codec.EncodeResponse(&ir.Response{Model: "m"}, EncodeOptions{})
		require.NoError(t, err)
		assert.True(t, gjson.GetBytes(payload, "content").IsArray())
		assert.Contains(t, gjson.GetBytes(payload, "id").String(), "msg_")
	})
}

// TestOpenAIToAnthropicRequestTranslation covers the plain translation path:
// a Chat Completions request decoded to IR and re-encoded for an Anthropic
// upstream keeps the system text, the user turn and the token limit.
func TestOpenAIToAnthropicRequestTranslation(t *testing.T) {
	body := `{"model":"gpt-4o","max_tokens":16,"messages":[{"role":"system","content":"be helpful"},{"role":"user","content":"hi"}]}`

	req, _, err := NewOpenAIChatCodec().DecodeRequest([]byte(body))
	require.NoError(t, err)

	payload, err := NewAnthropicCodec().EncodeRequest(req, EncodeOptions{
		TargetModel: "claude-sonnet-4",
		Source:      ProtocolOpenAI,
	})
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", gjson.GetBytes(payload, "model").String())
	assert.Equal(t, "be helpful", gjson.GetBytes(payload, "system").String())
	assert.Equal(t, int64(16), gjson.GetBytes(payload, "max_tokens").Int())

	msgs := gjson.GetBytes(payload, "messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Get("role").String())
	assert.Equal(t, "hi", msgs[0].Get("content").String())
}

func TestAnthropicImageDataURLSplit(t *testing.T) {
	codec := NewAnthropicCodec()
	maxTokens := int64(100)
	req := &ir.Request{
		Model: "claude-sonnet-4",
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: []ir.ContentBlock{
				ir.TextBlock("look"),
				ir.ImageBlock(ir.MediaSource{Kind: ir.SourceURL, URL: "data:image/png;base64,iVBORw0KGgo="}),
			}},
		},
		Generation: ir.GenerationConfig{MaxTokens: &maxTokens},
	}

	payload, err := codec.EncodeRequest(req, EncodeOptions{Source: ProtocolOpenAI})
	require.NoError(t, err)

	src := gjson.GetBytes(payload, "messages.0.content.1.source")
	assert.Equal(t, "base64", src.Get("type").String())
	assert.Equal(t, "image/png", src.Get("media_type").String())
	assert.Equal(t, "iVBORw0KGgo=", src.Get("data").String())
}
