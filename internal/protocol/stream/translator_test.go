package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/token"
)

func newTestTranslator(t *testing.T, from, to protocol.Protocol, inputTokens int64) *Translator {
	t.Helper()
	reg := protocol.NewRegistry()
	src, err := reg.Lookup(from)
	require.NoError(t, err)
	dst, err := reg.Lookup(to)
	require.NoError(t, err)

	counter, err := token.NewCounter()
	require.NoError(t, err)
	sc := token.NewStreamCounter(counter)
	sc.SetInputTokens(inputTokens)

	return NewTranslator(src.NewStreamDecoder(), dst.NewStreamEncoder(protocol.EncodeOptions{
		TargetModel: "target-model",
		Source:      from,
	}), sc)
}

func processAll(t *testing.T, tr *Translator, chunks []protocol.StreamChunk) []protocol.StreamChunk {
	t.Helper()
	var out []protocol.StreamChunk
	for _, c := range chunks {
		frames, err := tr.Process(c)
		require.NoError(t, err)
		out = append(out, frames...)
	}
	return out
}

func frameEvents(chunks []protocol.StreamChunk) []string {
	names := make([]string, 0, len(chunks))
	for _, c := range chunks {
		names = append(names, c.Event)
	}
	return names
}

func TestTranslatorChatToAnthropicText(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolOpenAI, protocol.ProtocolAnthropic, 0)

	out := processAll(t, tr, []protocol.StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"!"},"finish_reason":null}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)},
		{Data: []byte("[DONE]")},
	})

	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, frameEvents(out))

	delta := out[5].Data
	assert.Equal(t, "end_turn", gjson.GetBytes(delta, "delta.stop_reason").String())
	assert.Equal(t, int64(5), gjson.GetBytes(delta, "usage.input_tokens").Int())
	assert.Equal(t, int64(2), gjson.GetBytes(delta, "usage.output_tokens").Int())

	usage := tr.Usage()
	assert.Equal(t, int64(5), usage.InputTokens)
	assert.Equal(t, int64(2), usage.OutputTokens)
}

func TestTranslatorEstimatesUsageWhenUnreported(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolOpenAI, protocol.ProtocolAnthropic, 42)

	out := processAll(t, tr, []protocol.StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello there"},"finish_reason":null}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte("[DONE]")},
	})

	var delta []byte
	for _, c := range out {
		if c.Event == "message_delta" {
			delta = c.Data
		}
	}
	require.NotNil(t, delta)
	assert.Equal(t, int64(42), gjson.GetBytes(delta, "usage.input_tokens").Int())
	assert.Greater(t, gjson.GetBytes(delta, "usage.output_tokens").Int(), int64(0))

	usage := tr.Usage()
	assert.Equal(t, int64(42), usage.InputTokens)
	assert.Greater(t, usage.OutputTokens, int64(0))
	assert.Equal(t, usage.InputTokens+usage.OutputTokens, usage.TotalTokens)
}

func TestTranslatorAnthropicToChatToolUse(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolAnthropic, protocol.ProtocolOpenAI, 0)

	out := processAll(t, tr, []protocol.StreamChunk{
		{Event: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":9,"output_tokens":0}}}`)},
		{Event: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_A","name":"get_weather","input":{}}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"Paris\"}"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Event: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":6}}`)},
		{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	})

	require.Len(t, out, 5)

	role := out[0].Data
	assert.Equal(t, "assistant", gjson.GetBytes(role, "choices.0.delta.role").String())
	assert.Equal(t, "target-model", gjson.GetBytes(role, "model").String())

	announce := out[1].Data
	assert.Equal(t, "toolu_A", gjson.GetBytes(announce, "choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "get_weather", gjson.GetBytes(announce, "choices.0.delta.tool_calls.0.function.name").String())

	fragment := out[2].Data
	assert.Equal(t, `{"city":"Paris"}`, gjson.GetBytes(fragment, "choices.0.delta.tool_calls.0.function.arguments").String())

	finish := out[3].Data
	assert.Equal(t, "tool_calls", gjson.GetBytes(finish, "choices.0.finish_reason").String())
	assert.Equal(t, int64(9), gjson.GetBytes(finish, "usage.prompt_tokens").Int())
	assert.Equal(t, int64(6), gjson.GetBytes(finish, "usage.completion_tokens").Int())

	assert.Equal(t, "[DONE]", string(out[4].Data))
}

func TestTranslatorAnthropicToChatEstimatesUsage(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolAnthropic, protocol.ProtocolOpenAI, 37)

	out := processAll(t, tr, []protocol.StreamChunk{
		{Event: "message_start", Data: []byte(`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"usage":{"input_tokens":0,"output_tokens":0}}}`)},
		{Event: "content_block_start", Data: []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)},
		{Event: "content_block_delta", Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello there"}}`)},
		{Event: "content_block_stop", Data: []byte(`{"type":"content_block_stop","index":0}`)},
		{Event: "message_delta", Data: []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null}}`)},
		{Event: "message_stop", Data: []byte(`{"type":"message_stop"}`)},
	})

	require.NotEmpty(t, out)
	var finish []byte
	for _, c := range out {
		if gjson.GetBytes(c.Data, "choices.0.finish_reason").String() == "stop" {
			finish = c.Data
		}
	}
	require.NotNil(t, finish, "expected a finish chunk")
	assert.Equal(t, int64(37), gjson.GetBytes(finish, "usage.prompt_tokens").Int())
	assert.Greater(t, gjson.GetBytes(finish, "usage.completion_tokens").Int(), int64(0))
}

func TestTranslatorFinishCompletesFraming(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolOpenAI, protocol.ProtocolAnthropic, 0)

	out := processAll(t, tr, []protocol.StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`)},
	})
	require.Equal(t, []string{"message_start", "content_block_start", "content_block_delta"}, frameEvents(out))

	// Upstream died without finish_reason or [DONE].
	final, err := tr.Finish()
	require.NoError(t, err)
	require.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, frameEvents(final))

	assert.Greater(t, gjson.GetBytes(final[1].Data, "usage.output_tokens").Int(), int64(0))

	// A second Finish emits nothing.
	again, err := tr.Finish()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTranslatorFailEmitsProtocolError(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolOpenAI, protocol.ProtocolAnthropic, 0)

	processAll(t, tr, []protocol.StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`)},
	})

	out, err := tr.Fail("upstream_error", "connection reset")
	require.NoError(t, err)
	require.Equal(t, []string{"error", "message_stop"}, frameEvents(out))
	assert.Equal(t, "upstream_error", gjson.GetBytes(out[0].Data, "error.type").String())
	assert.Equal(t, "connection reset", gjson.GetBytes(out[0].Data, "error.message").String())
}

func TestTranslatorPropagatesDecodeErrors(t *testing.T) {
	tr := newTestTranslator(t, protocol.ProtocolOpenAI, protocol.ProtocolAnthropic, 0)

	_, err := tr.Process(protocol.StreamChunk{Data: []byte(`{not json`)})
	assert.Error(t, err)
}
