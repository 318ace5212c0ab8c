package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// decodeAll feeds a chunk sequence through a decoder and flattens the events.
func decodeAll(t *testing.T, d StreamDecoder, chunks []StreamChunk) []ir.StreamEvent {
	t.Helper()
	var events []ir.StreamEvent
	for _, c := range chunks {
		evs, err := d.Decode(c)
		require.NoError(t, err)
		events = append(events, evs...)
	}
	return events
}

// encodeAll feeds an event sequence through an encoder and flattens the
// emitted frames.
func encodeAll(t *testing.T, e StreamEncoder, events []ir.StreamEvent) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	for _, ev := range events {
		out, err := e.Encode(ev)
		require.NoError(t, err)
		chunks = append(chunks, out...)
	}
	return chunks
}

func eventTypes(events []ir.StreamEvent) []ir.EventType {
	out := make([]ir.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestOpenAIChatStreamDecoderText(t *testing.T) {
	d := NewOpenAIChatCodec().NewStreamDecoder()

	chunks := []StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"!"}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)},
		{Data: []byte("[DONE]")},
	}

	events := decodeAll(t, d, chunks)
	require.Equal(t, []ir.EventType{
		ir.EventMessageStart,
		ir.EventContentBlockStart,
		ir.EventContentBlockDelta,
		ir.EventContentBlockDelta,
		ir.EventContentBlockStop,
		ir.EventMessageDelta,
		ir.EventMessageDelta,
		ir.EventMessageStop,
	}, eventTypes(events))

	assert.Equal(t, "chatcmpl-1", events[0].Message.ID)
	assert.Equal(t, "gpt-4o", events[0].Message.Model)
	assert.Equal(t, "Hi", events[2].Text)
	assert.Equal(t, "!", events[3].Text)
	assert.Equal(t, ir.StopEndTurn, events[5].StopReason)

	// Usage-only trailer after the finish chunk still reaches the IR.
	require.NotNil(t, events[6].Usage)
	assert.Equal(t, int64(5), events[6].Usage.InputTokens)
	assert.Equal(t, int64(2), events[6].Usage.OutputTokens)
}

func TestOpenAIChatStreamDecoderToolCalls(t *testing.T) {
	d := NewOpenAIChatCodec().NewStreamDecoder()

	chunks := []StreamChunk{
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Paris\"}"}}]}}]}`)},
		{Data: []byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)},
		{Data: []byte("[DONE]")},
	}

	events := decodeAll(t, d, chunks)
	require.Equal(t, []ir.EventType{
		ir.EventMessageStart,
		ir.EventContentBlockStart, // eager text block 0
		ir.EventContentBlockStart, // tool block 1
		ir.EventContentBlockDelta,
		ir.EventContentBlockDelta,
		ir.EventContentBlockStop, // 0
		ir.EventContentBlockStop, // 1
		ir.EventMessageDelta,
		ir.EventMessageStop,
	}, eventTypes(events))

	toolStart := events[2]
	require.NotNil(t, toolStart.Block)
	assert.Equal(t, ir.BlockToolUse, toolStart.Block.Kind)
	assert.Equal(t, "call_1", toolStart.Block.ID)
	assert.Equal(t, "get_weather", toolStart.Block.Name)
	assert.Equal(t, 1, toolStart.Index)

	assert.Equal(t, `{"city":`, events[3].PartialJSON)
	assert.Equal(t, `"Paris"}`, events[4].PartialJSON)

	assert.Equal(t, 0, events[5].Index)
	assert.Equal(t, 1, events[6].Index)
	assert.Equal(t, ir.StopToolUse, events[7].StopReason)
}

func TestOpenAIChatStreamEncoderText(t *testing.T) {
	e := NewOpenAIChatCodec().NewStreamEncoder(EncodeOptions{TargetModel: "gpt-4o"})

	usage := &ir.Usage{InputTokens: 5, OutputTokens: 2}
	chunks := encodeAll(t, e, []ir.StreamEvent{
		ir.MessageStartEvent(&ir.Response{ID: "msg_1", Model: "claude-sonnet-4"}),
		ir.BlockStartEvent(0, ir.TextBlock("")),
		ir.TextDeltaEvent(0, "Hi"),
		ir.TextDeltaEvent(0, "!"),
		ir.BlockStopEvent(0),
		ir.MessageDeltaEvent(ir.StopEndTurn, usage),
		ir.MessageStopEvent(),
	})

	require.Len(t, chunks, 5)

	role := chunks[0].Data
	assert.Equal(t, "msg_1", gjson.GetBytes(role, "id").String())
	assert.Equal(t, "gpt-4o", gjson.GetBytes(role, "model").String())
	assert.Equal(t, "assistant", gjson.GetBytes(role, "choices.0.delta.role").String())

	assert.Equal(t, "Hi", gjson.GetBytes(chunks[1].Data, "choices.0.delta.content").String())
	assert.Equal(t, "!", gjson.GetBytes(chunks[2].Data, "choices.0.delta.content").String())

	finish := chunks[3].Data
	assert.Equal(t, "stop", gjson.GetBytes(finish, "choices.0.finish_reason").String())
	assert.Equal(t, int64(5), gjson.GetBytes(finish, "usage.prompt_tokens").Int())
	assert.Equal(t, int64(7), gjson.GetBytes(finish, "usage.total_tokens").Int())

	assert.Equal(t, "[DONE]", string(chunks[4].Data))
}

// TestOpenAIChatStreamEncoderToolCalls follows one tool invocation from IR
// events to Chat Completions chunks: announcement carrying id, type and name,
// argument fragments addressed by array index, then a tool_calls finish.
func TestOpenAIChatStreamEncoderToolCalls(t *testing.T) {
	e := NewOpenAIChatCodec().NewStreamEncoder(EncodeOptions{TargetModel: "gpt-4o"})

	chunks := encodeAll(t, e, []ir.StreamEvent{
		ir.MessageStartEvent(&ir.Response{ID: "msg_1", Model: "claude-sonnet-4"}),
		ir.BlockStartEvent(0, ir.ContentBlock{Kind: ir.BlockToolUse, ID: "toolu_A", Name: "get_weather"}),
		ir.InputJSONDeltaEvent(0, `{`),
		ir.InputJSONDeltaEvent(0, `"x":1`),
		ir.InputJSONDeltaEvent(0, `}`),
		ir.BlockStopEvent(0),
		ir.MessageStopEvent(),
	})

	require.Len(t, chunks, 7)

	announce := chunks[1].Data
	assert.Equal(t, int64(0), gjson.GetBytes(announce, "choices.0.delta.tool_calls.0.index").Int())
	assert.Equal(t, "toolu_A", gjson.GetBytes(announce, "choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "function", gjson.GetBytes(announce, "choices.0.delta.tool_calls.0.type").String())
	assert.Equal(t, "get_weather", gjson.GetBytes(announce, "choices.0.delta.tool_calls.0.function.name").String())

	fragments := []string{`{`, `"x":1`, `}`}
	for i, frag := range fragments {
		data := chunks[2+i].Data
		assert.Equal(t, frag, gjson.GetBytes(data, "choices.0.delta.tool_calls.0.function.arguments").String())
		assert.Equal(t, int64(0), gjson.GetBytes(data, "choices.0.delta.tool_calls.0.index").Int())
	}

	assert.Equal(t, "tool_calls", gjson.GetBytes(chunks[5].Data, "choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", string(chunks[6].Data))
}

func TestOpenAIChatStreamEncoderMapsBlockIndexes(t *testing.T) {
	e := NewOpenAIChatCodec().NewStreamEncoder(EncodeOptions{})

	// Two tool blocks at IR indexes 1 and 3 must become tool_calls indexes
	// 0 and 1.
	chunks := encodeAll(t, e, []ir.StreamEvent{
		ir.MessageStartEvent(&ir.Response{ID: "msg_1", Model: "m"}),
		ir.BlockStartEvent(1, ir.ContentBlock{Kind: ir.BlockToolUse, ID: "toolu_a", Name: "first"}),
		ir.BlockStartEvent(3, ir.ContentBlock{Kind: ir.BlockToolUse, ID: "toolu_b", Name: "second"}),
		ir.InputJSONDeltaEvent(3, `{}`),
		ir.MessageStopEvent(),
	})

	require.Len(t, chunks, 6)
	assert.Equal(t, int64(0), gjson.GetBytes(chunks[1].Data, "choices.0.delta.tool_calls.0.index").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(chunks[2].Data, "choices.0.delta.tool_calls.0.index").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(chunks[3].Data, "choices.0.delta.tool_calls.0.index").Int())
}

func TestOpenAIChatStreamEncoderTerminatesOnce(t *testing.T) {
	e := NewOpenAIChatCodec().NewStreamEncoder(EncodeOptions{})

	first, err := e.Encode(ir.MessageStopEvent())
	require.NoError(t, err)
	second, err := e.Encode(ir.DoneEvent())
	require.NoError(t, err)

	// message_stop flushes the finish chunk and [DONE]; the byte-stream end
	// marker afterwards adds nothing.
	require.Len(t, first, 2)
	assert.Equal(t, "[DONE]", string(first[1].Data))
	assert.Empty(t, second)
}

func TestOpenAIChatStreamEncoderError(t *testing.T) {
	e := NewOpenAIChatCodec().NewStreamEncoder(EncodeOptions{})

	chunks := encodeAll(t, e, []ir.StreamEvent{
		ir.MessageStartEvent(&ir.Response{ID: "msg_1", Model: "m"}),
		ir.ErrorEvent("overloaded_error", "upstream overloaded"),
	})

	require.Len(t, chunks, 3)
	assert.Equal(t, "upstream overloaded", gjson.GetBytes(chunks[1].Data, "error.message").String())
	assert.Equal(t, "[DONE]", string(chunks[2].Data))

	// Nothing more after the stream is closed.
	extra, err := e.Encode(ir.MessageStopEvent())
	require.NoError(t, err)
	assert.Empty(t, extra)
}

func TestOpenAIChatStreamDecoderReasoningContent(t *testing.T) {
	d := NewOpenAIChatCodec().NewStreamDecoder()

	chunks := []StreamChunk{
		{Data: []byte(`{"id":"c","model":"deepseek-reasoner","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"mull"}}]}`)},
		{Data: []byte(`{"id":"c","model":"deepseek-reasoner","choices":[{"index":0,"delta":{"content":"answer"}}]}`)},
		{Data: []byte(`{"id":"c","model":"deepseek-reasoner","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
	}

	events := decodeAll(t, d, chunks)
	require.Equal(t, []ir.EventType{
		ir.EventMessageStart,
		ir.EventContentBlockStart, // eager text block 0
		ir.EventContentBlockStart, // thinking block 1
		ir.EventContentBlockDelta,
		ir.EventContentBlockDelta,
		ir.EventContentBlockStop,
		ir.EventContentBlockStop,
		ir.EventMessageDelta,
	}, eventTypes(events))

	assert.Equal(t, ir.BlockThinking, events[2].Block.Kind)
	assert.Equal(t, ir.DeltaThinking, events[3].Delta)
	assert.Equal(t, "mull", events[3].Text)
	assert.Equal(t, ir.DeltaText, events[4].Delta)
	assert.Equal(t, "answer", events[4].Text)
}
