package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// doneSentinel is the literal data payload that terminates an OpenAI Chat
// SSE stream.
const doneSentinel = "[DONE]"

// openaiChatStreamDecoder turns Chat Completions chunks into IR events. It
// synthesizes the framing the chunk format leaves implicit: message_start on
// the first chunk, an eager text block at index 0, block stops and a
// message_delta when finish_reason arrives.
type openaiChatStreamDecoder struct {
	started    bool
	nextIndex  int
	textIndex  int
	thinkIndex int
	toolBlocks map[int]int // upstream tool_call index -> IR block index
	open       []int       // block indexes opened and not yet stopped
	finishSeen bool
	stopSent   bool
}

// NewStreamDecoder implements Codec.
func (c *OpenAIChatCodec) NewStreamDecoder() StreamDecoder {
	return &openaiChatStreamDecoder{
		textIndex:  -1,
		thinkIndex: -1,
		toolBlocks: make(map[int]int),
	}
}

func (d *openaiChatStreamDecoder) Decode(chunk StreamChunk) ([]ir.StreamEvent, error) {
	if string(chunk.Data) == doneSentinel {
		if d.stopSent {
			return []ir.StreamEvent{ir.DoneEvent()}, nil
		}
		d.stopSent = true
		return []ir.StreamEvent{ir.MessageStopEvent()}, nil
	}

	var wire openaiChatResponse
	if err := json.Unmarshal(chunk.Data, &wire); err != nil {
		return nil, NewValidation("malformed chat completions chunk: %v", err)
	}

	var events []ir.StreamEvent
	if !d.started {
		d.started = true
		envelope := &ir.Response{ID: wire.ID, Model: wire.Model, Created: wire.Created, Usage: usageFromOpenAI(wire.Usage)}
		events = append(events, ir.MessageStartEvent(envelope))
		d.textIndex = d.allocBlock()
		events = append(events, ir.BlockStartEvent(d.textIndex, ir.TextBlock("")))
	}

	if len(wire.Choices) == 0 {
		// Usage-only trailer chunk sent after finish_reason.
		if wire.Usage != nil {
			events = append(events, ir.StreamEvent{Type: ir.EventMessageDelta, Usage: usageFromOpenAI(wire.Usage)})
		}
		return events, nil
	}

	choice := wire.Choices[0]
	if delta := choice.Delta; delta != nil {
		if delta.ReasoningContent != "" {
			if d.thinkIndex < 0 {
				d.thinkIndex = d.allocBlock()
				events = append(events, ir.BlockStartEvent(d.thinkIndex, ir.ThinkingBlock("", "")))
			}
			events = append(events, ir.ThinkingDeltaEvent(d.thinkIndex, delta.ReasoningContent))
		}
		if text := flattenOpenAIContentText(delta.Content); text != "" {
			events = append(events, ir.TextDeltaEvent(d.textIndex, text))
		}
		for _, tc := range delta.ToolCalls {
			upstream := 0
			if tc.Index != nil {
				upstream = *tc.Index
			}
			idx, known := d.toolBlocks[upstream]
			if !known {
				idx = d.allocBlock()
				d.toolBlocks[upstream] = idx
				events = append(events, ir.BlockStartEvent(idx, ir.ContentBlock{
					Kind: ir.BlockToolUse,
					ID:   tc.ID,
					Name: tc.Function.Name,
				}))
			}
			if tc.Function.Arguments != "" {
				events = append(events, ir.InputJSONDeltaEvent(idx, tc.Function.Arguments))
			}
		}
	}

	if choice.FinishReason != nil && !d.finishSeen {
		d.finishSeen = true
		events = append(events, d.closeOpenBlocks()...)
		events = append(events, ir.MessageDeltaEvent(finishReasonToStop(*choice.FinishReason), usageFromOpenAI(wire.Usage)))
	}
	return events, nil
}

func (d *openaiChatStreamDecoder) allocBlock() int {
	idx := d.nextIndex
	d.nextIndex++
	d.open = append(d.open, idx)
	return idx
}

func (d *openaiChatStreamDecoder) closeOpenBlocks() []ir.StreamEvent {
	sort.Ints(d.open)
	events := make([]ir.StreamEvent, 0, len(d.open))
	for _, idx := range d.open {
		events = append(events, ir.BlockStopEvent(idx))
	}
	d.open = nil
	return events
}

// openaiChatStreamEncoder renders IR events as Chat Completions chunks. The
// finish chunk is held until message_stop so the stream ends with exactly
// one finish_reason chunk followed by the [DONE] sentinel.
type openaiChatStreamEncoder struct {
	opts        EncodeOptions
	id          string
	model       string
	created     int64
	blockToTool map[int]int
	sawTool     bool
	stop        ir.StopReason
	usage       *ir.Usage
	sentFinish  bool
	sentDone    bool
}

// NewStreamEncoder implements Codec.
func (c *OpenAIChatCodec) NewStreamEncoder(opts EncodeOptions) StreamEncoder {
	return &openaiChatStreamEncoder{
		opts:        opts,
		id:          fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
		created:     time.Now().Unix(),
		blockToTool: make(map[int]int),
	}
}

func (e *openaiChatStreamEncoder) Encode(ev ir.StreamEvent) ([]StreamChunk, error) {
	switch ev.Type {
	case ir.EventMessageStart:
		if ev.Message != nil {
			if ev.Message.ID != "" {
				e.id = ev.Message.ID
			}
			e.model = e.opts.Model(ev.Message.Model)
			if ev.Message.Created != 0 {
				e.created = ev.Message.Created
			}
			if ev.Message.Usage != nil {
				e.usage = ev.Message.Usage
			}
		}
		role := "assistant"
		return []StreamChunk{e.chunk(openaiChatMessage{Role: role, Content: marshalString("")}, nil, nil)}, nil

	case ir.EventContentBlockStart:
		if ev.Block == nil || ev.Block.Kind != ir.BlockToolUse {
			return nil, nil
		}
		toolIdx := len(e.blockToTool)
		e.blockToTool[ev.Index] = toolIdx
		e.sawTool = true
		delta := openaiChatMessage{ToolCalls: []openaiToolCall{{
			Index:    &toolIdx,
			ID:       ev.Block.ID,
			Type:     "function",
			Function: openaiFunctionCall{Name: ev.Block.Name, Arguments: ""},
		}}}
		return []StreamChunk{e.chunk(delta, nil, nil)}, nil

	case ir.EventContentBlockDelta:
		switch ev.Delta {
		case ir.DeltaText:
			if ev.Text == "" {
				return nil, nil
			}
			return []StreamChunk{e.chunk(openaiChatMessage{Content: marshalString(ev.Text)}, nil, nil)}, nil
		case ir.DeltaThinking:
			if ev.Text == "" {
				// Signature deltas have no Chat Completions shape.
				return nil, nil
			}
			return []StreamChunk{e.chunk(openaiChatMessage{ReasoningContent: ev.Text}, nil, nil)}, nil
		case ir.DeltaInputJSON:
			toolIdx, ok := e.blockToTool[ev.Index]
			if !ok {
				toolIdx = len(e.blockToTool)
				e.blockToTool[ev.Index] = toolIdx
				e.sawTool = true
			}
			delta := openaiChatMessage{ToolCalls: []openaiToolCall{{
				Index:    &toolIdx,
				Function: openaiFunctionCall{Arguments: ev.PartialJSON},
			}}}
			return []StreamChunk{e.chunk(delta, nil, nil)}, nil
		}
		return nil, nil

	case ir.EventContentBlockStop, ir.EventPing:
		return nil, nil

	case ir.EventMessageDelta:
		if ev.StopReason != "" {
			e.stop = ev.StopReason
		}
		if ev.Usage != nil {
			e.usage = mergeUsage(e.usage, ev.Usage)
		}
		return nil, nil

	case ir.EventMessageStop, ir.EventDone:
		return e.finish(), nil

	case ir.EventError:
		if e.sentDone {
			return nil, nil
		}
		e.sentFinish = true
		e.sentDone = true
		body, _ := json.Marshal(openaiErrorBody{Error: openaiErrorDetail{
			Message: ev.Err.Message,
			Type:    ev.Err.Type,
		}})
		return []StreamChunk{{Data: body}, {Data: []byte(doneSentinel)}}, nil
	}
	return nil, nil
}

// finish emits the finish_reason chunk and the [DONE] sentinel exactly once.
func (e *openaiChatStreamEncoder) finish() []StreamChunk {
	if e.sentDone {
		return nil
	}
	var out []StreamChunk
	if !e.sentFinish {
		e.sentFinish = true
		finish := stopToFinishReason(e.stop)
		if e.sawTool {
			finish = "tool_calls"
		}
		out = append(out, e.chunk(openaiChatMessage{}, &finish, usageToOpenAI(e.usage)))
	}
	e.sentDone = true
	return append(out, StreamChunk{Data: []byte(doneSentinel)})
}

func (e *openaiChatStreamEncoder) chunk(delta openaiChatMessage, finish *string, usage *openaiUsage) StreamChunk {
	wire := openaiChatResponse{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []openaiChatChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, _ := json.Marshal(wire)
	return StreamChunk{Data: data}
}

// mergeUsage folds non-zero fields of src over dst.
func mergeUsage(dst, src *ir.Usage) *ir.Usage {
	if dst == nil {
		copied := *src
		return &copied
	}
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.TotalTokens > 0 {
		dst.TotalTokens = src.TotalTokens
	}
	if src.CacheCreationTokens > 0 {
		dst.CacheCreationTokens = src.CacheCreationTokens
	}
	if src.CacheReadTokens > 0 {
		dst.CacheReadTokens = src.CacheReadTokens
	}
	if src.ReasoningTokens > 0 {
		dst.ReasoningTokens = src.ReasoningTokens
	}
	if src.AudioTokens > 0 {
		dst.AudioTokens = src.AudioTokens
	}
	return dst
}
