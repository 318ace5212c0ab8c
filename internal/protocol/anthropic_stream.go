package protocol

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

func (*AnthropicCodec) NewStreamDecoder() StreamDecoder {
	return &anthropicStreamDecoder{}
}

func (*AnthropicCodec) NewStreamEncoder(opts EncodeOptions) StreamEncoder {
	return &anthropicStreamEncoder{
		opts:       opts,
		openBlocks: make(map[int]ir.BlockKind),
	}
}

// anthropicStreamDecoder maps Messages API stream events onto the IR event
// vocabulary, which mirrors it almost one to one.
type anthropicStreamDecoder struct{}

func (d *anthropicStreamDecoder) Decode(chunk StreamChunk) ([]ir.StreamEvent, error) {
	data := string(chunk.Data)
	if data == "" {
		return nil, nil
	}
	if data == doneSentinel {
		// Not part of the Messages protocol, but some gateways append it.
		return []ir.StreamEvent{ir.DoneEvent()}, nil
	}

	var env anthropicStreamEnvelope
	if err := json.Unmarshal(chunk.Data, &env); err != nil {
		return nil, NewInvalidRequest("invalid stream event: %s", err.Error())
	}
	eventType := env.Type
	if eventType == "" {
		eventType = chunk.Event
	}

	switch eventType {
	case anthropicEventMessageStart:
		if env.Message == nil {
			return nil, nil
		}
		return []ir.StreamEvent{ir.MessageStartEvent(anthropicResponseToIR(env.Message))}, nil

	case anthropicEventContentBlockStart:
		if env.ContentBlock == nil {
			return nil, nil
		}
		block, _, ok := anthropicBlockToIR(*env.ContentBlock)
		if !ok {
			block = ir.TextBlock("")
		}
		return []ir.StreamEvent{ir.BlockStartEvent(env.Index, block)}, nil

	case anthropicEventContentBlockDelta:
		var delta anthropicBlockDelta
		if err := json.Unmarshal(env.Delta, &delta); err != nil {
			return nil, NewInvalidRequest("invalid content_block_delta payload: %s", err.Error())
		}
		switch delta.Type {
		case anthropicDeltaText:
			return []ir.StreamEvent{ir.TextDeltaEvent(env.Index, delta.Text)}, nil
		case anthropicDeltaInputJSON:
			return []ir.StreamEvent{ir.InputJSONDeltaEvent(env.Index, delta.PartialJSON)}, nil
		case anthropicDeltaThinking:
			return []ir.StreamEvent{ir.ThinkingDeltaEvent(env.Index, delta.Thinking)}, nil
		case anthropicDeltaSignature:
			return []ir.StreamEvent{{
				Type:      ir.EventContentBlockDelta,
				Index:     env.Index,
				Delta:     ir.DeltaThinking,
				Signature: delta.Signature,
			}}, nil
		default:
			return nil, nil
		}

	case anthropicEventContentBlockStop:
		return []ir.StreamEvent{ir.BlockStopEvent(env.Index)}, nil

	case anthropicEventMessageDelta:
		var delta anthropicMessageDeltaPayload
		if len(env.Delta) > 0 {
			if err := json.Unmarshal(env.Delta, &delta); err != nil {
				return nil, NewInvalidRequest("invalid message_delta payload: %s", err.Error())
			}
		}
		ev := ir.MessageDeltaEvent(anthropicStopToIR(delta.StopReason), anthropicUsageToIR(env.Usage))
		ev.StopSequence = delta.StopSequence
		return []ir.StreamEvent{ev}, nil

	case anthropicEventMessageStop:
		return []ir.StreamEvent{ir.MessageStopEvent()}, nil

	case anthropicEventPing:
		return []ir.StreamEvent{{Type: ir.EventPing}}, nil

	case anthropicEventError:
		if env.Error == nil {
			return []ir.StreamEvent{ir.ErrorEvent("api_error", "upstream stream error")}, nil
		}
		return []ir.StreamEvent{ir.ErrorEvent(env.Error.Type, env.Error.Message)}, nil

	default:
		return nil, nil
	}
}

// anthropicStreamEncoder renders IR events as Messages API SSE frames. The
// message_delta frame is held until message_stop so that late usage-only
// trailers from OpenAI-family sources still land in the reported usage.
type anthropicStreamEncoder struct {
	opts EncodeOptions

	messageID  string
	model      string
	openBlocks map[int]ir.BlockKind

	stopReason   ir.StopReason
	stopSequence string
	usage        ir.Usage

	sentStart bool
	sentStop  bool
}

func (e *anthropicStreamEncoder) Encode(ev ir.StreamEvent) ([]StreamChunk, error) {
	switch ev.Type {
	case ir.EventMessageStart:
		if e.sentStart {
			return nil, nil
		}
		return e.start(ev.Message), nil

	case ir.EventPing:
		return []StreamChunk{anthropicChunk(anthropicEventPing, map[string]any{"type": anthropicEventPing})}, nil

	case ir.EventContentBlockStart:
		if e.sentStop || ev.Block == nil {
			return nil, nil
		}
		var chunks []StreamChunk
		if !e.sentStart {
			chunks = e.start(nil)
		}
		return append(chunks, e.blockStart(ev.Index, *ev.Block)), nil

	case ir.EventContentBlockDelta:
		if e.sentStop {
			return nil, nil
		}
		var chunks []StreamChunk
		if !e.sentStart {
			chunks = e.start(nil)
		}
		if _, open := e.openBlocks[ev.Index]; !open {
			chunks = append(chunks, e.blockStart(ev.Index, syntheticBlockForDelta(ev)))
		}
		return append(chunks, e.blockDelta(ev)...), nil

	case ir.EventContentBlockStop:
		if _, open := e.openBlocks[ev.Index]; !open {
			return nil, nil
		}
		delete(e.openBlocks, ev.Index)
		return []StreamChunk{anthropicChunk(anthropicEventContentBlockStop, map[string]any{
			"type":  anthropicEventContentBlockStop,
			"index": ev.Index,
		})}, nil

	case ir.EventMessageDelta:
		if ev.StopReason != "" {
			e.stopReason = ev.StopReason
		}
		if ev.StopSequence != "" {
			e.stopSequence = ev.StopSequence
		}
		e.mergeUsage(ev.Usage)
		return nil, nil

	case ir.EventMessageStop, ir.EventDone:
		return e.finish(), nil

	case ir.EventError:
		var chunks []StreamChunk
		errType, errMsg := "api_error", "upstream stream error"
		if ev.Err != nil {
			if ev.Err.Type != "" {
				errType = ev.Err.Type
			}
			if ev.Err.Message != "" {
				errMsg = ev.Err.Message
			}
		}
		chunks = append(chunks, anthropicChunk(anthropicEventError, map[string]any{
			"type":  anthropicEventError,
			"error": map[string]any{"type": errType, "message": errMsg},
		}))
		if e.sentStart && !e.sentStop {
			e.sentStop = true
			chunks = append(chunks, anthropicChunk(anthropicEventMessageStop, map[string]any{
				"type": anthropicEventMessageStop,
			}))
		}
		return chunks, nil

	default:
		return nil, nil
	}
}

// start emits message_start, seeding identity and usage from the source
// envelope when one exists.
func (e *anthropicStreamEncoder) start(msg *ir.Response) []StreamChunk {
	e.sentStart = true
	e.messageID = "msg_" + uuid.NewString()
	e.model = e.opts.TargetModel
	if msg != nil {
		if msg.ID != "" {
			e.messageID = msg.ID
		}
		e.model = e.opts.Model(msg.Model)
		e.mergeUsage(msg.Usage)
	}
	return []StreamChunk{anthropicChunk(anthropicEventMessageStart, map[string]any{
		"type": anthropicEventMessageStart,
		"message": map[string]any{
			"id":            e.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         e.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  e.usage.InputTokens,
				"output_tokens": e.usage.OutputTokens,
			},
		},
	})}
}

func (e *anthropicStreamEncoder) blockStart(index int, block ir.ContentBlock) StreamChunk {
	e.openBlocks[index] = block.Kind
	var wire anthropicContentBlock
	switch block.Kind {
	case ir.BlockToolUse:
		wire = anthropicContentBlock{Type: "tool_use", ID: block.ID, Name: block.Name, Input: map[string]any{}}
	case ir.BlockThinking:
		if block.Redacted {
			wire = anthropicContentBlock{Type: "redacted_thinking", Data: block.RedactedData}
		} else {
			wire = anthropicContentBlock{Type: "thinking", Thinking: ""}
		}
	default:
		wire = anthropicContentBlock{Type: "text", Text: ""}
	}
	return anthropicChunk(anthropicEventContentBlockStart, map[string]any{
		"type":          anthropicEventContentBlockStart,
		"index":         index,
		"content_block": wire,
	})
}

func (e *anthropicStreamEncoder) blockDelta(ev ir.StreamEvent) []StreamChunk {
	var chunks []StreamChunk
	emit := func(delta map[string]any) {
		chunks = append(chunks, anthropicChunk(anthropicEventContentBlockDelta, map[string]any{
			"type":  anthropicEventContentBlockDelta,
			"index": ev.Index,
			"delta": delta,
		}))
	}
	switch ev.Delta {
	case ir.DeltaText:
		emit(map[string]any{"type": anthropicDeltaText, "text": ev.Text})
	case ir.DeltaInputJSON:
		emit(map[string]any{"type": anthropicDeltaInputJSON, "partial_json": ev.PartialJSON})
	case ir.DeltaThinking:
		if ev.Text != "" {
			emit(map[string]any{"type": anthropicDeltaThinking, "thinking": ev.Text})
		}
		if ev.Signature != "" {
			emit(map[string]any{"type": anthropicDeltaSignature, "signature": ev.Signature})
		}
	}
	return chunks
}

// finish closes any blocks still open, then emits the held message_delta and
// message_stop exactly once.
func (e *anthropicStreamEncoder) finish() []StreamChunk {
	if e.sentStop {
		return nil
	}
	e.sentStop = true

	var chunks []StreamChunk
	if !e.sentStart {
		chunks = e.start(nil)
	}

	indices := make([]int, 0, len(e.openBlocks))
	for idx := range e.openBlocks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		delete(e.openBlocks, idx)
		chunks = append(chunks, anthropicChunk(anthropicEventContentBlockStop, map[string]any{
			"type":  anthropicEventContentBlockStop,
			"index": idx,
		}))
	}

	stop := e.stopReason
	if stop == "" {
		stop = ir.StopEndTurn
	}
	delta := map[string]any{
		"stop_reason":   string(stop),
		"stop_sequence": nil,
	}
	if e.stopSequence != "" {
		delta["stop_sequence"] = e.stopSequence
	}
	chunks = append(chunks, anthropicChunk(anthropicEventMessageDelta, map[string]any{
		"type":  anthropicEventMessageDelta,
		"delta": delta,
		"usage": map[string]any{
			"input_tokens":  e.usage.InputTokens,
			"output_tokens": e.usage.OutputTokens,
		},
	}))
	chunks = append(chunks, anthropicChunk(anthropicEventMessageStop, map[string]any{
		"type": anthropicEventMessageStop,
	}))
	return chunks
}

func (e *anthropicStreamEncoder) mergeUsage(u *ir.Usage) {
	if u == nil {
		return
	}
	if u.InputTokens > 0 {
		e.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		e.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreationTokens > 0 {
		e.usage.CacheCreationTokens = u.CacheCreationTokens
	}
	if u.CacheReadTokens > 0 {
		e.usage.CacheReadTokens = u.CacheReadTokens
	}
}

// syntheticBlockForDelta opens a block for a delta whose start frame never
// arrived, inferring the block type from the delta type.
func syntheticBlockForDelta(ev ir.StreamEvent) ir.ContentBlock {
	switch ev.Delta {
	case ir.DeltaInputJSON:
		return ir.ContentBlock{Kind: ir.BlockToolUse, ID: "toolu_" + uuid.NewString()}
	case ir.DeltaThinking:
		return ir.ContentBlock{Kind: ir.BlockThinking}
	default:
		return ir.TextBlock("")
	}
}

// anthropicChunk marshals one SSE frame with its event name.
func anthropicChunk(event string, payload any) StreamChunk {
	data, _ := json.Marshal(payload)
	return StreamChunk{Event: event, Data: data}
}

// anthropicResponseToIR converts a wire message envelope into an IR response.
func anthropicResponseToIR(wire *anthropicResponse) *ir.Response {
	resp := &ir.Response{ID: wire.ID, Model: wire.Model}
	for _, b := range wire.Content {
		if blk, _, ok := anthropicBlockToIR(b); ok {
			resp.Content = append(resp.Content, blk)
		}
	}
	if wire.StopReason != nil {
		resp.StopReason = anthropicStopToIR(*wire.StopReason)
	}
	if wire.StopSequence != nil {
		resp.StopSequence = *wire.StopSequence
	}
	resp.Usage = anthropicUsageToIR(wire.Usage)
	return resp
}
