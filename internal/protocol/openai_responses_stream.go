package protocol

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

func (*OpenAIResponsesCodec) NewStreamDecoder() StreamDecoder {
	return &responsesStreamDecoder{
		items: make(map[int]int),
		parts: make(map[responsesPartKey]int),
	}
}

func (*OpenAIResponsesCodec) NewStreamEncoder(opts EncodeOptions) StreamEncoder {
	return &responsesStreamEncoder{
		opts:   opts,
		blocks: make(map[int]*responsesStreamBlock),
	}
}

type responsesPartKey struct {
	output  int
	content int
}

// responsesStreamDecoder maps Responses API stream events onto IR events.
// Output items and content parts are both assigned monotonically increasing
// IR block indexes as they appear.
type responsesStreamDecoder struct {
	started    bool
	stopSent   bool
	sawToolUse bool
	nextIndex  int
	items      map[int]int              // output_index -> block index
	parts      map[responsesPartKey]int // text part -> block index
}

func (d *responsesStreamDecoder) Decode(chunk StreamChunk) ([]ir.StreamEvent, error) {
	data := string(chunk.Data)
	if data == "" {
		return nil, nil
	}
	if data == doneSentinel {
		if d.stopSent {
			return []ir.StreamEvent{ir.DoneEvent()}, nil
		}
		d.stopSent = true
		return []ir.StreamEvent{ir.MessageStopEvent()}, nil
	}

	var env responsesStreamEnvelope
	if err := json.Unmarshal(chunk.Data, &env); err != nil {
		return nil, NewInvalidRequest("invalid stream event: %s", err.Error())
	}
	eventType := env.Type
	if eventType == "" {
		eventType = chunk.Event
	}

	switch eventType {
	case responsesEventCreated, responsesEventInProgress:
		if d.started {
			return nil, nil
		}
		d.started = true
		return []ir.StreamEvent{ir.MessageStartEvent(responsesEnvelopeMessage(env.Response))}, nil

	case responsesEventOutputItemAdded:
		if env.Item == nil {
			return nil, nil
		}
		events := d.ensureStarted()
		switch env.Item.Type {
		case responsesItemFunctionCall:
			d.sawToolUse = true
			idx := d.allocItem(env.OutputIndex)
			id := env.Item.CallID
			if id == "" {
				id = env.Item.ID
			}
			block := ir.ContentBlock{Kind: ir.BlockToolUse, ID: id, Name: env.Item.Name}
			events = append(events, ir.BlockStartEvent(idx, block))
		case responsesItemReasoning:
			idx := d.allocItem(env.OutputIndex)
			events = append(events, ir.BlockStartEvent(idx, ir.ContentBlock{Kind: ir.BlockThinking}))
		}
		return events, nil

	case responsesEventContentPartAdded:
		events := d.ensureStarted()
		key := responsesPartKey{env.OutputIndex, env.ContentIndex}
		if _, ok := d.parts[key]; !ok {
			idx := d.nextIndex
			d.nextIndex++
			d.parts[key] = idx
			events = append(events, ir.BlockStartEvent(idx, ir.TextBlock("")))
		}
		return events, nil

	case responsesEventOutputTextDelta, responsesEventRefusalDelta:
		events := d.ensureStarted()
		key := responsesPartKey{env.OutputIndex, env.ContentIndex}
		idx, ok := d.parts[key]
		if !ok {
			idx = d.nextIndex
			d.nextIndex++
			d.parts[key] = idx
			events = append(events, ir.BlockStartEvent(idx, ir.TextBlock("")))
		}
		return append(events, ir.TextDeltaEvent(idx, env.Delta)), nil

	case responsesEventFuncArgsDelta:
		events := d.ensureStarted()
		idx, ok := d.items[env.OutputIndex]
		if !ok {
			d.sawToolUse = true
			idx = d.allocItem(env.OutputIndex)
			events = append(events, ir.BlockStartEvent(idx, ir.ContentBlock{Kind: ir.BlockToolUse, ID: env.ItemID}))
		}
		return append(events, ir.InputJSONDeltaEvent(idx, env.Delta)), nil

	case responsesEventReasoningDelta, responsesEventReasoningText:
		events := d.ensureStarted()
		idx, ok := d.items[env.OutputIndex]
		if !ok {
			idx = d.allocItem(env.OutputIndex)
			events = append(events, ir.BlockStartEvent(idx, ir.ContentBlock{Kind: ir.BlockThinking}))
		}
		return append(events, ir.ThinkingDeltaEvent(idx, env.Delta)), nil

	case responsesEventContentPartDone:
		key := responsesPartKey{env.OutputIndex, env.ContentIndex}
		if idx, ok := d.parts[key]; ok {
			delete(d.parts, key)
			return []ir.StreamEvent{ir.BlockStopEvent(idx)}, nil
		}
		return nil, nil

	case responsesEventOutputItemDone:
		if idx, ok := d.items[env.OutputIndex]; ok {
			delete(d.items, env.OutputIndex)
			return []ir.StreamEvent{ir.BlockStopEvent(idx)}, nil
		}
		// Message items close through their content parts; sweep strays.
		var events []ir.StreamEvent
		for key, idx := range d.parts {
			if key.output == env.OutputIndex {
				delete(d.parts, key)
				events = append(events, ir.BlockStopEvent(idx))
			}
		}
		return events, nil

	case responsesEventCompleted, responsesEventIncomplete:
		events := d.closeOpenBlocks()
		stop := ir.StopEndTurn
		if d.sawToolUse {
			stop = ir.StopToolUse
		}
		var usage *ir.Usage
		if env.Response != nil {
			usage = responsesUsageToIR(env.Response.Usage)
			if eventType == responsesEventIncomplete {
				stop = ir.StopMaxTokens
				if env.Response.IncompleteDetails != nil && env.Response.IncompleteDetails.Reason == "content_filter" {
					stop = ir.StopContentFilter
				}
			}
		}
		d.stopSent = true
		return append(events, ir.MessageDeltaEvent(stop, usage), ir.MessageStopEvent()), nil

	case responsesEventFailed:
		errType, errMsg := "api_error", "response failed"
		if env.Response != nil && env.Response.Error != nil {
			if env.Response.Error.Code != "" {
				errType = env.Response.Error.Code
			}
			if env.Response.Error.Message != "" {
				errMsg = env.Response.Error.Message
			}
		}
		d.stopSent = true
		return []ir.StreamEvent{ir.ErrorEvent(errType, errMsg), ir.MessageStopEvent()}, nil

	case responsesEventError:
		d.stopSent = true
		errType := env.Code
		if errType == "" {
			errType = "api_error"
		}
		return []ir.StreamEvent{ir.ErrorEvent(errType, env.Message), ir.MessageStopEvent()}, nil

	default:
		return nil, nil
	}
}

func (d *responsesStreamDecoder) ensureStarted() []ir.StreamEvent {
	if d.started {
		return nil
	}
	d.started = true
	return []ir.StreamEvent{ir.MessageStartEvent(&ir.Response{})}
}

func (d *responsesStreamDecoder) allocItem(outputIndex int) int {
	idx := d.nextIndex
	d.nextIndex++
	d.items[outputIndex] = idx
	return idx
}

func (d *responsesStreamDecoder) closeOpenBlocks() []ir.StreamEvent {
	var indexes []int
	for _, idx := range d.items {
		indexes = append(indexes, idx)
	}
	for _, idx := range d.parts {
		indexes = append(indexes, idx)
	}
	d.items = make(map[int]int)
	d.parts = make(map[responsesPartKey]int)
	sort.Ints(indexes)
	events := make([]ir.StreamEvent, 0, len(indexes))
	for _, idx := range indexes {
		events = append(events, ir.BlockStopEvent(idx))
	}
	return events
}

func responsesEnvelopeMessage(resp *responsesResponse) *ir.Response {
	if resp == nil {
		return &ir.Response{}
	}
	return &ir.Response{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.CreatedAt,
		Usage:   responsesUsageToIR(resp.Usage),
	}
}

// responsesStreamBlock tracks one in-flight output item on the encoder side.
type responsesStreamBlock struct {
	kind        ir.BlockKind
	itemID      string
	outputIndex int
	callID      string
	name        string
	text        strings.Builder
	args        strings.Builder
	thinking    strings.Builder
	signature   string
	closed      bool
}

// responsesStreamEncoder renders IR events as Responses API SSE frames. It
// assembles per-item text and arguments so the .done events and the final
// response snapshot carry the accumulated values the protocol promises.
type responsesStreamEncoder struct {
	opts EncodeOptions

	id         string
	model      string
	created    int64
	seq        int64
	nextOutput int
	blocks     map[int]*responsesStreamBlock
	order      []int

	usage ir.Usage
	stop  ir.StopReason

	sentCreated bool
	sentDone    bool
}

func (e *responsesStreamEncoder) Encode(ev ir.StreamEvent) ([]StreamChunk, error) {
	switch ev.Type {
	case ir.EventMessageStart:
		if e.sentCreated {
			return nil, nil
		}
		return e.start(ev.Message), nil

	case ir.EventContentBlockStart:
		if e.sentDone || ev.Block == nil {
			return nil, nil
		}
		var chunks []StreamChunk
		if !e.sentCreated {
			chunks = e.start(nil)
		}
		return append(chunks, e.blockStart(ev.Index, *ev.Block)...), nil

	case ir.EventContentBlockDelta:
		if e.sentDone {
			return nil, nil
		}
		var chunks []StreamChunk
		if !e.sentCreated {
			chunks = e.start(nil)
		}
		block, ok := e.blocks[ev.Index]
		if !ok {
			chunks = append(chunks, e.blockStart(ev.Index, syntheticBlockForDelta(ev))...)
			block = e.blocks[ev.Index]
		}
		return append(chunks, e.blockDelta(block, ev)...), nil

	case ir.EventContentBlockStop:
		block, ok := e.blocks[ev.Index]
		if !ok || block.closed {
			return nil, nil
		}
		return e.blockStop(block), nil

	case ir.EventMessageDelta:
		if ev.StopReason != "" {
			e.stop = ev.StopReason
		}
		e.mergeUsage(ev.Usage)
		return nil, nil

	case ir.EventMessageStop, ir.EventDone:
		return e.finish(), nil

	case ir.EventError:
		if e.sentDone {
			return nil, nil
		}
		e.sentDone = true
		errType, errMsg := "api_error", "upstream stream error"
		if ev.Err != nil {
			if ev.Err.Type != "" {
				errType = ev.Err.Type
			}
			if ev.Err.Message != "" {
				errMsg = ev.Err.Message
			}
		}
		return []StreamChunk{
			e.chunk(responsesEventError, map[string]any{
				"type":    responsesEventError,
				"code":    errType,
				"message": errMsg,
			}),
			{Data: []byte(doneSentinel)},
		}, nil

	default:
		return nil, nil
	}
}

func (e *responsesStreamEncoder) start(msg *ir.Response) []StreamChunk {
	e.sentCreated = true
	e.id = "resp_" + uuid.NewString()
	e.model = e.opts.TargetModel
	e.created = time.Now().Unix()
	if msg != nil {
		if msg.ID != "" {
			e.id = msg.ID
		}
		e.model = e.opts.Model(msg.Model)
		if msg.Created != 0 {
			e.created = msg.Created
		}
		e.mergeUsage(msg.Usage)
	}
	return []StreamChunk{e.chunk(responsesEventCreated, map[string]any{
		"type":     responsesEventCreated,
		"response": e.snapshot(responsesStatusInProgress, false),
	})}
}

func (e *responsesStreamEncoder) blockStart(index int, block ir.ContentBlock) []StreamChunk {
	state := &responsesStreamBlock{
		kind:        block.Kind,
		outputIndex: e.nextOutput,
		callID:      block.ID,
		name:        block.Name,
	}
	e.nextOutput++
	e.blocks[index] = state
	e.order = append(e.order, index)

	switch block.Kind {
	case ir.BlockToolUse:
		state.itemID = "fc_" + uuid.NewString()
		if state.callID == "" {
			state.callID = "call_" + uuid.NewString()
		}
		return []StreamChunk{e.chunk(responsesEventOutputItemAdded, map[string]any{
			"type":         responsesEventOutputItemAdded,
			"output_index": state.outputIndex,
			"item": responsesItem{
				Type:      responsesItemFunctionCall,
				ID:        state.itemID,
				CallID:    state.callID,
				Name:      state.name,
				Status:    responsesStatusInProgress,
				Arguments: "",
			},
		})}
	case ir.BlockThinking:
		state.itemID = "rs_" + uuid.NewString()
		state.signature = block.Signature
		return []StreamChunk{e.chunk(responsesEventOutputItemAdded, map[string]any{
			"type":         responsesEventOutputItemAdded,
			"output_index": state.outputIndex,
			"item": responsesItem{
				Type: responsesItemReasoning,
				ID:   state.itemID,
			},
		})}
	default:
		state.kind = ir.BlockText
		state.itemID = "msg_" + uuid.NewString()
		return []StreamChunk{
			e.chunk(responsesEventOutputItemAdded, map[string]any{
				"type":         responsesEventOutputItemAdded,
				"output_index": state.outputIndex,
				"item": map[string]any{
					"type":    responsesItemMessage,
					"id":      state.itemID,
					"status":  responsesStatusInProgress,
					"role":    "assistant",
					"content": []any{},
				},
			}),
			e.chunk(responsesEventContentPartAdded, map[string]any{
				"type":          responsesEventContentPartAdded,
				"item_id":       state.itemID,
				"output_index":  state.outputIndex,
				"content_index": 0,
				"part":          responsesPart{Type: "output_text", Text: ""},
			}),
		}
	}
}

func (e *responsesStreamEncoder) blockDelta(block *responsesStreamBlock, ev ir.StreamEvent) []StreamChunk {
	switch ev.Delta {
	case ir.DeltaText:
		block.text.WriteString(ev.Text)
		return []StreamChunk{e.chunk(responsesEventOutputTextDelta, map[string]any{
			"type":          responsesEventOutputTextDelta,
			"item_id":       block.itemID,
			"output_index":  block.outputIndex,
			"content_index": 0,
			"delta":         ev.Text,
		})}
	case ir.DeltaInputJSON:
		block.args.WriteString(ev.PartialJSON)
		return []StreamChunk{e.chunk(responsesEventFuncArgsDelta, map[string]any{
			"type":         responsesEventFuncArgsDelta,
			"item_id":      block.itemID,
			"output_index": block.outputIndex,
			"delta":        ev.PartialJSON,
		})}
	case ir.DeltaThinking:
		if ev.Signature != "" {
			block.signature = ev.Signature
		}
		if ev.Text == "" {
			return nil
		}
		block.thinking.WriteString(ev.Text)
		return []StreamChunk{e.chunk(responsesEventReasoningDelta, map[string]any{
			"type":          responsesEventReasoningDelta,
			"item_id":       block.itemID,
			"output_index":  block.outputIndex,
			"summary_index": 0,
			"delta":         ev.Text,
		})}
	default:
		return nil
	}
}

func (e *responsesStreamEncoder) blockStop(block *responsesStreamBlock) []StreamChunk {
	block.closed = true
	switch block.kind {
	case ir.BlockToolUse:
		args := block.args.String()
		if args == "" {
			args = "{}"
		}
		return []StreamChunk{
			e.chunk(responsesEventFuncArgsDone, map[string]any{
				"type":         responsesEventFuncArgsDone,
				"item_id":      block.itemID,
				"output_index": block.outputIndex,
				"arguments":    args,
			}),
			e.chunk(responsesEventOutputItemDone, map[string]any{
				"type":         responsesEventOutputItemDone,
				"output_index": block.outputIndex,
				"item":         e.functionCallItem(block),
			}),
		}
	case ir.BlockThinking:
		return []StreamChunk{e.chunk(responsesEventOutputItemDone, map[string]any{
			"type":         responsesEventOutputItemDone,
			"output_index": block.outputIndex,
			"item":         e.reasoningItem(block),
		})}
	default:
		text := block.text.String()
		return []StreamChunk{
			e.chunk(responsesEventOutputTextDone, map[string]any{
				"type":          responsesEventOutputTextDone,
				"item_id":       block.itemID,
				"output_index":  block.outputIndex,
				"content_index": 0,
				"text":          text,
			}),
			e.chunk(responsesEventContentPartDone, map[string]any{
				"type":          responsesEventContentPartDone,
				"item_id":       block.itemID,
				"output_index":  block.outputIndex,
				"content_index": 0,
				"part":          responsesPart{Type: "output_text", Text: text},
			}),
			e.chunk(responsesEventOutputItemDone, map[string]any{
				"type":         responsesEventOutputItemDone,
				"output_index": block.outputIndex,
				"item":         e.messageItem(block),
			}),
		}
	}
}

// finish closes any open items, emits the terminal response snapshot event
// and the [DONE] sentinel exactly once.
func (e *responsesStreamEncoder) finish() []StreamChunk {
	if e.sentDone {
		return nil
	}
	e.sentDone = true

	var chunks []StreamChunk
	if !e.sentCreated {
		chunks = e.start(nil)
	}
	for _, idx := range e.order {
		if block := e.blocks[idx]; !block.closed {
			chunks = append(chunks, e.blockStop(block)...)
		}
	}

	status := responsesStatusCompleted
	eventType := responsesEventCompleted
	var incomplete *responsesIncomplete
	switch e.stop {
	case ir.StopMaxTokens:
		status = responsesStatusIncomplete
		eventType = responsesEventIncomplete
		incomplete = &responsesIncomplete{Reason: "max_output_tokens"}
	case ir.StopContentFilter:
		status = responsesStatusIncomplete
		eventType = responsesEventIncomplete
		incomplete = &responsesIncomplete{Reason: "content_filter"}
	}

	snapshot := e.snapshot(status, true)
	snapshot.IncompleteDetails = incomplete
	chunks = append(chunks, e.chunk(eventType, map[string]any{
		"type":     eventType,
		"response": snapshot,
	}))
	return append(chunks, StreamChunk{Data: []byte(doneSentinel)})
}

// snapshot builds the response object carried by response.created and the
// terminal event. withOutput includes the assembled output items and usage.
func (e *responsesStreamEncoder) snapshot(status string, withOutput bool) *responsesResponse {
	resp := &responsesResponse{
		ID:        e.id,
		Object:    "response",
		CreatedAt: e.created,
		Status:    status,
		Model:     e.model,
		Output:    []responsesItem{},
	}
	if !withOutput {
		return resp
	}
	for _, idx := range e.order {
		block := e.blocks[idx]
		switch block.kind {
		case ir.BlockToolUse:
			resp.Output = append(resp.Output, e.functionCallItem(block))
		case ir.BlockThinking:
			resp.Output = append(resp.Output, e.reasoningItem(block))
		default:
			resp.Output = append(resp.Output, e.messageItem(block))
		}
	}
	resp.Usage = irUsageToResponses(&e.usage)
	return resp
}

func (e *responsesStreamEncoder) functionCallItem(block *responsesStreamBlock) responsesItem {
	args := block.args.String()
	if args == "" {
		args = "{}"
	}
	return responsesItem{
		Type:      responsesItemFunctionCall,
		ID:        block.itemID,
		CallID:    block.callID,
		Name:      block.name,
		Arguments: args,
		Status:    responsesStatusCompleted,
	}
}

func (e *responsesStreamEncoder) reasoningItem(block *responsesStreamBlock) responsesItem {
	item := responsesItem{
		Type:             responsesItemReasoning,
		ID:               block.itemID,
		EncryptedContent: block.signature,
	}
	if block.thinking.Len() > 0 {
		item.Summary = []responsesSummaryPart{{Type: "summary_text", Text: block.thinking.String()}}
	}
	return item
}

func (e *responsesStreamEncoder) messageItem(block *responsesStreamBlock) responsesItem {
	raw, _ := json.Marshal([]responsesPart{{Type: "output_text", Text: block.text.String()}})
	return responsesItem{
		Type:    responsesItemMessage,
		ID:      block.itemID,
		Status:  responsesStatusCompleted,
		Role:    "assistant",
		Content: raw,
	}
}

func (e *responsesStreamEncoder) mergeUsage(u *ir.Usage) {
	if u == nil {
		return
	}
	if u.InputTokens > 0 {
		e.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		e.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheReadTokens > 0 {
		e.usage.CacheReadTokens = u.CacheReadTokens
	}
	if u.ReasoningTokens > 0 {
		e.usage.ReasoningTokens = u.ReasoningTokens
	}
}

// chunk marshals one event frame, stamping the monotonic sequence number.
func (e *responsesStreamEncoder) chunk(event string, payload map[string]any) StreamChunk {
	e.seq++
	payload["sequence_number"] = e.seq
	data, _ := json.Marshal(payload)
	return StreamChunk{Event: event, Data: data}
}
