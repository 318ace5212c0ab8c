package ir

// EventType tags a stream event. The vocabulary mirrors Anthropic's SSE
// shape, which is the richer of the two framings and therefore canonical.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
	// EventDone marks the end of the upstream byte stream itself; encoders
	// translate it into the target terminator when framing events are still
	// pending.
	EventDone EventType = "done"
)

// DeltaType discriminates content_block_delta payloads.
type DeltaType string

const (
	DeltaText      DeltaType = "text"
	DeltaInputJSON DeltaType = "input_json"
	DeltaThinking  DeltaType = "thinking"
)

// StreamError carries an error surfaced inside a stream.
type StreamError struct {
	Type    string
	Message string
}

// StreamEvent is the tagged sum over stream event variants. Only the fields
// of the active Type are meaningful.
type StreamEvent struct {
	Type EventType

	// EventMessageStart: the initial envelope (id, model, usage so far).
	Message *Response

	// EventContentBlockStart / Delta / Stop
	Index int
	Block *ContentBlock

	// EventContentBlockDelta
	Delta       DeltaType
	Text        string // DeltaText and DeltaThinking payloads
	PartialJSON string // DeltaInputJSON payload
	Signature   string // thinking signature delta, empty otherwise

	// EventMessageDelta
	StopReason   StopReason
	StopSequence string
	Usage        *Usage

	// EventError
	Err *StreamError
}

// MessageStartEvent builds the opening envelope event.
func MessageStartEvent(msg *Response) StreamEvent {
	return StreamEvent{Type: EventMessageStart, Message: msg}
}

// BlockStartEvent announces content block index with its initial shape.
func BlockStartEvent(index int, block ContentBlock) StreamEvent {
	return StreamEvent{Type: EventContentBlockStart, Index: index, Block: &block}
}

// TextDeltaEvent carries a text fragment for an open block.
func TextDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: index, Delta: DeltaText, Text: text}
}

// InputJSONDeltaEvent carries a tool-argument JSON fragment.
func InputJSONDeltaEvent(index int, fragment string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: index, Delta: DeltaInputJSON, PartialJSON: fragment}
}

// ThinkingDeltaEvent carries a reasoning fragment.
func ThinkingDeltaEvent(index int, text string) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: index, Delta: DeltaThinking, Text: text}
}

// BlockStopEvent closes a content block.
func BlockStopEvent(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: index}
}

// MessageDeltaEvent carries the stop reason and final usage.
func MessageDeltaEvent(reason StopReason, usage *Usage) StreamEvent {
	return StreamEvent{Type: EventMessageDelta, StopReason: reason, Usage: usage}
}

// MessageStopEvent terminates the logical message.
func MessageStopEvent() StreamEvent {
	return StreamEvent{Type: EventMessageStop}
}

// ErrorEvent surfaces a mid-stream failure.
func ErrorEvent(errType, message string) StreamEvent {
	return StreamEvent{Type: EventError, Err: &StreamError{Type: errType, Message: message}}
}

// DoneEvent marks upstream byte-stream exhaustion.
func DoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone}
}
