package stream

import (
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/protocol/token"
)

// Pipeline is the per-stream frame processor the gateway drives: Translator
// for cross-protocol requests, Passthrough for identity ones. Process
// handles one upstream frame; Finish flushes pending framing after the
// upstream ends; Fail renders an upstream failure in the client protocol.
type Pipeline interface {
	Process(chunk protocol.StreamChunk) ([]protocol.StreamChunk, error)
	Finish() ([]protocol.StreamChunk, error)
	Fail(errType, message string) ([]protocol.StreamChunk, error)
	Usage() ir.Usage
}

// Translator converts an upstream stream into the client's protocol: the
// source decoder lifts frames into IR events and the target encoder renders
// them with its own framing state. The encoder owns the one-shot framing
// latches and tool index maps, so the translator never emits message_start
// or a terminator twice. A StreamCounter rides along so streams that end
// without reported usage still produce an output estimate.
type Translator struct {
	dec      protocol.StreamDecoder
	enc      protocol.StreamEncoder
	counter  *token.StreamCounter
	injected bool
}

// NewTranslator composes a decoder and an encoder for one stream. counter
// may be nil when the caller does not need usage accounting.
func NewTranslator(dec protocol.StreamDecoder, enc protocol.StreamEncoder, counter *token.StreamCounter) *Translator {
	return &Translator{dec: dec, enc: enc, counter: counter}
}

// Process converts one upstream frame into zero or more downstream frames.
func (t *Translator) Process(chunk protocol.StreamChunk) ([]protocol.StreamChunk, error) {
	events, err := t.dec.Decode(chunk)
	if err != nil {
		return nil, err
	}
	return t.encode(events)
}

func (t *Translator) encode(events []ir.StreamEvent) ([]protocol.StreamChunk, error) {
	var out []protocol.StreamChunk
	for _, ev := range events {
		if t.counter != nil {
			t.counter.Consume(ev)
		}
		if ev.Type == ir.EventMessageStop {
			estimated, err := t.estimateUsage()
			if err != nil {
				return out, err
			}
			out = append(out, estimated...)
		}
		chunks, err := t.enc.Encode(ev)
		if err != nil {
			return out, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// estimateUsage feeds a usage-bearing message_delta to the encoder ahead of
// the terminator when the upstream never reported output tokens. Encoders
// merge it into their final frame (the held message_delta, the finish
// chunk, or the response snapshot).
func (t *Translator) estimateUsage() ([]protocol.StreamChunk, error) {
	if t.injected || t.counter == nil || t.counter.HasReportedOutput() {
		return nil, nil
	}
	t.injected = true
	usage := t.counter.Usage()
	return t.enc.Encode(ir.MessageDeltaEvent("", &usage))
}

// Finish flushes pending framing when the upstream ends without its own
// terminator. Safe to call after a clean termination; the encoder latches
// make it a no-op then.
func (t *Translator) Finish() ([]protocol.StreamChunk, error) {
	chunks, err := t.estimateUsage()
	if err != nil {
		return chunks, err
	}
	more, err := t.enc.Encode(ir.MessageStopEvent())
	return append(chunks, more...), err
}

// Fail renders an upstream failure as a client-protocol error event plus
// terminator. Used when the upstream breaks after frames have been sent.
func (t *Translator) Fail(errType, message string) ([]protocol.StreamChunk, error) {
	return t.enc.Encode(ir.ErrorEvent(errType, message))
}

// Usage returns the stream's final token accounting.
func (t *Translator) Usage() ir.Usage {
	if t.counter == nil {
		return ir.Usage{}
	}
	return t.counter.Usage()
}
