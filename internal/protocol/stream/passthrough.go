package stream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/protocol/token"
)

// Passthrough forwards identity-protocol frames untouched except for the
// response model name, while feeding the protocol's own decoder to harvest
// usage for the request log. Harvesting is best-effort: frames the decoder
// rejects are forwarded anyway.
type Passthrough struct {
	dec     protocol.StreamDecoder
	enc     protocol.StreamEncoder
	counter *token.StreamCounter
	model   string
	paths   []string
}

// NewPassthrough builds the identity handler for codec's protocol. model,
// when non-empty, replaces the upstream model name on frames that carry
// one, so clients see the name they asked for rather than the supplier's.
func NewPassthrough(codec protocol.Codec, model string, counter *token.StreamCounter) *Passthrough {
	return &Passthrough{
		dec:     codec.NewStreamDecoder(),
		enc:     codec.NewStreamEncoder(protocol.EncodeOptions{TargetModel: model}),
		counter: counter,
		model:   model,
		paths:   modelPaths(codec.Protocol()),
	}
}

// modelPaths lists where each protocol's stream frames carry a model name.
func modelPaths(p protocol.Protocol) []string {
	switch p {
	case protocol.ProtocolOpenAI:
		return []string{"model"}
	case protocol.ProtocolOpenAIResponse:
		return []string{"response.model"}
	case protocol.ProtocolAnthropic:
		return []string{"message.model"}
	default:
		return nil
	}
}

// Process harvests usage from one frame and forwards it with the model name
// substituted.
func (p *Passthrough) Process(chunk protocol.StreamChunk) ([]protocol.StreamChunk, error) {
	if events, err := p.dec.Decode(chunk); err == nil && p.counter != nil {
		for _, ev := range events {
			p.counter.Consume(ev)
		}
	}
	return []protocol.StreamChunk{p.rewrite(chunk)}, nil
}

func (p *Passthrough) rewrite(chunk protocol.StreamChunk) protocol.StreamChunk {
	if p.model == "" || len(p.paths) == 0 {
		return chunk
	}
	data := chunk.Data
	if len(data) == 0 || data[0] != '{' {
		// [DONE] and other sentinels pass through verbatim.
		return chunk
	}
	for _, path := range p.paths {
		if gjson.GetBytes(data, path).Exists() {
			if updated, err := sjson.SetBytes(data, path, p.model); err == nil {
				data = updated
			}
		}
	}
	return protocol.StreamChunk{Event: chunk.Event, Data: data}
}

// Finish is a no-op: passthrough never synthesizes frames the upstream did
// not send.
func (p *Passthrough) Finish() ([]protocol.StreamChunk, error) {
	return nil, nil
}

// Fail renders an upstream failure as a protocol-shaped error frame so the
// client is not left waiting on a dead stream.
func (p *Passthrough) Fail(errType, message string) ([]protocol.StreamChunk, error) {
	return p.enc.Encode(ir.ErrorEvent(errType, message))
}

// Usage returns the harvested accounting.
func (p *Passthrough) Usage() ir.Usage {
	if p.counter == nil {
		return ir.Usage{}
	}
	return p.counter.Usage()
}
