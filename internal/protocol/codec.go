package protocol

import (
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
)

// StreamChunk is one wire SSE frame: the optional event name and the data
// payload. OpenAI Chat frames carry data only; Anthropic and OpenAI
// Responses frames carry both.
type StreamChunk struct {
	Event string
	Data  []byte
}

// EncodeOptions parameterizes encoding toward a target protocol.
type EncodeOptions struct {
	// TargetModel replaces the IR model name on the wire when non-empty.
	TargetModel string
	// Source is the protocol the request arrived in. Some target rules
	// depend on it, e.g. Anthropic's max_tokens default is only injected
	// for requests that did not start as Anthropic.
	Source Protocol
}

// Model returns the wire model name for an IR carrying model.
func (o EncodeOptions) Model(irModel string) string {
	if o.TargetModel != "" {
		return o.TargetModel
	}
	return irModel
}

// StreamDecoder turns one upstream SSE frame into zero or more IR stream
// events. Implementations are stateful and good for exactly one stream.
type StreamDecoder interface {
	Decode(chunk StreamChunk) ([]ir.StreamEvent, error)
}

// StreamEncoder turns one IR stream event into zero or more downstream SSE
// frames. Implementations are stateful: they own the framing latches and
// tool index bookkeeping for one stream and never emit a framing event
// twice. Feeding ir.DoneEvent flushes pending framing and the terminator.
type StreamEncoder interface {
	Encode(ev ir.StreamEvent) ([]StreamChunk, error)
}

// Codec converts between one protocol's wire format and the IR.
type Codec interface {
	Protocol() Protocol

	// DecodeRequest parses a client request body. The string slice carries
	// non-fatal decode warnings for the request log.
	DecodeRequest(body []byte) (*ir.Request, []string, error)
	EncodeRequest(req *ir.Request, opts EncodeOptions) ([]byte, error)

	DecodeResponse(body []byte) (*ir.Response, error)
	EncodeResponse(resp *ir.Response, opts EncodeOptions) ([]byte, error)

	NewStreamDecoder() StreamDecoder
	NewStreamEncoder(opts EncodeOptions) StreamEncoder
}

// Registry owns the codec table. It is built once at the application root
// and passed down; there is no package-level instance.
type Registry struct {
	codecs map[Protocol]Codec
}

// NewRegistry builds a registry with the three built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Protocol]Codec)}
	r.Register(NewOpenAIChatCodec())
	r.Register(NewOpenAIResponsesCodec())
	r.Register(NewAnthropicCodec())
	return r
}

// Register adds or replaces a codec.
func (r *Registry) Register(c Codec) {
	r.codecs[c.Protocol()] = c
}

// Lookup returns the codec for p, or a typed unsupported error.
func (r *Registry) Lookup(p Protocol) (Codec, error) {
	c, ok := r.codecs[p]
	if !ok {
		return nil, &Error{
			Kind:    KindUnsupported,
			Code:    CodeUnsupportedConversion,
			Message: "no codec registered for protocol " + string(p),
		}
	}
	return c, nil
}

// Supports reports whether a codec exists for p.
func (r *Registry) Supports(p Protocol) bool {
	_, ok := r.codecs[p]
	return ok
}
