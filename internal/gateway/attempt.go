package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/relay"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// anthropicDefaultMaxTokens is injected into identity Anthropic bodies that
// omit max_tokens, mirroring what the encoder does on translated requests.
const anthropicDefaultMaxTokens = 4096

// attemptFunc builds the executor closure for one request: translate toward
// the candidate's protocol, forward, and hand any live stream straight back.
// Translation failures surface as synthetic 400s so the executor fails over
// without burning the candidate's retry budget on a request it can never
// express.
func (g *Gateway) attemptFunc(req *Request, irReq *ir.Request) relay.ForwardFunc {
	return func(ctx context.Context, cand *typ.CandidateProvider) (*llmclient.ProviderResponse, *llmclient.StreamConn, error) {
		body, err := g.candidateBody(ctx, req, irReq, cand)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"provider": cand.Provider.Name,
				"target":   cand.Provider.Protocol,
			}).WithError(err).Warn("request translation failed")
			return &llmclient.ProviderResponse{StatusCode: http.StatusBadRequest, Err: err}, nil, nil
		}

		spec := g.forwardSpec(req, cand, body, irReq.Stream)
		if irReq.Stream {
			return g.forwarder.ForwardStream(ctx, spec)
		}
		resp, ferr := g.forwarder.Forward(ctx, spec)
		return resp, nil, ferr
	}
}

// candidateBody renders the request for one candidate. Identity conversions
// stay on the raw client bytes; everything else goes through the IR.
func (g *Gateway) candidateBody(ctx context.Context, req *Request, irReq *ir.Request, cand *typ.CandidateProvider) ([]byte, error) {
	target := cand.Provider.Protocol
	if target == req.Protocol {
		return identityBody(target, req.Body, cand.TargetModel)
	}

	codec, err := g.registry.Lookup(target)
	if err != nil {
		return nil, err
	}
	out := irReq
	if target == protocol.ProtocolAnthropic {
		out = g.conts.Restore(ctx, irReq)
	}
	return codec.EncodeRequest(out, protocol.EncodeOptions{
		TargetModel: cand.TargetModel,
		Source:      req.Protocol,
	})
}

// identityBody prepares a same-protocol passthrough body: the stored target
// model replaces the requested name, deprecated OpenAI tooling fields are
// normalized, and Anthropic targets get a default max_tokens when the
// client sent none.
func identityBody(p protocol.Protocol, body []byte, targetModel string) ([]byte, error) {
	out, err := sjson.SetBytes(body, "model", targetModel)
	if err != nil {
		return nil, protocol.NewInvalidRequest("request body is not valid JSON: %v", err)
	}
	switch p {
	case protocol.ProtocolOpenAI:
		out = protocol.NormalizeOpenAILegacyFunctions(out)
	case protocol.ProtocolAnthropic:
		if !gjson.GetBytes(out, "max_tokens").Exists() {
			out, _ = sjson.SetBytes(out, "max_tokens", anthropicDefaultMaxTokens)
		}
	}
	return out, nil
}

// forwardSpec assembles the wire call for one candidate.
func (g *Gateway) forwardSpec(req *Request, cand *typ.CandidateProvider, body []byte, streaming bool) llmclient.ForwardSpec {
	prov := cand.Provider

	timeout := g.defaultTimeout
	if prov.Timeout > 0 {
		timeout = time.Duration(prov.Timeout) * time.Second
	}

	headers := http.Header{}
	if prov.Protocol == protocol.ProtocolAnthropic {
		if v := req.Headers.Get("anthropic-version"); v != "" {
			headers.Set("anthropic-version", v)
		}
		if v := req.Headers.Get("anthropic-beta"); v != "" {
			headers.Set("anthropic-beta", v)
		}
	}

	return llmclient.ForwardSpec{
		BaseURL:      prov.BaseURL,
		Path:         prov.Protocol.ChatPath(),
		Protocol:     prov.Protocol,
		APIKey:       prov.APIKey,
		Headers:      headers,
		ExtraHeaders: prov.ExtraHeaders,
		Body:         body,
		Stream:       streaming,
		ProxyURL:     prov.ProxyURL,
		Timeout:      timeout,
		ProviderName: prov.Name,
		Model:        cand.TargetModel,
	}
}
