package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/relay"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// unaryReply turns the executor's terminal unary outcome into the client's
// reply. Real upstream bodies pass through verbatim on failure; successes
// are translated back (or model-rewritten on identity); synthetic outcomes
// get a shaped error envelope.
func (g *Gateway) unaryReply(ctx context.Context, req *Request, irReq *ir.Request, clientCodec protocol.Codec, res *relay.Result, lg *typ.RequestLog, images int64) *Reply {
	pr := res.Response
	lg.FirstByteDelayMs = pr.FirstByteDelayMs
	if pr.TotalTimeMs > 0 {
		lg.TotalTimeMs = pr.TotalTimeMs
	}

	if pr.Err != nil {
		return g.syntheticReply(req.Protocol, pr, lg)
	}
	if !pr.IsSuccess() {
		lg.ErrorInfo = fmt.Sprintf("upstream status %d", pr.StatusCode)
		return &Reply{
			Status:      pr.StatusCode,
			ContentType: passthroughContentType(pr.Headers),
			Body:        pr.Body,
		}
	}

	target := res.Candidate.Provider.Protocol
	if target == req.Protocol {
		return g.identityUnary(irReq, clientCodec, res, lg, images)
	}

	targetCodec, err := g.registry.Lookup(target)
	if err != nil {
		return g.errorReply(req.Protocol, http.StatusBadGateway, protocol.CodeConversionError,
			"upstream response could not be converted", lg)
	}
	irResp, err := targetCodec.DecodeResponse(pr.Body)
	if err != nil {
		logrus.WithError(err).WithField("provider", res.Candidate.Provider.Name).
			Warn("upstream response decode failed")
		return g.errorReply(req.Protocol, http.StatusBadGateway, protocol.CodeConversionError,
			"upstream response could not be converted", lg)
	}

	// Signatures on thinking blocks cannot cross into protocols without a
	// slot for them; park them for the conversation's next turn.
	g.conts.Save(ctx, irResp.Content)

	body, err := clientCodec.EncodeResponse(irResp, protocol.EncodeOptions{
		TargetModel: irReq.Model,
		Source:      target,
	})
	if err != nil {
		logrus.WithError(err).Warn("response conversion failed")
		return g.errorReply(req.Protocol, http.StatusBadGateway, protocol.CodeConversionError,
			"response conversion failed", lg)
	}

	usage := usageOf(irResp)
	if usage.OutputTokens == 0 {
		usage.OutputTokens = g.counter.CountResponse(irResp)
	}
	recordUsage(lg, res.Candidate, usage, images)

	return &Reply{Status: pr.StatusCode, ContentType: "application/json", Body: body}
}

// identityUnary passes a same-protocol success through with the model name
// the client asked for, harvesting usage from the body for the log.
func (g *Gateway) identityUnary(irReq *ir.Request, clientCodec protocol.Codec, res *relay.Result, lg *typ.RequestLog, images int64) *Reply {
	pr := res.Response

	body := pr.Body
	if gjson.GetBytes(body, "model").Exists() {
		if updated, err := sjson.SetBytes(body, "model", irReq.Model); err == nil {
			body = updated
		}
	}

	var usage ir.Usage
	if irResp, err := clientCodec.DecodeResponse(pr.Body); err == nil {
		usage = usageOf(irResp)
		if usage.OutputTokens == 0 {
			usage.OutputTokens = g.counter.CountResponse(irResp)
		}
	}
	recordUsage(lg, res.Candidate, usage, images)

	return &Reply{Status: pr.StatusCode, ContentType: "application/json", Body: body}
}

func usageOf(resp *ir.Response) ir.Usage {
	if resp == nil || resp.Usage == nil {
		return ir.Usage{}
	}
	return *resp.Usage
}

func passthroughContentType(h http.Header) string {
	if ct := h.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}
