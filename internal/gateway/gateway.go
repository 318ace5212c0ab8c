// Package gateway orchestrates one relay request end to end: decode the
// client protocol, resolve the model mapping to candidate providers, drive
// the failover executor with per-candidate translation, and write exactly
// one request log whether the request succeeded, failed or streamed.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/kv"
	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/loadbalance"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/protocol/token"
	"github.com/tingly-dev/tingly-relay/internal/relay"
	"github.com/tingly-dev/tingly-relay/internal/routing"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// defaultUpstreamTimeout bounds one upstream call when the provider record
// does not set its own. Generous because unary completions can run minutes.
const defaultUpstreamTimeout = 300 * time.Second

// ModelRepo resolves logical model names. Lookups that find nothing return
// nil with a nil error; errors are reserved for the backend itself failing.
type ModelRepo interface {
	GetMapping(ctx context.Context, requestedModel string) (*typ.ModelMapping, error)
	GetProviderMappings(ctx context.Context, requestedModel string, activeOnly bool) ([]typ.ProviderMapping, error)
}

// ProviderRepo loads provider records by id. Missing ids return nil, nil.
type ProviderRepo interface {
	GetByID(ctx context.Context, id string) (*typ.Provider, error)
}

// LogRepo persists request logs.
type LogRepo interface {
	Create(ctx context.Context, rec *typ.RequestLog) error
}

// Forwarder is the wire-client surface the gateway drives. Implemented by
// llmclient.Forwarder; redeclared here so tests can script upstreams.
type Forwarder interface {
	Forward(ctx context.Context, spec llmclient.ForwardSpec) (*llmclient.ProviderResponse, error)
	ForwardStream(ctx context.Context, spec llmclient.ForwardSpec) (*llmclient.ProviderResponse, *llmclient.StreamConn, error)
}

// Config wires a Gateway. Models, Providers and Forwarder are required.
type Config struct {
	Models    ModelRepo
	Providers ProviderRepo
	Logs      LogRepo
	Forwarder Forwarder

	// Reporter receives per-attempt provider outcomes; usually the health
	// monitor. Optional.
	Reporter relay.Reporter

	// KV enables thinking-signature continuation across protocol
	// boundaries. Optional.
	KV kv.Store

	// ContinuationTTL overrides how long parked signatures stay valid.
	// Zero keeps the default.
	ContinuationTTL time.Duration

	// DefaultTimeout bounds one upstream call when the provider record has
	// no timeout of its own.
	DefaultTimeout time.Duration

	// DefaultMaxRetries is the per-candidate retry count (beyond the first
	// attempt) applied to provider mappings that leave max_retries unset.
	DefaultMaxRetries int

	// DefaultRetryDelay is the pause between same-candidate attempts for
	// mappings that leave retry_delay_ms unset.
	DefaultRetryDelay time.Duration
}

// Request is one client call as the transport layer hands it over.
type Request struct {
	// Protocol is the client protocol implied by the route.
	Protocol protocol.Protocol
	Body     []byte
	Headers  http.Header
	APIKeyID string
	TraceID  string
}

// StreamFunc writes the streaming response body. flush is called after each
// frame batch so SSE frames leave the process promptly.
type StreamFunc func(ctx context.Context, w io.Writer, flush func()) error

// Reply is the gateway's answer. Either Body or Stream is set; a non-nil
// Stream must be pumped exactly once by the transport, since the pump also
// writes the request log.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      StreamFunc
}

// Gateway is the request orchestrator.
type Gateway struct {
	registry   *protocol.Registry
	counter    *token.Counter
	strategies *loadbalance.Strategies
	executor   *relay.Executor
	conts      *Continuations

	models    ModelRepo
	providers ProviderRepo
	logs      LogRepo
	forwarder Forwarder

	defaultTimeout    time.Duration
	defaultMaxRetries int
	defaultRetryDelay time.Duration
}

// New builds a Gateway from its collaborators.
func New(cfg Config) (*Gateway, error) {
	if cfg.Models == nil || cfg.Providers == nil {
		return nil, fmt.Errorf("gateway: model and provider repos are required")
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("gateway: forwarder is required")
	}
	counter, err := token.NewCounter()
	if err != nil {
		return nil, fmt.Errorf("gateway: token counter: %w", err)
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Gateway{
		registry:          protocol.NewRegistry(),
		counter:           counter,
		strategies:        loadbalance.NewStrategies(),
		executor:          relay.NewExecutor(cfg.Reporter),
		conts:             NewContinuations(cfg.KV, cfg.ContinuationTTL),
		models:            cfg.Models,
		providers:         cfg.Providers,
		logs:              cfg.Logs,
		forwarder:         cfg.Forwarder,
		defaultTimeout:    timeout,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		defaultRetryDelay: cfg.DefaultRetryDelay,
	}, nil
}

// Handle runs one request. It always returns a reply; failures are shaped
// into the client protocol's error envelope. Unary requests are logged
// before Handle returns, streaming ones when the pump finishes.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Reply {
	start := time.Now()
	lg := &typ.RequestLog{
		ID:             uuid.NewString(),
		TraceID:        req.TraceID,
		RequestTime:    start,
		APIKeyID:       req.APIKeyID,
		ClientProtocol: string(req.Protocol),
		RequestHeaders: redactHeaders(req.Headers),
		RequestBody:    clip(string(req.Body), maxLoggedBody),
	}

	reply := g.dispatch(ctx, req, lg, start)

	if reply.Stream == nil {
		lg.ResponseStatus = reply.Status
		if lg.TotalTimeMs == 0 {
			lg.TotalTimeMs = time.Since(start).Milliseconds()
		}
		if lg.ResponseBody == "" && len(reply.Body) > 0 {
			lg.ResponseBody = clip(string(reply.Body), maxLoggedBody)
		}
		if ctx.Err() != nil && lg.ErrorInfo == "" {
			lg.ErrorInfo = "client_disconnected"
		}
		g.writeLog(ctx, lg)
	}
	return reply
}

func (g *Gateway) dispatch(ctx context.Context, req *Request, lg *typ.RequestLog, start time.Time) *Reply {
	clientCodec, err := g.registry.Lookup(req.Protocol)
	if err != nil {
		return g.errorReply(req.Protocol, http.StatusBadRequest, protocol.CodeUnsupportedConversion,
			fmt.Sprintf("unsupported client protocol %q", req.Protocol), lg)
	}

	irReq, warnings, err := clientCodec.DecodeRequest(req.Body)
	if err != nil {
		return g.decodeFailure(req.Protocol, err, lg)
	}
	if len(warnings) > 0 {
		logrus.WithFields(logrus.Fields{"model": irReq.Model, "warnings": warnings}).
			Debug("request decoded with warnings")
	}
	if irReq.Model == "" {
		return g.errorReply(req.Protocol, http.StatusBadRequest, protocol.CodeInvalidRequest,
			"model is required", lg)
	}
	lg.RequestedModel = irReq.Model

	mapping, err := g.models.GetMapping(ctx, irReq.Model)
	if err != nil {
		return g.internalFailure(req.Protocol, "model lookup failed", err, lg)
	}
	if mapping == nil || !mapping.IsActive {
		return g.errorReply(req.Protocol, http.StatusNotFound, "model_not_found",
			fmt.Sprintf("model %q is not available", irReq.Model), lg)
	}

	edges, err := g.models.GetProviderMappings(ctx, irReq.Model, true)
	if err != nil {
		return g.internalFailure(req.Protocol, "provider mapping lookup failed", err, lg)
	}
	providers, err := g.loadProviders(ctx, edges)
	if err != nil {
		return g.internalFailure(req.Protocol, "provider lookup failed", err, lg)
	}

	inputTokens := g.counter.CountRequest(irReq)
	lg.InputTokens = inputTokens
	images := countImages(irReq)

	ruleCtx := &routing.Context{
		Model:   irReq.Model,
		Headers: req.Headers,
		Body:    req.Body,
		Usage:   routing.TokenUsage{InputTokens: inputTokens, TotalTokens: inputTokens},
	}

	// Model-level rules gate the whole mapping; edge and provider rules are
	// applied per candidate inside BuildCandidates.
	noProvider := func() *Reply {
		return g.errorReply(req.Protocol, http.StatusServiceUnavailable, "no_available_provider",
			fmt.Sprintf("no provider available for model %q", irReq.Model), lg)
	}
	if !routing.Evaluate(mapping.Rules, ruleCtx) {
		return noProvider()
	}
	cands := routing.BuildCandidates(mapping, edges, providers, ruleCtx)
	if len(cands) == 0 {
		return noProvider()
	}
	g.applyRetryDefaults(cands)

	extras := &loadbalance.Extras{InputTokens: inputTokens, Images: images}
	strat := g.strategies.For(mapping.Strategy)
	res := g.executor.Execute(ctx, cands, strat, irReq.Model, extras, g.attemptFunc(req, irReq))

	if cand := res.Candidate; cand != nil {
		lg.TargetModel = cand.TargetModel
		lg.TargetProtocol = string(cand.Provider.Protocol)
		lg.ProviderID = cand.Provider.ID
		lg.ProviderName = cand.Provider.Name
	}
	lg.RetryCount = res.RetryCount
	lg.MatchedProviderCount = res.MatchedProviderCount

	if res.Stream != nil {
		return g.streamReply(req, irReq, clientCodec, res, lg, start, images)
	}
	return g.unaryReply(ctx, req, irReq, clientCodec, res, lg, images)
}

func (g *Gateway) loadProviders(ctx context.Context, edges []typ.ProviderMapping) (map[string]*typ.Provider, error) {
	out := make(map[string]*typ.Provider, len(edges))
	for _, e := range edges {
		if _, ok := out[e.ProviderID]; ok {
			continue
		}
		p, err := g.providers.GetByID(ctx, e.ProviderID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out[e.ProviderID] = p
		}
	}
	return out, nil
}

// applyRetryDefaults fills server defaults into edges that left their retry
// knobs unset.
func (g *Gateway) applyRetryDefaults(cands []typ.CandidateProvider) {
	for i := range cands {
		if cands[i].MaxRetries == 0 {
			cands[i].MaxRetries = g.defaultMaxRetries
		}
		if cands[i].RetryDelayMs == 0 {
			cands[i].RetryDelayMs = g.defaultRetryDelay.Milliseconds()
		}
	}
}

func countImages(req *ir.Request) int64 {
	var n int64
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == ir.BlockImage {
				n++
			}
		}
	}
	return n
}
