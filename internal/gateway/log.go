package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/pricing"
	"github.com/tingly-dev/tingly-relay/internal/protocol/ir"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// maxLoggedBody bounds persisted request and response bodies.
const maxLoggedBody = 16 << 10

const logWriteTimeout = 5 * time.Second

// redactedHeaders are persisted with their values blanked.
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"x-api-key":           {},
	"x-goog-api-key":      {},
	"proxy-authorization": {},
	"cookie":              {},
}

func redactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, secret := redactedHeaders[strings.ToLower(name)]; secret {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = values[0]
	}
	return out
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

// writeLog persists the request log under a cancellation shield so a client
// disconnect cannot drop the record.
func (g *Gateway) writeLog(ctx context.Context, lg *typ.RequestLog) {
	if g.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	if err := g.logs.Create(ctx, lg); err != nil {
		logrus.WithError(err).WithField("request", lg.ID).Warn("request log write failed")
	}
}

// recordUsage folds final token accounting into the log and prices the
// attempt against the candidate's resolved billing.
func recordUsage(lg *typ.RequestLog, cand *typ.CandidateProvider, usage ir.Usage, images int64) {
	if usage.InputTokens > 0 {
		lg.InputTokens = usage.InputTokens
	}
	if usage.OutputTokens > 0 {
		lg.OutputTokens = usage.OutputTokens
	}
	if cand == nil {
		return
	}
	rb := pricing.Resolve(cand.ModelBilling, cand.ProviderBilling)
	cost := pricing.Calculate(rb, pricing.CostInput{
		InputTokens:       lg.InputTokens,
		OutputTokens:      lg.OutputTokens,
		CachedInputTokens: usage.CacheReadTokens,
		Images:            images,
	})
	lg.Cost = cost.Total.Decimal()
	lg.PriceSource = string(cost.Source)
}
