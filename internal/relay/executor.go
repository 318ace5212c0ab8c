// Package relay walks a request across its candidate providers under the
// retry/failover policy. It owns the tried-set bookkeeping and the
// synthetic responses for local failures; what one attempt actually does
// (translation, forwarding, translating back) is the caller's closure.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/llmclient"
	"github.com/tingly-dev/tingly-relay/internal/loadbalance"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// ErrAllProvidersFailed marks exhaustion with no upstream bytes to show.
var ErrAllProvidersFailed = errors.New("all providers failed")

// ForwardFunc performs one upstream attempt for a candidate, translation
// included. A non-nil StreamConn means live bytes are about to flow
// downstream, which commits the executor to this candidate for good.
type ForwardFunc func(ctx context.Context, cand *typ.CandidateProvider) (*llmclient.ProviderResponse, *llmclient.StreamConn, error)

// Reporter receives per-attempt outcomes; health.Monitor implements it.
type Reporter interface {
	ReportSuccess(providerID, name string)
	ReportError(providerID, name string, err error)
	ReportRateLimit(providerID, name string)
	ReportAuthError(providerID, name string, statusCode int)
}

// Result is what executing one request produced.
type Result struct {
	// Candidate is the winner, or the last candidate tried on failure.
	Candidate *typ.CandidateProvider
	Response  *llmclient.ProviderResponse
	// Stream is non-nil when a live upstream stream was committed; the
	// caller pumps and closes it.
	Stream *llmclient.StreamConn
	// RetryCount is the number of forward attempts beyond the first.
	RetryCount           int
	MatchedProviderCount int
}

// Executor applies the policy table: 2xx wins; 5xx and local errors retry
// the same candidate up to its MaxRetries with RetryDelayMs between
// attempts, then fail over; 4xx fails over immediately; exhaustion returns
// the last upstream response, or a synthesized 503 when there is none.
type Executor struct {
	reporter Reporter
}

// NewExecutor builds an executor; reporter may be nil.
func NewExecutor(reporter Reporter) *Executor {
	return &Executor{reporter: reporter}
}

// Execute runs the request across candidates until one commits.
func (e *Executor) Execute(ctx context.Context, cands []typ.CandidateProvider, strat loadbalance.Strategy, model string, extras *loadbalance.Extras, forward ForwardFunc) *Result {
	res := &Result{MatchedProviderCount: len(cands)}
	if extras == nil {
		extras = &loadbalance.Extras{}
	}
	if len(cands) == 0 {
		res.Response = exhausted(nil)
		return res
	}

	var last *llmclient.ProviderResponse
	attempts := 0

	for cand := strat.Select(cands, model, extras); cand != nil; cand = strat.Next(cands, model, cand, extras) {
		extras.MarkTried(cand)
		res.Candidate = cand

		maxAttempts := 1 + cand.MaxRetries
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		delay := time.Duration(cand.RetryDelayMs) * time.Millisecond

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if ctx.Err() != nil {
				res.RetryCount = retriesOf(attempts)
				res.Response = exhausted(last)
				return res
			}

			resp, stream, err := forward(ctx, cand)
			attempts++

			if err == nil && stream != nil {
				e.reportSuccess(cand)
				res.Response = resp
				res.Stream = stream
				res.RetryCount = attempts - 1
				return res
			}
			if err == nil && resp.IsSuccess() {
				e.reportSuccess(cand)
				res.Response = resp
				res.RetryCount = attempts - 1
				return res
			}

			resp = asResponse(resp, err)
			last = resp
			e.reportFailure(cand, resp, err)

			logrus.WithFields(logrus.Fields{
				"provider": cand.Provider.Name,
				"model":    cand.TargetModel,
				"status":   resp.StatusCode,
				"attempt":  attempt,
			}).Warn("upstream attempt failed")

			if resp.StatusCode < http.StatusInternalServerError {
				break
			}
			if attempt < maxAttempts && !sleepCtx(ctx, delay) {
				res.RetryCount = attempts - 1
				res.Response = exhausted(last)
				return res
			}
		}
	}

	res.RetryCount = retriesOf(attempts)
	res.Response = exhausted(last)
	return res
}

// asResponse normalizes an attempt outcome into an HTTP-shaped response.
// Local failures become a synthetic 502, timeouts a synthetic 504; both
// follow 5xx policy from here on.
func asResponse(resp *llmclient.ProviderResponse, err error) *llmclient.ProviderResponse {
	if err == nil {
		return resp
	}
	if resp == nil {
		resp = &llmclient.ProviderResponse{Err: err}
	}
	if resp.StatusCode == 0 {
		if llmclient.IsTimeout(err) {
			resp.StatusCode = http.StatusGatewayTimeout
		} else {
			resp.StatusCode = http.StatusBadGateway
		}
	}
	return resp
}

func exhausted(last *llmclient.ProviderResponse) *llmclient.ProviderResponse {
	if last != nil {
		return last
	}
	return &llmclient.ProviderResponse{
		StatusCode: http.StatusServiceUnavailable,
		Err:        ErrAllProvidersFailed,
	}
}

func retriesOf(attempts int) int {
	if attempts <= 0 {
		return 0
	}
	return attempts - 1
}

func (e *Executor) reportSuccess(cand *typ.CandidateProvider) {
	if e.reporter == nil || cand.Provider == nil {
		return
	}
	e.reporter.ReportSuccess(cand.Provider.ID, cand.Provider.Name)
}

// reportFailure feeds the health monitor. Plain 4xx responses other than
// rate limits and auth failures say more about the request than about the
// provider, so they are not reported.
func (e *Executor) reportFailure(cand *typ.CandidateProvider, resp *llmclient.ProviderResponse, err error) {
	if e.reporter == nil || cand.Provider == nil {
		return
	}
	p := cand.Provider
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.reporter.ReportRateLimit(p.ID, p.Name)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.reporter.ReportAuthError(p.ID, p.Name, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		rerr := err
		if rerr == nil {
			rerr = fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		e.reporter.ReportError(p.ID, p.Name, rerr)
	}
}

// sleepCtx waits out the retry delay, reporting false if the context ended
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
