package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tingly-dev/tingly-relay/internal/llmclient/httpclient"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/record"
)

const (
	defaultAnthropicVersion = "2023-06-01"

	// Error bodies on failed stream connects are small JSON documents;
	// cap the drain so a misbehaving upstream cannot hold us here.
	maxErrorBody = 1 << 20
)

// Forwarder sends ForwardSpecs upstream. Clients are cached per proxy URL
// so connections pool across providers behind the same route.
type Forwarder struct {
	mu      sync.Mutex
	clients map[string]*http.Client
	sink    *record.Sink
}

// NewForwarder builds a forwarder; sink may be nil or disabled.
func NewForwarder(sink *record.Sink) *Forwarder {
	return &Forwarder{
		clients: make(map[string]*http.Client),
		sink:    sink,
	}
}

func (f *Forwarder) clientFor(proxyURL string) *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[proxyURL]; ok {
		return c
	}
	c := httpclient.New(proxyURL)
	if f.sink != nil && f.sink.IsEnabled() {
		c.Transport = NewRecordRoundTripper(c.Transport, f.sink)
	}
	f.clients[proxyURL] = c
	return c
}

func (f *Forwarder) newRequest(ctx context.Context, spec ForwardSpec) (*http.Request, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	u := strings.TrimRight(spec.BaseURL, "/") + spec.Path
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(spec.Body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request for %s: %w", u, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if spec.Stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, vs := range spec.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	applyAuth(req, spec)
	for k, v := range spec.ExtraHeaders {
		req.Header.Set(k, v)
	}

	if f.sink != nil && f.sink.IsEnabled() {
		req = req.WithContext(WithRecordMeta(req.Context(), RecordMeta{
			Provider: spec.ProviderName,
			Model:    spec.Model,
		}))
	}
	return req, nil
}

// applyAuth strips whatever auth the client sent and installs the
// provider's key in the header the target protocol expects.
func applyAuth(req *http.Request, spec ForwardSpec) {
	req.Header.Del("Authorization")
	req.Header.Del("X-Api-Key")
	req.Header.Del("X-Goog-Api-Key")
	switch spec.Protocol {
	case protocol.ProtocolAnthropic:
		req.Header.Set("x-api-key", spec.APIKey)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", defaultAnthropicVersion)
		}
	case protocol.ProtocolGemini:
		req.Header.Set("x-goog-api-key", spec.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+spec.APIKey)
	}
}

// Forward performs a unary exchange and returns the full response body.
// Local failures return a ProviderResponse carrying timings alongside the
// error so the request log still gets populated.
func (f *Forwarder) Forward(ctx context.Context, spec ForwardSpec) (*ProviderResponse, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	req, err := f.newRequest(ctx, spec)
	if err != nil {
		return nil, err
	}

	client := f.clientFor(spec.ProxyURL)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		elapsed := time.Since(start).Milliseconds()
		err = fmt.Errorf("upstream request to %s: %w", spec.BaseURL, err)
		return &ProviderResponse{Err: err, FirstByteDelayMs: elapsed, TotalTimeMs: elapsed}, err
	}
	firstByte := time.Since(start).Milliseconds()

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	total := time.Since(start).Milliseconds()
	if readErr != nil {
		readErr = fmt.Errorf("reading upstream body: %w", readErr)
		return &ProviderResponse{
			StatusCode:       resp.StatusCode,
			Headers:          resp.Header,
			Err:              readErr,
			FirstByteDelayMs: firstByte,
			TotalTimeMs:      total,
		}, readErr
	}
	return &ProviderResponse{
		StatusCode:       resp.StatusCode,
		Headers:          resp.Header,
		Body:             body,
		FirstByteDelayMs: firstByte,
		TotalTimeMs:      total,
	}, nil
}

// ForwardStream opens an SSE exchange. Non-2xx responses and 2xx responses
// that turn out not to be SSE come back with a drained Body and a nil
// StreamConn; only a live event stream yields a conn, which the caller must
// Close.
func (f *Forwarder) ForwardStream(ctx context.Context, spec ForwardSpec) (*ProviderResponse, *StreamConn, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := f.newRequest(ctx, spec)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	// The timeout covers connect and response headers only; a healthy
	// stream may legitimately outlive any per-request budget.
	var timedOut atomic.Bool
	var watchdog *time.Timer
	if spec.Timeout > 0 {
		watchdog = time.AfterFunc(spec.Timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	client := f.clientFor(spec.ProxyURL)
	start := time.Now()
	resp, err := client.Do(req)
	if watchdog != nil {
		watchdog.Stop()
	}
	if err != nil {
		cancel()
		if timedOut.Load() {
			err = fmt.Errorf("upstream timeout after %s: %w", spec.Timeout, context.DeadlineExceeded)
		} else {
			err = fmt.Errorf("upstream request to %s: %w", spec.BaseURL, err)
		}
		elapsed := time.Since(start).Milliseconds()
		return &ProviderResponse{Err: err, FirstByteDelayMs: elapsed, TotalTimeMs: elapsed}, nil, err
	}
	firstByte := time.Since(start).Milliseconds()

	streaming := resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if !streaming {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		total := time.Since(start).Milliseconds()
		return &ProviderResponse{
			StatusCode:       resp.StatusCode,
			Headers:          resp.Header,
			Body:             body,
			FirstByteDelayMs: firstByte,
			TotalTimeMs:      total,
		}, nil, nil
	}

	pr := &ProviderResponse{
		StatusCode:       resp.StatusCode,
		Headers:          resp.Header,
		FirstByteDelayMs: firstByte,
	}
	return pr, &StreamConn{body: resp.Body, cancel: cancel}, nil
}
