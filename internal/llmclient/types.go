// Package llmclient forwards raw protocol bytes to upstream providers and
// probes provider health through the vendor SDKs. It never inspects request
// or response bodies; protocol translation happens before and after in the
// gateway.
package llmclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
)

// ForwardSpec describes one upstream HTTP call.
type ForwardSpec struct {
	BaseURL  string
	Path     string
	Method   string // empty means POST
	Protocol protocol.Protocol
	APIKey   string
	// Headers are client headers the gateway chose to pass through.
	Headers http.Header
	// ExtraHeaders come from provider config and win over everything,
	// including the computed auth header.
	ExtraHeaders map[string]string
	Body         []byte
	Stream       bool
	ProxyURL     string
	// Timeout bounds the whole call for unary requests; for streams it
	// bounds connect plus response headers only.
	Timeout time.Duration
	// ProviderName and Model label entries in the record sink.
	ProviderName string
	Model        string
}

// ProviderResponse is the upstream outcome, HTTP-shaped even for local
// failures so the executor has one thing to inspect.
type ProviderResponse struct {
	StatusCode       int
	Headers          http.Header
	Body             []byte
	Err              error
	FirstByteDelayMs int64
	TotalTimeMs      int64
}

// IsSuccess reports a clean 2xx exchange.
func (r *ProviderResponse) IsSuccess() bool {
	return r != nil && r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsServerError reports a retryable failure: a 5xx status or a local
// transport error, which gets the same treatment.
func (r *ProviderResponse) IsServerError() bool {
	return r == nil || r.Err != nil || r.StatusCode >= 500
}

// StreamConn is a live upstream SSE body. Closing it releases the
// connection and the request context.
type StreamConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

// NewStreamConn wraps an already-open stream body; cancel may be nil.
func NewStreamConn(body io.ReadCloser, cancel context.CancelFunc) *StreamConn {
	return &StreamConn{body: body, cancel: cancel}
}

func (c *StreamConn) Read(p []byte) (int, error) {
	return c.body.Read(p)
}

func (c *StreamConn) Close() error {
	err := c.body.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// IsTimeout reports whether err was a request deadline or a network
// timeout. The executor maps these to a synthetic 504.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
