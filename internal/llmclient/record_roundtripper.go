package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tingly-dev/tingly-relay/internal/record"
)

type recordMetaKey struct{}

// RecordMeta labels a recorded exchange. Transports are shared across
// providers, so the forwarder attaches it to the request context instead of
// baking it into the round tripper.
type RecordMeta struct {
	Provider string
	Model    string
}

// WithRecordMeta attaches record labels to ctx.
func WithRecordMeta(ctx context.Context, meta RecordMeta) context.Context {
	return context.WithValue(ctx, recordMetaKey{}, meta)
}

// RecordRoundTripper captures request/response pairs into a record.Sink.
type RecordRoundTripper struct {
	transport http.RoundTripper
	sink      *record.Sink
}

// NewRecordRoundTripper wraps transport; nil falls back to
// http.DefaultTransport.
func NewRecordRoundTripper(transport http.RoundTripper, sink *record.Sink) *RecordRoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &RecordRoundTripper{transport: transport, sink: sink}
}

// RoundTrip executes the exchange and records it. Streaming bodies are
// captured as they are read and flushed to the sink on Close.
func (r *RecordRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	meta, _ := req.Context().Value(recordMetaKey{}).(RecordMeta)

	reqRecord := &record.Request{
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: headerToMap(req.Header),
	}
	if req.Body != nil && req.Body != http.NoBody {
		bodyBytes, err := io.ReadAll(req.Body)
		if err == nil && len(bodyBytes) > 0 {
			req.Body.Close()
			var obj map[string]any
			if json.Unmarshal(bodyBytes, &obj) == nil {
				reqRecord.Body = obj
			}
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	resp, err := r.transport.RoundTrip(req)
	duration := time.Since(start)

	var respRecord *record.Response
	if resp != nil {
		respRecord = &record.Response{
			StatusCode: resp.StatusCode,
			Headers:    headerToMap(resp.Header),
		}
		isStreaming := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
		if resp.Body != nil && resp.Body != http.NoBody {
			if isStreaming && r.sink != nil && r.sink.IsEnabled() {
				respRecord.IsStreaming = true
				captured := respRecord
				sink := r.sink
				resp.Body = newRecordingReader(resp.Body, func(content string) {
					captured.StreamedContent = content
					sink.Record(meta.Provider, meta.Model, reqRecord, captured, time.Since(start), nil)
				})
				// The entry is written when the stream closes.
				return resp, err
			}
			bodyBytes, readErr := io.ReadAll(resp.Body)
			if readErr == nil && len(bodyBytes) > 0 {
				resp.Body.Close()
				var obj map[string]any
				if json.Unmarshal(bodyBytes, &obj) == nil {
					respRecord.Body = obj
				}
				resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			}
		}
	}

	if r.sink != nil && r.sink.IsEnabled() {
		r.sink.Record(meta.Provider, meta.Model, reqRecord, respRecord, duration, err)
	}
	return resp, err
}

// recordingReader tees everything read from a stream body and hands the
// accumulated content to onClose exactly once.
type recordingReader struct {
	source    io.ReadCloser
	buffer    bytes.Buffer
	onClose   func(content string)
	closeOnce sync.Once
}

func newRecordingReader(source io.ReadCloser, onClose func(string)) *recordingReader {
	return &recordingReader{source: source, onClose: onClose}
}

func (r *recordingReader) Read(p []byte) (n int, err error) {
	n, err = r.source.Read(p)
	if n > 0 {
		r.buffer.Write(p[:n])
	}
	return n, err
}

func (r *recordingReader) Close() error {
	err := r.source.Close()
	r.closeOnce.Do(func() {
		if r.onClose != nil {
			r.onClose(r.buffer.String())
		}
	})
	return err
}

func headerToMap(h http.Header) map[string]string {
	result := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
