package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/record"
)

func TestForwardAppliesProtocolAuth(t *testing.T) {
	var captured http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	f := NewForwarder(nil)

	tests := []struct {
		name     string
		proto    protocol.Protocol
		headers  http.Header
		wantKey  string
		wantVal  string
		absent   []string
		extraChk func(t *testing.T, h http.Header)
	}{
		{
			name:    "openai bearer",
			proto:   protocol.ProtocolOpenAI,
			wantKey: "Authorization",
			wantVal: "Bearer sk-test",
			absent:  []string{"X-Api-Key", "X-Goog-Api-Key"},
		},
		{
			name:    "anthropic x-api-key with default version",
			proto:   protocol.ProtocolAnthropic,
			wantKey: "X-Api-Key",
			wantVal: "sk-test",
			absent:  []string{"Authorization"},
			extraChk: func(t *testing.T, h http.Header) {
				assert.Equal(t, "2023-06-01", h.Get("anthropic-version"))
			},
		},
		{
			name:    "anthropic keeps client version",
			proto:   protocol.ProtocolAnthropic,
			headers: http.Header{"Anthropic-Version": []string{"2024-10-22"}},
			wantKey: "X-Api-Key",
			wantVal: "sk-test",
			extraChk: func(t *testing.T, h http.Header) {
				assert.Equal(t, "2024-10-22", h.Get("anthropic-version"))
			},
		},
		{
			name:    "gemini goog header",
			proto:   protocol.ProtocolGemini,
			wantKey: "X-Goog-Api-Key",
			wantVal: "sk-test",
			absent:  []string{"Authorization", "X-Api-Key"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := tt.headers
			if headers == nil {
				headers = http.Header{}
			}
			// Client-supplied auth must never leak upstream.
			headers.Set("Authorization", "Bearer client-key")

			resp, err := f.Forward(context.Background(), ForwardSpec{
				BaseURL:  srv.URL,
				Path:     "/v1/chat/completions",
				Protocol: tt.proto,
				APIKey:   "sk-test",
				Headers:  headers,
				Body:     []byte(`{}`),
			})
			require.NoError(t, err)
			assert.True(t, resp.IsSuccess())
			assert.Equal(t, tt.wantVal, captured.Get(tt.wantKey))
			for _, k := range tt.absent {
				assert.Empty(t, captured.Get(k), "header %s should be absent", k)
			}
			if tt.extraChk != nil {
				tt.extraChk(t, captured)
			}
		})
	}
}

func TestForwardExtraHeadersWin(t *testing.T) {
	var captured http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	_, err := f.Forward(context.Background(), ForwardSpec{
		BaseURL:      srv.URL,
		Path:         "/v1/chat/completions",
		Protocol:     protocol.ProtocolOpenAI,
		APIKey:       "sk-test",
		ExtraHeaders: map[string]string{"Authorization": "Custom abc", "X-Region": "eu"},
		Body:         []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Custom abc", captured.Get("Authorization"))
	assert.Equal(t, "eu", captured.Get("X-Region"))
}

func TestForwardReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"bad upstream"}}`)
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	resp, err := f.Forward(context.Background(), ForwardSpec{
		BaseURL: srv.URL,
		Path:    "/v1/chat/completions",
		APIKey:  "k",
		Body:    []byte(`{"model":"m"}`),
	})
	require.NoError(t, err)
	assert.False(t, resp.IsSuccess())
	assert.True(t, resp.IsServerError())
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "bad upstream")
	assert.GreaterOrEqual(t, resp.TotalTimeMs, resp.FirstByteDelayMs)
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	resp, err := f.Forward(context.Background(), ForwardSpec{
		BaseURL: srv.URL,
		Path:    "/v1/chat/completions",
		APIKey:  "k",
		Body:    []byte(`{}`),
		Timeout: 30 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	require.NotNil(t, resp)
	assert.True(t, resp.IsServerError())
}

func TestForwardStreamYieldsRawFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"delta\":\"a\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	resp, conn, err := f.ForwardStream(context.Background(), ForwardSpec{
		BaseURL: srv.URL,
		Path:    "/v1/chat/completions",
		APIKey:  "k",
		Body:    []byte(`{"stream":true}`),
		Stream:  true,
	})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.True(t, strings.Contains(string(raw), `data: {"delta":"a"}`))
	assert.True(t, strings.Contains(string(raw), "data: [DONE]"))
}

func TestForwardStreamErrorStatusDrained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	resp, conn, err := f.ForwardStream(context.Background(), ForwardSpec{
		BaseURL: srv.URL,
		Path:    "/v1/messages",
		APIKey:  "k",
		Body:    []byte(`{}`),
		Stream:  true,
	})
	require.NoError(t, err)
	assert.Nil(t, conn, "error responses must not open a stream")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "rate_limit_error")
}

func TestForwardStreamUnaryBodyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp_1"}`)
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	resp, conn, err := f.ForwardStream(context.Background(), ForwardSpec{
		BaseURL: srv.URL,
		Path:    "/v1/chat/completions",
		APIKey:  "k",
		Body:    []byte(`{}`),
		Stream:  true,
	})
	require.NoError(t, err)
	assert.Nil(t, conn, "a JSON body on a stream request comes back unary")
	assert.True(t, resp.IsSuccess())
	assert.Contains(t, string(resp.Body), "resp_1")
}

func TestForwardStreamConnectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	f := NewForwarder(nil)
	_, conn, err := f.ForwardStream(context.Background(), ForwardSpec{
		BaseURL: srv.URL,
		Path:    "/v1/chat/completions",
		APIKey:  "k",
		Body:    []byte(`{}`),
		Stream:  true,
		Timeout: 30 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, IsTimeout(err))
}

func TestForwardRecordsExchanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	sink := record.NewSink(dir, record.ModeAll, "")
	require.True(t, sink.IsEnabled())

	f := NewForwarder(sink)
	_, err := f.Forward(context.Background(), ForwardSpec{
		BaseURL:      srv.URL,
		Path:         "/v1/chat/completions",
		APIKey:       "k",
		Body:         []byte(`{"model":"gpt-4o"}`),
		ProviderName: "acme",
		Model:        "gpt-4o",
	})
	require.NoError(t, err)
	sink.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "acme-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}
