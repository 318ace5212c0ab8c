package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/tingly-relay/internal/auth"
	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/data/db"
	"github.com/tingly-dev/tingly-relay/internal/gateway"
	"github.com/tingly-dev/tingly-relay/internal/health"
	"github.com/tingly-dev/tingly-relay/internal/protocol"
	"github.com/tingly-dev/tingly-relay/internal/typ"
)

type fakeRelayer struct {
	lastReq *gateway.Request
	reply   *gateway.Reply
}

func (f *fakeRelayer) Handle(ctx context.Context, req *gateway.Request) *gateway.Reply {
	f.lastReq = req
	if f.reply != nil {
		return f.reply
	}
	return &gateway.Reply{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"ok":true}`),
	}
}

type testEnv struct {
	srv     *Server
	relayer *fakeRelayer

	providers *db.ProviderStore
	models    *db.ModelStore
	logs      *db.LogStore
	keys      *db.APIKeyStore
	monitor   *health.Monitor

	clientKey  string
	adminToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	env := &testEnv{
		relayer:   &fakeRelayer{},
		providers: db.NewProviderStore(gdb),
		models:    db.NewModelStore(gdb),
		logs:      db.NewLogStore(gdb),
		keys:      db.NewAPIKeyStore(gdb),
		monitor:   health.NewMonitor(health.DefaultConfig(), nil),
	}

	env.clientKey, err = auth.MintKey()
	require.NoError(t, err)
	require.NoError(t, env.keys.Create(context.Background(), &typ.APIKey{
		ID:       "key-1",
		Name:     "test",
		KeyHash:  auth.HashKey(env.clientKey),
		IsActive: true,
	}))

	jwtManager := auth.NewJWTManager("test-secret")
	env.adminToken, err = jwtManager.GenerateAdminToken("tester", time.Hour)
	require.NoError(t, err)

	env.srv, err = New(Config{
		Config:    config.Default(),
		Gateway:   env.relayer,
		Providers: env.providers,
		Models:    env.models,
		Logs:      env.logs,
		Keys:      env.keys,
		Health:    env.monitor,
		Verifier:  auth.NewVerifier(env.keys),
		JWT:       jwtManager,
		Version:   "test",
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) asClient() map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.clientKey}
}

func (e *testEnv) asAdmin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.adminToken}
}

func TestHealthzIsOpen(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", gjson.GetBytes(w.Body.Bytes(), "status").String())
	assert.Equal(t, "tingly-relay", gjson.GetBytes(w.Body.Bytes(), "service").String())
}

func TestRelayRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`, nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_request_error", gjson.GetBytes(w.Body.Bytes(), "error.type").String())
	assert.Nil(t, env.relayer.lastReq, "unauthenticated requests never reach the gateway")
}

func TestRelayRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	headers := map[string]string{"Authorization": "Bearer " + auth.APIKeyPrefix + "0000000000000000"}
	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`, headers)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_api_key", gjson.GetBytes(w.Body.Bytes(), "error.code").String())
}

func TestRelayRejectsMalformedKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"m"}`, map[string]string{
		"Authorization": "Bearer sk-wrong-vendor",
	})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_api_key", gjson.GetBytes(w.Body.Bytes(), "error.code").String())
}

func TestRelayForwardsToGateway(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"relay-model"}`, env.asClient())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.True(t, gjson.GetBytes(w.Body.Bytes(), "ok").Bool())

	req := env.relayer.lastReq
	require.NotNil(t, req)
	assert.Equal(t, protocol.ProtocolOpenAI, req.Protocol)
	assert.Equal(t, `{"model":"relay-model"}`, string(req.Body))
	assert.Equal(t, "key-1", req.APIKeyID)
	assert.NotEmpty(t, req.TraceID)
	assert.Equal(t, req.TraceID, w.Header().Get("X-Request-Id"))
}

func TestRelayKeepsClientRequestID(t *testing.T) {
	env := newTestEnv(t)

	headers := env.asClient()
	headers["X-Request-Id"] = "trace-42"
	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{}`, headers)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-42", env.relayer.lastReq.TraceID)
	assert.Equal(t, "trace-42", w.Header().Get("X-Request-Id"))
}

func TestRelayRoutesPickProtocols(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/v1/responses", `{}`, env.asClient())
	assert.Equal(t, protocol.ProtocolOpenAIResponse, env.relayer.lastReq.Protocol)

	headers := map[string]string{"X-Api-Key": env.clientKey, "Anthropic-Version": "2023-06-01"}
	env.do(t, http.MethodPost, "/v1/messages", `{}`, headers)
	assert.Equal(t, protocol.ProtocolAnthropic, env.relayer.lastReq.Protocol)
	assert.Equal(t, "2023-06-01", env.relayer.lastReq.Headers.Get("Anthropic-Version"))
}

func TestRelayPropagatesGatewayStatus(t *testing.T) {
	env := newTestEnv(t)
	env.relayer.reply = &gateway.Reply{
		Status:      http.StatusTooManyRequests,
		ContentType: "application/json",
		Body:        []byte(`{"error":{"message":"all providers exhausted","type":"api_error"}}`),
	}

	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{}`, env.asClient())

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "all providers exhausted", gjson.GetBytes(w.Body.Bytes(), "error.message").String())
}

func TestRelayPumpsStream(t *testing.T) {
	env := newTestEnv(t)

	pumped := 0
	env.relayer.reply = &gateway.Reply{
		Status:      http.StatusOK,
		ContentType: "text/event-stream",
		Stream: func(ctx context.Context, w io.Writer, flush func()) error {
			pumped++
			for _, frame := range []string{"data: {\"n\":1}\n\n", "data: [DONE]\n\n"} {
				if _, err := io.WriteString(w, frame); err != nil {
					return err
				}
				flush()
			}
			return nil
		},
	}

	w := env.do(t, http.MethodPost, "/v1/chat/completions", `{"stream":true}`, env.asClient())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `data: {"n":1}`)
	assert.Contains(t, w.Body.String(), "data: [DONE]")
	assert.Equal(t, 1, pumped, "the stream is pumped exactly once")
}

func TestListModelsShowsActiveMappings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.providers.Save(ctx, &typ.Provider{
		ID:       "p1",
		Name:     "acme",
		BaseURL:  "https://api.acme.test",
		Protocol: protocol.ProtocolOpenAI,
		APIKey:   "sk-acme",
		IsActive: true,
	}))
	require.NoError(t, env.models.SaveMapping(ctx, &typ.ModelMapping{
		RequestedModel: "relay-model",
		Strategy:       typ.StrategyRoundRobin,
		IsActive:       true,
	}))
	require.NoError(t, env.models.SaveMapping(ctx, &typ.ModelMapping{
		RequestedModel: "parked-model",
		Strategy:       typ.StrategyRoundRobin,
		IsActive:       false,
	}))
	require.NoError(t, env.models.SaveProviderMapping(ctx, &typ.ProviderMapping{
		ID:              "e1",
		RequestedModel:  "relay-model",
		ProviderID:      "p1",
		TargetModelName: "gpt-upstream",
		IsActive:        true,
	}))

	w := env.do(t, http.MethodGet, "/v1/models", nil, env.asClient())

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.Bytes()
	assert.Equal(t, "list", gjson.GetBytes(body, "object").String())
	require.Equal(t, int64(1), gjson.GetBytes(body, "data.#").Int(), "inactive mappings are hidden")
	assert.Equal(t, "relay-model", gjson.GetBytes(body, "data.0.id").String())
	assert.Equal(t, "model", gjson.GetBytes(body, "data.0.object").String())
	assert.Contains(t, gjson.GetBytes(body, "data.0.owned_by").String(), "acme")
}

func TestListModelsRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/models", nil, nil)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	gin.SetMode(gin.TestMode)

	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Config: config.Default()})
	require.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodOptions, "/v1/chat/completions", nil, map[string]string{
		"Origin":                        "https://playground.test",
		"Access-Control-Request-Method": "POST",
	})

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Api-Key")
}
