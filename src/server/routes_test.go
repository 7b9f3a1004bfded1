package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/fanout/config"
	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"github.com/orchestra-mcp/fanout/src/hub"
	"github.com/orchestra-mcp/fanout/src/metrics"
	"github.com/orchestra-mcp/fanout/src/service"
	"github.com/orchestra-mcp/fanout/src/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret = "server-test-secret"
	testSystemKey = "system-key"
)

type testEnv struct {
	srv      *Server
	broker   *bridge.MemoryBroker
	registry *hub.Registry
	ingestor *webhook.Ingestor
	authn    *auth.Authenticator
}

func newTestEnv(t *testing.T, queueSize int) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	broker := bridge.NewMemoryBroker(logger)
	require.NoError(t, broker.Connect(context.Background()))
	t.Cleanup(func() { _ = broker.Disconnect() })

	authn := auth.New(auth.Config{
		JWTSecret:    testJWTSecret,
		Leeway:       10 * time.Second,
		SystemAPIKey: testSystemKey,
	}, logger)
	registry := hub.New(broker, authn, hub.Options{MaxConnections: 10, Metrics: m}, logger)
	ingestor := webhook.NewIngestor(registry, webhook.NewRegistry(), webhook.Options{
		Workers:   2,
		QueueSize: queueSize,
		Metrics:   m,
	}, logger)
	svc := service.New(registry, broker, ingestor, logger)

	srv := New(svc, authn, Options{
		Addr: ":0",
		Socket: config.SocketConfig{
			MaxConnections:  10,
			PingInterval:    time.Second,
			IdleTimeout:     5 * time.Second,
			WriteTimeout:    time.Second,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxMessageSize:  64 * 1024,
		},
		MaxBodyBytes: 1 << 20,
		Gatherer:     reg,
	}, logger)

	return &testEnv{srv: srv, broker: broker, registry: registry, ingestor: ingestor, authn: authn}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.srv.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

var apiKey = map[string]string{"x-api-key": testSystemKey}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 8)

	status, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["broker_connected"])

	require.NoError(t, env.broker.Disconnect())
	status, body = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", body["status"])
}

func TestWebhookAccepted(t *testing.T) {
	env := newTestEnv(t, 8)

	status, body := env.do(t, http.MethodPost, "/webhooks/stripe",
		`{"id":"evt_1","type":"invoice.paid","account":"acct_123"}`, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "stripe", body["provider"])
	assert.Equal(t, "evt_1", body["event_id"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{"malformed json", "/webhooks/custom", `{oops`, map[string]string{"x-tenant-id": "t1"}, http.StatusBadRequest},
		{"unresolved tenant", "/webhooks/stripe", `{"type":"x"}`, nil, http.StatusBadRequest},
		{"unsupported provider", "/webhooks/paypal", `{"tenant_id":"t1"}`, nil, http.StatusBadRequest},
		{"bad signature", "/webhooks/github", `{"organization":{"id":1}}`, map[string]string{"x-signature": "sha256=00"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, 8)
			_, err := env.ingestor.Registry().Register(webhook.Registration{
				Provider: webhook.ProviderGitHub, TenantID: "1", Secret: "gh", Enabled: true,
			})
			require.NoError(t, err)

			status, body := env.do(t, http.MethodPost, tc.path, tc.body, tc.headers)
			assert.Equal(t, tc.want, status)
			assert.NotEmpty(t, body["error"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestWebhookValidSignature(t *testing.T) {
	env := newTestEnv(t, 8)
	_, err := env.ingestor.Registry().Register(webhook.Registration{
		Provider: webhook.ProviderGitHub, TenantID: "1", Secret: "gh", Enabled: true,
	})
	require.NoError(t, err)

	body := `{"action":"opened","organization":{"id":1},"hook_id":77}`
	sig := "sha256=" + auth.SignPayload([]byte(body), "gh", "sha256")
	status, resp := env.do(t, http.MethodPost, "/webhooks/github", body, map[string]string{
		"x-signature":       sig,
		"x-github-delivery": "d-123",
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "d-123", resp["event_id"])
}

func TestWebhookQueueFull(t *testing.T) {
	env := newTestEnv(t, 1)

	status, _ := env.do(t, http.MethodPost, "/webhooks/custom", `{"tenant_id":"t1"}`, nil)
	require.Equal(t, http.StatusAccepted, status)
	status, body := env.do(t, http.MethodPost, "/webhooks/custom", `{"tenant_id":"t1"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", body["error"])
}

func TestAPIRequiresSystemKey(t *testing.T) {
	env := newTestEnv(t, 8)

	for _, headers := range []map[string]string{nil, {"x-api-key": "wrong"}} {
		status, body := env.do(t, http.MethodGet, "/api/stats", "", headers)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "unauthorized", body["error"])
	}

	status, body := env.do(t, http.MethodGet, "/api/stats", "", apiKey)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "active_connections")
	assert.Contains(t, body, "broker_connected")
	assert.Contains(t, body, "webhooks")
}

func TestBroadcastRoutes(t *testing.T) {
	env := newTestEnv(t, 8)

	status, body := env.do(t, http.MethodPost, "/api/broadcast/global",
		`{"message_type":"system","payload":{"notice":"hi"}}`, apiKey)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body, "subscribers_reached")

	status, body = env.do(t, http.MethodPost, "/api/broadcast/tenant/t1",
		`{"message_type":"notification","payload":{}}`, apiKey)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "t1", body["tenant_id"])

	status, _ = env.do(t, http.MethodPost, "/api/broadcast/global", `{"message_type":"shout"}`, apiKey)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/broadcast/global", `not json`, apiKey)
	assert.Equal(t, http.StatusBadRequest, status)

	assert.Equal(t, int64(2), env.broker.Published())
}

func TestWebhookRegistrationRoutes(t *testing.T) {
	env := newTestEnv(t, 8)

	status, body := env.do(t, http.MethodPost, "/api/webhooks/register",
		`{"provider":"slack","tenant_id":"T1","secret":"s","retry_policy":{"max_attempts":3,"backoff_ms":250}}`, apiKey)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "slack", body["provider"])
	assert.Equal(t, true, body["enabled"])
	assert.NotContains(t, body, "secret")

	reg, ok := env.ingestor.Registry().Get(webhook.ProviderSlack, "T1")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, reg.RetryPolicy.Backoff)

	status, body = env.do(t, http.MethodGet, "/api/webhooks", "", apiKey)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["registrations"], 1)

	status, _ = env.do(t, http.MethodPost, "/api/webhooks/register", `{"provider":"slack","tenant_id":"T1"}`, apiKey)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPost, "/api/webhooks/register", `{"provider":"fax","tenant_id":"T1","secret":"s"}`, apiKey)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodDelete, "/api/webhooks/slack/T1", "", apiKey)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(t, http.MethodDelete, "/api/webhooks/slack/T1", "", apiKey)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{webhook.ErrMalformedBody, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", webhook.ErrUnresolvedTenant), http.StatusBadRequest},
		{webhook.ErrInvalidSignature, http.StatusUnauthorized},
		{webhook.ErrSignatureRequired, http.StatusUnauthorized},
		{auth.ErrInvalidAPIKey, http.StatusUnauthorized},
		{webhook.ErrQueueFull, http.StatusServiceUnavailable},
		{hub.ErrCapacity, http.StatusServiceUnavailable},
		{fiber.NewError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
	assert.Equal(t, "service_unavailable", errorCode(http.StatusServiceUnavailable))
}
