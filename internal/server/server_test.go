package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/feedbackloop/creditmeter/internal/config"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/messaging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAdminSecret   = "admin-s3cret"
	testWebhookSecret = "whsec_test"
)

// fakeTransport accepts every message.
type fakeTransport struct {
	mu   sync.Mutex
	sent []messaging.Message
}

func (f *fakeTransport) Send(_ context.Context, _ messaging.Credentials, msg messaging.Message) (*messaging.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return &messaging.Result{SID: "SM_test", Status: "queued"}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// testConfig returns a minimal in-memory config
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "test",
		LogLevel:             "error",
		LogFormat:            "text",
		AdminSecret:          testAdminSecret,
		StripeWebhookSecret:  testWebhookSecret,
		RateLimitRPM:         600,
		TwilioAccountSID:     "AC_platform",
		TwilioAuthToken:      "token",
		TwilioFromNumber:     "+15550000000",
		TwilioAPIBaseURL:     config.DefaultTwilioAPIBaseURL,
		TwilioTimeout:        config.DefaultTwilioTimeout,
		FeedbackLinkFragment: config.DefaultFeedbackLinkFragment,
		UnmeteredPolicy:      "allow",
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	s, err := New(cfg, WithTransport(transport), WithLogger(logging.New("error", "text")))
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s, transport
}

func call(s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// onboard registers tenant acme owned by user_acme and returns its key.
func onboard(t *testing.T, s *Server) string {
	t.Helper()
	admin := []string{"X-Admin-Secret", testAdminSecret}

	w := call(s, http.MethodPost, "/v1/admin/tenants", map[string]any{
		"id": "acme", "name": "Acme", "contactEmail": "owner@acme.test", "ownerSubject": "user_acme",
	}, admin...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(s, http.MethodPost, "/v1/admin/keys", map[string]any{"subject": "user_acme"}, admin...)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["apiKey"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := call(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = call(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = call(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_RequestIDAndHeaders(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := call(s, http.MethodGet, "/health/live", nil, "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = call(s, http.MethodGet, "/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := call(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendRequiresKey(t *testing.T) {
	s, transport := newTestServer(t, testConfig())

	w := call(s, http.MethodPost, "/v1/messages/send", map[string]any{"to": "+15551234567", "body": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, transport.count())
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := call(s, http.MethodPost, "/v1/admin/subscriptions", map[string]any{"companyId": "acme", "planId": "starter_1m"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMeteredSendLifecycle(t *testing.T) {
	s, transport := newTestServer(t, testConfig())
	key := onboard(t, s)
	bearer := []string{"Authorization", "Bearer " + key}

	w := call(s, http.MethodPost, "/v1/admin/subscriptions", map[string]any{
		"companyId": "acme", "planId": "starter_1m", "smsCredits": 1,
	}, "X-Admin-Secret", testAdminSecret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Feedback-request links are free.
	w = call(s, http.MethodPost, "/v1/messages/send",
		map[string]any{"to": "+15551234567", "body": "Tell us: https://app.test/feedback/x"}, bearer...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode(t, w)["billable"])

	w = call(s, http.MethodPost, "/v1/messages/send", map[string]any{"to": "+15551234567", "body": "hello"}, bearer...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(0), decode(t, w)["remainingCredits"])

	w = call(s, http.MethodPost, "/v1/messages/send", map[string]any{"to": "+15551234567", "body": "again"}, bearer...)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "NO_CREDITS", decode(t, w)["code"])
	assert.Equal(t, 2, transport.count())

	w = call(s, http.MethodGet, "/v1/subscriptions/acme", nil, bearer...)
	require.Equal(t, http.StatusOK, w.Code)
	sub := decode(t, w)["subscription"].(map[string]any)
	assert.Equal(t, float64(0), sub["remainingCredits"])

	w = call(s, http.MethodGet, "/v1/messages", nil, bearer...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])
}

func TestStripeCheckoutGrantsCredits(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	key := onboard(t, s)

	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"client_reference_id": "acme",
			"amount_total": 7500,
			"metadata": {"planId": "growth_3m"}
		}}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(s, http.MethodGet, "/v1/subscriptions/acme", nil, "Authorization", "Bearer "+key)
	require.Equal(t, http.StatusOK, w.Code)
	sub := decode(t, w)["subscription"].(map[string]any)
	assert.Equal(t, "growth_3m", sub["planId"])
	assert.Equal(t, "cs_test_1", sub["paymentSessionId"])
}

func TestStripeWebhookDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.StripeWebhookSecret = ""
	s, _ := newTestServer(t, cfg)

	w := call(s, http.MethodPost, "/v1/webhooks/stripe", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/creditmeter")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "db:5432/creditmeter")
	assert.Equal(t, "***", maskDSN("://bad"))
}
