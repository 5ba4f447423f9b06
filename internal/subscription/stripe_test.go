package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/feedbackloop/creditmeter/internal/plan"
)

const testWebhookSecret = "whsec_test"

func checkoutEvent(t *testing.T, eventType string, session map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + session["id"].(string),
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": session},
	})
	require.NoError(t, err)
	return payload
}

func postWebhook(r *gin.Engine, payload []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func signed(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	}).Header
}

func webhookRouter(f *fixture) *gin.Engine {
	r := gin.New()
	r.POST("/v1/webhooks/stripe", NewCheckoutHandler(f.r, testWebhookSecret).HandleWebhook)
	return r
}

func TestStripeWebhook_AppliesCheckout(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)

	payload := checkoutEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_live_1",
		"object":              "checkout.session",
		"client_reference_id": "acme",
		"amount_total":        7500,
		"metadata":            map[string]string{},
		"customer_details":    map[string]any{"email": "billing@acme.test"},
	})
	w := postWebhook(r, payload, signed(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	l := mustLedger(t, f, "acme")
	assert.Equal(t, plan.Growth, l.PlanID)
	assert.Equal(t, 600, l.RemainingCredits)
	assert.Equal(t, "cs_live_1", l.PaymentSessionID)

	p, err := f.projections.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "billing@acme.test", p.ContactEmail)
}

func TestStripeWebhook_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	payload := checkoutEvent(t, "checkout.session.completed", map[string]any{
		"id":       "cs_dup",
		"object":   "checkout.session",
		"metadata": map[string]string{"companyId": "acme", "planId": "starter_1m"},
	})

	require.Equal(t, http.StatusOK, postWebhook(r, payload, signed(payload)).Code)
	_, err := f.ledger.DecrementOne(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, postWebhook(r, payload, signed(payload)).Code)

	assert.Equal(t, 249, mustLedger(t, f, "acme").RemainingCredits)
}

func TestStripeWebhook_WithoutTenantIsClaimableLater(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	payload := checkoutEvent(t, "checkout.session.completed", map[string]any{
		"id":       "cs_orphan",
		"object":   "checkout.session",
		"metadata": map[string]string{"planName": "Pro half-year"},
	})

	w := postWebhook(r, payload, signed(payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pending")

	res, err := f.r.Claim(context.Background(), ClaimRequest{SessionID: "cs_orphan", CallerSubject: "user_acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme", res.TenantID)
	assert.Equal(t, 900, res.Subscription.SMSCredits)
}

func TestStripeWebhook_RedeliveredPendingCheckoutNotClaimedTwice(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	ctx := context.Background()
	payload := checkoutEvent(t, "checkout.session.completed", map[string]any{
		"id":       "cs_replay",
		"object":   "checkout.session",
		"metadata": map[string]string{"planId": "growth_3m"},
	})

	require.Equal(t, http.StatusOK, postWebhook(r, payload, signed(payload)).Code)
	_, err := f.r.ClaimBySession(ctx, "cs_replay", "acme")
	require.NoError(t, err)

	w := postWebhook(r, payload, signed(payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	_, err = f.r.ClaimBySession(ctx, "cs_replay", "globex")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStripeWebhook_MissingPlanAcknowledged(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	payload := checkoutEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_noplan",
		"object":              "checkout.session",
		"client_reference_id": "acme",
		"amount_total":        1234,
	})

	w := postWebhook(r, payload, signed(payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "missing_plan")

	_, err := f.ledgers.Get(context.Background(), "acme")
	assert.Error(t, err)
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	payload := checkoutEvent(t, "checkout.session.completed", map[string]any{
		"id":                  "cs_forged",
		"client_reference_id": "acme",
		"metadata":            map[string]string{"planId": "pro_6m"},
	})

	w := postWebhook(r, payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := f.ledgers.Get(context.Background(), "acme")
	assert.Error(t, err)
}

func TestStripeWebhook_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	r := webhookRouter(f)
	payload := checkoutEvent(t, "invoice.paid", map[string]any{"id": "in_1", "object": "invoice"})

	w := postWebhook(r, payload, signed(payload))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestMinorToMajor(t *testing.T) {
	assert.Equal(t, "75", minorToMajor(7500))
	assert.Equal(t, "12.34", minorToMajor(1234))
	assert.Equal(t, "0.05", minorToMajor(5))
}
