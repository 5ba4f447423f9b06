package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/metrics"
	"github.com/feedbackloop/creditmeter/internal/plan"
)

// maxWebhookBody bounds the payload read from Stripe.
const maxWebhookBody = 64 << 10

// Checkout session metadata keys set when the payment link is created.
const (
	metaCompanyID = "companyId"
	metaPlanID    = "planId"
	metaPlanName  = "planName"
)

// ErrBadSignature is returned for webhooks that fail verification.
var ErrBadSignature = errors.New("subscription: webhook signature invalid")

// CheckoutHandler consumes Stripe checkout.session.completed events.
type CheckoutHandler struct {
	reconciler *Reconciler
	secret     string
}

// NewCheckoutHandler creates a webhook handler verifying with secret.
func NewCheckoutHandler(r *Reconciler, secret string) *CheckoutHandler {
	return &CheckoutHandler{reconciler: r, secret: secret}
}

// HandleWebhook handles POST /v1/webhooks/stripe. Stripe retries anything
// other than a 2xx, so only signature and transient store failures are
// reported as errors; events the service does not act on are acknowledged.
func (h *CheckoutHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.PaymentWebhooksTotal.WithLabelValues("unknown", "bad_signature").Inc()
		logging.L(c.Request.Context()).Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": ErrBadSignature.Error()})
		return
	}

	result, err := h.Process(c.Request.Context(), event)
	metrics.PaymentWebhooksTotal.WithLabelValues(string(event.Type), result).Inc()
	if err != nil {
		logging.L(c.Request.Context()).Error("stripe webhook failed",
			"event_id", event.ID, "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "webhook not processed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}

// Process applies a verified event and returns a short result label.
func (h *CheckoutHandler) Process(ctx context.Context, event stripe.Event) (string, error) {
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return "ignored", nil
	}
	if event.Data == nil {
		return "ignored", nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "malformed", nil
	}
	return h.applyCheckout(ctx, &session)
}

func (h *CheckoutHandler) applyCheckout(ctx context.Context, s *stripe.CheckoutSession) (string, error) {
	in := checkoutPlanInput(s)
	email := checkoutEmail(s)

	tenantID := strings.TrimSpace(s.ClientReferenceID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(s.Metadata[metaCompanyID])
	}

	if tenantID == "" {
		err := h.reconciler.RecordPending(ctx, s.ID, in, email)
		switch {
		case errors.Is(err, ErrSessionClaimed):
			return "duplicate", nil
		case errors.Is(err, plan.ErrMissingPlan), errors.Is(err, plan.ErrUnknownPlan):
			logging.L(ctx).Warn("checkout without plan", "session_id", s.ID, "error", err)
			return "missing_plan", nil
		case err != nil:
			return "error", err
		}
		logging.L(ctx).Info("checkout recorded for later claim", "session_id", s.ID)
		return "pending", nil
	}

	_, err := h.reconciler.Create(ctx, CreateRequest{
		CompanyID:    tenantID,
		Plan:         in,
		SessionID:    s.ID,
		ContactEmail: email,
	})
	switch {
	case errors.Is(err, plan.ErrMissingPlan), errors.Is(err, plan.ErrUnknownPlan):
		logging.L(ctx).Warn("checkout without plan", "session_id", s.ID, "tenant_id", tenantID, "error", err)
		return "missing_plan", nil
	case err != nil:
		return "error", err
	}
	return "applied", nil
}

// checkoutPlanInput maps session fields onto resolver input. amount_total
// is in minor units.
func checkoutPlanInput(s *stripe.CheckoutSession) plan.Input {
	in := plan.Input{
		PlanID:   s.Metadata[metaPlanID],
		PlanName: s.Metadata[metaPlanName],
	}
	if s.AmountTotal > 0 {
		in.Price = minorToMajor(s.AmountTotal)
	}
	return in
}

func minorToMajor(amount int64) string {
	major := strconv.FormatInt(amount/100, 10)
	if cents := amount % 100; cents != 0 {
		return fmt.Sprintf("%s.%02d", major, cents)
	}
	return major
}

func checkoutEmail(s *stripe.CheckoutSession) string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}
