package sender

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feedbackloop/creditmeter/internal/auth"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/messaging"
	"github.com/feedbackloop/creditmeter/internal/tenant"
)

// maxSendBody bounds a send request body.
const maxSendBody = 64 << 10

// Handler provides the send endpoints.
type Handler struct {
	orch    *Orchestrator
	tenants tenant.Store
	log     messaging.LogStore
}

// NewHandler creates a new send handler.
func NewHandler(orch *Orchestrator, tenants tenant.Store, log messaging.LogStore) *Handler {
	return &Handler{orch: orch, tenants: tenants, log: log}
}

// RegisterRoutes sets up the send routes (behind auth and rate limiting).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/messages/send", h.sendOn(""))
	r.POST("/sms/send", h.sendOn(messaging.ChannelSMS))
	r.POST("/whatsapp/send", h.sendOn(messaging.ChannelWhatsApp))
	r.GET("/messages", h.ListMessages)
}

// sendOn returns a handler; a non-empty channel overrides the request's.
func (h *Handler) sendOn(channel messaging.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSendBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "unreadable body"})
			return
		}

		req, err := Normalize(Envelope{
			ContentType: c.GetHeader("Content-Type"),
			Body:        raw,
			Query:       c.Request.URL.Query(),
		})
		if err != nil {
			writeError(c, err)
			return
		}

		tenantID, ok := h.callerTenant(c, req.CompanyID)
		if !ok {
			return
		}
		ctx := logging.WithTenantID(c.Request.Context(), tenantID)

		ch := channel
		if ch == "" {
			ch = messaging.ParseChannel(req.Channel)
		}
		res, err := h.orch.Send(ctx, SendInput{
			TenantID: tenantID,
			Message: messaging.Message{
				To:                  req.To,
				Body:                req.Body,
				From:                req.From,
				MessagingServiceSID: req.MessagingServiceSID,
				Channel:             ch,
				StatusCallback:      req.StatusCallback,
			},
			Credentials: messaging.Credentials{
				AccountSID:          req.AccountSID,
				AuthToken:           req.AuthToken,
				MessagingServiceSID: req.MessagingServiceSID,
			},
		})
		if err != nil {
			writeError(c, err)
			return
		}

		body := gin.H{
			"success":  true,
			"sid":      res.SID,
			"status":   res.Status,
			"billable": res.Billable,
		}
		if res.Remaining != nil {
			body["remainingCredits"] = *res.Remaining
		}
		c.JSON(http.StatusOK, body)
	}
}

// callerTenant maps the verified subject onto its tenant and rejects a
// companyId naming someone else's.
func (h *Handler) callerTenant(c *gin.Context, requested string) (string, bool) {
	owned, err := tenant.OwnedTenantID(c.Request.Context(), h.tenants, auth.GetSubject(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "tenant lookup failed"})
		return "", false
	}
	requested = strings.TrimSpace(requested)
	if requested != "" && owned != "" && requested != owned {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "forbidden", "message": "companyId does not belong to the caller"})
		return "", false
	}
	if owned == "" {
		owned = requested
	}
	return owned, true
}

func writeError(c *gin.Context, err error) {
	if re, ok := messaging.AsRemote(err); ok {
		status := http.StatusBadGateway
		if re.Status >= 400 && re.Status < 500 {
			status = http.StatusBadRequest
		}
		body := gin.H{"success": false, "error": "provider_rejected", "code": re.Code, "message": re.Message}
		if re.Hint != "" {
			body["hint"] = re.Hint
		}
		c.JSON(status, body)
		return
	}

	switch {
	case errors.Is(err, ErrMissingFields), errors.Is(err, messaging.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "missing_fields", "code": "MISSING_FIELDS",
			"message": "to and body are required"})
	case errors.Is(err, ErrNoCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"success": false, "error": "no_credits", "code": "NO_CREDITS",
			"message": "no message credits left"})
	case errors.Is(err, ErrNoSubscription):
		c.JSON(http.StatusPaymentRequired, gin.H{"success": false, "error": "no_subscription", "code": "NO_SUBSCRIPTION",
			"message": "an active subscription is required to send"})
	case errors.Is(err, ErrSubscriptionInactive):
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "subscription_inactive", "code": "SUBSCRIPTION_INACTIVE",
			"message": "subscription is not active"})
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "transport_not_configured", "code": "TRANSPORT_NOT_CONFIGURED",
			"message": "no sender number or messaging service configured"})
	case messaging.IsIntegration(err):
		logging.L(c.Request.Context()).Error("transport failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "transport_failed", "code": "TRANSPORT_FAILED",
			"message": "message could not be handed to the provider"})
	default:
		logging.L(c.Request.Context()).Error("send failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "send failed"})
	}
}

// ListMessages handles GET /v1/messages for the caller's tenant.
func (h *Handler) ListMessages(c *gin.Context) {
	tenantID, ok := h.callerTenant(c, c.Query("companyId"))
	if !ok {
		return
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_tenant", "message": "companyId is required"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = messaging.DefaultListLimit
	}

	entries, err := h.log.ListByCompany(c.Request.Context(), tenantID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("message log read failed", "tenant_id", tenantID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "could not read messages"})
		return
	}
	if entries == nil {
		entries = []*messaging.LogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries, "count": len(entries)})
}
