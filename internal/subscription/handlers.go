package subscription

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feedbackloop/creditmeter/internal/auth"
	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/plan"
)

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new subscription handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r}
}

// RegisterRoutes sets up routes that work with or without an API key. A
// key, when present, scopes the caller to its own tenant.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions/:companyId", h.GetSubscription)
	r.POST("/subscriptions/claim", h.Claim)
}

// RegisterProtectedRoutes sets up routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions/:companyId/repair", h.Repair)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/subscriptions", h.Create)
}

// GetSubscription handles GET /v1/subscriptions/:companyId. It always
// answers 200; absence, foreign tenants and store trouble all read as an
// empty subscription. ?repair=true is honoured only for authenticated
// callers; anonymous reads never write.
func (h *Handler) GetSubscription(c *gin.Context) {
	repair, _ := strconv.ParseBool(c.Query("repair"))
	repair = repair && auth.IsAuthenticated(c)
	res, err := h.reconciler.ReadSubscription(c.Request.Context(), c.Param("companyId"), ReadOptions{
		Repair:        repair,
		CallerSubject: auth.GetSubject(c),
	})
	if err != nil {
		logging.L(c.Request.Context()).Error("subscription read failed",
			"tenant_id", c.Param("companyId"), "error", err)
	}
	c.JSON(http.StatusOK, readBody(res))
}

func readBody(res ReadResult) gin.H {
	body := gin.H{"success": true, "subscription": res.Subscription}
	if res.Subscription == nil {
		body["empty"] = true
	}
	if res.OwnerMismatch {
		body["ownerMismatch"] = true
	}
	return body
}

// Repair handles POST /v1/subscriptions/:companyId/repair.
func (h *Handler) Repair(c *gin.Context) {
	res, err := h.reconciler.ReadSubscription(c.Request.Context(), c.Param("companyId"), ReadOptions{
		Repair:        true,
		CallerSubject: auth.GetSubject(c),
	})
	switch {
	case err != nil:
		if errors.Is(err, plan.ErrUnknownPlan) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_plan", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("subscription repair failed",
			"tenant_id", c.Param("companyId"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "repair failed"})
	case res.OwnerMismatch:
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your tenant"})
	default:
		c.JSON(http.StatusOK, readBody(res))
	}
}

// ClaimRequestBody is the claim endpoint input.
type ClaimRequestBody struct {
	SessionID string `json:"sessionId"`
	UserEmail string `json:"userEmail"`
	Email     string `json:"email"`
	CompanyID string `json:"companyId"`
}

// Claim handles POST /v1/subscriptions/claim.
func (h *Handler) Claim(c *gin.Context) {
	var req ClaimRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid JSON body"})
		return
	}
	email := req.UserEmail
	if email == "" {
		email = req.Email
	}

	res, err := h.reconciler.Claim(c.Request.Context(), ClaimRequest{
		SessionID:     req.SessionID,
		Email:         email,
		CompanyID:     req.CompanyID,
		CallerSubject: auth.GetSubject(c),
	})
	switch {
	case errors.Is(err, ErrMissingClaimKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_fields", "message": "sessionId or userEmail is required"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "message": "no subscription matches"})
	case errors.Is(err, plan.ErrUnknownPlan):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_plan", "message": err.Error()})
	case err != nil:
		logging.L(c.Request.Context()).Error("subscription claim failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "claim failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "companyId": res.TenantID, "subscription": res.Subscription})
	}
}

// CreateRequestBody is the admin create/replace input. The plan may be
// named by any of the id fields, by name or by price.
type CreateRequestBody struct {
	CompanyID      string         `json:"companyId"`
	PlanID         string         `json:"planId"`
	Plan           string         `json:"plan"`
	PlanIDSnake    string         `json:"plan_id"`
	PlanName       string         `json:"planName"`
	Price          any            `json:"price"`
	DurationMonths *int           `json:"durationMonths"`
	SMSCredits     *int           `json:"smsCredits"`
	Status         credits.Status `json:"status" binding:"omitempty,oneof=active inactive"`
	SessionID      string         `json:"sessionId"`
	ContactEmail   string         `json:"contactEmail"`
}

func (b *CreateRequestBody) planInput(c *gin.Context) plan.Input {
	alt := b.Plan
	if alt == "" {
		alt = b.PlanIDSnake
	}
	return plan.Input{
		PlanID:       b.PlanID,
		AltPlanID:    alt,
		HeaderPlanID: c.GetHeader("X-Plan-Id"),
		QueryPlanID:  c.Query("planId"),
		PlanName:     b.PlanName,
		Price:        b.Price,
	}
}

// Create handles POST /v1/admin/subscriptions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sub, err := h.reconciler.Create(c.Request.Context(), CreateRequest{
		CompanyID:      req.CompanyID,
		Plan:           req.planInput(c),
		DurationMonths: req.DurationMonths,
		SMSCredits:     req.SMSCredits,
		Status:         req.Status,
		SessionID:      req.SessionID,
		ContactEmail:   req.ContactEmail,
	})
	switch {
	case errors.Is(err, ErrMissingTenant), errors.Is(err, credits.ErrMissingTenant):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "missing_tenant", "message": "companyId is required"})
	case errors.Is(err, plan.ErrMissingPlan):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "missing_plan", "message": "planId, planName or price is required"})
	case errors.Is(err, plan.ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown_plan", "message": err.Error()})
	case err != nil:
		logging.L(c.Request.Context()).Error("subscription create failed", "tenant_id", req.CompanyID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "create failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "subscription": sub})
	}
}
