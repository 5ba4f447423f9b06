package tenant

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feedbackloop/creditmeter/internal/auth"
	"github.com/feedbackloop/creditmeter/internal/idgen"
	"github.com/feedbackloop/creditmeter/internal/logging"
)

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store Store
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up operator routes (behind auth.RequireAdmin).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/tenants", h.CreateTenant)
	r.GET("/admin/tenants/:id", h.adminGet)
	r.PUT("/admin/tenants/:id/messaging", h.adminSetMessaging)
}

// RegisterProtectedRoutes sets up routes a tenant owner may call.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id", h.GetTenant)
	r.PATCH("/tenants/:id", h.UpdateTenant)
	r.PUT("/tenants/:id/messaging", h.SetMessaging)
}

// CreateTenantRequest is the admin request body for registering a tenant.
type CreateTenantRequest struct {
	ID           string               `json:"id"`
	Name         string               `json:"name" binding:"required"`
	ContactEmail string               `json:"contactEmail"`
	OwnerSubject string               `json:"ownerSubject"`
	Messaging    *SetMessagingRequest `json:"messaging"`
}

// CreateTenant handles POST /v1/admin/tenants.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = idgen.WithPrefix("ten_")
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:           id,
		Name:         strings.TrimSpace(req.Name),
		ContactEmail: req.ContactEmail,
		OwnerSubject: strings.TrimSpace(req.OwnerSubject),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Messaging != nil {
		req.Messaging.apply(&t.Messaging)
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		switch {
		case errors.Is(err, ErrTenantExists):
			c.JSON(http.StatusConflict, gin.H{"error": "tenant_exists", "message": "tenant id or owner already registered"})
		case errors.Is(err, ErrInvalidTenant):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("create tenant failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// GetTenant handles GET /v1/tenants/:id for the owning subject.
func (h *Handler) GetTenant(c *gin.Context) {
	if !h.requireOwnership(c) {
		return
	}
	h.adminGet(c)
}

func (h *Handler) adminGet(c *gin.Context) {
	t, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t, "hasAuthToken": t.Messaging.HasAuthToken()})
}

// UpdateTenantRequest carries the owner-editable profile fields.
type UpdateTenantRequest struct {
	Name         *string `json:"name"`
	ContactEmail *string `json:"contactEmail"`
}

// UpdateTenant handles PATCH /v1/tenants/:id
func (h *Handler) UpdateTenant(c *gin.Context) {
	if !h.requireOwnership(c) {
		return
	}
	var req UpdateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}

	t, ok := h.load(c)
	if !ok {
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		t.Name = strings.TrimSpace(*req.Name)
	}
	if req.ContactEmail != nil {
		t.ContactEmail = *req.ContactEmail
	}
	h.save(c, t)
}

// SetMessagingRequest replaces stored transport fields. Omitted fields are
// left untouched; an empty string clears a field.
type SetMessagingRequest struct {
	AccountSID          *string `json:"accountSid"`
	AuthToken           *string `json:"authToken"`
	FromNumber          *string `json:"fromNumber"`
	MessagingServiceSID *string `json:"messagingServiceSid"`
	WhatsAppFrom        *string `json:"whatsappFrom"`
}

func (r *SetMessagingRequest) apply(m *Messaging) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&m.AccountSID, r.AccountSID)
	set(&m.AuthToken, r.AuthToken)
	set(&m.FromNumber, r.FromNumber)
	set(&m.MessagingServiceSID, r.MessagingServiceSID)
	set(&m.WhatsAppFrom, r.WhatsAppFrom)
}

// SetMessaging handles PUT /v1/tenants/:id/messaging.
func (h *Handler) SetMessaging(c *gin.Context) {
	if !h.requireOwnership(c) {
		return
	}
	h.adminSetMessaging(c)
}

// adminSetMessaging also serves the platform record, which has no owner.
// The platform record is created on first write.
func (h *Handler) adminSetMessaging(c *gin.Context) {
	var req SetMessagingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}

	id := c.Param("id")
	t, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, ErrTenantNotFound) && id == PlatformID {
		now := time.Now().UTC()
		t = &Tenant{ID: PlatformID, Name: "Platform", CreatedAt: now, UpdatedAt: now}
		req.apply(&t.Messaging)
		if err := h.store.Create(c.Request.Context(), t); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save platform credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": t, "hasAuthToken": t.Messaging.HasAuthToken()})
		return
	}
	if err != nil {
		h.writeLoadError(c, err)
		return
	}

	req.apply(&t.Messaging)
	h.save(c, t)
}

func (h *Handler) load(c *gin.Context) (*Tenant, bool) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLoadError(c, err)
		return nil, false
	}
	return t, true
}

func (h *Handler) writeLoadError(c *gin.Context, err error) {
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		return
	}
	logging.L(c.Request.Context()).Error("load tenant failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load tenant"})
}

func (h *Handler) save(c *gin.Context, t *Tenant) {
	t.UpdatedAt = time.Now().UTC()
	if err := h.store.Update(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
			return
		}
		logging.L(c.Request.Context()).Error("update tenant failed", "tenant_id", t.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update tenant"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t, "hasAuthToken": t.Messaging.HasAuthToken()})
}

// requireOwnership rejects callers whose subject does not map to :id.
func (h *Handler) requireOwnership(c *gin.Context) bool {
	owned, err := OwnedTenantID(c.Request.Context(), h.store, auth.GetSubject(c))
	if err != nil {
		h.writeLoadError(c, err)
		return false
	}
	if owned == "" || owned != c.Param("id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your tenant"})
		return false
	}
	return true
}
