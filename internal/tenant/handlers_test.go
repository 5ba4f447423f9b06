package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackloop/creditmeter/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupRouter mounts the handler with a fake identity layer: the
// X-Test-Subject header stands in for a validated API key.
func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Tenant{
		ID:           "acme",
		Name:         "Acme",
		OwnerSubject: "user_acme",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}))

	h := NewHandler(store)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if s := c.GetHeader("X-Test-Subject"); s != "" {
			c.Set(auth.ContextKeyAPIKey, &auth.APIKey{Subject: s})
			c.Set(auth.ContextKeySubject, s)
		}
	})
	h.RegisterProtectedRoutes(r.Group("/v1", auth.RequireAuth()))
	h.RegisterAdminRoutes(r.Group("/v1", auth.RequireAdmin("s3")))
	return r, store
}

func do(r *gin.Engine, method, path, subject, admin string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("X-Test-Subject", subject)
	}
	if admin != "" {
		req.Header.Set(auth.AdminSecretHeader, admin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateTenant(t *testing.T) {
	r, store := setupRouter(t)

	w := do(r, http.MethodPost, "/v1/admin/tenants", "", "s3", gin.H{
		"id": "globex", "name": "Globex", "contactEmail": "ops@globex.io", "ownerSubject": "user_globex",
		"messaging": gin.H{"fromNumber": "+15550002222"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got, err := store.GetBySubject(context.Background(), "user_globex")
	require.NoError(t, err)
	assert.Equal(t, "globex", got.ID)
	assert.Equal(t, "+15550002222", got.Messaging.FromNumber)

	w = do(r, http.MethodPost, "/v1/admin/tenants", "", "s3", gin.H{"id": "globex", "name": "Again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/tenants", "", "wrong", gin.H{"name": "Nope"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetTenant_Ownership(t *testing.T) {
	r, _ := setupRouter(t)

	w := do(r, http.MethodGet, "/v1/tenants/acme", "user_acme", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/v1/tenants/acme", "user_other", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/v1/tenants/acme", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSetMessaging_KeepsUnsentFields(t *testing.T) {
	r, store := setupRouter(t)

	w := do(r, http.MethodPut, "/v1/tenants/acme/messaging", "user_acme", "", gin.H{
		"accountSid": "AC1", "authToken": "tok", "fromNumber": "+1555",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "tok")

	w = do(r, http.MethodPut, "/v1/tenants/acme/messaging", "user_acme", "", gin.H{"fromNumber": "+1666"})
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := store.Get(context.Background(), "acme")
	assert.Equal(t, "AC1", got.Messaging.AccountSID)
	assert.Equal(t, "tok", got.Messaging.AuthToken)
	assert.Equal(t, "+1666", got.Messaging.FromNumber)
}

func TestAdminSetMessaging_CreatesPlatformRecord(t *testing.T) {
	r, store := setupRouter(t)

	w := do(r, http.MethodPut, "/v1/admin/tenants/platform/messaging", "", "s3", gin.H{
		"accountSid": "ACplatform", "authToken": "ptok", "messagingServiceSid": "MG1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := store.Get(context.Background(), PlatformID)
	require.NoError(t, err)
	assert.Equal(t, "MG1", got.Messaging.MessagingServiceSID)
}

func TestUpdateTenant(t *testing.T) {
	r, store := setupRouter(t)

	w := do(r, http.MethodPatch, "/v1/tenants/acme", "user_acme", "", gin.H{"contactEmail": "New@Acme.io"})
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := store.GetByEmail(context.Background(), "new@acme.io")
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.ID)
}
