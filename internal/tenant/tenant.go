// Package tenant holds the companies that buy message credits, the mapping
// from a verified caller subject to the tenant it owns, and each tenant's
// stored messaging credentials.
package tenant

import (
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrTenantExists   = errors.New("tenant: id or owner already registered")
	ErrInvalidTenant  = errors.New("tenant: id and name are required")
)

// PlatformID is the tenant record that carries platform-wide messaging
// credentials, the last fallback when resolving a sender identity.
const PlatformID = "platform"

// Messaging is a tenant's stored transport account. Any field may be empty;
// credential resolution fills sender gaps from other sources field by field,
// while the account sid and token are only ever used as a pair.
type Messaging struct {
	AccountSID          string `json:"accountSid,omitempty"`
	AuthToken           string `json:"-"`
	FromNumber          string `json:"fromNumber,omitempty"`
	MessagingServiceSID string `json:"messagingServiceSid,omitempty"`
	WhatsAppFrom        string `json:"whatsappFrom,omitempty"`
}

// HasAuthToken reports whether a token is stored without exposing it.
func (m Messaging) HasAuthToken() bool { return m.AuthToken != "" }

// Tenant is a company using the feedback product.
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ContactEmail string    `json:"contactEmail,omitempty"`
	OwnerSubject string    `json:"ownerSubject,omitempty"`
	Messaging    Messaging `json:"messaging"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Validate checks the fields every store requires.
func (t *Tenant) Validate() error {
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Name) == "" {
		return ErrInvalidTenant
	}
	return nil
}

// NormalizeEmail is the form emails are stored and matched in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
