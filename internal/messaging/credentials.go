package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/feedbackloop/creditmeter/internal/tenant"
)

// Credentials is a resolved transport account plus sender identity.
type Credentials struct {
	AccountSID          string `json:"accountSid,omitempty"`
	AuthToken           string `json:"-"`
	From                string `json:"from,omitempty"`
	MessagingServiceSID string `json:"messagingServiceSid,omitempty"`
	WhatsAppFrom        string `json:"whatsappFrom,omitempty"`
}

// HasAccount reports whether the account pair is complete.
func (c Credentials) HasAccount() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

// SenderFor returns the from address for ch. WhatsApp prefers its own
// number and falls back to the SMS one.
func (c Credentials) SenderFor(ch Channel) string {
	if ch == ChannelWhatsApp && c.WhatsAppFrom != "" {
		return c.WhatsAppFrom
	}
	return c.From
}

// HasSender reports whether a sender identity exists for ch.
func (c Credentials) HasSender(ch Channel) bool {
	return c.SenderFor(ch) != "" || c.MessagingServiceSID != ""
}

func fromTenant(m tenant.Messaging) Credentials {
	return Credentials{
		AccountSID:          m.AccountSID,
		AuthToken:           m.AuthToken,
		From:                m.FromNumber,
		MessagingServiceSID: m.MessagingServiceSID,
		WhatsAppFrom:        m.WhatsAppFrom,
	}
}

// Resolver merges credential layers in precedence order: request, process
// default, tenant stored, platform stored.
type Resolver struct {
	defaults Credentials
	tenants  tenant.Store
}

// NewResolver creates a resolver. tenants may be nil when no stored
// credentials exist.
func NewResolver(defaults Credentials, tenants tenant.Store) *Resolver {
	return &Resolver{defaults: defaults, tenants: tenants}
}

// Resolve returns the merged credentials for tenantID. Sender fields are
// taken field by field from the first layer that has them; the account sid
// and token come from the first layer that has both. ErrNotConfigured means
// no account or no sender identity for ch could be found.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, req Credentials, ch Channel) (Credentials, error) {
	layers := []Credentials{req, r.defaults}
	for _, id := range []string{strings.TrimSpace(tenantID), tenant.PlatformID} {
		stored, err := r.stored(ctx, id)
		if err != nil {
			return Credentials{}, err
		}
		layers = append(layers, stored)
	}

	var out Credentials
	for _, l := range layers {
		if !out.HasAccount() && l.HasAccount() {
			out.AccountSID, out.AuthToken = l.AccountSID, l.AuthToken
		}
		out.From = firstNonEmpty(out.From, l.From)
		out.MessagingServiceSID = firstNonEmpty(out.MessagingServiceSID, l.MessagingServiceSID)
		out.WhatsAppFrom = firstNonEmpty(out.WhatsAppFrom, l.WhatsAppFrom)
	}

	if !out.HasAccount() || !out.HasSender(ch) {
		return out, ErrNotConfigured
	}
	return out, nil
}

func (r *Resolver) stored(ctx context.Context, id string) (Credentials, error) {
	if r.tenants == nil || id == "" {
		return Credentials{}, nil
	}
	t, err := r.tenants.Get(ctx, id)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, err
	}
	return fromTenant(t.Messaging), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return strings.TrimSpace(b)
}
