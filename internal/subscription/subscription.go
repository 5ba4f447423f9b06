// Package subscription reconciles the credit ledger with the profile
// projection that user-facing surfaces read, and recovers subscriptions
// whose tenant id was lost between checkout and activation.
package subscription

import (
	"errors"
	"strings"
	"time"

	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/plan"
)

// Errors
var (
	ErrNotFound        = errors.New("subscription: not found")
	ErrMissingTenant   = errors.New("subscription: company id required")
	ErrMissingClaimKey = errors.New("subscription: session id or email required")
	ErrSessionClaimed  = errors.New("subscription: session already attached to a tenant")
)

// Source records which copy a Subscription was read from.
type Source string

const (
	SourceLedger     Source = "ledger"
	SourceProjection Source = "projection"
	SourceLegacy     Source = "legacy"
)

// PendingPrefix marks projections written for a checkout that arrived
// without a tenant id. ClaimBySession re-homes them.
const PendingPrefix = "pending_"

// PendingTenantID is the placeholder key for an unclaimed checkout session.
func PendingTenantID(sessionID string) string {
	return PendingPrefix + sessionID
}

// IsPending reports whether tenantID is a placeholder.
func IsPending(tenantID string) bool {
	return strings.HasPrefix(tenantID, PendingPrefix)
}

// Subscription is what readers see: the ledger fields plus the projection's
// activation window.
type Subscription struct {
	credits.Ledger
	ActivatedAt  time.Time `json:"activatedAt,omitempty"`
	ExpiryAt     time.Time `json:"expiryAt,omitempty"`
	ContactEmail string    `json:"contactEmail,omitempty"`
	Source       Source    `json:"source"`
}

// Projection is the denormalised profile copy of a ledger. It may lag the
// ledger; the reconciler repairs it rather than locking it.
type Projection struct {
	TenantID         string         `json:"companyId"`
	PlanID           plan.ID        `json:"planId"`
	PlanName         string         `json:"planName"`
	SMSCredits       int            `json:"smsCredits"`
	RemainingCredits int            `json:"remainingCredits"`
	Status           credits.Status `json:"status"`
	StartDate        time.Time      `json:"startDate"`
	EndDate          time.Time      `json:"endDate"`
	ActivatedAt      time.Time      `json:"activatedAt"`
	ExpiryAt         time.Time      `json:"expiryAt"`
	PaymentSessionID string         `json:"paymentSessionId,omitempty"`
	ContactEmail     string         `json:"contactEmail,omitempty"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// FromLedger mirrors l into a projection.
func FromLedger(l *credits.Ledger, contactEmail string) *Projection {
	return &Projection{
		TenantID:         l.TenantID,
		PlanID:           l.PlanID,
		PlanName:         l.PlanName,
		SMSCredits:       l.SMSCredits,
		RemainingCredits: l.RemainingCredits,
		Status:           l.Status,
		StartDate:        l.StartDate,
		EndDate:          l.EndDate,
		ActivatedAt:      l.StartDate,
		ExpiryAt:         l.EndDate,
		PaymentSessionID: l.PaymentSessionID,
		ContactEmail:     contactEmail,
		UpdatedAt:        l.UpdatedAt,
	}
}

// Ledger converts the projection back into ledger form.
func (p *Projection) Ledger() *credits.Ledger {
	start := p.StartDate
	if start.IsZero() {
		start = p.ActivatedAt
	}
	end := p.EndDate
	if end.IsZero() {
		end = p.ExpiryAt
	}
	return &credits.Ledger{
		TenantID:         p.TenantID,
		PlanID:           p.PlanID,
		PlanName:         p.PlanName,
		SMSCredits:       p.SMSCredits,
		RemainingCredits: p.RemainingCredits,
		Status:           p.Status,
		StartDate:        start,
		EndDate:          end,
		PaymentSessionID: p.PaymentSessionID,
		UpdatedAt:        p.UpdatedAt,
	}
}

func (p *Projection) subscription(src Source) *Subscription {
	return &Subscription{
		Ledger:       *p.Ledger(),
		ActivatedAt:  p.ActivatedAt,
		ExpiryAt:     p.ExpiryAt,
		ContactEmail: p.ContactEmail,
		Source:       src,
	}
}

func fromLedger(l *credits.Ledger, p *Projection) *Subscription {
	s := &Subscription{
		Ledger:      *l,
		ActivatedAt: l.StartDate,
		ExpiryAt:    l.EndDate,
		Source:      SourceLedger,
	}
	if p != nil {
		s.ContactEmail = p.ContactEmail
	}
	return s
}

// LegacyProjection is the profile shape written before the current field
// names existed. "plan" held either a plan id or a display name, and a
// missing "active" flag meant active.
type LegacyProjection struct {
	TenantID    string    `json:"-"`
	Plan        string    `json:"plan"`
	Credits     int       `json:"credits"`
	CreditsLeft *int      `json:"creditsLeft,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Active      *bool     `json:"active,omitempty"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Email       string    `json:"email,omitempty"`
}

// Normalize maps the legacy shape onto the current one. Counters are
// carried over as-is; repairing them is the reconciler's job.
func (lp *LegacyProjection) Normalize() *Projection {
	p := &Projection{
		TenantID:         lp.TenantID,
		SMSCredits:       lp.Credits,
		RemainingCredits: lp.Credits,
		Status:           credits.StatusActive,
		StartDate:        lp.ActivatedAt,
		EndDate:          lp.ExpiresAt,
		ActivatedAt:      lp.ActivatedAt,
		ExpiryAt:         lp.ExpiresAt,
		PaymentSessionID: lp.SessionID,
		ContactEmail:     lp.Email,
		UpdatedAt:        lp.ActivatedAt,
	}

	name := strings.TrimSpace(lp.Plan)
	if plan.Valid(plan.ID(name)) {
		p.PlanID = plan.ID(name)
		p.PlanName = plan.LookupOrDefault(p.PlanID).Name
	} else if id, ok := plan.FromName(name); ok {
		p.PlanID = id
		p.PlanName = name
	} else {
		p.PlanName = name
	}

	if lp.CreditsLeft != nil {
		p.RemainingCredits = *lp.CreditsLeft
	}
	if lp.Active != nil && !*lp.Active {
		p.Status = credits.StatusInactive
	}
	return p
}
