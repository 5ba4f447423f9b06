// Package credits is the per-tenant SMS credit ledger: the durable source of
// truth for how many billable messages a tenant may still send.
package credits

import (
	"errors"
	"time"

	"github.com/feedbackloop/creditmeter/internal/plan"
)

// Errors
var (
	ErrNotFound      = errors.New("credits: ledger not found")
	ErrNoCredits     = errors.New("credits: no credits remaining")
	ErrLedgerFull    = errors.New("credits: ledger already at allotment")
	ErrMissingTenant = errors.New("credits: tenant id required")
	ErrInvalidGrant  = errors.New("credits: credit allotment must be positive")
)

// Status of a subscription. Anything other than active blocks sending.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// CycleDays is the length of one plan month.
const CycleDays = 30

// Ledger is the credit record for one tenant. There is exactly one per
// tenant and a new purchase overwrites it.
type Ledger struct {
	TenantID         string    `json:"companyId"`
	PlanID           plan.ID   `json:"planId"`
	PlanName         string    `json:"planName"`
	SMSCredits       int       `json:"smsCredits"`
	RemainingCredits int       `json:"remainingCredits"`
	Status           Status    `json:"status"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	PaymentSessionID string    `json:"paymentSessionId,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Active reports whether the ledger allows sending.
func (l *Ledger) Active() bool {
	return l.Status == StatusActive
}

// Expired compares the validity window against now. Nothing in the send
// path enforces expiry; callers that care check it themselves.
func (l *Ledger) Expired(now time.Time) bool {
	return !l.EndDate.IsZero() && now.After(l.EndDate)
}

// Consistent reports whether 0 <= remaining <= total with a positive total.
func (l *Ledger) Consistent() bool {
	return l.SMSCredits > 0 && l.RemainingCredits >= 0 && l.RemainingCredits <= l.SMSCredits
}

// Grant describes a purchase or claim that (re)creates a ledger.
type Grant struct {
	PlanID          plan.ID
	PlanName        string
	DurationMonths  int
	CreditAllotment int
	SessionID       string
	Status          Status
}

// GrantFor builds a grant from a catalogue entry.
func GrantFor(p plan.Plan, sessionID string) Grant {
	return Grant{
		PlanID:          p.ID,
		PlanName:        p.Name,
		DurationMonths:  p.DurationMonths,
		CreditAllotment: p.CreditAllotment,
		SessionID:       sessionID,
		Status:          StatusActive,
	}
}

// EndOf returns start plus months plan-months.
func EndOf(start time.Time, months int) time.Time {
	return start.Add(time.Duration(months*CycleDays) * 24 * time.Hour)
}
