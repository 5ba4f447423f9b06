package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/metrics"
	"github.com/feedbackloop/creditmeter/internal/plan"
	"github.com/feedbackloop/creditmeter/internal/traces"
)

// Service provides ledger operations on top of a Store.
type Service struct {
	store   Store
	catalog *plan.Catalog
	now     func() time.Time
}

// NewService creates a ledger service. A nil catalog is lenient.
func NewService(store Store, catalog *plan.Catalog) *Service {
	if catalog == nil {
		catalog = plan.NewCatalog(false)
	}
	return &Service{
		store:   store,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Catalog returns the plan policy the service repairs with.
func (s *Service) Catalog() *plan.Catalog { return s.catalog }

// CreateOrReplace writes a fresh ledger for tenantID. Remaining credits are
// reset to the allotment, never added to what was left.
func (s *Service) CreateOrReplace(ctx context.Context, tenantID string, g Grant) (*Ledger, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	if g.CreditAllotment <= 0 {
		return nil, ErrInvalidGrant
	}
	months := g.DurationMonths
	if months <= 0 {
		months = plan.Default.DurationMonths
	}
	status := g.Status
	if status == "" {
		status = StatusActive
	}

	ctx, span := traces.StartSpan(ctx, "credits.CreateOrReplace",
		traces.TenantID(tenantID), traces.PlanID(string(g.PlanID)))
	defer span.End()

	now := s.now()
	l := &Ledger{
		TenantID:         tenantID,
		PlanID:           g.PlanID,
		PlanName:         g.PlanName,
		SMSCredits:       g.CreditAllotment,
		RemainingCredits: g.CreditAllotment,
		Status:           status,
		StartDate:        now,
		EndDate:          EndOf(now, months),
		PaymentSessionID: g.SessionID,
		UpdatedAt:        now,
	}
	if err := s.store.Put(ctx, l); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	logging.L(ctx).Info("ledger replaced",
		"tenant_id", tenantID, "plan_id", l.PlanID, "credits", l.SMSCredits, "session_id", l.PaymentSessionID)
	return l, nil
}

// GetRemaining returns the tenant's ledger, ErrNotFound when there is none.
func (s *Service) GetRemaining(ctx context.Context, tenantID string) (*Ledger, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	return s.store.Get(ctx, tenantID)
}

// DecrementOne spends one credit atomically. Running out is an ordinary
// outcome reported as ErrNoCredits.
func (s *Service) DecrementOne(ctx context.Context, tenantID string) (int, error) {
	ctx, span := traces.StartSpan(ctx, "credits.DecrementOne", traces.TenantID(tenantID))
	defer span.End()

	remaining, err := s.store.DecrementOne(ctx, tenantID)
	metrics.CreditDecrementsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil && !errors.Is(err, ErrNoCredits) && !errors.Is(err, ErrNotFound) {
		traces.Fail(span, err)
	}
	return remaining, err
}

// RefundOne gives back a credit spent on a send that then failed. It never
// raises remaining above the allotment.
func (s *Service) RefundOne(ctx context.Context, tenantID string) (int, error) {
	ctx, span := traces.StartSpan(ctx, "credits.RefundOne", traces.TenantID(tenantID))
	defer span.End()

	remaining, err := s.store.IncrementOne(ctx, tenantID)
	metrics.CreditRefundsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil && !errors.Is(err, ErrLedgerFull) && !errors.Is(err, ErrNotFound) {
		traces.Fail(span, err)
	}
	return remaining, err
}

// RepairMissingFields fills in broken counters on the stored ledger from the
// plan fields the record already carries, and persists only if something
// changed. Running it twice yields the same ledger.
func (s *Service) RepairMissingFields(ctx context.Context, tenantID string) (*Ledger, error) {
	l, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	fixed, changed, err := Repair(s.catalog, l)
	if err != nil {
		return nil, fmt.Errorf("credits: repair %s: %w", tenantID, err)
	}
	if !changed {
		return l, nil
	}

	fixed.UpdatedAt = s.now()
	if err := s.store.Put(ctx, &fixed); err != nil {
		return nil, err
	}
	metrics.LedgerRepairsTotal.Inc()
	logging.L(ctx).Warn("ledger repaired",
		"tenant_id", tenantID,
		"sms_credits", fixed.SMSCredits, "remaining_credits", fixed.RemainingCredits,
		"was_sms_credits", l.SMSCredits, "was_remaining_credits", l.RemainingCredits)
	return &fixed, nil
}

// Repair is the pure part of RepairMissingFields, shared with the
// reconciler for projection-only records.
//
// A non-positive total is re-derived from the plan fields and the counter
// is reset with it, since a counter against a broken total means nothing.
// A valid total only has its counter clamped into [0, total]. A zero or
// negative remaining count is therefore not treated as missing when the
// total is sound: it is exhaustion, and refilling it would hand out free
// credits on every repair. With no plan fields at all the lenient catalogue
// grants the default allotment; a strict one returns the error.
func Repair(catalog *plan.Catalog, l *Ledger) (Ledger, bool, error) {
	out := *l
	if out.SMSCredits <= 0 {
		p, err := catalog.Resolve(plan.Input{PlanID: string(out.PlanID), PlanName: out.PlanName})
		if errors.Is(err, plan.ErrMissingPlan) && !catalog.Strict() {
			p, err = plan.Default, nil
		}
		if err != nil {
			return *l, false, err
		}
		out.SMSCredits = p.CreditAllotment
		out.RemainingCredits = p.CreditAllotment
		if out.PlanID == "" {
			out.PlanID = p.ID
		}
		if out.PlanName == "" {
			out.PlanName = p.Name
		}
		if out.EndDate.IsZero() && !out.StartDate.IsZero() {
			out.EndDate = EndOf(out.StartDate, p.DurationMonths)
		}
	}
	if out.RemainingCredits < 0 {
		out.RemainingCredits = 0
	}
	if out.RemainingCredits > out.SMSCredits {
		out.RemainingCredits = out.SMSCredits
	}
	if out.Status == "" {
		out.Status = StatusActive
	}
	return out, out != *l, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCredits):
		return "no_credits"
	case errors.Is(err, ErrLedgerFull):
		return "full"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Restore writes a ledger rebuilt from another copy (the profile projection)
// after running it through Repair, so a restored record is always consistent.
func (s *Service) Restore(ctx context.Context, l *Ledger) (*Ledger, error) {
	if l.TenantID == "" {
		return nil, ErrMissingTenant
	}
	fixed, _, err := Repair(s.catalog, l)
	if err != nil {
		return nil, fmt.Errorf("credits: restore %s: %w", l.TenantID, err)
	}
	fixed.UpdatedAt = s.now()
	if err := s.store.Put(ctx, &fixed); err != nil {
		return nil, err
	}
	logging.L(ctx).Warn("ledger restored from projection", "tenant_id", fixed.TenantID)
	return &fixed, nil
}
