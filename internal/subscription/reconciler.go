package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/metrics"
	"github.com/feedbackloop/creditmeter/internal/plan"
	"github.com/feedbackloop/creditmeter/internal/retry"
	"github.com/feedbackloop/creditmeter/internal/tenant"
	"github.com/feedbackloop/creditmeter/internal/traces"
)

// Reconciler keeps the ledger and the projection in agreement. The ledger
// is authoritative; the projection is written after it and may fail
// independently.
type Reconciler struct {
	ledger      *credits.Service
	projections ProjectionStore
	tenants     tenant.Store
	mirror      retry.Policy
}

// NewReconciler wires a reconciler over the ledger service, the projection
// store and the tenant directory used for ownership and email lookups.
func NewReconciler(ledger *credits.Service, projections ProjectionStore, tenants tenant.Store) *Reconciler {
	return &Reconciler{
		ledger:      ledger,
		projections: projections,
		tenants:     tenants,
		mirror:      retry.DefaultPolicy,
	}
}

// WithMirrorPolicy overrides the retry policy for projection writes.
func (r *Reconciler) WithMirrorPolicy(p retry.Policy) *Reconciler {
	r.mirror = p
	return r
}

// ReadOptions controls ReadSubscription.
type ReadOptions struct {
	Repair        bool
	CallerSubject string
}

// ReadResult is a read outcome. A nil Subscription means "no subscription",
// which covers both absence and an ownership mismatch.
type ReadResult struct {
	Subscription  *Subscription
	OwnerMismatch bool
}

// ReadSubscription returns the tenant's subscription from the ledger, or
// from the projection when the ledger copy is missing. With Repair set the
// ledger is repaired (or restored from the projection) and mirrored back.
func (r *Reconciler) ReadSubscription(ctx context.Context, tenantID string, opts ReadOptions) (ReadResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ReadResult{}, ErrMissingTenant
	}

	if opts.CallerSubject != "" {
		owned, err := tenant.OwnedTenantID(ctx, r.tenants, opts.CallerSubject)
		if err != nil {
			return ReadResult{}, err
		}
		if owned != tenantID {
			logging.L(ctx).Warn("subscription read for foreign tenant",
				"tenant_id", tenantID, "caller_tenant", owned)
			return ReadResult{OwnerMismatch: true}, nil
		}
	}

	ctx, span := traces.StartSpan(ctx, "subscription.Read", traces.TenantID(tenantID))
	defer span.End()

	sub, err := r.read(ctx, tenantID, opts.Repair)
	if err != nil {
		traces.Fail(span, err)
		return ReadResult{}, err
	}
	return ReadResult{Subscription: sub}, nil
}

func (r *Reconciler) read(ctx context.Context, tenantID string, repair bool) (*Subscription, error) {
	l, err := r.ledger.GetRemaining(ctx, tenantID)
	switch {
	case err == nil:
		proj, _ := r.projections.Get(ctx, tenantID)
		if repair {
			if l, err = r.ledger.RepairMissingFields(ctx, tenantID); err != nil {
				return nil, err
			}
			r.mirrorLedger(ctx, l, contactEmail(proj))
		}
		return fromLedger(l, proj), nil
	case !errors.Is(err, credits.ErrNotFound):
		return nil, err
	}

	sub, err := r.readProjection(ctx, tenantID)
	if err != nil || sub == nil {
		return nil, err
	}
	if !repair {
		return sub, nil
	}

	restored, err := r.ledger.Restore(ctx, &sub.Ledger)
	if err != nil {
		return nil, err
	}
	r.mirrorLedger(ctx, restored, sub.ContactEmail)
	return fromLedger(restored, &Projection{ContactEmail: sub.ContactEmail}), nil
}

// readProjection tries the current shape, then the legacy one. Nothing
// found is (nil, nil).
func (r *Reconciler) readProjection(ctx context.Context, tenantID string) (*Subscription, error) {
	p, err := r.projections.Get(ctx, tenantID)
	if err == nil {
		return p.subscription(SourceProjection), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	lp, err := r.projections.GetLegacy(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lp.Normalize().subscription(SourceLegacy), nil
}

// ClaimResult is the outcome of a successful claim.
type ClaimResult struct {
	TenantID     string        `json:"companyId"`
	Subscription *Subscription `json:"subscription"`
}

// ClaimBySession finds the projection carrying sessionID, re-derives its
// plan and writes a fresh ledger and projection for the tenant it belongs
// to. Unclaimed checkouts are attached to claimant. A repeated claim for a
// session already on the ledger returns the ledger unchanged.
func (r *Reconciler) ClaimBySession(ctx context.Context, sessionID, claimant string) (*ClaimResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingClaimKey
	}

	ctx, span := traces.StartSpan(ctx, "subscription.ClaimBySession", traces.SessionID(sessionID))
	defer span.End()

	res, err := r.claimBySession(ctx, sessionID, claimant)
	metrics.SubscriptionClaimsTotal.WithLabelValues("session", claimOutcome(err)).Inc()
	if err != nil && !errors.Is(err, ErrNotFound) {
		traces.Fail(span, err)
	}
	return res, err
}

func (r *Reconciler) claimBySession(ctx context.Context, sessionID, claimant string) (*ClaimResult, error) {
	if claimant != "" {
		if l, err := r.ledger.GetRemaining(ctx, claimant); err == nil && l.PaymentSessionID == sessionID {
			return &ClaimResult{TenantID: claimant, Subscription: fromLedger(l, nil)}, nil
		}
	}

	p, err := r.projections.FindBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tenantID := p.TenantID
	pending := IsPending(tenantID)
	if pending {
		if claimant == "" {
			return nil, ErrNotFound
		}
		tenantID = claimant
	} else if claimant != "" && claimant != tenantID {
		logging.L(ctx).Warn("session claim for foreign tenant",
			"session_id", sessionID, "tenant_id", tenantID, "caller_tenant", claimant)
		return nil, ErrNotFound
	}

	if l, err := r.ledger.GetRemaining(ctx, tenantID); err == nil && l.PaymentSessionID == sessionID && !pending {
		return &ClaimResult{TenantID: tenantID, Subscription: fromLedger(l, p)}, nil
	}

	pl, err := r.derivePlan(plan.Input{PlanID: string(p.PlanID), PlanName: p.PlanName})
	if err != nil {
		return nil, err
	}
	l, err := r.ledger.CreateOrReplace(ctx, tenantID, credits.GrantFor(pl, sessionID))
	if err != nil {
		return nil, err
	}
	r.mirrorLedger(ctx, l, p.ContactEmail)

	if pending {
		if err := r.projections.Delete(ctx, p.TenantID); err != nil {
			logging.L(ctx).Warn("pending projection not removed", "tenant_id", p.TenantID, "error", err)
		}
	}

	logging.L(ctx).Info("subscription claimed by session",
		"tenant_id", tenantID, "session_id", sessionID, "plan_id", l.PlanID)
	return &ClaimResult{TenantID: tenantID, Subscription: fromLedger(l, p)}, nil
}

// ClaimByEmail correlates by the tenant's contact email and returns what is
// already stored. It never writes.
func (r *Reconciler) ClaimByEmail(ctx context.Context, email, claimant string) (*ClaimResult, error) {
	res, err := r.claimByEmail(ctx, email, claimant)
	metrics.SubscriptionClaimsTotal.WithLabelValues("email", claimOutcome(err)).Inc()
	return res, err
}

func (r *Reconciler) claimByEmail(ctx context.Context, email, claimant string) (*ClaimResult, error) {
	email = tenant.NormalizeEmail(email)
	if email == "" {
		return nil, ErrMissingClaimKey
	}

	t, err := r.tenants.GetByEmail(ctx, email)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if claimant != "" && claimant != t.ID {
		return nil, ErrNotFound
	}

	sub, err := r.read(ctx, t.ID, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	return &ClaimResult{TenantID: t.ID, Subscription: sub}, nil
}

// ClaimRequest carries whichever correlation keys the caller has.
type ClaimRequest struct {
	SessionID     string
	Email         string
	CompanyID     string
	CallerSubject string
}

// Claim tries the session id first and falls back to the email. A verified
// caller only ever claims into its own tenant.
func (r *Reconciler) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	claimant := strings.TrimSpace(req.CompanyID)
	if req.CallerSubject != "" {
		owned, err := tenant.OwnedTenantID(ctx, r.tenants, req.CallerSubject)
		if err != nil {
			return nil, err
		}
		claimant = owned
	}

	if strings.TrimSpace(req.SessionID) == "" && strings.TrimSpace(req.Email) == "" {
		return nil, ErrMissingClaimKey
	}

	if strings.TrimSpace(req.SessionID) != "" {
		res, err := r.ClaimBySession(ctx, req.SessionID, claimant)
		if err == nil || !errors.Is(err, ErrNotFound) || strings.TrimSpace(req.Email) == "" {
			return res, err
		}
	}
	return r.ClaimByEmail(ctx, req.Email, claimant)
}

// CreateRequest is the admin/purchase input. Pointer overrides are applied
// only when set.
type CreateRequest struct {
	CompanyID      string
	Plan           plan.Input
	DurationMonths *int
	SMSCredits     *int
	Status         credits.Status
	SessionID      string
	ContactEmail   string
}

// Create resolves the plan and replaces the tenant's ledger, then mirrors
// it. Replaying a request for a session already on the ledger is a no-op.
func (r *Reconciler) Create(ctx context.Context, req CreateRequest) (*Subscription, error) {
	tenantID := strings.TrimSpace(req.CompanyID)
	if tenantID == "" {
		return nil, ErrMissingTenant
	}

	pl, err := r.ledger.Catalog().Resolve(req.Plan)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "subscription.Create",
		traces.TenantID(tenantID), traces.PlanID(string(pl.ID)))
	defer span.End()

	if req.SessionID != "" {
		if l, err := r.ledger.GetRemaining(ctx, tenantID); err == nil && l.PaymentSessionID == req.SessionID {
			logging.L(ctx).Info("duplicate purchase ignored", "tenant_id", tenantID, "session_id", req.SessionID)
			return fromLedger(l, &Projection{ContactEmail: req.ContactEmail}), nil
		}
	}

	grant := credits.GrantFor(pl, req.SessionID)
	if name := strings.TrimSpace(req.Plan.PlanName); name != "" {
		grant.PlanName = name
	}
	if req.DurationMonths != nil && *req.DurationMonths > 0 {
		grant.DurationMonths = *req.DurationMonths
	}
	if req.SMSCredits != nil && *req.SMSCredits > 0 {
		grant.CreditAllotment = *req.SMSCredits
	}
	if req.Status != "" {
		grant.Status = req.Status
	}

	l, err := r.ledger.CreateOrReplace(ctx, tenantID, grant)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	email := req.ContactEmail
	if email == "" {
		if proj, err := r.projections.Get(ctx, tenantID); err == nil {
			email = proj.ContactEmail
		} else if t, err := r.tenants.Get(ctx, tenantID); err == nil {
			email = t.ContactEmail
		}
	}
	r.mirrorLedger(ctx, l, email)
	return fromLedger(l, &Projection{ContactEmail: email}), nil
}

// RecordPending stores a checkout that arrived without a tenant id so a
// later session claim can attach it. A session that a tenant's projection
// already carries returns ErrSessionClaimed and writes nothing, so a
// redelivered event cannot be claimed a second time.
func (r *Reconciler) RecordPending(ctx context.Context, sessionID string, in plan.Input, email string) error {
	if sessionID == "" {
		return ErrMissingClaimKey
	}
	held, err := r.projections.FindBySession(ctx, sessionID)
	switch {
	case err == nil && !IsPending(held.TenantID):
		logging.L(ctx).Info("checkout already claimed", "session_id", sessionID, "tenant_id", held.TenantID)
		return ErrSessionClaimed
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	pl, err := r.derivePlan(in)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p := &Projection{
		TenantID:         PendingTenantID(sessionID),
		PlanID:           pl.ID,
		PlanName:         pl.Name,
		SMSCredits:       pl.CreditAllotment,
		RemainingCredits: pl.CreditAllotment,
		Status:           credits.StatusInactive,
		PaymentSessionID: sessionID,
		ContactEmail:     tenant.NormalizeEmail(email),
		UpdatedAt:        now,
	}
	return r.projections.Put(ctx, p)
}

// derivePlan resolves plan fields for records that already exist. Under the
// lenient catalogue a record naming no plan still gets the default grant.
func (r *Reconciler) derivePlan(in plan.Input) (plan.Plan, error) {
	catalog := r.ledger.Catalog()
	pl, err := catalog.Resolve(in)
	if errors.Is(err, plan.ErrMissingPlan) && !catalog.Strict() {
		return plan.Default, nil
	}
	return pl, err
}

// mirrorLedger writes the projection for l. Failures are retried, then
// logged and counted; they never fail the caller.
func (r *Reconciler) mirrorLedger(ctx context.Context, l *credits.Ledger, email string) {
	p := FromLedger(l, email)
	err := r.mirror.Run(ctx, func() error {
		return r.projections.Put(ctx, p)
	})
	if err != nil {
		metrics.ProjectionMirrorFailuresTotal.Inc()
		logging.L(ctx).Error("projection mirror failed", "tenant_id", l.TenantID, "error", err)
	}
}

func contactEmail(p *Projection) string {
	if p == nil {
		return ""
	}
	return p.ContactEmail
}

func claimOutcome(err error) string {
	switch {
	case err == nil:
		return "claimed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
