// Package sender gates, sends and accounts for one outbound message: the
// credit gate runs before the transport, and the ledger is charged only
// after the provider accepted the message.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/idgen"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/messaging"
	"github.com/feedbackloop/creditmeter/internal/metrics"
	"github.com/feedbackloop/creditmeter/internal/traces"
)

// Errors
var (
	ErrMissingFields        = errors.New("sender: recipient and body are required")
	ErrSubscriptionInactive = errors.New("sender: subscription inactive")
	ErrNoSubscription       = errors.New("sender: tenant has no subscription")
	ErrNoCredits            = credits.ErrNoCredits
	ErrNotConfigured        = messaging.ErrNotConfigured
)

// UnmeteredPolicy decides what happens when a tenant has no ledger at all.
type UnmeteredPolicy string

const (
	// AllowWhenAbsent sends without charging. Tenants created before
	// metering existed rely on it.
	AllowWhenAbsent UnmeteredPolicy = "allow"
	// DenyWhenAbsent refuses with ErrNoSubscription.
	DenyWhenAbsent UnmeteredPolicy = "deny"
)

// ParseUnmeteredPolicy maps configuration onto a policy, defaulting to allow.
func ParseUnmeteredPolicy(s string) UnmeteredPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(DenyWhenAbsent)) {
		return DenyWhenAbsent
	}
	return AllowWhenAbsent
}

// DefaultProbeFragment marks the platform's own feedback-request links.
const DefaultProbeFragment = "/feedback/"

// Options tunes the orchestrator.
type Options struct {
	Unmetered UnmeteredPolicy
	// ReserveBeforeSend charges the credit before the transport call and
	// refunds it if the send fails, closing the gate-then-charge race.
	ReserveBeforeSend bool
	ProbeFragment     string
}

// Orchestrator runs the send sequence.
type Orchestrator struct {
	ledger    *credits.Service
	transport messaging.Client
	resolver  *messaging.Resolver
	log       messaging.LogStore
	opts      Options
	now       func() time.Time
}

// New creates an orchestrator.
func New(ledger *credits.Service, transport messaging.Client, resolver *messaging.Resolver, log messaging.LogStore, opts Options) *Orchestrator {
	if opts.Unmetered == "" {
		opts.Unmetered = AllowWhenAbsent
	}
	if opts.ProbeFragment == "" {
		opts.ProbeFragment = DefaultProbeFragment
	}
	return &Orchestrator{
		ledger:    ledger,
		transport: transport,
		resolver:  resolver,
		log:       log,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendInput is a normalised request bound to a tenant.
type SendInput struct {
	TenantID    string
	Message     messaging.Message
	Credentials messaging.Credentials
}

// BestEffort records a bookkeeping step that failed after a successful
// send. It is reported, never returned as an error.
type BestEffort struct {
	Step string
	Err  error
}

// SendResult is the outcome of a successful send.
type SendResult struct {
	SID         string       `json:"sid"`
	Status      string       `json:"status"`
	Billable    bool         `json:"billable"`
	Metered     bool         `json:"metered"`
	Remaining   *int         `json:"remainingCredits,omitempty"`
	Bookkeeping []BestEffort `json:"-"`
}

// IsProbe reports whether body is platform feedback-request traffic.
func (o *Orchestrator) IsProbe(body string) bool {
	return strings.Contains(body, o.opts.ProbeFragment)
}

// Send gates, sends and books one message.
func (o *Orchestrator) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	msg := in.Message
	if msg.Channel == "" {
		msg.Channel = messaging.ChannelSMS
	}
	if strings.TrimSpace(msg.To) == "" || strings.TrimSpace(msg.Body) == "" {
		return nil, ErrMissingFields
	}

	ctx, span := traces.StartSpan(ctx, "sender.Send",
		traces.TenantID(in.TenantID), traces.Channel(string(msg.Channel)))
	defer span.End()

	metered, err := o.gate(ctx, in.TenantID)
	if err != nil {
		o.refused(msg.Channel, err)
		return nil, err
	}

	creds, err := o.resolver.Resolve(ctx, in.TenantID, in.Credentials, msg.Channel)
	if err != nil {
		o.refused(msg.Channel, err)
		return nil, err
	}

	probe := o.IsProbe(msg.Body)
	charge := metered && !probe
	res := &SendResult{Billable: !probe, Metered: metered}

	reserved := false
	if charge && o.opts.ReserveBeforeSend {
		remaining, err := o.ledger.DecrementOne(ctx, in.TenantID)
		if err != nil {
			o.refused(msg.Channel, err)
			return nil, err
		}
		reserved = true
		res.Remaining = &remaining
	}

	sent, err := o.transport.Send(ctx, creds, msg)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues(string(msg.Channel), sendOutcome(err)).Inc()
		if reserved {
			o.refund(ctx, in.TenantID)
		}
		traces.Fail(span, err)
		return nil, err
	}
	metrics.MessagesSentTotal.WithLabelValues(string(msg.Channel), "sent").Inc()
	span.SetAttributes(traces.MessageSID(sent.SID))
	res.SID, res.Status = sent.SID, sent.Status

	res.Bookkeeping = o.book(ctx, in.TenantID, creds, msg, sent, res, charge && !reserved)
	for _, be := range res.Bookkeeping {
		metrics.BookkeepingFailuresTotal.WithLabelValues(be.Step).Inc()
		logging.L(ctx).Error("bookkeeping failed after send",
			"step", be.Step, "tenant_id", in.TenantID, "sid", sent.SID, "error", be.Err)
	}
	return res, nil
}

// gate reports whether the tenant is metered, or why it may not send.
func (o *Orchestrator) gate(ctx context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, nil
	}
	l, err := o.ledger.GetRemaining(ctx, tenantID)
	switch {
	case errors.Is(err, credits.ErrNotFound):
		if o.opts.Unmetered == DenyWhenAbsent {
			return false, ErrNoSubscription
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("sender: credit gate: %w", err)
	case !l.Active():
		return false, ErrSubscriptionInactive
	case l.RemainingCredits <= 0:
		return false, ErrNoCredits
	}
	return true, nil
}

// book runs the post-send steps. Each step has its own error boundary.
func (o *Orchestrator) book(ctx context.Context, tenantID string, creds messaging.Credentials,
	msg messaging.Message, sent *messaging.Result, res *SendResult, decrement bool) []BestEffort {
	var failures []BestEffort

	from := msg.From
	if from == "" {
		from = creds.SenderFor(msg.Channel)
	}
	if from == "" {
		from = creds.MessagingServiceSID
	}
	entry := &messaging.LogEntry{
		ID:        idgen.WithPrefix("msg_"),
		CompanyID: tenantID,
		To:        msg.To,
		From:      from,
		Body:      msg.Body,
		SID:       sent.SID,
		Status:    sent.Status,
		Channel:   msg.Channel,
		Billable:  res.Billable,
		CreatedAt: o.now(),
	}
	if err := o.log.Append(ctx, entry); err != nil {
		failures = append(failures, BestEffort{Step: "log", Err: err})
	}

	if decrement {
		remaining, err := o.ledger.DecrementOne(ctx, tenantID)
		if err != nil {
			failures = append(failures, BestEffort{Step: "decrement", Err: err})
		} else {
			res.Remaining = &remaining
		}
	}
	return failures
}

func (o *Orchestrator) refund(ctx context.Context, tenantID string) {
	if _, err := o.ledger.RefundOne(ctx, tenantID); err != nil {
		metrics.BookkeepingFailuresTotal.WithLabelValues("refund").Inc()
		logging.L(ctx).Error("credit refund failed", "tenant_id", tenantID, "error", err)
	}
}

func (o *Orchestrator) refused(ch messaging.Channel, err error) {
	metrics.MessagesSentTotal.WithLabelValues(string(ch), "refused").Inc()
	metrics.GateRefusalsTotal.WithLabelValues(refusalReason(err)).Inc()
}

func refusalReason(err error) string {
	switch {
	case errors.Is(err, ErrNoCredits):
		return "no_credits"
	case errors.Is(err, ErrSubscriptionInactive):
		return "inactive"
	case errors.Is(err, ErrNoSubscription):
		return "no_subscription"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "error"
	}
}

func sendOutcome(err error) string {
	if messaging.IsRemote(err) {
		return "rejected"
	}
	return "failed"
}
