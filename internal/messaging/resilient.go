package messaging

import (
	"context"
	"errors"

	"github.com/feedbackloop/creditmeter/internal/circuitbreaker"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/metrics"
	"github.com/feedbackloop/creditmeter/internal/traces"
)

// ResilientClient sends through primary and retries once through fallback
// when primary fails locally before the request reached the provider.
// Provider rejections and failures after the request was written are
// returned as-is. A per-account breaker skips primary entirely after
// repeated local failures.
type ResilientClient struct {
	primary  Client
	fallback Client
	breaker  *circuitbreaker.Breaker
}

// NewResilientClient wires the two transports. breaker may be nil.
func NewResilientClient(primary, fallback Client, breaker *circuitbreaker.Breaker) *ResilientClient {
	return &ResilientClient{primary: primary, fallback: fallback, breaker: breaker}
}

// IsIntegration reports whether err is a local transport failure.
func IsIntegration(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie)
}

func (c *ResilientClient) Send(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "messaging.Send", traces.Channel(string(msg.Channel)))
	defer span.End()

	res, err := c.sendPrimary(ctx, creds, msg)
	if err == nil {
		span.SetAttributes(traces.MessageSID(res.SID))
		return res, nil
	}
	if !IsIntegration(err) && !errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, err
	}
	if ctx.Err() != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if IsAmbiguous(err) {
		metrics.TransportFallbacksTotal.WithLabelValues("skipped").Inc()
		logging.L(ctx).Warn("sdk request reached the provider without a usable answer, not retrying",
			"account_sid", creds.AccountSID, "error", err)
		traces.Fail(span, err)
		return nil, err
	}

	logging.L(ctx).Warn("sdk transport failed, using raw http", "account_sid", creds.AccountSID, "error", err)
	res, ferr := c.fallback.Send(ctx, creds, msg)
	switch {
	case ferr == nil:
		metrics.TransportFallbacksTotal.WithLabelValues("ok").Inc()
		span.SetAttributes(traces.MessageSID(res.SID))
		return res, nil
	case IsRemote(ferr):
		metrics.TransportFallbacksTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.TransportFallbacksTotal.WithLabelValues("error").Inc()
		traces.Fail(span, ferr)
	}
	return nil, ferr
}

func (c *ResilientClient) sendPrimary(ctx context.Context, creds Credentials, msg Message) (*Result, error) {
	if c.breaker == nil {
		return c.primary.Send(ctx, creds, msg)
	}
	var res *Result
	err := c.breaker.Call(creds.AccountSID, func() error {
		var err error
		res, err = c.primary.Send(ctx, creds, msg)
		return err
	}, IsIntegration)
	return res, err
}

var _ Client = (*ResilientClient)(nil)
