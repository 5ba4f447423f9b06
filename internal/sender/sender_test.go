package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/messaging"
	"github.com/feedbackloop/creditmeter/internal/plan"
	"github.com/feedbackloop/creditmeter/internal/tenant"
)

// fakeTransport records sends and returns err when set.
type fakeTransport struct {
	mu    sync.Mutex
	err   error
	sent  []messaging.Message
	creds []messaging.Credentials
}

func (f *fakeTransport) Send(_ context.Context, creds messaging.Credentials, msg messaging.Message) (*messaging.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	f.creds = append(f.creds, creds)
	return &messaging.Result{SID: "SM" + msg.To, Status: "queued"}, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type failingLog struct{}

func (failingLog) Append(context.Context, *messaging.LogEntry) error {
	return errors.New("log store down")
}

func (failingLog) ListByCompany(context.Context, string, int) ([]*messaging.LogEntry, error) {
	return nil, errors.New("log store down")
}

type harness struct {
	orch      *Orchestrator
	ledgers   *credits.MemoryStore
	ledger    *credits.Service
	transport *fakeTransport
	log       *messaging.MemoryLogStore
	tenants   *tenant.MemoryStore
}

var platformCreds = messaging.Credentials{AccountSID: "AC_cfg", AuthToken: "tok", From: "+15550000000"}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		ledgers:   credits.NewMemoryStore(),
		transport: &fakeTransport{},
		log:       messaging.NewMemoryLogStore(),
		tenants:   tenant.NewMemoryStore(),
	}
	h.ledger = credits.NewService(h.ledgers, plan.NewCatalog(false))
	resolver := messaging.NewResolver(platformCreds, h.tenants)
	h.orch = New(h.ledger, h.transport, resolver, h.log, opts)
	return h
}

func (h *harness) seed(t *testing.T, tenantID string, total, remaining int, status credits.Status) {
	t.Helper()
	require.NoError(t, h.ledgers.Put(context.Background(), &credits.Ledger{
		TenantID: tenantID, PlanID: plan.Starter, SMSCredits: total, RemainingCredits: remaining,
		Status: status, StartDate: time.Now(), EndDate: time.Now().Add(30 * 24 * time.Hour),
	}))
}

func (h *harness) remaining(t *testing.T, tenantID string) int {
	t.Helper()
	l, err := h.ledgers.Get(context.Background(), tenantID)
	require.NoError(t, err)
	return l.RemainingCredits
}

func input(tenantID, body string) SendInput {
	return SendInput{TenantID: tenantID, Message: messaging.Message{To: "+15551234567", Body: body}}
}

func TestSend_LastCreditThenRefused(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "acme", 250, 1, credits.StatusActive)
	ctx := context.Background()

	res, err := h.orch.Send(ctx, input("acme", "How did we do?"))
	require.NoError(t, err)
	assert.Equal(t, "SM+15551234567", res.SID)
	assert.Equal(t, "queued", res.Status)
	assert.True(t, res.Billable)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 0, *res.Remaining)
	assert.Empty(t, res.Bookkeeping)
	assert.Equal(t, 0, h.remaining(t, "acme"))
	assert.Equal(t, 1, h.log.Len())

	_, err = h.orch.Send(ctx, input("acme", "again"))
	assert.ErrorIs(t, err, ErrNoCredits)
	assert.Equal(t, 1, h.transport.calls(), "refused before the transport")
	assert.Equal(t, 1, h.log.Len())
}

func TestSend_ProbeIsNotBilled(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "acme", 250, 10, credits.StatusActive)

	res, err := h.orch.Send(context.Background(), input("acme", "Rate us: https://app.test/feedback/abc123"))
	require.NoError(t, err)
	assert.False(t, res.Billable)
	assert.Nil(t, res.Remaining)
	assert.Equal(t, 10, h.remaining(t, "acme"))

	entries, err := h.log.ListByCompany(context.Background(), "acme", 0)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Billable, "probe traffic never lands as a billable entry")
	}
}

func TestSend_CustomProbeFragment(t *testing.T) {
	h := newHarness(t, Options{ProbeFragment: "/r/"})
	h.seed(t, "acme", 250, 10, credits.StatusActive)

	_, err := h.orch.Send(context.Background(), input("acme", "see https://app.test/feedback/x"))
	require.NoError(t, err)
	assert.Equal(t, 9, h.remaining(t, "acme"))

	_, err = h.orch.Send(context.Background(), input("acme", "see https://app.test/r/x"))
	require.NoError(t, err)
	assert.Equal(t, 9, h.remaining(t, "acme"))
}

func TestSend_InactiveSubscription(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "acme", 250, 100, credits.StatusInactive)

	_, err := h.orch.Send(context.Background(), input("acme", "hi"))
	assert.ErrorIs(t, err, ErrSubscriptionInactive)
	assert.Equal(t, 0, h.transport.calls())
}

func TestSend_UnmeteredPolicy(t *testing.T) {
	t.Run("allow", func(t *testing.T) {
		h := newHarness(t, Options{Unmetered: AllowWhenAbsent})
		res, err := h.orch.Send(context.Background(), input("legacy_tenant", "hi"))
		require.NoError(t, err)
		assert.False(t, res.Metered)
		assert.Nil(t, res.Remaining)
		assert.Empty(t, res.Bookkeeping, "no decrement attempted for an unmetered tenant")
		assert.Equal(t, 1, h.log.Len())
	})

	t.Run("deny", func(t *testing.T) {
		h := newHarness(t, Options{Unmetered: DenyWhenAbsent})
		_, err := h.orch.Send(context.Background(), input("legacy_tenant", "hi"))
		assert.ErrorIs(t, err, ErrNoSubscription)
		assert.Equal(t, 0, h.transport.calls())
	})
}

func TestParseUnmeteredPolicy(t *testing.T) {
	assert.Equal(t, DenyWhenAbsent, ParseUnmeteredPolicy(" DENY "))
	assert.Equal(t, AllowWhenAbsent, ParseUnmeteredPolicy(""))
	assert.Equal(t, AllowWhenAbsent, ParseUnmeteredPolicy("whatever"))
}

func TestSend_MissingFields(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.orch.Send(context.Background(), SendInput{TenantID: "acme", Message: messaging.Message{To: "+1"}})
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestSend_TransportNotConfigured(t *testing.T) {
	h := newHarness(t, Options{})
	h.orch.resolver = messaging.NewResolver(messaging.Credentials{}, h.tenants)
	h.seed(t, "acme", 250, 5, credits.StatusActive)

	_, err := h.orch.Send(context.Background(), input("acme", "hi"))
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 5, h.remaining(t, "acme"))
}

func TestSend_RequestCredentialsWin(t *testing.T) {
	h := newHarness(t, Options{})
	in := input("", "hi")
	in.Credentials = messaging.Credentials{AccountSID: "AC_req", AuthToken: "t_req"}

	_, err := h.orch.Send(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, h.transport.creds, 1)
	assert.Equal(t, "AC_req", h.transport.creds[0].AccountSID)
	assert.Equal(t, platformCreds.From, h.transport.creds[0].From)
}

func TestSend_RemoteRejectionIsNotCharged(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "acme", 250, 5, credits.StatusActive)
	h.transport.err = &messaging.RemoteError{Code: 21211, Status: 400, Message: "invalid To"}

	_, err := h.orch.Send(context.Background(), input("acme", "hi"))
	assert.True(t, messaging.IsRemote(err))
	assert.Equal(t, 5, h.remaining(t, "acme"))
	assert.Equal(t, 0, h.log.Len())
}

func TestSend_BookkeepingFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, Options{})
	h.orch.log = failingLog{}
	h.seed(t, "acme", 250, 5, credits.StatusActive)

	res, err := h.orch.Send(context.Background(), input("acme", "hi"))
	require.NoError(t, err)
	require.Len(t, res.Bookkeeping, 1)
	assert.Equal(t, "log", res.Bookkeeping[0].Step)
	assert.Equal(t, 4, h.remaining(t, "acme"), "decrement still runs")
}

func TestSend_GateAndDecrementAreNotAtomic(t *testing.T) {
	h := newHarness(t, Options{})
	h.seed(t, "acme", 250, 1, credits.StatusActive)
	ctx := context.Background()

	// Simulate a concurrent send draining the ledger between gate and charge.
	_, err := h.orch.gate(ctx, "acme")
	require.NoError(t, err)
	_, err = h.ledger.DecrementOne(ctx, "acme")
	require.NoError(t, err)

	failures := h.orch.book(ctx, "acme", platformCreds, messaging.Message{To: "+1", Body: "x"},
		&messaging.Result{SID: "SM1"}, &SendResult{Billable: true}, true)
	require.Len(t, failures, 1)
	assert.Equal(t, "decrement", failures[0].Step)
	assert.ErrorIs(t, failures[0].Err, credits.ErrNoCredits)
	assert.Equal(t, 0, h.remaining(t, "acme"), "never negative")
}

func TestSend_ReserveBeforeSend(t *testing.T) {
	t.Run("charges once on success", func(t *testing.T) {
		h := newHarness(t, Options{ReserveBeforeSend: true})
		h.seed(t, "acme", 250, 3, credits.StatusActive)

		res, err := h.orch.Send(context.Background(), input("acme", "hi"))
		require.NoError(t, err)
		require.NotNil(t, res.Remaining)
		assert.Equal(t, 2, *res.Remaining)
		assert.Equal(t, 2, h.remaining(t, "acme"))
	})

	t.Run("refunds on failure", func(t *testing.T) {
		h := newHarness(t, Options{ReserveBeforeSend: true})
		h.seed(t, "acme", 250, 3, credits.StatusActive)
		h.transport.err = &messaging.IntegrationError{Transport: messaging.TransportHTTP, Err: errors.New("down")}

		_, err := h.orch.Send(context.Background(), input("acme", "hi"))
		require.Error(t, err)
		assert.Equal(t, 3, h.remaining(t, "acme"))
	})

	t.Run("concurrent sends never exceed credits", func(t *testing.T) {
		h := newHarness(t, Options{ReserveBeforeSend: true})
		h.seed(t, "acme", 250, 3, credits.StatusActive)

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.orch.Send(context.Background(), input("acme", "hi")); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 3, ok)
		assert.Equal(t, 3, h.transport.calls())
		assert.Equal(t, 0, h.remaining(t, "acme"))
	})
}
