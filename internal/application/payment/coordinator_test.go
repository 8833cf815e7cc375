package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/auth"
	domainErrors "github.com/cassiomorais/payment-lifecycle/internal/domain/errors"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/cassiomorais/payment-lifecycle/internal/repository/memory"
	"github.com/cassiomorais/payment-lifecycle/internal/testutil"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"github.com/google/uuid"
)

const webhookSecret = "whsec_test"

type harness struct {
	repo    *memory.PaymentRepository
	stripe  *providers.MockProvider
	paypal  *providers.MockProvider
	clock   *testutil.Clock
	dedupe  *testutil.MemoryDeduplicator
	metrics *recordingMetrics
	coord   *paymentApp.Coordinator
}

func newHarness(t *testing.T, gwOpts ...providers.GatewayOption) *harness {
	t.Helper()
	h := &harness{
		repo:    memory.NewPaymentRepository(),
		clock:   testutil.NewClock(),
		dedupe:  testutil.NewMemoryDeduplicator(),
		metrics: &recordingMetrics{},
	}
	var gw *providers.Gateway
	gw, h.stripe, h.paypal = testutil.NewScriptedGateway(gwOpts...)
	h.coord = paymentApp.NewCoordinator(h.repo, gw, webhook.NewRegistry(),
		paymentApp.WithClock(h.clock.Now),
		paymentApp.WithWebhookSecrets(map[string]string{
			providers.ProviderStripe: webhookSecret,
			providers.ProviderPayPal: webhookSecret,
		}),
		paymentApp.WithDeduplicator(h.dedupe, 0),
		paymentApp.WithMetrics(h.metrics),
	)
	return h
}

// store persists p as-is, bypassing the coordinator.
func (h *harness) store(t *testing.T, p *payment.Payment) *payment.Payment {
	t.Helper()
	if err := h.repo.Create(context.Background(), p); err != nil {
		t.Fatalf("store payment: %v", err)
	}
	return p
}

func (h *harness) get(t *testing.T, id uuid.UUID) *payment.Payment {
	t.Helper()
	p, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return p
}

func card50(owner string) paymentApp.CreatePaymentRequest {
	return paymentApp.CreatePaymentRequest{
		OwnerID:     owner,
		AmountCents: 50_00,
		Currency:    "usd",
		Method:      payment.MethodCard,
	}
}

func stripeWebhook(t *testing.T, eventID, typ, objectID string, paymentID *uuid.UUID) webhook.RawWebhook {
	t.Helper()
	obj := map[string]any{"id": objectID}
	if paymentID != nil {
		obj["metadata"] = map[string]string{"payment_id": paymentID.String()}
	}
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": typ,
		"data": map[string]any{"object": obj},
	})
	if err != nil {
		t.Fatalf("marshal webhook: %v", err)
	}
	return webhook.RawWebhook{
		ProviderID: providers.ProviderStripe,
		Body:       body,
		Signature:  webhook.SignStripe(body, webhookSecret),
	}
}

func failedDue(owner string) *payment.Payment {
	p := testutil.NewTestPayment(owner, 50_00, payment.MethodCard)
	p.Status = payment.StatusFailed
	p.RetryCount = 1
	reason := "insufficient_funds"
	p.FailureReason = &reason
	due := testutil.Epoch
	p.NextRetryAt = &due
	return p
}

func TestLifecycle_DeclineLateSuccessRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stripe.Script(providers.Decline("insufficient_funds"))

	p, err := h.coord.CreateAndSubmit(ctx, card50("user-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != payment.StatusFailed {
		t.Fatalf("expected status failed, got %s", p.Status)
	}
	if p.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", p.RetryCount)
	}
	if p.FailureReason == nil || *p.FailureReason != "insufficient_funds" {
		t.Errorf("expected failure reason insufficient_funds, got %v", p.FailureReason)
	}
	if p.Amount.Currency != "USD" {
		t.Errorf("expected currency USD, got %s", p.Amount.Currency)
	}

	res, err := h.coord.HandleWebhook(ctx, stripeWebhook(t, "evt_1", "payment_intent.succeeded", "abc123", &p.ID))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if res != paymentApp.ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}
	p = h.get(t, p.ID)
	if p.Status != payment.StatusCompleted {
		t.Fatalf("expected status completed, got %s", p.Status)
	}
	if p.Reference() != "abc123" {
		t.Errorf("expected provider reference abc123, got %q", p.Reference())
	}
	if got := h.metrics.count("late_success"); got != 1 {
		t.Errorf("expected one late success, got %d", got)
	}

	refunded, err := h.coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID, AmountCents: 20_00, Reason: "customer request"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != payment.StatusRefunded {
		t.Errorf("expected status refunded, got %s", refunded.Status)
	}
	if refunded.RefundAmount == nil || *refunded.RefundAmount != 20_00 {
		t.Errorf("expected refund amount 2000, got %v", refunded.RefundAmount)
	}

	_, err = h.coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID, AmountCents: 40_00})
	if !errors.Is(err, domainErrors.ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition on second refund, got %v", err)
	}
	if h.stripe.Refunds() != 1 {
		t.Errorf("expected exactly one provider refund, got %d", h.stripe.Refunds())
	}
}

func TestCreateAndSubmit_Accepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	p, err := h.coord.CreateAndSubmit(ctx, card50("user-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Status != payment.StatusCompleted {
		t.Fatalf("expected status completed, got %s", p.Status)
	}
	if p.Reference() == "" {
		t.Error("expected a provider reference")
	}
	if p.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
	if h.stripe.Charges() != 1 || h.paypal.Charges() != 0 {
		t.Errorf("expected one stripe charge, got stripe=%d paypal=%d", h.stripe.Charges(), h.paypal.Charges())
	}

	wallet := card50("user-1")
	wallet.Method = payment.MethodWallet
	if _, err := h.coord.CreateAndSubmit(ctx, wallet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.paypal.Charges() != 1 {
		t.Errorf("expected wallet payment to be routed to paypal, got %d charges", h.paypal.Charges())
	}
	if got := h.metrics.count("created"); got != 2 {
		t.Errorf("expected 2 created observations, got %d", got)
	}
}

func TestCreateAndSubmit_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name   string
		mutate func(*paymentApp.CreatePaymentRequest)
	}{
		{"zero amount", func(r *paymentApp.CreatePaymentRequest) { r.AmountCents = 0 }},
		{"negative amount", func(r *paymentApp.CreatePaymentRequest) { r.AmountCents = -100 }},
		{"bad currency", func(r *paymentApp.CreatePaymentRequest) { r.Currency = "dollars" }},
		{"unknown method", func(r *paymentApp.CreatePaymentRequest) { r.Method = "crypto" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := card50("user-1")
			tt.mutate(&req)
			_, err := h.coord.CreateAndSubmit(ctx, req)
			if !errors.Is(err, domainErrors.ErrValidationFailed) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	list, err := h.repo.List(ctx, payment.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected nothing stored, got %d payments", len(list))
	}
	if h.stripe.Charges() != 0 {
		t.Error("expected no provider call")
	}
}

func TestCreateAndSubmit_ProviderFailuresBecomeDeclines(t *testing.T) {
	ctx := context.Background()

	t.Run("transport error", func(t *testing.T) {
		h := newHarness(t)
		h.stripe.Script(providers.FailWith(errors.New("connection reset")))

		p, err := h.coord.CreateAndSubmit(ctx, card50("user-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Status != payment.StatusFailed || *p.FailureReason != providers.ReasonTransportError {
			t.Errorf("expected failed/transport_error, got %s/%v", p.Status, p.FailureReason)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, providers.WithCallTimeout(20*time.Millisecond))
		h.stripe.Script(providers.Stall(time.Second))

		p, err := h.coord.CreateAndSubmit(ctx, card50("user-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Status != payment.StatusFailed || *p.FailureReason != providers.ReasonTimeout {
			t.Errorf("expected failed/timeout, got %s/%v", p.Status, p.FailureReason)
		}
		if p.NextRetryAt == nil {
			t.Error("expected a scheduled retry")
		}
	})
}

func TestRunRetrySweep_RetriesAfterBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stripe.Script(providers.Decline("insufficient_funds"), providers.SucceedWith("pi_retry"))

	p, err := h.coord.CreateAndSubmit(ctx, card50("user-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := h.coord.RunRetrySweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 0 {
		t.Errorf("expected nothing due before backoff, got %+v", report)
	}

	now := h.clock.Advance(payment.Backoff(1))
	report, err = h.coord.RunRetrySweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := paymentApp.SweepReport{Scanned: 1, Claimed: 1, Completed: 1}
	if report != want {
		t.Errorf("expected report %+v, got %+v", want, report)
	}

	p = h.get(t, p.ID)
	if p.Status != payment.StatusCompleted || p.Reference() != "pi_retry" {
		t.Errorf("expected completed with pi_retry, got %s/%q", p.Status, p.Reference())
	}
	if p.RetryCount != 1 {
		t.Errorf("expected retry count to stay at 1, got %d", p.RetryCount)
	}
	if got := h.metrics.count("sweep"); got != 2 {
		t.Errorf("expected 2 sweep observations, got %d", got)
	}
}

func TestRunRetrySweep_AfterWebhookDecline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := testutil.NewTestPayment("user-1", 50_00, payment.MethodCard)
	p.Status = payment.StatusProcessing
	h.store(t, p)

	res, err := h.coord.HandleWebhook(ctx, stripeWebhook(t, "evt_1", "payment_intent.payment_failed", "pi_A", &p.ID))
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if res != paymentApp.ResultApplied {
		t.Fatalf("expected applied, got %s", res)
	}
	got := h.get(t, p.ID)
	if got.Status != payment.StatusFailed || got.RetryCount != 1 {
		t.Fatalf("expected failed with one retry, got %s/%d", got.Status, got.RetryCount)
	}
	if got.ProviderReference != nil {
		t.Fatalf("expected no provider reference after a decline, got %q", got.Reference())
	}

	h.stripe.Script(providers.SucceedWith("pi_B"))
	now := h.clock.Advance(48 * time.Hour)
	report, err := h.coord.RunRetrySweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := paymentApp.SweepReport{Scanned: 1, Claimed: 1, Completed: 1}
	if report != want {
		t.Errorf("expected report %+v, got %+v", want, report)
	}
	got = h.get(t, p.ID)
	if got.Status != payment.StatusCompleted || got.Reference() != "pi_B" {
		t.Errorf("expected completed with pi_B, got %s/%q", got.Status, got.Reference())
	}
}

func TestRunRetrySweep_RefusedSettlementIsParked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := failedDue("user-1")
	stale := "pi_A"
	p.ProviderReference = &stale
	h.store(t, p)
	h.stripe.Script(providers.SucceedWith("pi_B"))

	report, err := h.coord.RunRetrySweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	want := paymentApp.SweepReport{Scanned: 1, Claimed: 1, Failed: 1}
	if report != want {
		t.Errorf("expected report %+v, got %+v", want, report)
	}

	got := h.get(t, p.ID)
	if got.Status != payment.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !got.IsExhausted() {
		t.Errorf("expected the payment to be parked as exhausted, retry %d/%d", got.RetryCount, got.MaxRetries)
	}
	if got.FailureReason == nil || *got.FailureReason != "unrecorded_charge" {
		t.Errorf("expected failure reason unrecorded_charge, got %v", got.FailureReason)
	}

	due, err := h.repo.ListRetryable(ctx, h.clock.Advance(72*time.Hour), 10)
	if err != nil {
		t.Fatalf("list retryable: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected nothing retryable, got %d", len(due))
	}

	exhausted, err := h.coord.ListPayments(ctx, payment.ListFilter{Exhausted: true})
	if err != nil {
		t.Fatalf("list exhausted: %v", err)
	}
	if len(exhausted) != 1 || exhausted[0].ID != p.ID {
		t.Errorf("expected the parked payment in the exhausted listing, got %d", len(exhausted))
	}
	if h.stripe.Charges() != 1 {
		t.Errorf("expected one charge, got %d", h.stripe.Charges())
	}
}

func TestHandleWebhook_PayPalSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := testutil.NewTestPayment("user-1", 50_00, payment.MethodWallet)
	p.Status = payment.StatusProcessing
	h.store(t, p)

	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","custom_id":"` + p.ID.String() + `"}}`)
	raw := webhook.RawWebhook{ProviderID: providers.ProviderPayPal, Body: body, Signature: webhook.SignStripe(body, webhookSecret)}
	if _, err := h.coord.HandleWebhook(ctx, raw); !errors.Is(err, domainErrors.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for a stripe-scheme signature, got %v", err)
	}

	raw.Signature = webhook.Sign(body, webhookSecret)
	res, err := h.coord.HandleWebhook(ctx, raw)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if res != paymentApp.ResultApplied {
		t.Errorf("expected applied, got %s", res)
	}
	if got := h.get(t, p.ID); got.Status != payment.StatusCompleted || got.Reference() != "CAP-1" {
		t.Errorf("expected completed with CAP-1, got %s/%q", got.Status, got.Reference())
	}
}

func TestRunRetrySweep_StopsAtRetryCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for range 5 {
		h.stripe.Script(providers.Decline("do_not_honor"))
	}

	p, err := h.coord.CreateAndSubmit(ctx, card50("user-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for p.CanRetry() {
		now := h.clock.Advance(payment.Backoff(p.RetryCount))
		if _, err := h.coord.RunRetrySweep(ctx, now); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		p = h.get(t, p.ID)
	}

	if !p.IsExhausted() || p.RetryCount != p.MaxRetries {
		t.Fatalf("expected exhausted at %d retries, got status=%s retries=%d", p.MaxRetries, p.Status, p.RetryCount)
	}

	report, err := h.coord.RunRetrySweep(ctx, h.clock.Advance(48*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 0 {
		t.Errorf("expected exhausted payment to be left alone, got %+v", report)
	}

	exhausted, err := h.coord.ListPayments(ctx, payment.ListFilter{Exhausted: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(exhausted) != 1 || exhausted[0].ID != p.ID {
		t.Errorf("expected the payment in the exhausted listing, got %d", len(exhausted))
	}
}

func TestRunRetrySweep_SkipsClaimedPayments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.store(t, failedDue("user-1"))

	// A late webhook settles the payment before the sweep gets to it.
	_, err := h.repo.CompareAndSwap(ctx, p.ID, payment.StatusFailed, func(cur payment.Payment) (payment.Payment, error) {
		tr, err := payment.Apply(cur, payment.Event{Kind: payment.EventProviderAccepted, ProviderReference: "pi_elsewhere"}, testutil.Epoch)
		return tr.Payment, err
	})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	report, err := h.coord.RunRetrySweep(ctx, h.clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Claimed != 0 {
		t.Errorf("expected no claim, got %+v", report)
	}
	if h.stripe.Charges() != 0 {
		t.Error("expected no provider call")
	}
}

func TestHandleWebhook_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	raw := stripeWebhook(t, "evt_1", "payment_intent.succeeded", "pi_1", nil)
	raw.Signature = webhook.SignStripe(raw.Body, "wrong")
	if _, err := h.coord.HandleWebhook(ctx, raw); !errors.Is(err, domainErrors.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	raw = stripeWebhook(t, "evt_1", "payment_intent.succeeded", "pi_1", nil)
	raw.ProviderID = "adyen"
	if _, err := h.coord.HandleWebhook(ctx, raw); !errors.Is(err, domainErrors.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}

	body := []byte(`{not json`)
	raw = webhook.RawWebhook{ProviderID: providers.ProviderStripe, Body: body, Signature: webhook.SignStripe(body, webhookSecret)}
	if _, err := h.coord.HandleWebhook(ctx, raw); !errors.Is(err, domainErrors.ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestHandleWebhook_IgnoredDeliveries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	other := h.store(t, testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_A"))

	tests := []struct {
		name string
		raw  webhook.RawWebhook
	}{
		{"untracked event type", stripeWebhook(t, "evt_1", "customer.created", "cus_1", nil)},
		{"unknown reference", stripeWebhook(t, "evt_2", "payment_intent.succeeded", "pi_unknown", nil)},
		{"payment id with a different reference", stripeWebhook(t, "evt_3", "payment_intent.succeeded", "pi_B", &other.ID)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.coord.HandleWebhook(ctx, tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res != paymentApp.ResultIgnored {
				t.Errorf("expected ignored, got %s", res)
			}
		})
	}
	if got := h.get(t, other.ID).Reference(); got != "pi_A" {
		t.Errorf("expected reference to stay pi_A, got %q", got)
	}
}

func TestHandleWebhook_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := testutil.NewTestPayment("user-1", 50_00, payment.MethodCard)
	p.Status = payment.StatusProcessing
	h.store(t, p)

	first := stripeWebhook(t, "evt_1", "payment_intent.succeeded", "pi_1", &p.ID)
	res, err := h.coord.HandleWebhook(ctx, first)
	if err != nil || res != paymentApp.ResultApplied {
		t.Fatalf("expected applied, got %s (%v)", res, err)
	}

	res, err = h.coord.HandleWebhook(ctx, first)
	if err != nil || res != paymentApp.ResultDuplicate {
		t.Errorf("expected duplicate delivery, got %s (%v)", res, err)
	}

	// Same content under a new delivery id is a state machine no-op.
	res, err = h.coord.HandleWebhook(ctx, stripeWebhook(t, "evt_2", "payment_intent.succeeded", "pi_1", nil))
	if err != nil || res != paymentApp.ResultDuplicate {
		t.Errorf("expected duplicate event, got %s (%v)", res, err)
	}

	history, err := h.repo.History(ctx, p.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected create + one transition in history, got %d", len(history))
	}
}

func TestHandleWebhook_RejectedTransitionIsConsumed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.store(t, testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_1"))

	res, err := h.coord.HandleWebhook(ctx, stripeWebhook(t, "evt_1", "payment_intent.payment_failed", "pi_1", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != paymentApp.ResultRejected {
		t.Errorf("expected rejected, got %s", res)
	}
	if got := h.get(t, p.ID).Status; got != payment.StatusCompleted {
		t.Errorf("expected status to stay completed, got %s", got)
	}
	if got := h.metrics.count("rejected"); got != 1 {
		t.Errorf("expected one rejection observation, got %d", got)
	}
}

type failingLookupRepo struct {
	*memory.PaymentRepository
}

func (failingLookupRepo) FindByProviderReference(context.Context, string) (*payment.Payment, error) {
	return nil, errors.New("connection refused")
}

func TestHandleWebhook_StoreFailureAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := testutil.NewScriptedGateway()
	dedupe := testutil.NewMemoryDeduplicator()
	coord := paymentApp.NewCoordinator(failingLookupRepo{memory.NewPaymentRepository()}, gw, webhook.NewRegistry(),
		paymentApp.WithWebhookSecrets(map[string]string{providers.ProviderStripe: webhookSecret}),
		paymentApp.WithDeduplicator(dedupe, time.Hour),
	)

	_, err := coord.HandleWebhook(ctx, stripeWebhook(t, "evt_1", "payment_intent.succeeded", "pi_1", nil))
	if err == nil {
		t.Fatal("expected store error")
	}
	if dedupe.Seen(providers.ProviderStripe, "evt_1") {
		t.Error("expected failed delivery to be forgotten")
	}
}

func TestRefund_Guards(t *testing.T) {
	ctx := context.Background()

	t.Run("not completed", func(t *testing.T) {
		h := newHarness(t)
		p := h.store(t, testutil.NewTestPayment("user-1", 50_00, payment.MethodCard))
		_, err := h.coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID})
		if !errors.Is(err, domainErrors.ErrInvalidStateTransition) {
			t.Errorf("expected ErrInvalidStateTransition, got %v", err)
		}
	})

	t.Run("exceeds amount", func(t *testing.T) {
		h := newHarness(t)
		p := h.store(t, testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_1"))
		_, err := h.coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID, AmountCents: 50_01})
		if !errors.Is(err, domainErrors.ErrRefundExceedsAmount) {
			t.Errorf("expected ErrRefundExceedsAmount, got %v", err)
		}
	})

	t.Run("provider declines", func(t *testing.T) {
		h := newHarness(t)
		p := h.store(t, testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_1"))
		coord := paymentApp.NewCoordinator(h.repo, declineRefunds(), webhook.NewRegistry())
		_, err := coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID})
		if !errors.Is(err, domainErrors.ErrProviderRejected) {
			t.Errorf("expected ErrProviderRejected, got %v", err)
		}
		if got := h.get(t, p.ID).Status; got != payment.StatusCompleted {
			t.Errorf("expected status to stay completed, got %s", got)
		}
	})

	t.Run("full amount by default", func(t *testing.T) {
		h := newHarness(t)
		p := h.store(t, testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_1"))
		got, err := h.coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID})
		if err != nil {
			t.Fatalf("refund: %v", err)
		}
		if got.RefundAmount == nil || *got.RefundAmount != 50_00 {
			t.Errorf("expected full refund, got %v", got.RefundAmount)
		}
	})
}

func declineRefunds() *providers.Gateway {
	stripe := providers.NewMockProvider(providers.ProviderStripe,
		providers.WithLatency(0),
		providers.WithRefundScript(providers.Decline("charge_disputed")),
	)
	return providers.NewGateway(providers.NewFactory(stripe))
}

func TestRefund_ConcurrentRequestsRefundOnce(t *testing.T) {
	ctx := context.Background()
	stripe := providers.NewMockProvider(providers.ProviderStripe,
		providers.WithLatency(0),
		providers.WithRefundScript(providers.Stall(50*time.Millisecond), providers.Stall(50*time.Millisecond)),
	)
	repo := memory.NewPaymentRepository()
	coord := paymentApp.NewCoordinator(repo, providers.NewGateway(providers.NewFactory(stripe)), webhook.NewRegistry())
	p := testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_1")
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = coord.Refund(ctx, paymentApp.RefundRequest{PaymentID: p.ID, AmountCents: 10_00})
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domainErrors.ErrLockAcquisitionFailed), errors.Is(err, domainErrors.ErrInvalidStateTransition):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("expected exactly one refund to succeed, got %d", ok)
	}
	if stripe.Refunds() != 1 {
		t.Errorf("expected one provider refund, got %d", stripe.Refunds())
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	owner := auth.Identity{UserID: "user-1", Role: auth.RoleUser}

	pending := h.store(t, testutil.NewTestPayment("user-1", 50_00, payment.MethodCard))
	if _, err := h.coord.Cancel(ctx, pending.ID, auth.Identity{UserID: "user-2", Role: auth.RoleUser}); !errors.Is(err, domainErrors.ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound for another user, got %v", err)
	}

	got, err := h.coord.Cancel(ctx, pending.ID, owner)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != payment.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	completed := h.store(t, testutil.NewCompletedPayment("user-1", 50_00, payment.MethodCard, "pi_1"))
	_, err = h.coord.Cancel(ctx, completed.ID, auth.Identity{UserID: "ops", Role: auth.RoleAdmin})
	var rejected *payment.RejectedError
	if !errors.As(err, &rejected) || !errors.Is(err, domainErrors.ErrInvalidStateTransition) {
		t.Errorf("expected a rejected transition, got %v", err)
	}
}

func TestGetPayment_Visibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.store(t, testutil.NewTestPayment("user-1", 50_00, payment.MethodCard))

	tests := []struct {
		name    string
		caller  auth.Identity
		wantErr error
	}{
		{"owner", auth.Identity{UserID: "user-1", Role: auth.RoleUser}, nil},
		{"admin", auth.Identity{UserID: "ops", Role: auth.RoleAdmin}, nil},
		{"stranger", auth.Identity{UserID: "user-2", Role: auth.RoleUser}, domainErrors.ErrPaymentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.GetPayment(ctx, p.ID, tt.caller)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := h.coord.GetPayment(ctx, uuid.New(), auth.Identity{Role: auth.RoleAdmin}); !errors.Is(err, domainErrors.ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}

	history, err := h.coord.History(ctx, p.ID, auth.Identity{UserID: "user-1"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("expected one history entry, got %d", len(history))
	}
}

func TestListPayments_Limits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for range 3 {
		h.store(t, testutil.NewTestPayment("user-1", 10_00, payment.MethodCard))
	}

	all, err := h.coord.ListPayments(ctx, payment.ListFilter{Limit: 0})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected default limit to return all 3, got %d", len(all))
	}

	page, err := h.coord.ListPayments(ctx, payment.ListFilter{Limit: 2, Offset: -1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("expected 2, got %d", len(page))
	}
}

// A webhook and a retry sweep racing on the same failed payment must settle
// it exactly once.
func TestConcurrentWebhookAndSweep(t *testing.T) {
	for i := range 25 {
		h := newHarness(t)
		h.stripe.Script(providers.SucceedWith("pi_1"))
		p := h.store(t, failedDue("user-1"))
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := h.coord.RunRetrySweep(ctx, h.clock.Now()); err != nil {
				t.Errorf("sweep: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := h.coord.HandleWebhook(ctx, stripeWebhook(t, "evt_1", "payment_intent.succeeded", "pi_1", &p.ID)); err != nil {
				t.Errorf("webhook: %v", err)
			}
		}()
		wg.Wait()

		got := h.get(t, p.ID)
		if got.Status != payment.StatusCompleted || got.Reference() != "pi_1" {
			t.Fatalf("iteration %d: expected completed with pi_1, got %s/%q", i, got.Status, got.Reference())
		}
		history, err := h.repo.History(ctx, p.ID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		completions := 0
		for _, e := range history {
			if e.EventType == "payment.completed" {
				completions++
			}
		}
		if completions != 1 {
			t.Fatalf("iteration %d: expected one completion, got %d", i, completions)
		}
		if h.stripe.Charges() > 1 {
			t.Fatalf("iteration %d: expected at most one charge, got %d", i, h.stripe.Charges())
		}
	}
}

// recordingMetrics counts observations by kind.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) inc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[kind]++
}

func (m *recordingMetrics) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[kind]
}

func (m *recordingMetrics) PaymentCreated(payment.Method) { m.inc("created") }
func (m *recordingMetrics) TransitionApplied(payment.Status, payment.Status, string) {
	m.inc("applied")
}
func (m *recordingMetrics) TransitionRejected(payment.EventKind, string) { m.inc("rejected") }
func (m *recordingMetrics) ConflictUnresolved(string) { m.inc("conflicted") }
func (m *recordingMetrics) LateSuccess(payment.Method) { m.inc("late_success") }
func (m *recordingMetrics) WebhookProcessed(string, paymentApp.Result) { m.inc("webhook") }
func (m *recordingMetrics) RetrySweep(paymentApp.SweepReport, time.Duration) { m.inc("sweep") }
