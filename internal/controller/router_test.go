package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	paymentApp "github.com/cassiomorais/payment-lifecycle/internal/application/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/auth"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/payment"
	"github.com/cassiomorais/payment-lifecycle/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/payment-lifecycle/internal/middleware"
	"github.com/cassiomorais/payment-lifecycle/internal/providers"
	"github.com/cassiomorais/payment-lifecycle/internal/repository/memory"
	"github.com/cassiomorais/payment-lifecycle/internal/testutil"
	"github.com/cassiomorais/payment-lifecycle/internal/webhook"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "router-test-secret-router-test-secret"
	webhookSecret = "whsec_test"
)

type api struct {
	t      *testing.T
	router http.Handler
	repo   *memory.PaymentRepository
	stripe *providers.MockProvider
	alice  string
	bob    string
	admin  string
}

func newAPI(t *testing.T) *api {
	t.Helper()
	repo := memory.NewPaymentRepository()
	gw, stripe, _ := testutil.NewScriptedGateway()
	registry := webhook.NewRegistry()
	coord := paymentApp.NewCoordinator(repo, gw, registry,
		paymentApp.WithWebhookSecrets(map[string]string{
			providers.ProviderStripe: webhookSecret,
			providers.ProviderPayPal: webhookSecret,
		}),
	)
	reg := prometheus.NewRegistry()

	a := &api{
		t:    t,
		repo: repo,
		router: NewRouter(RouterDeps{
			Coordinator:      coord,
			Webhooks:         registry,
			IdempotencyStore: memory.NewIdempotencyRepository(),
			HTTPMetrics:      observability.NewMetrics("test", reg),
			MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			JWTSecret:        jwtSecret,
			Logger:           zerolog.Nop(),
		}),
		stripe: stripe,
	}
	a.alice = a.token(auth.Identity{UserID: "alice", Role: auth.RoleUser})
	a.bob = a.token(auth.Identity{UserID: "bob", Role: auth.RoleUser})
	a.admin = a.token(auth.Identity{UserID: "ops", Role: auth.RoleAdmin})
	return a
}

func (a *api) token(id auth.Identity) string {
	tok, err := customMW.IssueToken(jwtSecret, id)
	require.NoError(a.t, err)
	return tok
}

func (a *api) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (a *api) create(token string, amount float64, method string) PaymentView {
	w := a.do(http.MethodPost, "/api/v1/payments", token, map[string]any{
		"amount": amount, "currency": "usd", "method": method,
	})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	return decode[PaymentView](a.t, w)
}

func TestCreatePayment(t *testing.T) {
	a := newAPI(t)

	v := a.create(a.alice, 50.00, "card")
	assert.Equal(t, "completed", v.Status)
	assert.Equal(t, "alice", v.OwnerID)
	assert.Equal(t, 50.0, v.Amount)
	assert.Equal(t, "USD", v.Currency)
	assert.NotNil(t, v.ProviderReference)

	a.stripe.Script(providers.Decline("insufficient_funds"))
	v = a.create(a.alice, 12.34, "card")
	assert.Equal(t, "failed", v.Status)
	require.NotNil(t, v.FailureReason)
	assert.Equal(t, "insufficient_funds", *v.FailureReason)

	w := a.do(http.MethodPost, "/api/v1/payments", a.alice, map[string]any{"amount": 10, "currency": "USD", "method": "cash"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(http.MethodPost, "/api/v1/payments", a.alice, map[string]any{"amount": 0.001, "currency": "USD", "method": "card"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = a.do(http.MethodPost, "/api/v1/payments", "", map[string]any{"amount": 10, "currency": "USD", "method": "card"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePayment_IdempotencyKeyReplays(t *testing.T) {
	a := newAPI(t)
	body := map[string]any{"amount": 20, "currency": "USD", "method": "wallet"}

	first := a.do(http.MethodPost, "/api/v1/payments", a.alice, body, "Idempotency-Key", "order-7")
	second := a.do(http.MethodPost, "/api/v1/payments", a.alice, body, "Idempotency-Key", "order-7")

	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, decode[PaymentView](t, first).ID, decode[PaymentView](t, second).ID)

	all, err := a.repo.List(context.Background(), payment.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetPayment_Visibility(t *testing.T) {
	a := newAPI(t)
	v := a.create(a.alice, 5, "card")
	path := "/api/v1/payments/" + v.ID

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, path, a.alice, nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, path, a.admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, path, a.bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/v1/payments/"+uuid.NewString(), a.alice, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/payments/not-a-uuid", a.alice, nil).Code)

	w := a.do(http.MethodGet, path+"/history", a.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[[]HistoryView](t, w)
	require.NotEmpty(t, history)
	assert.Equal(t, "payment.completed", history[len(history)-1].EventType)
}

func TestListPayments_AdminOnly(t *testing.T) {
	a := newAPI(t)
	a.create(a.alice, 5, "card")
	a.stripe.Script(providers.Decline("card_declined"))
	a.create(a.bob, 7, "card")

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/api/v1/payments", a.alice, nil).Code)

	w := a.do(http.MethodGet, "/api/v1/payments?status=failed", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	views := decode[[]PaymentView](t, w)
	require.Len(t, views, 1)
	assert.Equal(t, "bob", views[0].OwnerID)

	w = a.do(http.MethodGet, "/api/v1/payments?owner_id=alice&limit=10", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]PaymentView](t, w), 1)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/payments?status=lost", a.admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/payments?limit=-1", a.admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/v1/payments?exhausted=maybe", a.admin, nil).Code)
}

func TestRefundPayment(t *testing.T) {
	a := newAPI(t)
	v := a.create(a.alice, 50, "card")
	path := "/api/v1/payments/" + v.ID + "/refund"

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, path, a.alice, map[string]any{}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, a.do(http.MethodPost, path, a.admin, map[string]any{"amount": 60}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, path, a.admin, map[string]any{"amount": -1}).Code)

	w := a.do(http.MethodPost, path, a.admin, map[string]any{"amount": 20, "reason": "damaged"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refunded := decode[PaymentView](t, w)
	assert.Equal(t, "refunded", refunded.Status)
	require.NotNil(t, refunded.RefundAmount)
	assert.Equal(t, 20.0, *refunded.RefundAmount)

	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, path, a.admin, nil).Code)
	assert.Equal(t, 1, a.stripe.Refunds())
}

func TestCancelPayment(t *testing.T) {
	a := newAPI(t)
	p := testutil.NewTestPayment("alice", 900, payment.MethodCard)
	require.NoError(t, a.repo.Create(context.Background(), p))
	path := "/api/v1/payments/" + p.ID.String() + "/cancel"

	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, path, a.bob, nil).Code)

	w := a.do(http.MethodPost, path, a.alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decode[PaymentView](t, w).Status)

	done := a.create(a.alice, 5, "card")
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/api/v1/payments/"+done.ID+"/cancel", a.alice, nil).Code)
}

func TestWebhook(t *testing.T) {
	a := newAPI(t)
	p := testutil.NewTestPayment("alice", 5000, payment.MethodCard)
	p.Status = payment.StatusProcessing
	require.NoError(t, a.repo.Create(context.Background(), p))

	body, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":       "pi_1",
			"metadata": map[string]string{"payment_id": p.ID.String()},
		}},
	})
	require.NoError(t, err)

	post := func(provider string, payload []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, post("stripe", body, "sha256=00").Code)
	assert.Equal(t, http.StatusNotFound, post("adyen", body, webhook.SignStripe(body, webhookSecret)).Code)
	assert.Equal(t, http.StatusBadRequest, post("stripe", []byte("{"), webhook.SignStripe([]byte("{"), webhookSecret)).Code)

	w := post("stripe", body, webhook.SignStripe(body, webhookSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(paymentApp.ResultApplied), decode[WebhookResponse](t, w).Result)

	w = post("stripe", body, webhook.SignStripe(body, webhookSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(paymentApp.ResultDuplicate), decode[WebhookResponse](t, w).Result)

	stored, err := a.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
	assert.Equal(t, "pi_1", stored.Reference())
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/health/ready", "", nil).Code)

	w := a.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")

	failing := NewHealthController(
		Check{Name: "database", Ping: func(context.Context) error { return nil }},
		Check{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }},
	)
	rec := httptest.NewRecorder()
	failing.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "redis unavailable")
}
