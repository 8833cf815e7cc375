package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func paymentRouter(h http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Tracing())
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Post("/", h)
		r.Get("/{id}", h)
		r.Post("/{id}/refund", h)
	})
	r.Post("/webhooks/{provider}", h)
	return r
}

func TestTracing_SpanNamedAfterRoute(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodPost, "/api/v1/payments/", "POST /api/v1/payments/"},
		{http.MethodGet, "/api/v1/payments/9b0c6f4e-7f43-4c55-9a53-1f0f5d0b2a11", "GET /api/v1/payments/{id}"},
		{http.MethodPost, "/api/v1/payments/9b0c6f4e-7f43-4c55-9a53-1f0f5d0b2a11/refund", "POST /api/v1/payments/{id}/refund"},
		{http.MethodPost, "/webhooks/stripe", "POST /webhooks/{provider}"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			rec := recordSpans(t)
			r := paymentRouter(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			spans := rec.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.want, spans[0].Name())
			assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
		})
	}
}

func TestTracing_UnroutedRequestKeepsPath(t *testing.T) {
	rec := recordSpans(t)
	handler := Tracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /unknown", spans[0].Name())
}

func TestTracing_HandlerSeesRequestSpan(t *testing.T) {
	rec := recordSpans(t)
	var seen trace.SpanContext
	r := paymentRouter(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanFromContext(r.Context()).SpanContext()
		w.WriteHeader(http.StatusAccepted)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(`{}`)))

	require.True(t, seen.IsValid())
	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, seen.SpanID(), spans[0].SpanContext().SpanID())
}

func TestTracing_PreservesPaymentResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"created", http.StatusCreated, `{"id":"p-1","status":"pending"}`},
		{"conflict", http.StatusConflict, `{"error":"payment is not in a refundable state"}`},
		{"unavailable", http.StatusServiceUnavailable, `{"error":"provider unavailable"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recordSpans(t)
			r := paymentRouter(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/payments/", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.body, w.Body.String())
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}
