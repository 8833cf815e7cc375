package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/auth"
	"github.com/cassiomorais/payment-lifecycle/internal/domain/idempotency"
	"github.com/rs/zerolog"
)

const maxIdempotencyBodySize = 1 << 20

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped to the caller so two users cannot collide. Server errors
// are not stored, so the client can retry them.
func Idempotency(store idempotency.Store, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if id, ok := auth.FromContext(r.Context()); ok {
				key = id.UserID + ":" + key
			}

			entry, err := store.Get(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
			}
			if err == nil && entry != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(entry.ResponseStatus)
				w.Write([]byte(entry.ResponseBody))
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 200 && rec.statusCode < 500 && !rec.bodyTruncated {
				now := time.Now()
				err := store.Set(r.Context(), &idempotency.Entry{
					Key:            key,
					ResponseBody:   rec.body.String(),
					ResponseStatus: rec.statusCode,
					CreatedAt:      now,
					ExpiresAt:      now.Add(ttl),
				})
				if err != nil {
					logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to store idempotent response")
				}
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
