package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v78/webhook"
)

// Verifier checks that a payload was produced by the holder of secret.
type Verifier interface {
	Verify(body []byte, signature, secret string) bool
}

// StripeVerifier checks a Stripe-Signature header ("t=...,v1=...") and
// refuses timestamps older than Tolerance (Stripe's default when zero).
type StripeVerifier struct {
	Tolerance time.Duration
}

func (v StripeVerifier) Verify(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return stripewebhook.ValidatePayloadWithTolerance(body, signature, secret, tolerance) == nil
}

// SignStripe builds the Stripe-Signature header for body signed now.
func SignStripe(body []byte, secret string) string {
	return SignStripeAt(body, secret, time.Now())
}

func SignStripeAt(body []byte, secret string, at time.Time) string {
	sig := stripewebhook.ComputeSignature(at, body, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(sig))
}

// HMACVerifier accepts a hex HMAC-SHA256 of the raw body, optionally
// prefixed with "sha256=". PayPal deliveries are checked with it.
type HMACVerifier struct{}

func (HMACVerifier) Verify(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(body, secret))
}

// Sign returns the signature HMACVerifier expects for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(mac(body, secret))
}

func mac(body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}
