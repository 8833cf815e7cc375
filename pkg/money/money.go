// Package money converts between decimal amounts and integer minor units.
package money

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseCents converts a decimal string such as "50.25" into cents,
// rounding half away from zero.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric string")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", s, err)
	}

	return FromFloat(f)
}

// FromFloat converts a decimal amount into cents.
func FromFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("amount %v is not a finite number", f)
	}
	if math.Abs(f) > math.MaxInt64/100 {
		return 0, fmt.Errorf("amount %v out of range", f)
	}
	return int64(math.Round(f * 100)), nil
}

// Format renders cents as a two-decimal string.
func Format(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}

	whole := cents / 100
	frac := cents % 100

	return fmt.Sprintf("%s%d.%02d", sign, whole, frac)
}

// ToFloat converts cents into a decimal amount for JSON responses.
func ToFloat(cents int64) float64 {
	return float64(cents) / 100
}
