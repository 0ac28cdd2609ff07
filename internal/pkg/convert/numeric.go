// Package convert provides type conversion utilities.
package convert

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseFloat parses a decimal string and rejects NaN and Inf.
func ParseFloat(field, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s: empty value", field)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s: not finite", field)
	}
	return f, nil
}

// FloatOrZero is ParseFloat for optional fields.
func FloatOrZero(raw string) float64 {
	f, err := ParseFloat("", raw)
	if err != nil {
		return 0
	}
	return f
}

// FormatFixed truncates v to places decimals without exponent notation.
func FormatFixed(v float64, places int32) string {
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(v).Truncate(places).String()
}
