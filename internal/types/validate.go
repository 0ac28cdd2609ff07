package types

import (
	"fmt"
	"math"
)

// ValidationError is raised when a value fails boundary checks. It is never
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// CheckPositive rejects NaN, infinities, zero and negative values.
func CheckPositive(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: name, Reason: "must be finite"}
	}
	if v <= 0 {
		return &ValidationError{Field: name, Reason: "must be positive"}
	}
	return nil
}

// CheckFinite rejects NaN and infinities only.
func CheckFinite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ValidationError{Field: name, Reason: "must be finite"}
	}
	return nil
}
