package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tradeloop/internal/types"
)

// ErrCircuitOpen is returned by Call while a dependency's breaker is open.
// It is backpressure, not a failure, and is never counted.
var ErrCircuitOpen = errors.New("circuit breaker open")

type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindNetwork        Kind = "network"
	KindValidation     Kind = "validation"
	KindService        Kind = "service"
	KindPersistence    Kind = "persistence"
)

// AuthenticationError requires operator action and is never retried.
type AuthenticationError struct {
	Service string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Service, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitError is retried after a cooldown; RetryAfter overrides the
// per-service default when the remote side supplied one.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited (retry after %s): %v", e.Service, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s rate limited: %v", e.Service, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

type NetworkError struct {
	Service   string
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is rejected synchronously and never retried.
type ValidationError = types.ValidationError

// ServiceError is a generic remote failure.
type ServiceError struct {
	Service string
	Code    int
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error %d: %v", e.Service, e.Code, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// PersistenceError is logged and never aborts the control loop.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Classify maps err onto the taxonomy. Unknown errors are service errors.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		authErr *AuthenticationError
		rateErr *RateLimitError
		netErr  *NetworkError
		valErr  *types.ValidationError
		persErr *PersistenceError
		rawNet  net.Error
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuthentication
	case errors.As(err, &rateErr):
		return KindRateLimit
	case errors.As(err, &valErr):
		return KindValidation
	case errors.As(err, &persErr):
		return KindPersistence
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.As(err, &rawNet):
		return KindNetwork
	default:
		return KindService
	}
}

// IsRetryable reports whether recovery may be scheduled for err.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindAuthentication, KindValidation:
		return false
	case KindNetwork:
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			return netErr.Retryable
		}
		return true
	default:
		return true
	}
}

func retryAfter(err error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}

// StartupError is raised by session start when a collaborator cannot be
// authenticated. It is always retryable by the caller.
type StartupError struct {
	Service   string
	Retryable bool
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed at %s: %v", e.Service, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
