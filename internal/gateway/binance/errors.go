package binance

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/adshao/go-binance/v2/common"

	"tradeloop/internal/resilience"
	"tradeloop/internal/types"
)

// Binance API error codes that drive classification.
const (
	codeTooManyRequests  = -1003
	codeInvalidSignature = -1022
	codeInvalidTimestamp = -1021
	codeBadAPIKeyFormat  = -2014
	codeRejectedAPIKey   = -2015
	codeBadQuantity      = -1013
	codeBadPrecision     = -1111
	codeOrderRejected    = -2010
	codeUnknownOrder     = -2011
)

// mapError translates SDK and transport failures onto the resilience
// taxonomy. Nil stays nil.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	svc := resilience.ServiceExchange
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case codeTooManyRequests:
			return &resilience.RateLimitError{Service: svc, Err: err}
		case codeInvalidSignature, codeBadAPIKeyFormat, codeRejectedAPIKey:
			return &resilience.AuthenticationError{Service: svc, Err: err}
		case codeInvalidTimestamp:
			return &resilience.NetworkError{Service: svc, Retryable: true, Err: err}
		case codeBadQuantity, codeBadPrecision, codeUnknownOrder:
			return &types.ValidationError{Field: "order", Reason: apiErr.Message}
		default:
			return &resilience.ServiceError{Service: svc, Code: int(apiErr.Code), Err: err}
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &resilience.NetworkError{Service: svc, Retryable: true, Err: err}
	}
	return &resilience.ServiceError{Service: svc, Err: err}
}
