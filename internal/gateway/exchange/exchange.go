// Package exchange defines the exchange collaborator used by the session and
// a paper implementation for dry runs.
package exchange

import (
	"context"

	"tradeloop/internal/types"
)

// Exchange is the functional contract of a trading venue. Every call is
// wrapped by the resilience layer; implementations map their failures onto
// the resilience error taxonomy.
type Exchange interface {
	Name() string

	Authenticate(ctx context.Context) error

	GetMarketData(ctx context.Context, symbol string) (types.MarketSample, error)

	GetAccountBalance(ctx context.Context) (types.Balances, error)

	PlaceBuyOrder(ctx context.Context, symbol string, amount, price float64) (types.TradeExecution, error)

	PlaceSellOrder(ctx context.Context, symbol string, amount, price float64) (types.TradeExecution, error)

	GetOpenPositions(ctx context.Context) ([]types.TradingPosition, error)

	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// OrderReader is implemented by exchanges that can report the current state
// of an order placed earlier. Amount is the filled quantity so far.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (types.TradeExecution, error)
}

// MarketFeed is implemented by exchanges that push samples in real time.
// The returned stop func ends the subscription.
type MarketFeed interface {
	SubscribeMarketData(ctx context.Context, symbols []string, handler func(types.MarketSample)) (stop func(), err error)
}
