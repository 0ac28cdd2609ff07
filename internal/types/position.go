package types

import (
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// TradingPosition is an open exposure owned by the session.
type TradingPosition struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	Amount        float64        `json:"amount"`
	EntryPrice    float64        `json:"entry_price"`
	CurrentPrice  float64        `json:"current_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Status        PositionStatus `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
}

// PnLPercentage is the unrealized move in percent, inverted for short side.
func (p TradingPosition) PnLPercentage() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	pct := (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == SideSell {
		return -pct
	}
	return pct
}

// Value is the current notional of the position.
func (p TradingPosition) Value() float64 {
	price := p.CurrentPrice
	if price <= 0 {
		price = p.EntryPrice
	}
	return p.Amount * price
}

// MarkToMarket updates current price and unrealized pnl.
func (p *TradingPosition) MarkToMarket(price float64) {
	if p == nil || price <= 0 {
		return
	}
	p.CurrentPrice = price
	diff := (price - p.EntryPrice) * p.Amount
	if p.Side == SideSell {
		diff = -diff
	}
	p.UnrealizedPnL = diff
}

func (p TradingPosition) IsOpen() bool {
	return p.Status == PositionOpen && p.Amount > 0
}

// ClonePositions copies a slice so callers never share backing arrays.
func ClonePositions(in []TradingPosition) []TradingPosition {
	if len(in) == 0 {
		return nil
	}
	out := make([]TradingPosition, len(in))
	copy(out, in)
	return out
}
