package types

import (
	"strings"
	"time"
)

// MarketSample is one observation of a symbol's market.
type MarketSample struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	High24h   float64   `json:"high_24h,omitempty"`
	Low24h    float64   `json:"low_24h,omitempty"`
	Change24h float64   `json:"change_24h,omitempty"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the integrity of a sample before it enters the loop.
func (s MarketSample) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "empty"}
	}
	if s.Timestamp.IsZero() || s.Timestamp.Unix() <= 0 {
		return &ValidationError{Field: "timestamp", Reason: "must be positive"}
	}
	if err := CheckPositive("price", s.Price); err != nil {
		return err
	}
	return CheckPositive("volume", s.Volume)
}

// Balance is the free and locked amount of one currency.
type Balance struct {
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}

// Balances maps currency to balance.
type Balances map[string]Balance

// Available returns the free amount of currency, zero when unknown.
func (b Balances) Available(currency string) float64 {
	if b == nil {
		return 0
	}
	return b[strings.ToUpper(currency)].Available
}

func (b Balances) Clone() Balances {
	if b == nil {
		return nil
	}
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
