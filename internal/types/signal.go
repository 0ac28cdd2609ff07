package types

import (
	"strings"
	"time"
)

type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionHold      Action = "hold"
	ActionRebalance Action = "rebalance"
)

// ParseAction normalizes provider output; anything unknown is hold.
func ParseAction(raw string) Action {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long":
		return ActionBuy
	case "sell", "short", "close":
		return ActionSell
	default:
		return ActionHold
	}
}

// TradingSignal is an advisory recommendation from the AI provider.
type TradingSignal struct {
	Symbol      string    `json:"symbol"`
	Action      Action    `json:"action"`
	Confidence  float64   `json:"confidence"`
	TargetPrice float64   `json:"target_price"`
	StopLoss    float64   `json:"stop_loss,omitempty"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NormalizeConfidence maps percentage style values (e.g. 85) onto [0,1].
func NormalizeConfidence(c float64) float64 {
	if c > 1 {
		c = c / 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func (s TradingSignal) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "empty"}
	}
	switch s.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return &ValidationError{Field: "action", Reason: "unknown " + string(s.Action)}
	}
	if err := CheckFinite("confidence", s.Confidence); err != nil {
		return err
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "out of [0,1]"}
	}
	if s.Action != ActionHold {
		if err := CheckPositive("target_price", s.TargetPrice); err != nil {
			return err
		}
	}
	if s.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	return nil
}
