package types

import "time"

type DecisionSource string

const (
	SourceSignal   DecisionSource = "signal"
	SourceSweep    DecisionSource = "sweep"
	SourceStopLoss DecisionSource = "stop_loss"
)

// TradingDecision is consumed exactly once by the session for dispatch.
type TradingDecision struct {
	ID         string         `json:"id"`
	Action     Action         `json:"action"`
	Symbol     string         `json:"symbol"`
	Amount     float64        `json:"amount"`
	Price      float64        `json:"price"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     DecisionSource `json:"source,omitempty"`
}

func (d TradingDecision) IsHold() bool {
	return d.Action == ActionHold || d.Action == ""
}

// Executable reports whether the decision results in an order.
func (d TradingDecision) Executable() bool {
	return (d.Action == ActionBuy || d.Action == ActionSell) && d.Amount > 0 && d.Price > 0
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionFilled    ExecutionStatus = "filled"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionFailed    ExecutionStatus = "failed"
)

// TradeExecution is returned by the exchange for a dispatched decision.
type TradeExecution struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Amount    float64         `json:"amount"`
	Price     float64         `json:"price"`
	Fee       float64         `json:"fee"`
	Status    ExecutionStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}
