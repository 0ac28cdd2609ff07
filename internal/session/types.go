package session

import (
	"context"
	"errors"
	"time"

	"tradeloop/internal/types"
)

type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrNotRunning     = errors.New("session not running")
)

// Config holds the session timers. Zero values take the defaults.
type Config struct {
	Symbols       []string
	QuoteCurrency string

	SignalInterval   time.Duration
	PositionInterval time.Duration
	RiskInterval     time.Duration
	MarketPoll       time.Duration

	// SignalsEnabled turns AI signal requests on; off means sweep only.
	SignalsEnabled bool
	UseFeed        bool

	LatencyBudget    time.Duration
	StopLossSlippage float64
	DrainTimeout     time.Duration
	// OrderTimeout bounds how long a resting order may block its symbol
	// before it is cancelled.
	OrderTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QuoteCurrency:    "USDT",
		SignalInterval:   30 * time.Second,
		PositionInterval: 10 * time.Second,
		RiskInterval:     time.Minute,
		MarketPoll:       10 * time.Second,
		SignalsEnabled:   true,
		UseFeed:          true,
		LatencyBudget:    time.Second,
		StopLossSlippage: 0.01,
		DrainTimeout:     15 * time.Second,
		OrderTimeout:     2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QuoteCurrency == "" {
		c.QuoteCurrency = def.QuoteCurrency
	}
	if c.SignalInterval <= 0 {
		c.SignalInterval = def.SignalInterval
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = def.PositionInterval
	}
	if c.RiskInterval <= 0 {
		c.RiskInterval = def.RiskInterval
	}
	if c.MarketPoll <= 0 {
		c.MarketPoll = def.MarketPoll
	}
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = def.LatencyBudget
	}
	if c.StopLossSlippage <= 0 || c.StopLossSlippage >= 1 {
		c.StopLossSlippage = def.StopLossSlippage
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = def.OrderTimeout
	}
	return c
}

// State is what GetState reports to the control surface.
type State struct {
	IsRunning           bool           `json:"isRunning"`
	Status              Status         `json:"status"`
	StartTime           *time.Time     `json:"startTime,omitempty"`
	TotalTrades         int            `json:"totalTrades"`
	ActivePositions     int            `json:"activePositions"`
	PendingSignals      int            `json:"pendingSignals"`
	LastMarketUpdate    *time.Time     `json:"lastMarketUpdate,omitempty"`
	LastSignalProcessed *time.Time     `json:"lastSignalProcessed,omitempty"`
	RestingOrders       int            `json:"restingOrders"`
	EmergencyStop       bool           `json:"emergencyStop"`
	Balances            types.Balances `json:"balances,omitempty"`
}

// Journal records decisions and executions. Failures never block trading.
type Journal interface {
	RecordDecision(ctx context.Context, d types.TradingDecision) (int64, error)
	RecordExecution(ctx context.Context, decisionID string, exec types.TradeExecution, execErr error) (int64, error)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
