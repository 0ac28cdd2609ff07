package livehttp

import (
	"context"

	"tradeloop/internal/gateway/database"
	"tradeloop/internal/resilience"
	"tradeloop/internal/risk"
	"tradeloop/internal/session"
	"tradeloop/internal/types"
)

// Controller is the session control surface exposed over HTTP.
type Controller interface {
	StartTrading(ctx context.Context) error
	StopTrading(ctx context.Context) error
	ProcessMarketData(ctx context.Context, sample types.MarketSample) error
	GetState() session.State
	GetActivePositions() []types.TradingPosition
	GetRecoveryStatus() resilience.RecoveryStatus
	ForceServiceRecovery(ctx context.Context, service string) bool
	ResetServiceErrors(service string)
	Services() []string
	EmergencyStop(reason string)
	ResetEmergencyStop()
	RiskStatus() risk.Status
}

// JournalReader serves the journal endpoints. Optional.
type JournalReader interface {
	ListExecutions(ctx context.Context, symbol string, limit int) ([]database.ExecutionRecord, error)
	ListDecisions(ctx context.Context, symbol string, limit int) ([]database.DecisionRecord, error)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}
