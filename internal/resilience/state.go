package resilience

import (
	"context"
	"time"

	"tradeloop/internal/pkg/circuit"
	"tradeloop/internal/types"
)

// SystemState is the persisted snapshot. JSON names are the storage layout
// and must stay stable across releases.
type SystemState struct {
	IsRunning        bool                          `json:"isRunning"`
	StartTime        *time.Time                    `json:"startTime"`
	ActivePositions  []types.TradingPosition       `json:"activePositions"`
	PendingSignals   []types.TradingSignal         `json:"pendingSignals"`
	MarketDataCache  map[string]types.MarketSample `json:"marketDataCache"`
	ErrorCounts      map[string]int                `json:"errorCounts"`
	LastErrors       map[string]time.Time          `json:"lastErrors"`
	RecoveryAttempts map[string]int                `json:"recoveryAttempts"`
	CircuitBreakers  map[string]circuit.Snapshot   `json:"circuitBreakers"`
	LastSaveTime     time.Time                     `json:"lastSaveTime"`
}

// SessionState is the part of the snapshot owned by the session.
type SessionState struct {
	IsRunning       bool
	StartTime       *time.Time
	ActivePositions []types.TradingPosition
	PendingSignals  []types.TradingSignal
	MarketDataCache map[string]types.MarketSample
}

// Persister is the durable snapshot collaborator. LoadSnapshot returns
// (nil, nil) when nothing has been saved yet.
type Persister interface {
	SaveSnapshot(ctx context.Context, state SystemState) error
	LoadSnapshot(ctx context.Context) (*SystemState, error)
	Close() error
}

// RestoredState is handed back to the session after a restart.
type RestoredState struct {
	Positions   []types.TradingPosition
	Signals     []types.TradingSignal
	MarketCache map[string]types.MarketSample
	SavedAt     time.Time
}

func cloneSamples(in map[string]types.MarketSample) map[string]types.MarketSample {
	out := make(map[string]types.MarketSample, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
