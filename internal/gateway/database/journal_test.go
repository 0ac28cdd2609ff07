package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeloop/internal/types"
)

func TestJournalRoundTrip(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()
	at := time.UnixMilli(1700000000000)

	_, err = j.RecordDecision(ctx, types.TradingDecision{
		ID: "d1", Action: types.ActionBuy, Symbol: "BTC/USDT", Amount: 1, Price: 100,
		Confidence: 0.8, Reasoning: "breakout", Timestamp: at, Source: types.SourceSignal,
	})
	require.NoError(t, err)
	_, err = j.RecordExecution(ctx, "d1", types.TradeExecution{
		OrderID: "o1", Symbol: "BTC/USDT", Side: types.SideBuy, Amount: 1, Price: 100,
		Fee: 0.1, Status: types.ExecutionFilled, Timestamp: at,
	}, nil)
	require.NoError(t, err)
	_, err = j.RecordExecution(ctx, "d2", types.TradeExecution{Symbol: "ETH/USDT", Side: types.SideSell, Timestamp: at.Add(time.Second)}, errors.New("rejected"))
	require.NoError(t, err)

	decisions, err := j.ListDecisions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "d1", decisions[0].DecisionID)
	assert.Equal(t, types.SourceSignal, decisions[0].Source)
	assert.Equal(t, at, decisions[0].DecidedAt)

	all, err := j.ListExecutions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ETH/USDT", all[0].Symbol, "newest first")
	assert.Equal(t, types.ExecutionFailed, all[0].Status)
	assert.Equal(t, "rejected", all[0].Error)
	assert.InDelta(t, 100, all[1].Notional, 1e-9)

	btc, err := j.ListExecutions(ctx, "btc/usdt", 10)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "o1", btc[0].OrderID)
}

func TestJournalReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.db")
	j, err := NewJournal(path)
	require.NoError(t, err)
	_, err = j.RecordDecision(context.Background(), types.TradingDecision{ID: "x", Symbol: "BTC/USDT", Action: types.ActionSell})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := NewJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	rows, err := j2.ListDecisions(context.Background(), "BTC/USDT", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestJournalRejectsBadInput(t *testing.T) {
	_, err := NewJournal("")
	assert.Error(t, err)

	j, err := NewJournal(memoryPath)
	require.NoError(t, err)
	_, err = j.RecordDecision(context.Background(), types.TradingDecision{})
	assert.Error(t, err)

	require.NoError(t, j.Close())
	_, err = j.ListExecutions(context.Background(), "", 1)
	assert.Error(t, err)
	assert.NoError(t, j.Close())
}
