package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
)

func TestRunFromOutput(t *testing.T) {
	entry := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	exit := entry.Add(6 * time.Hour)
	out := &engine.BacktestOutput{
		IsValid:     true,
		NetProfit:   150,
		TotalReturn: 0.015,
		SharpeRatio: 1.2,
		MaxDrawdown: 0.03,
		WinRate:     60,
		TotalTrades: 2,
		Trades: []engine.Trade{
			{Direction: engine.Long, EntryTime: entry, ExitTime: entry.Add(time.Hour)},
			{Direction: engine.Short, EntryTime: entry.Add(2 * time.Hour), ExitTime: exit},
		},
	}
	cfg := engine.DefaultConfig()
	cfg.TakeProfit = 0.05

	run, err := RunFromOutput("rsi_reversion", "BTCUSDT", "60", cfg, out)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", run.Symbol)
	assert.Equal(t, entry, run.StartTime)
	assert.Equal(t, exit, run.EndTime)
	assert.Equal(t, 150.0, run.NetProfit)
	assert.Equal(t, 0.05, run.Config["take_profit"], "config survives the JSONB round trip")
}

func TestTradeRows(t *testing.T) {
	trades := []engine.Trade{
		{Direction: engine.Long, EntryPrice: 100, ExitPrice: 104, Size: 2, PnL: 8, Fees: 0.28, ExitReason: "take_profit"},
	}
	rows := TradeRows("run-1", trades)
	require.Len(t, rows, 1)
	assert.Equal(t, "run-1", rows[0].RunID)
	assert.Equal(t, "long", rows[0].Direction)
	assert.Equal(t, "take_profit", rows[0].ExitReason)
	assert.Equal(t, 8.0, rows[0].PnL)
}
