package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
)

// RunFromOutput flattens an engine result into a storable run record.
func RunFromOutput(strategy, symbol, interval string, cfg engine.Config, out *engine.BacktestOutput) (*BacktestRun, error) {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var configMap map[string]any
	if err := json.Unmarshal(buf, &configMap); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	run := &BacktestRun{
		Strategy:    strategy,
		Symbol:      symbol,
		Interval:    interval,
		Config:      configMap,
		NetProfit:   out.NetProfit,
		TotalReturn: out.TotalReturn,
		SharpeRatio: out.SharpeRatio,
		MaxDrawdown: out.MaxDrawdown,
		WinRate:     out.WinRate,
		TotalTrades: out.TotalTrades,
	}
	if len(out.Trades) > 0 {
		run.StartTime = out.Trades[0].EntryTime
		run.EndTime = out.Trades[len(out.Trades)-1].ExitTime
	}
	return run, nil
}

// TradeRows converts engine trades for batch insertion.
func TradeRows(runID string, trades []engine.Trade) []TradeRow {
	rows := make([]TradeRow, len(trades))
	for i, t := range trades {
		rows[i] = TradeRow{
			RunID:      runID,
			Direction:  string(t.Direction),
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Size:       t.Size,
			PnL:        t.PnL,
			Fees:       t.Fees,
			ExitReason: t.ExitReason,
		}
	}
	return rows
}
