package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/broker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
)

func risingCandles(n int) []market.Candle {
	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		next := price + 1
		out[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price, High: next + 0.5, Low: price - 0.5, Close: next,
			Volume: 1000,
		}
		price = next
	}
	return out
}

func TestRunBacktestEmitsMetricsAndEvent(t *testing.T) {
	rt := testRuntime(t)

	events := make(chan *broker.Message, 1)
	rt.Broker.Subscribe(TopicBacktestCompleted, func(msg *broker.Message) error {
		events <- msg
		return nil
	}, nil)

	candles := risingCandles(10)
	in := engine.Input{Candles: candles, LongEntries: make([]bool, len(candles))}
	in.LongEntries[2] = true

	out := rt.RunBacktest(context.Background(), engine.DefaultConfig(), in)
	require.True(t, out.IsValid)

	snap := rt.Metrics.Snapshot()
	assert.Equal(t, 1.0, snap[`backtest_runs_total{status=ok}`])

	select {
	case msg := <-events:
		payload, ok := msg.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, out.NetProfit, payload["net_profit"])
		assert.Equal(t, out.TotalTrades, payload["total_trades"])
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}
}

func TestRunBacktestInvalidInputCounted(t *testing.T) {
	rt := testRuntime(t)

	out := rt.RunBacktest(context.Background(), engine.DefaultConfig(), engine.Input{})
	require.False(t, out.IsValid)

	snap := rt.Metrics.Snapshot()
	assert.Equal(t, 1.0, snap[`backtest_runs_total{status=invalid}`])
	_, ok := snap[`backtest_runs_total{status=ok}`]
	assert.False(t, ok)
}
