package fabric

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/broker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/trace"
)

// TopicBacktestCompleted carries a summary event after every valid run.
const TopicBacktestCompleted = "backtest.completed"

func registerBacktestMetrics(r *metrics.Registry) {
	defs := []metrics.Definition{
		{Name: "backtest_runs_total", Kind: metrics.KindCounter,
			Description: "engine runs by outcome", LabelKeys: []string{"status"}},
		{Name: "backtest_trades_total", Kind: metrics.KindCounter,
			Description: "closed trades across all runs"},
		{Name: "backtest_duration_ms", Kind: metrics.KindHistogram,
			Description: "wall time per engine run",
			Buckets:     []float64{10, 50, 100, 500, 1000, 5000, 30000}},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			log.Error().Err(err).Str("metric", def.Name).Msg("metric registration failed")
		}
	}
}

// RunBacktest executes the engine under a span, records run metrics, and
// publishes a completion event for subscribed observers.
func (r *Runtime) RunBacktest(ctx context.Context, cfg engine.Config, in engine.Input) *engine.BacktestOutput {
	_, span := r.Tracer.StartSpan(ctx, "backtest.run", trace.WithAttributes(map[string]any{
		"candles": len(in.Candles),
	}))
	defer span.End()

	start := time.Now()
	out := engine.Run(cfg, in)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	status := "ok"
	if !out.IsValid {
		status = "invalid"
		span.SetStatus(trace.StatusError, "input validation failed")
	}
	r.Metrics.Increment("backtest_runs_total", 1, map[string]string{"status": status})
	r.Metrics.Increment("backtest_trades_total", float64(out.TotalTrades), nil)
	r.Metrics.Observe("backtest_duration_ms", elapsed, nil)
	span.SetAttribute("trades", out.TotalTrades)
	span.SetAttribute("net_profit", out.NetProfit)

	if out.IsValid {
		r.Broker.Publish(broker.NewMessage(broker.KindEvent, "backtest-engine", "", TopicBacktestCompleted,
			map[string]any{
				"net_profit":   out.NetProfit,
				"total_return": out.TotalReturn,
				"sharpe_ratio": out.SharpeRatio,
				"max_drawdown": out.MaxDrawdown,
				"total_trades": out.TotalTrades,
				"duration_ms":  elapsed,
			}))
	}
	return out
}
