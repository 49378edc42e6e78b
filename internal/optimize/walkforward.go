package optimize

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

// WalkForwardRequest configures rolling out-of-sample validation.
type WalkForwardRequest struct {
	Candles    []market.Candle
	HTFCandles []market.Candle
	BaseConfig engine.Config
	Grid       Grid
	Metric     Metric
	NWindows   int
	TrainPct   float64
	OverlapPct float64
	Workers    int
}

// WindowResult is one train/test window.
type WindowResult struct {
	Index      int     `json:"index"`
	TrainStart int     `json:"train_start"`
	TrainEnd   int     `json:"train_end"`
	TestEnd    int     `json:"test_end"`
	BestParams Params  `json:"best_params"`
	TrainScore float64 `json:"train_score"`

	OOSReturn   float64 `json:"oos_return"`
	OOSSharpe   float64 `json:"oos_sharpe"`
	OOSMaxDD    float64 `json:"oos_max_dd"`
	OOSTrades   int     `json:"oos_trades"`
	OOSWinRate  float64 `json:"oos_win_rate"`
	Profitable  bool    `json:"profitable"`
}

// WalkForwardResult aggregates all windows.
type WalkForwardResult struct {
	Windows           []WindowResult `json:"windows"`
	CompletedWindows  int            `json:"completed_windows"`
	MeanOOSReturn     float64        `json:"mean_oos_return"`
	StdOOSReturn      float64        `json:"std_oos_return"`
	ProfitableWindows int            `json:"profitable_windows"`
	ProfitablePct     float64        `json:"profitable_pct"`
	Stability         float64        `json:"stability"`
}

// WalkForward optimizes on each training slice and scores the winner on the
// subsequent out-of-sample slice.
func WalkForward(ctx context.Context, req WalkForwardRequest) (*WalkForwardResult, error) {
	if req.NWindows < 1 {
		return nil, fmt.Errorf("n_windows must be at least 1")
	}
	if req.TrainPct <= 0 || req.TrainPct >= 1 {
		return nil, fmt.Errorf("train_pct must be in (0, 1)")
	}
	total := len(req.Candles)
	size := total / req.NWindows
	if size < 10 {
		return nil, fmt.Errorf("windows too small: %d bars each", size)
	}
	trainSize := int(float64(size) * req.TrainPct)
	testSize := size - trainSize
	if testSize < 1 {
		return nil, fmt.Errorf("test slice empty with train_pct %.2f", req.TrainPct)
	}
	step := int(float64(size) * (1 - req.OverlapPct))
	if step < testSize {
		step = testSize
	}

	result := &WalkForwardResult{}
	for w := 0; w < req.NWindows; w++ {
		start := w * step
		if start+size > total {
			break
		}
		trainEnd := start + trainSize
		testEnd := start + size

		opt := New(Request{
			Candles:    req.Candles[start:trainEnd],
			HTFCandles: req.HTFCandles,
			BaseConfig: req.BaseConfig,
			Grid:       req.Grid,
			Metric:     req.Metric,
			TopK:       1,
			Workers:    req.Workers,
		})
		top, err := opt.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("window %d train: %w", w, err)
		}
		if len(top) == 0 {
			log.Warn().Int("window", w).Msg("no valid combination on training slice")
			continue
		}
		best := top[0]

		// Score the winner on the untouched test slice.
		tester := New(Request{
			Candles:    req.Candles[trainEnd:testEnd],
			HTFCandles: req.HTFCandles,
			BaseConfig: req.BaseConfig,
			Metric:     req.Metric,
			TopK:       1,
			Workers:    1,
			Grid: Grid{
				RSIPeriods:       []int{best.Params.RSIPeriod},
				Overboughts:      []float64{best.Params.Overbought},
				Oversolds:        []float64{best.Params.Oversold},
				StopLosses:       []float64{best.Params.StopLoss},
				TakeProfits:      []float64{best.Params.TakeProfit},
				HTFFilterTypes:   []mtf.FilterType{best.Params.HTFFilterType},
				HTFFilterPeriods: []int{best.Params.HTFFilterPeriod},
			},
		})
		oos, err := tester.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("window %d test: %w", w, err)
		}
		if len(oos) == 0 {
			continue
		}
		o := oos[0]
		wr := WindowResult{
			Index:      w,
			TrainStart: start,
			TrainEnd:   trainEnd,
			TestEnd:    testEnd,
			BestParams: best.Params,
			TrainScore: best.Score,
			OOSReturn:  o.TotalReturn,
			OOSSharpe:  o.SharpeRatio,
			OOSMaxDD:   o.MaxDrawdown,
			OOSTrades:  o.TotalTrades,
			OOSWinRate: o.WinRate,
			Profitable: o.TotalReturn > 0,
		}
		result.Windows = append(result.Windows, wr)
	}

	result.CompletedWindows = len(result.Windows)
	if result.CompletedWindows == 0 {
		return result, nil
	}
	returns := make([]float64, 0, result.CompletedWindows)
	for _, w := range result.Windows {
		returns = append(returns, w.OOSReturn)
		if w.Profitable {
			result.ProfitableWindows++
		}
	}
	mean, std := meanStd(returns)
	result.MeanOOSReturn = mean
	result.StdOOSReturn = std
	result.ProfitablePct = 100.0 * float64(result.ProfitableWindows) / float64(result.CompletedWindows)
	if mean != 0 {
		result.Stability = result.ProfitablePct / 100.0 * (1 - std/math.Abs(mean))
	}
	return result, nil
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
