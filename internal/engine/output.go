package engine

import (
	"math"
)

// BacktestOutput is the complete result of one run. IsValid is false when
// validation rejected the inputs; Errors then lists the reasons and the
// numeric fields are zero.
type BacktestOutput struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`

	Trades      []Trade   `json:"trades"`
	EquityCurve []float64 `json:"equity_curve"`

	InitialCapital float64 `json:"initial_capital"`
	FinalEquity    float64 `json:"final_equity"`
	NetProfit      float64 `json:"net_profit"`
	TotalReturn    float64 `json:"total_return"`
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	TotalFees      float64 `json:"total_fees"`
	TotalFunding   float64 `json:"total_funding"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	AvgTradeBars   float64 `json:"avg_trade_bars"`
}

const annualizationFactor = 252.0

// finalize computes aggregate metrics from the trades and equity curve.
func (o *BacktestOutput) finalize() {
	o.FinalEquity = o.InitialCapital
	if len(o.EquityCurve) > 0 {
		o.FinalEquity = o.EquityCurve[len(o.EquityCurve)-1]
	}
	o.NetProfit = o.FinalEquity - o.InitialCapital
	if o.InitialCapital > 0 {
		o.TotalReturn = o.NetProfit / o.InitialCapital
	}
	o.TotalTrades = len(o.Trades)

	var grossProfit, grossLoss, winSum, lossSum, barSum float64
	for _, t := range o.Trades {
		o.TotalFees += t.Fees
		barSum += float64(t.DurationBars)
		if t.PnL > 0 {
			o.WinningTrades++
			grossProfit += t.PnL
			winSum += t.PnL
		} else {
			o.LosingTrades++
			grossLoss += -t.PnL
			lossSum += -t.PnL
		}
	}
	if o.TotalTrades > 0 {
		o.WinRate = float64(o.WinningTrades) / float64(o.TotalTrades)
		o.AvgTradeBars = barSum / float64(o.TotalTrades)
	}
	if o.WinningTrades > 0 {
		o.AvgWin = winSum / float64(o.WinningTrades)
	}
	if o.LosingTrades > 0 {
		o.AvgLoss = lossSum / float64(o.LosingTrades)
	}
	if grossLoss > 0 {
		o.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		o.ProfitFactor = math.Inf(1)
	}

	o.MaxDrawdown = MaxDrawdown(o.EquityCurve)
	o.SharpeRatio = sharpe(o.EquityCurve)
	o.SortinoRatio = sortino(o.EquityCurve)
	if o.MaxDrawdown > 0 {
		o.CalmarRatio = o.TotalReturn / o.MaxDrawdown
	}
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction of
// the peak.
func MaxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func barReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] > 0 {
			out = append(out, equity[i]/equity[i-1]-1)
		}
	}
	return out
}

func sharpe(equity []float64) float64 {
	rets := barReturns(equity)
	mean, std := meanStd(rets)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(annualizationFactor)
}

func sortino(equity []float64) float64 {
	rets := barReturns(equity)
	if len(rets) == 0 {
		return 0
	}
	mean, _ := meanStd(rets)
	var downside float64
	n := 0
	for _, r := range rets {
		if r < 0 {
			downside += r * r
			n++
		}
	}
	if n == 0 || downside == 0 {
		return 0
	}
	dd := math.Sqrt(downside / float64(len(rets)))
	return mean / dd * math.Sqrt(annualizationFactor)
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
