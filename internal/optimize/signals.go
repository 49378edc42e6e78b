package optimize

import (
	"fmt"
	"math"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/engine"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/indicators"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/market"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mtf"
)

// BuildInput generates RSI cross signals for one parameter set, gated by the
// optional HTF filter, in a form the engine consumes directly. The optimizer
// uses its cached equivalent; this is the single-shot path for the CLI and
// HTTP layers.
func BuildInput(candles, htfCandles []market.Candle, p Params) (engine.Input, error) {
	if len(candles) == 0 {
		return engine.Input{}, fmt.Errorf("no candles")
	}
	if p.RSIPeriod < 2 {
		return engine.Input{}, fmt.Errorf("rsi period must be at least 2")
	}
	if p.Overbought <= p.Oversold {
		return engine.Input{}, fmt.Errorf("overbought must exceed oversold")
	}

	var filter *mtf.Filter
	var indexMap []int
	if len(htfCandles) > 0 && p.HTFFilterType != "" && p.HTFFilterType != mtf.FilterNone {
		f, err := mtf.NewFilter(mtf.FilterConfig{Type: p.HTFFilterType, Period: p.HTFFilterPeriod}, htfCandles)
		if err != nil {
			return engine.Input{}, err
		}
		filter = f
		indexMap, err = mtf.BuildIndexMap(opens(candles), opens(htfCandles), mtf.LookaheadNone)
		if err != nil {
			return engine.Input{}, err
		}
	}

	rsi := indicators.RSI(market.Closes(candles), p.RSIPeriod)
	n := len(candles)
	in := engine.Input{
		Candles:      candles,
		LongEntries:  make([]bool, n),
		LongExits:    make([]bool, n),
		ShortEntries: make([]bool, n),
		ShortExits:   make([]bool, n),
	}
	for i := 1; i < n; i++ {
		if math.IsNaN(rsi[i]) || math.IsNaN(rsi[i-1]) {
			continue
		}
		perm := mtf.Permission{Long: true, Short: true}
		if filter != nil {
			perm = filter.Allow(indexMap[i])
		}
		if rsi[i-1] < p.Oversold && rsi[i] >= p.Oversold {
			if perm.Long {
				in.LongEntries[i] = true
			}
			in.ShortExits[i] = true
		}
		if rsi[i-1] > p.Overbought && rsi[i] <= p.Overbought {
			if perm.Short {
				in.ShortEntries[i] = true
			}
			in.LongExits[i] = true
		}
	}
	return in, nil
}
