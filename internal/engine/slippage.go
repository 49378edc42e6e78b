package engine

import "math"

// effectiveSlippage computes the per-fill slippage fraction for the model.
// avgVolume and atr may be NaN during warm-up; the formulas degrade to the
// base rate.
func effectiveSlippage(model SlippageModel, base, volume, avgVolume, atr, price, volumeImpact, volatilityMult float64) float64 {
	switch model {
	case SlipVolume:
		if avgVolume <= 0 || math.IsNaN(avgVolume) {
			return base
		}
		return base * (1 + volumeImpact*(volume/avgVolume-1))
	case SlipVolatility:
		if price <= 0 || math.IsNaN(atr) {
			return base
		}
		return base + volatilityMult*(atr/price)
	case SlipCombined:
		s := base
		if avgVolume > 0 && !math.IsNaN(avgVolume) {
			s = base * (1 + volumeImpact*(volume/avgVolume-1))
		}
		if price > 0 && !math.IsNaN(atr) {
			s += volatilityMult * (atr / price)
		}
		return s
	case SlipAdvanced:
		if price <= 0 || math.IsNaN(atr) || avgVolume <= 0 || math.IsNaN(avgVolume) || volume <= 0 {
			return base
		}
		atrPct := atr / price
		return base * clamp(atrPct/0.01, 0.5, 2.0) * clamp(avgVolume/volume, 0.5, 2.0)
	default:
		return base
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
