// Package mtf maps base-timeframe bars onto higher-timeframe series and
// applies higher-timeframe regime filters to entry decisions.
package mtf

import (
	"fmt"
	"time"
)

// Lookahead selects which HTF bar a base bar may see.
type Lookahead string

const (
	// LookaheadNone exposes only the last fully closed HTF bar.
	LookaheadNone Lookahead = "none"
	// LookaheadAllow exposes the HTF bar that has opened, even while it is
	// still forming.
	LookaheadAllow Lookahead = "allow"
)

// BuildIndexMap returns, for every base bar open time, the index of the HTF
// bar it may reference, or -1 when none is available yet. Under
// LookaheadNone a base bar at time t maps to the largest k whose successor
// has already opened (htfOpens[k+1] <= t); under LookaheadAllow it maps to
// the largest k with htfOpens[k] <= t. The result is monotone
// non-decreasing.
func BuildIndexMap(baseOpens, htfOpens []time.Time, mode Lookahead) ([]int, error) {
	if mode != LookaheadNone && mode != LookaheadAllow {
		return nil, fmt.Errorf("unknown lookahead mode %q", mode)
	}
	out := make([]int, len(baseOpens))
	k := 0
	for i, t := range baseOpens {
		switch mode {
		case LookaheadAllow:
			for k < len(htfOpens) && !htfOpens[k].After(t) {
				k++
			}
			out[i] = k - 1
		case LookaheadNone:
			// k counts HTF bars whose open is <= t; the last closed bar is
			// two behind that count.
			for k < len(htfOpens) && !htfOpens[k].After(t) {
				k++
			}
			out[i] = k - 2
			if out[i] < -1 {
				out[i] = -1
			}
		}
	}
	return out, nil
}
