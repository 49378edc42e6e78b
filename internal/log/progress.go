package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Progress reports completion of long-running sweeps (grid optimization,
// walk-forward) at a bounded rate so logs stay readable.
type Progress struct {
	mu         sync.Mutex
	name       string
	total      int
	current    int
	startTime  time.Time
	lastUpdate time.Time
	interval   time.Duration
}

// NewProgress creates a progress reporter for an operation with a known total.
func NewProgress(name string, total int) *Progress {
	return &Progress{
		name:      name,
		total:     total,
		startTime: time.Now(),
		interval:  2 * time.Second,
	}
}

// Increment advances the counter and emits a log line at most once per interval.
func (p *Progress) Increment() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current++
	now := time.Now()
	if now.Sub(p.lastUpdate) < p.interval && p.current != p.total {
		return
	}
	p.lastUpdate = now

	elapsed := now.Sub(p.startTime)
	var eta time.Duration
	if p.current > 0 && p.current < p.total {
		perItem := elapsed / time.Duration(p.current)
		eta = perItem * time.Duration(p.total-p.current)
	}
	log.Info().
		Str("op", p.name).
		Int("done", p.current).
		Int("total", p.total).
		Dur("elapsed", elapsed).
		Dur("eta", eta).
		Msg("progress")
}

// Done emits the final completion line.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Info().
		Str("op", p.name).
		Int("done", p.current).
		Dur("elapsed", time.Since(p.startTime)).
		Msg("complete")
}
