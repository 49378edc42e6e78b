package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// dispatcher fans a firing alert out to notifiers. Each notifier sits behind
// its own circuit breaker so a dead webhook cannot stall the evaluation loop,
// and the whole path is rate limited.
type dispatcher struct {
	mu        sync.RWMutex
	notifiers []notifierEntry
	limiter   *rate.Limiter
}

type notifierEntry struct {
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker
}

func newDispatcher(ratePerSec float64) *dispatcher {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &dispatcher{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
	}
}

func (d *dispatcher) add(n Notifier) {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notifier:" + n.Name(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.mu.Lock()
	d.notifiers = append(d.notifiers, notifierEntry{notifier: n, breaker: breaker})
	d.mu.Unlock()
}

// dispatch sends the alert to every notifier, returning (sent, failed) counts.
func (d *dispatcher) dispatch(ctx context.Context, a Alert) (sent, failed int64) {
	d.mu.RLock()
	entries := append([]notifierEntry(nil), d.notifiers...)
	d.mu.RUnlock()

	for _, e := range entries {
		if err := d.limiter.Wait(ctx); err != nil {
			failed++
			continue
		}
		_, err := e.breaker.Execute(func() (any, error) {
			return nil, e.notifier.Send(ctx, a)
		})
		if err != nil {
			failed++
			log.Warn().Err(err).Str("notifier", e.notifier.Name()).Str("rule", a.RuleName).Msg("alert notify failed")
			continue
		}
		sent++
	}
	return sent, failed
}

// LogNotifier writes firing alerts to the log. Default notifier.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Send(_ context.Context, a Alert) error {
	log.Warn().
		Str("rule", a.RuleName).
		Str("metric", a.MetricName).
		Float64("value", a.Value).
		Str("severity", string(a.Severity)).
		Msg(a.Message)
	return nil
}
