// Package fabric aggregates the agent coordination services behind a single
// Runtime so callers share one wired instance instead of package globals.
package fabric

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/alert"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/anomaly"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/broker"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/fctx"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/kv"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/metrics"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/trace"
	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/mcp"
)

// Config bundles per-component configuration.
type Config struct {
	Clock         ids.Clock
	Broker        broker.Config
	Metrics       metrics.Config
	Trace         trace.Config
	Alerts        alert.Config
	Anomaly       anomaly.Config
	SweepInterval time.Duration
	EvalInterval  time.Duration
}

// DefaultRuntimeConfig returns the stock wiring.
func DefaultRuntimeConfig() Config {
	return Config{
		Clock:         ids.RealClock{},
		Broker:        broker.DefaultConfig(),
		Metrics:       metrics.DefaultConfig(),
		Trace:         trace.DefaultConfig(),
		Alerts:        alert.DefaultConfig(),
		Anomaly:       anomaly.DefaultConfig(),
		SweepInterval: time.Minute,
		EvalInterval:  10 * time.Second,
	}
}

// Runtime owns one instance of every coordination service.
type Runtime struct {
	Broker   *broker.Broker
	KV       *kv.Store
	Contexts *fctx.Manager
	Metrics  *metrics.Registry
	Tracer   *trace.Tracer
	Alerts   *alert.Manager
	Anomaly  *anomaly.Detector
	Tools    *mcp.Registry

	done chan struct{}
}

// NewRuntime wires all components from the config.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Clock == nil {
		cfg.Clock = ids.RealClock{}
	}
	rt := &Runtime{
		Broker:   broker.NewBroker(cfg.Broker),
		KV:       kv.NewStore(),
		Contexts: fctx.NewManager(),
		Metrics:  metrics.NewRegistry(cfg.Metrics),
		Tracer:   trace.NewTracer(cfg.Trace),
		Anomaly:  anomaly.NewDetector(cfg.Anomaly),
		Tools:    mcp.NewRegistry(),
		done:     make(chan struct{}),
	}
	rt.Alerts = alert.NewManager(cfg.Alerts)
	registerBacktestMetrics(rt.Metrics)
	rt.Broker.SetClock(cfg.Clock)
	rt.KV.SetClock(cfg.Clock)
	rt.Contexts.SetClock(cfg.Clock)
	rt.Alerts.SetClock(cfg.Clock)
	rt.Metrics.SetClock(cfg.Clock)
	rt.Tracer.SetClock(cfg.Clock)

	if cfg.SweepInterval > 0 {
		rt.Metrics.StartSweeper(rt.done, cfg.SweepInterval)
		rt.Broker.StartJanitor(rt.done, cfg.SweepInterval)
	}
	if cfg.EvalInterval > 0 {
		rt.startEvaluator(cfg.EvalInterval)
	}
	return rt
}

// DefaultRuntime builds a runtime with stock config.
func DefaultRuntime() *Runtime {
	return NewRuntime(DefaultRuntimeConfig())
}

// startEvaluator feeds metric snapshots into the alert manager.
func (r *Runtime) startEvaluator(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.Alerts.Evaluate(context.Background(), r.Metrics.Snapshot())
			}
		}
	}()
}

// Shutdown stops background loops and flushes trace exporters.
func (r *Runtime) Shutdown() {
	close(r.done)
	r.Tracer.Shutdown()
	if n := r.Contexts.CleanupExpired(); n > 0 {
		log.Debug().Int("contexts", n).Msg("expired contexts cleaned at shutdown")
	}
}
