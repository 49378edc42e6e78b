// Package persistence defines the storage contracts for backtest runs,
// their trades, and the hot cache in front of them.
package persistence

import (
	"context"
	"time"
)

// TimeRange is a closed query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// BacktestRun is one persisted engine run with its headline metrics.
// Config holds the full engine configuration as JSONB so a run can be
// replayed exactly.
type BacktestRun struct {
	ID          string         `json:"id" db:"id"`
	Strategy    string         `json:"strategy" db:"strategy"`
	Symbol      string         `json:"symbol" db:"symbol"`
	Interval    string         `json:"interval" db:"interval"`
	StartTime   time.Time      `json:"start_time" db:"start_time"`
	EndTime     time.Time      `json:"end_time" db:"end_time"`
	Config      map[string]any `json:"config" db:"config"`
	NetProfit   float64        `json:"net_profit" db:"net_profit"`
	TotalReturn float64        `json:"total_return" db:"total_return"`
	SharpeRatio float64        `json:"sharpe_ratio" db:"sharpe_ratio"`
	MaxDrawdown float64        `json:"max_drawdown" db:"max_drawdown"`
	WinRate     float64        `json:"win_rate" db:"win_rate"`
	TotalTrades int            `json:"total_trades" db:"total_trades"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// TradeRow is one closed trade belonging to a run.
type TradeRow struct {
	ID         int64     `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	Direction  string    `json:"direction" db:"direction"`
	EntryTime  time.Time `json:"entry_time" db:"entry_time"`
	ExitTime   time.Time `json:"exit_time" db:"exit_time"`
	EntryPrice float64   `json:"entry_price" db:"entry_price"`
	ExitPrice  float64   `json:"exit_price" db:"exit_price"`
	Size       float64   `json:"size" db:"size"`
	PnL        float64   `json:"pnl" db:"pnl"`
	Fees       float64   `json:"fees" db:"fees"`
	ExitReason string    `json:"exit_reason" db:"exit_reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RunsRepo persists backtest runs and their trades.
type RunsRepo interface {
	// Save stores a run and returns its assigned created_at.
	Save(ctx context.Context, run *BacktestRun) error

	// InsertTrades stores all trades for a run atomically.
	InsertTrades(ctx context.Context, runID string, trades []TradeRow) error

	// Get retrieves one run by id, nil when absent.
	Get(ctx context.Context, id string) (*BacktestRun, error)

	// ListBySymbol retrieves runs for a symbol within a window, newest first.
	ListBySymbol(ctx context.Context, symbol string, tr TimeRange, limit int) ([]BacktestRun, error)

	// Best returns the top runs ordered by a whitelisted metric column.
	Best(ctx context.Context, metric string, limit int) ([]BacktestRun, error)

	// Trades retrieves a run's trades in entry order.
	Trades(ctx context.Context, runID string) ([]TradeRow, error)

	// Delete removes a run and cascades to its trades.
	Delete(ctx context.Context, id string) error

	// Count returns runs created within a window.
	Count(ctx context.Context, tr TimeRange) (int64, error)
}

// CandleCache is the hot store in front of candle fetches and run lookups.
type CandleCache interface {
	PutCandles(ctx context.Context, symbol, interval string, payload []byte, ttl time.Duration) error
	GetCandles(ctx context.Context, symbol, interval string) ([]byte, error)
	PutRun(ctx context.Context, id string, payload []byte, ttl time.Duration) error
	GetRun(ctx context.Context, id string) ([]byte, error)
	Invalidate(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// HealthCheck is the persistence layer health snapshot.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}
