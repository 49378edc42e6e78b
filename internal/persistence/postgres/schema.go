package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the run and trade tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS backtest_runs (
	id           UUID PRIMARY KEY,
	strategy     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	interval     TEXT NOT NULL,
	start_time   TIMESTAMPTZ NOT NULL,
	end_time     TIMESTAMPTZ NOT NULL,
	config       JSONB NOT NULL DEFAULT '{}',
	net_profit   DOUBLE PRECISION NOT NULL,
	total_return DOUBLE PRECISION NOT NULL,
	sharpe_ratio DOUBLE PRECISION NOT NULL,
	max_drawdown DOUBLE PRECISION NOT NULL,
	win_rate     DOUBLE PRECISION NOT NULL,
	total_trades INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_backtest_runs_symbol_created
	ON backtest_runs (symbol, created_at DESC);

CREATE TABLE IF NOT EXISTS backtest_trades (
	id          BIGSERIAL PRIMARY KEY,
	run_id      UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
	direction   TEXT NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_time   TIMESTAMPTZ NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price  DOUBLE PRECISION NOT NULL,
	size        DOUBLE PRECISION NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	fees        DOUBLE PRECISION NOT NULL,
	exit_reason TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_backtest_trades_run
	ON backtest_trades (run_id, entry_time);
`

// EnsureSchema applies the schema to the connected database.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
