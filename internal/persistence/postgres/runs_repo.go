// Package postgres implements the persistence contracts on PostgreSQL
// through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/persistence"
)

// metricColumns whitelists ORDER BY targets for Best.
var metricColumns = map[string]bool{
	"net_profit":   true,
	"total_return": true,
	"sharpe_ratio": true,
	"win_rate":     true,
}

type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunsRepo creates a PostgreSQL-backed runs repository.
func NewRunsRepo(db *sqlx.DB, timeout time.Duration) persistence.RunsRepo {
	return &runsRepo{db: db, timeout: timeout}
}

// Save stores a run. A missing ID gets a fresh UUID.
func (r *runsRepo) Save(ctx context.Context, run *persistence.BacktestRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `
		INSERT INTO backtest_runs
			(id, strategy, symbol, interval, start_time, end_time, config,
			 net_profit, total_return, sharpe_ratio, max_drawdown, win_rate, total_trades)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`

	err = r.db.QueryRowxContext(ctx, query,
		run.ID, run.Strategy, run.Symbol, run.Interval, run.StartTime, run.EndTime,
		configJSON, run.NetProfit, run.TotalReturn, run.SharpeRatio,
		run.MaxDrawdown, run.WinRate, run.TotalTrades).
		Scan(&run.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run %s: %w", run.ID, err)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// InsertTrades stores all trades for a run in one transaction.
func (r *runsRepo) InsertTrades(ctx context.Context, runID string, trades []persistence.TradeRow) error {
	if len(trades) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades
			(run_id, direction, entry_time, exit_time, entry_price, exit_price,
			 size, pnl, fees, exit_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		_, err = stmt.ExecContext(ctx,
			runID, t.Direction, t.EntryTime, t.ExitTime, t.EntryPrice, t.ExitPrice,
			t.Size, t.PnL, t.Fees, t.ExitReason)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, strategy, symbol, interval, start_time, end_time, config,
	net_profit, total_return, sharpe_ratio, max_drawdown, win_rate, total_trades, created_at`

// Get retrieves one run by id, nil when absent.
func (r *runsRepo) Get(ctx context.Context, id string) (*persistence.BacktestRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+runColumns+` FROM backtest_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListBySymbol retrieves runs for a symbol within a window, newest first.
func (r *runsRepo) ListBySymbol(ctx context.Context, symbol string, tr persistence.TimeRange, limit int) ([]persistence.BacktestRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+runColumns+`
		FROM backtest_runs
		WHERE symbol = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`, symbol, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by symbol: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Best returns the top runs ordered by a whitelisted metric column.
func (r *runsRepo) Best(ctx context.Context, metric string, limit int) ([]persistence.BacktestRun, error) {
	if !metricColumns[metric] {
		return nil, fmt.Errorf("unsupported metric %q", metric)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT `+runColumns+`
		FROM backtest_runs
		ORDER BY `+metric+` DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list best runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Trades retrieves a run's trades in entry order.
func (r *runsRepo) Trades(ctx context.Context, runID string) ([]persistence.TradeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var trades []persistence.TradeRow
	err := r.db.SelectContext(ctx, &trades, `
		SELECT id, run_id, direction, entry_time, exit_time, entry_price, exit_price,
		       size, pnl, fees, exit_reason, created_at
		FROM backtest_trades
		WHERE run_id = $1
		ORDER BY entry_time ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// Delete removes a run. The trades table cascades on run_id.
func (r *runsRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM backtest_runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Count returns runs created within a window.
func (r *runsRepo) Count(ctx context.Context, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.QueryRowxContext(ctx, `
		SELECT COUNT(*) FROM backtest_runs
		WHERE created_at >= $1 AND created_at <= $2`, tr.From, tr.To).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*persistence.BacktestRun, error) {
	var run persistence.BacktestRun
	var configJSON []byte
	err := row.Scan(
		&run.ID, &run.Strategy, &run.Symbol, &run.Interval,
		&run.StartTime, &run.EndTime, &configJSON,
		&run.NetProfit, &run.TotalReturn, &run.SharpeRatio,
		&run.MaxDrawdown, &run.WinRate, &run.TotalTrades, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &run, nil
}

func scanRuns(rows *sqlx.Rows) ([]persistence.BacktestRun, error) {
	var runs []persistence.BacktestRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}
