package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBestRejectsUnknownMetric(t *testing.T) {
	repo := &runsRepo{timeout: time.Second}

	_, err := repo.Best(context.Background(), "created_at; DROP TABLE backtest_runs", 5)
	assert.Error(t, err, "metric column must come from the whitelist")

	_, err = repo.Best(context.Background(), "fees", 5)
	assert.Error(t, err)
}

func TestMetricWhitelist(t *testing.T) {
	for _, m := range []string{"net_profit", "total_return", "sharpe_ratio", "win_rate"} {
		assert.True(t, metricColumns[m], m)
	}
	assert.False(t, metricColumns["max_drawdown"], "drawdown ranks ascending, not supported")
}
