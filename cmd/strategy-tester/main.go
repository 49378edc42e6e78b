package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/config"
	applog "github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/log"
)

const (
	appName = "strategy-tester"
	version = "v2.0.0"
)

var (
	cfgPath  string
	logLevel string
	appCfg   config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Bybit strategy backtester with MTF filters, grid optimization, and Monte Carlo analysis",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			appCfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
			level := appCfg.Logging.Level
			if logLevel != "" {
				level = logLevel
			}
			applog.Setup(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level")

	rootCmd.AddCommand(
		newBacktestCmd(),
		newOptimizeCmd(),
		newWalkForwardCmd(),
		newMonteCarloCmd(),
		newServeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
