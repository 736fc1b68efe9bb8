package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"coinrate-alerts/internal/app"
	"coinrate-alerts/internal/model"
)

var (
	simulateSymbol    string
	simulateExchange  string
	simulateTimeframe string
	simulateRate      string
	simulateDryRun    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "以指定费率模拟一次监控并触发告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" || simulateExchange == "" {
			return errors.New("--symbol 与 --exchange 必须提供")
		}
		tf := model.Timeframe(simulateTimeframe)
		if !tf.Valid() {
			return fmt.Errorf("invalid --timeframe %q (want 1h or 24h)", simulateTimeframe)
		}
		rate, err := decimal.NewFromString(simulateRate)
		if err != nil {
			return fmt.Errorf("invalid --rate value: %w", err)
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:    simulateSymbol,
			Exchange:  simulateExchange,
			Timeframe: tf,
			Rate:      rate,
			DryRun:    simulateDryRun,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "Coin symbol, e.g. USDT")
	simulateCmd.Flags().StringVar(&simulateExchange, "exchange", "", "Exchange name")
	simulateCmd.Flags().StringVar(&simulateTimeframe, "timeframe", string(model.Timeframe1h), "Rate timeframe (1h or 24h)")
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "", "Annual rate in percent, e.g. 6.5")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "dry-run", false, "使用内存数据库并只记录邮件，不真正发送")
}
