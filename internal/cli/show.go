package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"coinrate-alerts/internal/app"
	"coinrate-alerts/internal/model"
)

var (
	historyLimit int

	resetSymbol    string
	resetExchange  string
	resetTimeframe string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display instrument alert states and the deferred queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recently sent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{Limit: historyLimit})
	},
}

var resetCooldownCmd = &cobra.Command{
	Use:   "reset-cooldown [key]",
	Short: "重置告警冷却期，使下一次检查可以再次提醒",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := instrumentKey(args, resetSymbol, resetExchange, resetTimeframe)
		if err != nil {
			return err
		}
		return getApp().ResetCooldown(cmd.Context(), key)
	},
}

// instrumentKey resolves a key from a positional argument or the
// symbol/exchange/timeframe flags.
func instrumentKey(args []string, symbol, exchange, timeframe string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return model.ParseInstrumentKey(args[0])
	}
	if symbol == "" || exchange == "" {
		return "", errors.New("provide a key or --symbol and --exchange")
	}
	tf := model.Timeframe(timeframe)
	if !tf.Valid() {
		return "", fmt.Errorf("invalid --timeframe %q (want 1h or 24h)", timeframe)
	}
	return model.InstrumentKey(symbol, exchange, tf), nil
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of notifications to display")

	resetCooldownCmd.Flags().StringVar(&resetSymbol, "symbol", "", "Coin symbol, e.g. USDT")
	resetCooldownCmd.Flags().StringVar(&resetExchange, "exchange", "", "Exchange name")
	resetCooldownCmd.Flags().StringVar(&resetTimeframe, "timeframe", string(model.Timeframe1h), "Rate timeframe (1h or 24h)")
}
