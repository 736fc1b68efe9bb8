package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coinrate-alerts/internal/app"
	"coinrate-alerts/internal/model"
)

var (
	exportSymbol    string
	exportExchange  string
	exportTimeframe string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export [key]",
	Short: "Export recorded rates of one instrument as CSV and/or PNG chart",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := instrumentKey(args, exportSymbol, exportExchange, exportTimeframe)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Key:       key,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Coin symbol, e.g. USDT")
	exportCmd.Flags().StringVar(&exportExchange, "exchange", "", "Exchange name")
	exportCmd.Flags().StringVar(&exportTimeframe, "timeframe", string(model.Timeframe1h), "Rate timeframe (1h or 24h)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
