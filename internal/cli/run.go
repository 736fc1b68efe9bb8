package cli

import (
	"time"

	"github.com/spf13/cobra"

	"coinrate-alerts/internal/app"
)

var checkPoll time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled monitoring loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled loop together with the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "立即执行一次手动监控并输出进度",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), app.CheckOptions{PollInterval: checkPoll})
	},
}

func init() {
	checkCmd.Flags().DurationVar(&checkPoll, "poll", 500*time.Millisecond, "Progress polling interval")
}
